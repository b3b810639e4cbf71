package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/api/response"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/internal/token"
	"github.com/whiteshards/cryptix/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// NewCreateAPIKeyHandler returns the handler for POST /v1/owners/keys: mint a
// new owner API key. The raw key is returned exactly once; only its bcrypt
// hash and lookup prefix are stored.
func NewCreateAPIKeyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerFromContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if body.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(body.Scopes) == 0 {
			body.Scopes = []string{"owner"}
		}

		rawKey := token.NewAPIKey()
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			Name:      body.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:keyPrefixLen],
			Scopes:    body.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateAPIKey(r.Context(), key); err != nil {
			writeDomainError(w, err)
			return
		}

		response.Created(w, map[string]any{
			"api_key": key,
			"key":     rawKey,
		})
	}
}
