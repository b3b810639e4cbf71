package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/api/response"
	"github.com/whiteshards/cryptix/internal/keygate"
)

// NewGenerateKeyHandler returns the handler for POST /v1/keys/generate:
// exchange a fully completed session for a fresh key.
func NewGenerateKeyHandler(gate *keygate.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := decodeSessionRef(w, r)
		if !ok {
			return
		}

		key, err := gate.Generate(r.Context(), ref.KeysystemID, ref.VisitorID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		response.Created(w, key)
	}
}

// NewRenewKeyHandler returns the handler for POST /v1/keys/renew: extend an
// existing key's lifetime after re-completing all checkpoints.
func NewRenewKeyHandler(gate *keygate.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			KeysystemID string `json:"keysystem_id"`
			VisitorID   string `json:"visitor_id"`
			Key         string `json:"key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		ref, ok := validateSessionRef(w, body.KeysystemID, body.VisitorID)
		if !ok {
			return
		}
		if body.Key == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "key is required", nil)
			return
		}

		key, err := gate.Renew(r.Context(), ref.KeysystemID, ref.VisitorID, body.Key)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		response.JSON(w, key)
	}
}

// NewRedeemKeyHandler returns the handler for POST /v1/keys/redeem: the
// in-game script validates a key and binds it to the caller's HWID.
func NewRedeemKeyHandler(gate *keygate.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			KeysystemID string `json:"keysystem_id"`
			Key         string `json:"key"`
			HWID        string `json:"hwid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		ksID, err := uuid.Parse(body.KeysystemID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keysystem_id is not a valid id", nil)
			return
		}
		if body.Key == "" || body.HWID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "key and hwid are required", nil)
			return
		}

		key, err := gate.Redeem(r.Context(), ksID, body.Key, body.HWID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"valid":      true,
			"expires_at": key.ExpiresAt,
		})
	}
}
