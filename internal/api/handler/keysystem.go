package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/whiteshards/cryptix/internal/api/middleware"
	"github.com/whiteshards/cryptix/internal/api/response"
	"github.com/whiteshards/cryptix/internal/cache"
	"github.com/whiteshards/cryptix/internal/registry"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/pkg/models"
)

// publicKeysystemTTL bounds how stale the anonymous get-key page view can be
// after an owner edit.
const publicKeysystemTTL = 30 * time.Second

type checkpointPayload struct {
	Type        models.CheckpointType `json:"type"`
	RedirectURL string                `json:"redirect_url"`
	Mandatory   bool                  `json:"mandatory"`
}

func (p checkpointPayload) build(w http.ResponseWriter) (models.Checkpoint, bool) {
	if p.RedirectURL == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "redirect_url is required", nil)
		return models.Checkpoint{}, false
	}
	cp, err := registry.NewCheckpoint(p.Type, p.RedirectURL, p.Mandatory)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return models.Checkpoint{}, false
	}
	return cp, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "id is not a valid uuid", nil)
		return uuid.Nil, false
	}
	return id, true
}

func ownerFromContext(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Authentication required", nil)
		return uuid.Nil, false
	}
	return ownerID, true
}

// getOwned loads a keysystem and enforces ownership. Foreign keysystems read
// as not-found rather than forbidden so ids are not probeable.
func getOwned(w http.ResponseWriter, r *http.Request, st store.Store, id, ownerID uuid.UUID) (*models.Keysystem, bool) {
	ks, err := st.GetKeysystem(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if ks.OwnerID != ownerID {
		writeDomainError(w, store.ErrNotFound)
		return nil, false
	}
	return ks, true
}

// NewCreateKeysystemHandler returns the handler for POST /v1/keysystems. The
// body must carry at least one checkpoint; the first one is mandatory by rule
// and anchors the visitor flow.
func NewCreateKeysystemHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerFromContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Name               string              `json:"name"`
			MaxKeysPerPerson   int                 `json:"max_keys_per_person"`
			KeyTimerHours      int                 `json:"key_timer_hours"`
			KeyCooldownMinutes int                 `json:"key_cooldown_minutes"`
			WebhookURL         *string             `json:"webhook_url"`
			LootLabsAPIKey     *string             `json:"lootlabs_api_key"`
			Checkpoints        []checkpointPayload `json:"checkpoints"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if body.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(body.Checkpoints) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "at least one checkpoint is required", nil)
			return
		}
		if len(body.Checkpoints) > models.MaxCheckpoints {
			writeDomainError(w, store.ErrCheckpointLimit)
			return
		}
		if body.MaxKeysPerPerson <= 0 {
			body.MaxKeysPerPerson = 1
		}

		cps := make([]models.Checkpoint, 0, len(body.Checkpoints))
		for _, p := range body.Checkpoints {
			cp, ok := p.build(w)
			if !ok {
				return
			}
			cps = append(cps, cp)
		}
		cps[0].Mandatory = true

		now := time.Now().UTC()
		ks := &models.Keysystem{
			ID:                 uuid.New(),
			OwnerID:            ownerID,
			Name:               body.Name,
			MaxKeysPerPerson:   body.MaxKeysPerPerson,
			KeyTimerHours:      body.KeyTimerHours,
			KeyCooldownMinutes: body.KeyCooldownMinutes,
			WebhookURL:         body.WebhookURL,
			LootLabsAPIKey:     body.LootLabsAPIKey,
			Active:             true,
			Checkpoints:        cps,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := st.CreateKeysystem(r.Context(), ks); err != nil {
			writeDomainError(w, err)
			return
		}
		response.Created(w, ks)
	}
}

// NewListKeysystemsHandler returns the handler for GET /v1/keysystems.
func NewListKeysystemsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerFromContext(w, r)
		if !ok {
			return
		}
		list, err := st.ListKeysystems(r.Context(), ownerID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		response.JSON(w, list)
	}
}

// NewGetPublicKeysystemHandler returns the handler for the anonymous
// GET /v1/keysystems/{id}: the secret-free view the get-key page renders,
// cached in redis for a short window since it is read on every page load.
func NewGetPublicKeysystemHandler(st store.Store, c cache.Cache, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		cacheKey := cache.PublicKeysystemKey(id)
		if raw, hit, err := c.Get(r.Context(), cacheKey); err == nil && hit {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(raw)
			return
		}

		ks, err := st.GetKeysystem(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		pub := ks.Public()
		if raw, err := json.Marshal(map[string]any{"data": pub}); err == nil {
			if err := c.Set(r.Context(), cacheKey, raw, publicKeysystemTTL); err != nil {
				logger.Warn("failed to cache public keysystem", "keysystem_id", id, "error", err)
			}
		}
		response.JSON(w, pub)
	}
}

// NewUpdateKeysystemHandler returns the handler for PATCH /v1/keysystems/{id}.
// Only the fields present in the body change; checkpoints have their own
// endpoints.
func NewUpdateKeysystemHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerFromContext(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var body struct {
			Name               *string `json:"name"`
			MaxKeysPerPerson   *int    `json:"max_keys_per_person"`
			KeyTimerHours      *int    `json:"key_timer_hours"`
			KeyCooldownMinutes *int    `json:"key_cooldown_minutes"`
			WebhookURL         *string `json:"webhook_url"`
			LootLabsAPIKey     *string `json:"lootlabs_api_key"`
			Active             *bool   `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ks, ok := getOwned(w, r, st, id, ownerID)
		if !ok {
			return
		}

		if body.Name != nil {
			ks.Name = *body.Name
		}
		if body.MaxKeysPerPerson != nil {
			ks.MaxKeysPerPerson = *body.MaxKeysPerPerson
		}
		if body.KeyTimerHours != nil {
			ks.KeyTimerHours = *body.KeyTimerHours
		}
		if body.KeyCooldownMinutes != nil {
			ks.KeyCooldownMinutes = *body.KeyCooldownMinutes
		}
		if body.WebhookURL != nil {
			ks.WebhookURL = body.WebhookURL
		}
		if body.LootLabsAPIKey != nil {
			ks.LootLabsAPIKey = body.LootLabsAPIKey
		}
		if body.Active != nil {
			ks.Active = *body.Active
		}

		if err := st.UpdateKeysystemSettings(r.Context(), ks); err != nil {
			writeDomainError(w, err)
			return
		}
		c.Delete(r.Context(), cache.PublicKeysystemKey(id))
		response.JSON(w, ks)
	}
}

// NewDeleteKeysystemHandler returns the handler for DELETE /v1/keysystems/{id}.
func NewDeleteKeysystemHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerFromContext(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		if err := st.DeleteKeysystem(r.Context(), id, ownerID); err != nil {
			writeDomainError(w, err)
			return
		}
		c.Delete(r.Context(), cache.PublicKeysystemKey(id))
		response.NoContent(w)
	}
}

// NewAddCheckpointHandler returns the handler for
// POST /v1/keysystems/{id}/checkpoints.
func NewAddCheckpointHandler(reg *registry.Registry, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerFromContext(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var body checkpointPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		cp, ok := body.build(w)
		if !ok {
			return
		}

		if err := reg.AppendCheckpoint(r.Context(), id, ownerID, cp); err != nil {
			writeDomainError(w, err)
			return
		}
		c.Delete(r.Context(), cache.PublicKeysystemKey(id))
		response.Created(w, cp)
	}
}

// NewReplaceCheckpointHandler returns the handler for
// PUT /v1/keysystems/{id}/checkpoints/{index}.
func NewReplaceCheckpointHandler(reg *registry.Registry, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerFromContext(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		index, ok := pathIndex(w, r)
		if !ok {
			return
		}

		var body checkpointPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		cp, ok := body.build(w)
		if !ok {
			return
		}

		if err := reg.ReplaceCheckpoint(r.Context(), id, ownerID, index, cp); err != nil {
			writeDomainError(w, err)
			return
		}
		c.Delete(r.Context(), cache.PublicKeysystemKey(id))
		response.JSON(w, cp)
	}
}

// NewRemoveCheckpointHandler returns the handler for
// DELETE /v1/keysystems/{id}/checkpoints/{index}.
func NewRemoveCheckpointHandler(reg *registry.Registry, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerFromContext(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		index, ok := pathIndex(w, r)
		if !ok {
			return
		}

		if err := reg.RemoveCheckpoint(r.Context(), id, ownerID, index); err != nil {
			writeDomainError(w, err)
			return
		}
		c.Delete(r.Context(), cache.PublicKeysystemKey(id))
		response.NoContent(w)
	}
}

func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "index must be a non-negative integer", nil)
		return 0, false
	}
	return index, true
}
