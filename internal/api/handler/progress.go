package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/whiteshards/cryptix/internal/api/response"
	"github.com/whiteshards/cryptix/internal/progress"
	"github.com/whiteshards/cryptix/internal/registry"
	"github.com/whiteshards/cryptix/internal/store"
)

// NewProgressHandler returns the handler for POST /v1/checkpoints/progress:
// the provider-callback entry point that advances a session by one checkpoint.
// The front-end forwards the raw query/fragment parameters it received from
// the provider redirect in "params".
func NewProgressHandler(ctrl *progress.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			KeysystemID   string            `json:"keysystem_id"`
			VisitorID     string            `json:"visitor_id"`
			CallbackToken string            `json:"callback_token"`
			SessionToken  string            `json:"session_token"`
			Params        map[string]string `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ref, ok := validateSessionRef(w, body.KeysystemID, body.VisitorID)
		if !ok {
			return
		}
		if body.CallbackToken == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "callback_token is required", nil)
			return
		}

		params := url.Values{}
		for k, v := range body.Params {
			params.Set(k, v)
		}

		res, err := ctrl.Complete(r.Context(), progress.CompleteRequest{
			CallbackToken: body.CallbackToken,
			KeysystemID:   ref.KeysystemID,
			VisitorID:     ref.VisitorID,
			SessionToken:  body.SessionToken,
			Referer:       r.Referer(),
			Params:        params,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewFindByTokenHandler returns the handler for
// GET /v1/checkpoints/find-by-token: resolve a callback token to its
// keysystem so the front-end can render the right get-key page. LootLabs
// tokens additionally need the visitor they were minted for.
func NewFindByTokenHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := r.URL.Query().Get("token")
		if tok == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "token is required", nil)
			return
		}

		res, err := reg.FindByCallbackToken(r.Context(), tok)
		if errors.Is(err, store.ErrNotFound) {
			if visitor := r.URL.Query().Get("visitor_id"); visitor != "" {
				res, err = reg.FindLootLabsCallback(r.Context(), tok, visitor)
			}
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}

		response.JSON(w, map[string]any{
			"keysystem":        res.Keysystem.Public(),
			"checkpoint_index": res.Index,
		})
	}
}
