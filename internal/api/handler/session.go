package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/internal/api/response"
	"github.com/whiteshards/cryptix/internal/progress"
	"github.com/whiteshards/cryptix/internal/registry"
	"github.com/whiteshards/cryptix/internal/store"
)

// sessionRef is the (keysystem, visitor) pair every visitor endpoint needs.
// Both halves live client-side; a missing half means corrupted client state
// and gets its own message rather than a generic failure.
type sessionRef struct {
	KeysystemID uuid.UUID
	VisitorID   string
}

func decodeSessionRef(w http.ResponseWriter, r *http.Request) (sessionRef, bool) {
	var body struct {
		KeysystemID string `json:"keysystem_id"`
		VisitorID   string `json:"visitor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return sessionRef{}, false
	}
	return validateSessionRef(w, body.KeysystemID, body.VisitorID)
}

func validateSessionRef(w http.ResponseWriter, ksStr, visitor string) (sessionRef, bool) {
	if ksStr == "" {
		response.Error(w, http.StatusBadRequest, "CLIENT_STATE", "keysystem_id is missing; restart the flow", nil)
		return sessionRef{}, false
	}
	ksID, err := uuid.Parse(ksStr)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "CLIENT_STATE", "keysystem_id is not a valid id", nil)
		return sessionRef{}, false
	}
	if visitor == "" {
		response.Error(w, http.StatusBadRequest, "CLIENT_STATE", "visitor_id is missing; restart the flow", nil)
		return sessionRef{}, false
	}
	return sessionRef{KeysystemID: ksID, VisitorID: visitor}, true
}

func querySessionRef(w http.ResponseWriter, r *http.Request) (sessionRef, bool) {
	return validateSessionRef(w, r.URL.Query().Get("keysystem_id"), r.URL.Query().Get("visitor_id"))
}

// NewCreateSessionHandler returns the handler for POST /v1/sessions:
// create-or-fetch the visitor's session.
func NewCreateSessionHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := decodeSessionRef(w, r)
		if !ok {
			return
		}

		ks, err := st.GetKeysystem(r.Context(), ref.KeysystemID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !ks.Active {
			writeDomainError(w, registry.ErrKeysystemInactive)
			return
		}

		sess, err := st.EnsureSession(r.Context(), ref.KeysystemID, ref.VisitorID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		response.JSON(w, sess)
	}
}

// NewGetSessionHandler returns the handler for GET /v1/sessions.
func NewGetSessionHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := querySessionRef(w, r)
		if !ok {
			return
		}

		sess, err := st.GetSession(r.Context(), ref.KeysystemID, ref.VisitorID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		response.JSON(w, sess)
	}
}

// NewIssueTokenHandler returns the handler for POST /v1/sessions/token: issue
// or reuse the anti-bypass token and hand back the checkpoint destination.
func NewIssueTokenHandler(ctrl *progress.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := decodeSessionRef(w, r)
		if !ok {
			return
		}

		start, err := ctrl.Start(r.Context(), ref.KeysystemID, ref.VisitorID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		response.JSON(w, start)
	}
}

// NewCheckTokenHandler returns the handler for GET /v1/sessions/token/check.
func NewCheckTokenHandler(dwell *antibypass.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := querySessionRef(w, r)
		if !ok {
			return
		}

		tok, createdAt, err := dwell.Peek(r.Context(), ref.KeysystemID, ref.VisitorID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"session_token": tok,
			"created_at":    createdAt,
		})
	}
}

// NewClearTokenHandler returns the handler for DELETE /v1/sessions/token.
func NewClearTokenHandler(dwell *antibypass.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := querySessionRef(w, r)
		if !ok {
			return
		}

		if err := dwell.Clear(r.Context(), ref.KeysystemID, ref.VisitorID); err != nil {
			writeDomainError(w, err)
			return
		}
		response.NoContent(w)
	}
}
