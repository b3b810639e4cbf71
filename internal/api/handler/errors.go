package handler

import (
	"errors"
	"net/http"

	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/internal/api/response"
	"github.com/whiteshards/cryptix/internal/keygate"
	"github.com/whiteshards/cryptix/internal/progress"
	"github.com/whiteshards/cryptix/internal/registry"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/internal/verify"
	"github.com/whiteshards/cryptix/internal/verify/linkvertise"
	"github.com/whiteshards/cryptix/internal/verify/workink"
	"github.com/whiteshards/cryptix/pkg/models"
)

// writeDomainError converts flow and store errors into the response envelope.
// Every business-rule rejection has a stable code the get-key front-end keys
// its messages on; anything unrecognized is an environment problem and stays
// a generic 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, progress.ErrKeysystemMismatch):
		response.Error(w, http.StatusBadRequest, "CLIENT_STATE",
			"Stored keysystem does not match this checkpoint; restart the flow", nil)
	case errors.Is(err, registry.ErrKeysystemInactive):
		response.Error(w, http.StatusForbidden, "KEYSYSTEM_INACTIVE",
			"This keysystem is currently disabled", nil)
	case errors.Is(err, registry.ErrIntegrationMisconfigured):
		response.Error(w, http.StatusConflict, "INTEGRATION_MISCONFIGURED",
			"The keysystem owner must fix the provider configuration", nil)
	case errors.Is(err, progress.ErrIntegrityViolation):
		response.Error(w, http.StatusConflict, "INTEGRITY_VIOLATION",
			"Checkpoint was skipped or already completed", nil)
	case errors.Is(err, verify.ErrBypassDetected):
		response.Error(w, http.StatusForbidden, "BYPASS_DETECTED",
			"Bypass tool detected", nil)
	case errors.Is(err, antibypass.ErrTooSoon):
		response.Error(w, http.StatusForbidden, "ANTI_BYPASS_TRIGGERED",
			"Checkpoint completed too quickly", nil)
	case errors.Is(err, antibypass.ErrNoToken):
		response.Error(w, http.StatusBadRequest, "NO_SESSION_TOKEN",
			"No session token for this checkpoint; start it again", nil)
	case errors.Is(err, models.ErrRefererMismatch),
		errors.Is(err, models.ErrMissingProof),
		errors.Is(err, linkvertise.ErrHashRejected),
		errors.Is(err, workink.ErrTokenInvalid):
		response.Error(w, http.StatusBadRequest, "VERIFICATION_FAILED",
			"Checkpoint verification failed", nil)
	case verify.IsTransient(err):
		response.Error(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE",
			"The verification provider is unavailable; try again shortly", nil)
	case errors.Is(err, store.ErrProgressIncomplete):
		response.Error(w, http.StatusForbidden, "PROGRESS_INCOMPLETE",
			"Complete all checkpoints before requesting a key", nil)
	case errors.Is(err, store.ErrCooldownActive):
		response.Error(w, http.StatusTooManyRequests, "COOLDOWN_ACTIVE",
			"Key cooldown is still active", nil)
	case errors.Is(err, store.ErrKeyLimitReached):
		response.Error(w, http.StatusForbidden, "KEY_LIMIT_REACHED",
			"Maximum number of keys reached", nil)
	case errors.Is(err, keygate.ErrHWIDMismatch):
		response.Error(w, http.StatusForbidden, "HWID_MISMATCH",
			"Key is bound to a different machine", nil)
	case errors.Is(err, store.ErrKeyNotFound):
		response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND",
			"Key not found", nil)
	case errors.Is(err, store.ErrCheckpointLimit):
		response.Error(w, http.StatusBadRequest, "CHECKPOINT_LIMIT",
			"Keysystem already has the maximum number of checkpoints", nil)
	case errors.Is(err, store.ErrMandatoryCheckpoint):
		response.Error(w, http.StatusBadRequest, "MANDATORY_CHECKPOINT",
			"The first checkpoint cannot be removed", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND",
			"Resource not found", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
