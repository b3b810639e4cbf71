// Package workink verifies Work.ink checkpoints against the provider's
// one-shot token-validity API, combined with the local dwell check.
package workink

import (
	"context"
	"fmt"
	"strings"

	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/pkg/models"
)

// Verifier implements models.CheckpointVerifier for workink checkpoints.
type Verifier struct {
	api   Validator
	dwell *antibypass.Manager
}

func NewVerifier(api Validator, dwell *antibypass.Manager) *Verifier {
	return &Verifier{api: api, dwell: dwell}
}

func (v *Verifier) Type() models.CheckpointType { return models.CheckpointWorkInk }

// Verify checks referer, token param and dwell before touching the provider
// API. The API lookup invalidates the provider token server-side, so every
// local check must run first: a dwell rejection that had already burned the
// token would make the retry impossible.
func (v *Verifier) Verify(ctx context.Context, req models.VerifyRequest) error {
	if !strings.Contains(req.Referer, "work.ink") {
		return models.ErrRefererMismatch
	}
	providerToken := req.Params.Get("token")
	if providerToken == "" {
		return fmt.Errorf("%w: token", models.ErrMissingProof)
	}
	if err := v.dwell.Validate(ctx, req.Keysystem.ID, req.VisitorID, req.SessionToken); err != nil {
		return err
	}
	return v.api.ValidateToken(ctx, providerToken)
}

var _ models.CheckpointVerifier = (*Verifier)(nil)
