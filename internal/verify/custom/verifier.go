// Package custom verifies checkpoints that point at an owner-supplied URL with
// no provider behind it. There is nothing external to call, so the whole
// verification is the anti-bypass dwell check. Owners are warned in the
// dashboard that this type is the weakest of the four.
package custom

import (
	"context"

	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/pkg/models"
)

// Verifier implements models.CheckpointVerifier for custom checkpoints.
type Verifier struct {
	dwell *antibypass.Manager
}

func NewVerifier(dwell *antibypass.Manager) *Verifier {
	return &Verifier{dwell: dwell}
}

func (v *Verifier) Type() models.CheckpointType { return models.CheckpointCustom }

func (v *Verifier) Verify(ctx context.Context, req models.VerifyRequest) error {
	return v.dwell.Validate(ctx, req.Keysystem.ID, req.VisitorID, req.SessionToken)
}

var _ models.CheckpointVerifier = (*Verifier)(nil)
