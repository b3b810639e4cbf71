// Package linkvertise verifies Linkvertise checkpoints by exchanging the hash
// the provider appends on return with its anti-bypassing API. Linkvertise runs
// its own dwell enforcement, so no local timing check is applied here; the
// hash exchange is the trust boundary.
package linkvertise

import (
	"context"
	"fmt"
	"strings"

	"github.com/whiteshards/cryptix/pkg/models"
)

// Verifier implements models.CheckpointVerifier for linkvertise checkpoints.
type Verifier struct {
	api Validator
}

func NewVerifier(api Validator) *Verifier {
	return &Verifier{api: api}
}

func (v *Verifier) Type() models.CheckpointType { return models.CheckpointLinkvertise }

// Verify requires a linkvertise.com referer and a hash in the callback
// parameters, then lets the provider API decide. Provider failures reject the
// checkpoint; an unreachable API is never an implicit pass.
func (v *Verifier) Verify(ctx context.Context, req models.VerifyRequest) error {
	if !strings.Contains(req.Referer, "linkvertise.com") {
		return models.ErrRefererMismatch
	}
	hash := req.Params.Get("hash")
	if hash == "" {
		return fmt.Errorf("%w: hash", models.ErrMissingProof)
	}
	return v.api.ValidateHash(ctx, req.Checkpoint.CallbackToken, hash)
}

var _ models.CheckpointVerifier = (*Verifier)(nil)
