// Package lootlabs verifies LootLabs checkpoints. LootLabs completion alone is
// not trusted: the visitor must arrive from one of the known LootLabs redirect
// domains and still pass the local dwell check.
package lootlabs

import (
	"context"
	"strings"

	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/pkg/models"
)

// redirectDomains are the hosts LootLabs bounces visitors through on
// completion.
var redirectDomains = []string{
	"loot-link.com",
	"loot-links.com",
	"lootdest.com",
	"lootdest.org",
	"lootlabs.gg",
}

// Verifier implements models.CheckpointVerifier for lootlabs checkpoints.
type Verifier struct {
	dwell *antibypass.Manager
}

func NewVerifier(dwell *antibypass.Manager) *Verifier {
	return &Verifier{dwell: dwell}
}

func (v *Verifier) Type() models.CheckpointType { return models.CheckpointLootLabs }

func (v *Verifier) Verify(ctx context.Context, req models.VerifyRequest) error {
	if !refererAllowed(req.Referer) {
		return models.ErrRefererMismatch
	}
	return v.dwell.Validate(ctx, req.Keysystem.ID, req.VisitorID, req.SessionToken)
}

func refererAllowed(referer string) bool {
	for _, d := range redirectDomains {
		if strings.Contains(referer, d) {
			return true
		}
	}
	return false
}

var _ models.CheckpointVerifier = (*Verifier)(nil)
