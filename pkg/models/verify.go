package models

import (
	"context"
	"errors"
	"net/url"
)

// Shared rejection errors returned by checkpoint verifiers. Provider-specific
// failures (API rejection, unreachable) live with each provider's client.
var (
	ErrRefererMismatch = errors.New("unexpected referer for checkpoint")
	ErrMissingProof    = errors.New("missing verification parameter")
)

// VerifyRequest carries everything a verification strategy may inspect when a
// visitor returns from an ad provider: the resolved checkpoint, the raw
// query/fragment parameters from the callback, the browser referer, and the
// anti-bypass token the visitor's client held for this attempt.
type VerifyRequest struct {
	Keysystem    *Keysystem
	Checkpoint   Checkpoint
	Index        int
	VisitorID    string
	Referer      string
	Params       url.Values
	SessionToken string
}

// CheckpointVerifier is implemented once per checkpoint type. Verify returns
// nil when the checkpoint was genuinely completed and a classified error
// otherwise; callers dispatch on the type tag.
type CheckpointVerifier interface {
	Type() CheckpointType
	Verify(ctx context.Context, req VerifyRequest) error
}
