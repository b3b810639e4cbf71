// Package verify dispatches checkpoint verification to the per-provider
// strategy for the checkpoint's type, after a global bypass-tool referer gate
// that applies to every type.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/internal/config"
	"github.com/whiteshards/cryptix/internal/verify/custom"
	"github.com/whiteshards/cryptix/internal/verify/linkvertise"
	"github.com/whiteshards/cryptix/internal/verify/lootlabs"
	"github.com/whiteshards/cryptix/internal/verify/workink"
	"github.com/whiteshards/cryptix/pkg/models"
)

// ErrBypassDetected is returned when the referer names a known bypass tool,
// before any type-specific checks run.
var ErrBypassDetected = errors.New("bypass tool detected")

// bypassDomains are referer fragments of known keysystem bypass tools. A hit
// on any checkpoint type is rejected outright and reported as a security
// event by the caller.
var bypassDomains = []string{
	"bypass.city",
	"bypass.vip",
	"adbypass.org",
}

// Dispatcher routes a verification request to the strategy registered for the
// checkpoint's type.
type Dispatcher struct {
	verifiers map[models.CheckpointType]models.CheckpointVerifier
}

// NewDispatcher constructs the production strategy set from provider config.
// Called once at server startup.
func NewDispatcher(cfg config.ProvidersConfig, dwell *antibypass.Manager) *Dispatcher {
	lv := linkvertise.NewHTTPClient(cfg.Linkvertise.BaseURL, cfg.Linkvertise.Timeout)
	wi := workink.NewHTTPClient(cfg.WorkInk.BaseURL, cfg.WorkInk.Timeout)

	return NewWithVerifiers(
		custom.NewVerifier(dwell),
		linkvertise.NewVerifier(lv),
		lootlabs.NewVerifier(dwell),
		workink.NewVerifier(wi, dwell),
	)
}

// NewWithVerifiers builds a Dispatcher from an explicit strategy set.
func NewWithVerifiers(vs ...models.CheckpointVerifier) *Dispatcher {
	m := make(map[models.CheckpointType]models.CheckpointVerifier, len(vs))
	for _, v := range vs {
		m[v.Type()] = v
	}
	return &Dispatcher{verifiers: m}
}

// Verify runs the bypass-tool gate, then the type-specific strategy.
func (d *Dispatcher) Verify(ctx context.Context, req models.VerifyRequest) error {
	for _, dom := range bypassDomains {
		if strings.Contains(req.Referer, dom) {
			return ErrBypassDetected
		}
	}

	v, ok := d.verifiers[req.Checkpoint.Type]
	if !ok {
		return fmt.Errorf("no verifier for checkpoint type %q", req.Checkpoint.Type)
	}
	return v.Verify(ctx, req)
}

// IsTransient reports whether a verification failure was a provider outage
// rather than a verdict. Transient failures still reject the checkpoint (fail
// closed) but leave the session token in place for a retry.
func IsTransient(err error) bool {
	return errors.Is(err, linkvertise.ErrUnreachable) ||
		errors.Is(err, linkvertise.ErrTimeout) ||
		errors.Is(err, workink.ErrUnreachable) ||
		errors.Is(err, workink.ErrTimeout)
}

// IsAntiBypass reports whether the failure came from the dwell-time check or
// the bypass-tool gate, both of which are security events.
func IsAntiBypass(err error) bool {
	return errors.Is(err, ErrBypassDetected) ||
		errors.Is(err, antibypass.ErrNoToken) ||
		errors.Is(err, antibypass.ErrTooSoon)
}
