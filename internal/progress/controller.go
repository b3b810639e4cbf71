// Package progress drives a visitor through a keysystem's checkpoint sequence.
// All session state transitions happen here: starting a checkpoint attempt and
// completing one through the provider callback.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/internal/registry"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/internal/verify"
	"github.com/whiteshards/cryptix/internal/webhook"
	"github.com/whiteshards/cryptix/pkg/models"
)

var (
	// ErrKeysystemMismatch means the keysystem the client believes it is in
	// does not own the callback token it presented.
	ErrKeysystemMismatch = errors.New("callback belongs to a different keysystem")
	// ErrIntegrityViolation means the callback's checkpoint index does not
	// match the session's current position: a replayed or skipped checkpoint.
	ErrIntegrityViolation = errors.New("skipped or redid checkpoint")
)

// CompleteRequest is one provider callback attempting to advance a session.
type CompleteRequest struct {
	CallbackToken string
	// KeysystemID is the id the visitor's client has remembered; it must
	// match the keysystem resolved from the callback token.
	KeysystemID  uuid.UUID
	VisitorID    string
	SessionToken string
	Referer      string
	Params       url.Values
}

// Result reports the session position after a successful transition.
type Result struct {
	KeysystemID uuid.UUID `json:"keysystem_id"`
	Checkpoint  int       `json:"current_checkpoint"`
	Total       int       `json:"total_checkpoints"`
	Completed   bool      `json:"completed"`
}

// StartResult is the redirect material for the visitor's next checkpoint.
type StartResult struct {
	Token       string `json:"session_token,omitempty"`
	Destination string `json:"destination,omitempty"`
	Checkpoint  int    `json:"current_checkpoint"`
	Total       int    `json:"total_checkpoints"`
	Completed   bool   `json:"completed"`
}

// Controller owns the checkpoint state machine.
type Controller struct {
	store    store.Store
	registry *registry.Registry
	verifier *verify.Dispatcher
	dwell    *antibypass.Manager
	notifier webhook.Notifier
	logger   *slog.Logger
}

// NewController wires the flow components together.
func NewController(st store.Store, reg *registry.Registry, d *verify.Dispatcher, dwell *antibypass.Manager, n webhook.Notifier, logger *slog.Logger) *Controller {
	return &Controller{
		store:    st,
		registry: reg,
		verifier: d,
		dwell:    dwell,
		notifier: n,
		logger:   logger,
	}
}

// Start issues the anti-bypass token for the session's current checkpoint and
// returns where to send the visitor. For LootLabs checkpoints the destination
// is generated per attempt through the provider's URL encryptor; for the other
// types it is the checkpoint's stored redirect URL. Linkvertise enforces its
// own dwell, so no local token is issued for it.
func (c *Controller) Start(ctx context.Context, ksID uuid.UUID, visitorID string) (*StartResult, error) {
	ks, err := c.store.GetKeysystem(ctx, ksID)
	if err != nil {
		return nil, err
	}
	if !ks.Active {
		return nil, registry.ErrKeysystemInactive
	}

	sess, err := c.store.GetSession(ctx, ksID, visitorID)
	if err != nil {
		return nil, err
	}

	total := len(ks.Checkpoints)
	if sess.CurrentCheckpoint >= total {
		return &StartResult{Checkpoint: sess.CurrentCheckpoint, Total: total, Completed: true}, nil
	}

	cp := ks.Checkpoints[sess.CurrentCheckpoint]

	var tok string
	if cp.Type != models.CheckpointLinkvertise {
		tok, err = c.dwell.Issue(ctx, ksID, visitorID)
		if err != nil {
			return nil, err
		}
	}

	destination := cp.RedirectURL
	if cp.Type == models.CheckpointLootLabs {
		destination, err = c.registry.GenerateDynamicURL(ctx, ks, sess.CurrentCheckpoint, visitorID)
		if err != nil {
			return nil, err
		}
	}

	return &StartResult{
		Token:       tok,
		Destination: destination,
		Checkpoint:  sess.CurrentCheckpoint,
		Total:       total,
	}, nil
}

// Complete handles a provider callback: resolve, integrity-check, verify,
// advance. Any rejection leaves the session's progress untouched.
func (c *Controller) Complete(ctx context.Context, req CompleteRequest) (*Result, error) {
	res, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	ks := res.Keysystem

	if req.KeysystemID != ks.ID {
		return nil, ErrKeysystemMismatch
	}

	sess, err := c.store.GetSession(ctx, ks.ID, req.VisitorID)
	if err != nil {
		return nil, err
	}

	if res.Index != sess.CurrentCheckpoint {
		c.logger.Warn("checkpoint replay or skip",
			"keysystem_id", ks.ID,
			"visitor_id", req.VisitorID,
			"callback_index", res.Index,
			"session_index", sess.CurrentCheckpoint,
		)
		return nil, ErrIntegrityViolation
	}

	vreq := models.VerifyRequest{
		Keysystem:    ks,
		Checkpoint:   res.Checkpoint,
		Index:        res.Index,
		VisitorID:    req.VisitorID,
		Referer:      req.Referer,
		Params:       req.Params,
		SessionToken: req.SessionToken,
	}
	if err := c.verifier.Verify(ctx, vreq); err != nil {
		c.handleRejection(ctx, ks, res.Index, req.VisitorID, err)
		return nil, err
	}

	newIdx, err := c.store.AdvanceProgress(ctx, ks.ID, req.VisitorID, res.Index)
	if err != nil {
		if errors.Is(err, store.ErrStaleProgress) {
			// A concurrent callback for the same session won the advance.
			return nil, ErrIntegrityViolation
		}
		return nil, fmt.Errorf("advance progress: %w", err)
	}

	if res.Checkpoint.Type == models.CheckpointLootLabs {
		// Dynamic callbacks are one-shot. Best-effort: a leftover row cannot
		// re-advance anyway because the index is now stale.
		if err := c.store.DeleteLootLabsCallback(ctx, req.CallbackToken); err != nil {
			c.logger.Warn("delete lootlabs callback", "error", err, "keysystem_id", ks.ID)
		}
	}

	c.notify(ks, webhook.Event{
		Kind:            webhook.EventCheckpointCompleted,
		KeysystemID:     ks.ID,
		KeysystemName:   ks.Name,
		VisitorID:       req.VisitorID,
		CheckpointIndex: res.Index,
		OccurredAt:      time.Now().UTC(),
	})

	total := len(ks.Checkpoints)
	return &Result{
		KeysystemID: ks.ID,
		Checkpoint:  newIdx,
		Total:       total,
		Completed:   newIdx >= total,
	}, nil
}

// resolve looks the callback token up as a static token first, then as a
// per-visitor LootLabs one.
func (c *Controller) resolve(ctx context.Context, req CompleteRequest) (*registry.Resolution, error) {
	res, err := c.registry.FindByCallbackToken(ctx, req.CallbackToken)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return c.registry.FindLootLabsCallback(ctx, req.CallbackToken, req.VisitorID)
}

// handleRejection applies the token-cleanup policy and reports security
// events. Dwell-time failures keep the token in place: the visitor's retry
// after waiting out the window must still find it. Transient provider outages
// also keep it. Every other rejection is terminal and clears the token so it
// cannot be replayed against a different checkpoint.
func (c *Controller) handleRejection(ctx context.Context, ks *models.Keysystem, index int, visitorID string, verr error) {
	if verify.IsAntiBypass(verr) {
		c.notify(ks, webhook.Event{
			Kind:            webhook.EventBypassDetected,
			KeysystemID:     ks.ID,
			KeysystemName:   ks.Name,
			VisitorID:       visitorID,
			CheckpointIndex: index,
			Detail:          verr.Error(),
			OccurredAt:      time.Now().UTC(),
		})
	}

	tooEarly := errors.Is(verr, antibypass.ErrTooSoon) || errors.Is(verr, antibypass.ErrNoToken)
	if tooEarly || verify.IsTransient(verr) {
		return
	}
	if err := c.dwell.Clear(ctx, ks.ID, visitorID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("clear session token", "error", err, "keysystem_id", ks.ID)
	}
}

func (c *Controller) notify(ks *models.Keysystem, ev webhook.Event) {
	if ks.WebhookURL == nil {
		return
	}
	c.notifier.Notify(*ks.WebhookURL, ev)
}
