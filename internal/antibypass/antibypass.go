// Package antibypass issues and validates the short-lived session token that
// proves a visitor actually spent time on an ad provider before returning.
package antibypass

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/internal/token"
)

var (
	// ErrNoToken covers both "no token in flight" and "presented token does
	// not match": callers get one answer so probing cannot tell the halves
	// apart.
	ErrNoToken = errors.New("no valid session token")
	// ErrTooSoon means the callback returned before the minimum dwell time.
	// This is the core anti-automation heuristic.
	ErrTooSoon = errors.New("checkpoint completed too quickly")
)

// Manager issues and validates anti-bypass session tokens. Validation never
// deletes the token: deletion is coupled with forward progress and belongs to
// the caller's atomic advance.
type Manager struct {
	store  store.Store
	minAge time.Duration

	now func() time.Time // overridable in tests
}

// NewManager creates a Manager enforcing the given minimum token age.
func NewManager(s store.Store, minAge time.Duration) *Manager {
	return &Manager{store: s, minAge: minAge, now: time.Now}
}

// Issue stores a fresh token on the session, or returns the one already in
// flight so a reloaded start page does not invalidate a pending redirect.
func (m *Manager) Issue(ctx context.Context, ksID uuid.UUID, visitorID string) (string, error) {
	candidate := token.NewSessionToken()
	tok, _, err := m.store.EnsureSessionToken(ctx, ksID, visitorID, candidate, m.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("issue session token: %w", err)
	}
	return tok, nil
}

// Peek returns the in-flight token without validating age, for the visitor's
// token-check endpoint.
func (m *Manager) Peek(ctx context.Context, ksID uuid.UUID, visitorID string) (string, time.Time, error) {
	sess, err := m.store.GetSession(ctx, ksID, visitorID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !sess.HasToken() {
		return "", time.Time{}, ErrNoToken
	}
	return *sess.TokenValue, *sess.TokenCreatedAt, nil
}

// Validate checks the presented token against the session and enforces the
// minimum dwell time. A token aged exactly the minimum passes.
func (m *Manager) Validate(ctx context.Context, ksID uuid.UUID, visitorID, presented string) error {
	sess, err := m.store.GetSession(ctx, ksID, visitorID)
	if err != nil {
		return err
	}
	if !sess.HasToken() {
		return ErrNoToken
	}
	if presented == "" || presented != *sess.TokenValue {
		return ErrNoToken
	}
	if m.now().Sub(*sess.TokenCreatedAt) < m.minAge {
		return ErrTooSoon
	}
	return nil
}

// Clear drops the in-flight token without advancing progress.
func (m *Manager) Clear(ctx context.Context, ksID uuid.UUID, visitorID string) error {
	return m.store.ClearSessionToken(ctx, ksID, visitorID)
}
