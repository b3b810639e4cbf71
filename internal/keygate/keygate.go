// Package keygate grants, renews and redeems access keys. Every grant costs a
// full checkpoint pass: the store resets the session's progress to zero in the
// same transaction that mints the key, so checkpoints are re-earned per key
// rather than per session.
package keygate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/registry"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/internal/token"
	"github.com/whiteshards/cryptix/pkg/models"
)

// ErrHWIDMismatch means the key is already bound to a different machine.
var ErrHWIDMismatch = errors.New("key is bound to a different hwid")

// Gate is the key issuance gate.
type Gate struct {
	store store.Store

	now func() time.Time
}

// New creates a Gate.
func New(st store.Store) *Gate {
	return &Gate{store: st, now: time.Now}
}

// Generate mints a key for the visitor once the full checkpoint pass is done.
// The store enforces the preconditions in order under the session lock:
// session exists, progress complete, no cooldown, under the per-person cap.
func (g *Gate) Generate(ctx context.Context, ksID uuid.UUID, visitorID string) (*models.Key, error) {
	ks, err := g.store.GetKeysystem(ctx, ksID)
	if err != nil {
		return nil, err
	}
	if !ks.Active {
		return nil, registry.ErrKeysystemInactive
	}

	now := g.now().UTC()
	return g.store.GrantKey(ctx, store.KeyGrant{
		KeysystemID:      ksID,
		VisitorID:        visitorID,
		Value:            token.NewKeyValue(),
		RequiredProgress: len(ks.Checkpoints),
		MaxKeys:          ks.MaxKeysPerPerson,
		ExpiresAt:        ks.KeyExpiry(now),
		CooldownTill:     ks.CooldownUntil(now),
		Now:              now,
	})
}

// Renew re-activates an existing key with a fresh expiry, under the same
// preconditions as Generate plus the key must already belong to the session.
// The key count does not grow.
func (g *Gate) Renew(ctx context.Context, ksID uuid.UUID, visitorID, keyValue string) (*models.Key, error) {
	ks, err := g.store.GetKeysystem(ctx, ksID)
	if err != nil {
		return nil, err
	}
	if !ks.Active {
		return nil, registry.ErrKeysystemInactive
	}

	now := g.now().UTC()
	return g.store.RenewKey(ctx, store.KeyRenewal{
		KeysystemID:      ksID,
		VisitorID:        visitorID,
		KeyValue:         keyValue,
		RequiredProgress: len(ks.Checkpoints),
		ExpiresAt:        ks.KeyExpiry(now),
		CooldownTill:     ks.CooldownUntil(now),
		Now:              now,
	})
}

// Redeem is the script-side check: the key must be active and unexpired, and
// on first redemption it is bound to the presenting machine's hwid. Later
// redemptions must present the same hwid.
func (g *Gate) Redeem(ctx context.Context, ksID uuid.UUID, value, hwid string) (*models.Key, error) {
	key, err := g.store.GetKeyByValue(ctx, ksID, value)
	if err != nil {
		return nil, err
	}
	if !key.Usable(g.now()) {
		return nil, store.ErrKeyNotFound
	}

	key, err = g.store.BindKeyHWID(ctx, ksID, value, hwid)
	if err != nil {
		return nil, err
	}
	if key.HWID != nil && *key.HWID != hwid {
		return nil, ErrHWIDMismatch
	}
	return key, nil
}
