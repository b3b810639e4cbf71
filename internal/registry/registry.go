// Package registry resolves checkpoint callback tokens back to their
// keysystem and position, and owns the rules for mutating a keysystem's
// checkpoint list.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/lootlabs"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/internal/token"
	"github.com/whiteshards/cryptix/pkg/models"
)

var (
	// ErrKeysystemInactive is reported distinctly from plain not-found so
	// visitors see "this keysystem is disabled" rather than a dead link.
	ErrKeysystemInactive = errors.New("keysystem is not active")
	// ErrIntegrationMisconfigured means the owner's provider configuration
	// (LootLabs API key) is missing or rejected. The fix belongs to the
	// owner, not the visitor.
	ErrIntegrationMisconfigured = errors.New("provider integration misconfigured")
)

// Resolution is the result of resolving a callback token.
type Resolution struct {
	Keysystem  *models.Keysystem
	Checkpoint models.Checkpoint
	Index      int
	// VisitorID is set for LootLabs resolutions, where the callback token is
	// bound to one visitor's attempt.
	VisitorID string
}

// Registry looks up and mutates checkpoints.
type Registry struct {
	store         store.Store
	encryptor     lootlabs.Encryptor
	publicBaseURL string

	now func() time.Time
}

// New creates a Registry. publicBaseURL is the origin embedded in callback
// URLs handed to ad providers.
func New(st store.Store, enc lootlabs.Encryptor, publicBaseURL string) *Registry {
	return &Registry{
		store:         st,
		encryptor:     enc,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		now:           time.Now,
	}
}

// CallbackURL builds the public callback URL for a token.
func (r *Registry) CallbackURL(callbackToken string) string {
	return r.publicBaseURL + "/callback/" + callbackToken
}

// FindByCallbackToken resolves a static callback token. Tokens on inactive
// keysystems resolve to ErrKeysystemInactive, not ErrNotFound.
func (r *Registry) FindByCallbackToken(ctx context.Context, callbackToken string) (*Resolution, error) {
	ks, idx, err := r.store.FindByCallbackToken(ctx, callbackToken)
	if err != nil {
		return nil, err
	}
	if !ks.Active {
		return nil, ErrKeysystemInactive
	}
	return &Resolution{Keysystem: ks, Checkpoint: ks.Checkpoints[idx], Index: idx}, nil
}

// FindLootLabsCallback resolves a dynamic per-visitor callback token. The
// token must belong to the presenting visitor.
func (r *Registry) FindLootLabsCallback(ctx context.Context, callbackToken, visitorID string) (*Resolution, error) {
	cb, err := r.store.GetLootLabsCallback(ctx, callbackToken)
	if err != nil {
		return nil, err
	}
	if cb.VisitorID != visitorID {
		return nil, store.ErrNotFound
	}

	ks, err := r.store.GetKeysystem(ctx, cb.KeysystemID)
	if err != nil {
		return nil, err
	}
	if !ks.Active {
		return nil, ErrKeysystemInactive
	}
	if cb.CheckpointIndex < 0 || cb.CheckpointIndex >= len(ks.Checkpoints) {
		// Checkpoint list shrank since the callback was minted.
		return nil, store.ErrNotFound
	}
	return &Resolution{
		Keysystem:  ks,
		Checkpoint: ks.Checkpoints[cb.CheckpointIndex],
		Index:      cb.CheckpointIndex,
		VisitorID:  cb.VisitorID,
	}, nil
}

// GenerateDynamicURL mints a fresh per-visitor callback for a LootLabs
// checkpoint, encrypts it against the owner's API key, and returns the
// composite provider URL the visitor should be redirected to.
func (r *Registry) GenerateDynamicURL(ctx context.Context, ks *models.Keysystem, index int, visitorID string) (string, error) {
	if index < 0 || index >= len(ks.Checkpoints) {
		return "", store.ErrNotFound
	}
	cp := ks.Checkpoints[index]
	if cp.Type != models.CheckpointLootLabs {
		return "", fmt.Errorf("checkpoint %d is %s, not lootlabs", index, cp.Type)
	}
	if ks.LootLabsAPIKey == nil || *ks.LootLabsAPIKey == "" {
		return "", fmt.Errorf("%w: missing lootlabs api key", ErrIntegrationMisconfigured)
	}

	cb := &models.LootLabsCallback{
		Token:           token.NewCallbackToken(),
		KeysystemID:     ks.ID,
		CheckpointIndex: index,
		VisitorID:       visitorID,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.store.PutLootLabsCallback(ctx, cb); err != nil {
		if !errors.Is(err, store.ErrDuplicateKey) {
			return "", err
		}
		// Vanishingly unlikely, but tokens are a unique column: one retry.
		cb.Token = token.NewCallbackToken()
		if err := r.store.PutLootLabsCallback(ctx, cb); err != nil {
			return "", err
		}
	}

	encrypted, err := r.encryptor.EncryptURL(ctx, *ks.LootLabsAPIKey, r.CallbackURL(cb.Token))
	if err != nil {
		if errors.Is(err, lootlabs.ErrAPIError) {
			return "", fmt.Errorf("%w: %v", ErrIntegrationMisconfigured, err)
		}
		return "", err
	}

	sep := "?"
	if strings.Contains(cp.RedirectURL, "?") {
		sep = "&"
	}
	return cp.RedirectURL + sep + "data=" + url.QueryEscape(encrypted), nil
}

// NewCheckpoint builds a checkpoint of the given type, minting a static
// callback token for the types that use one.
func NewCheckpoint(cpType models.CheckpointType, redirectURL string, mandatory bool) (models.Checkpoint, error) {
	if !cpType.Valid() {
		return models.Checkpoint{}, fmt.Errorf("unknown checkpoint type %q", cpType)
	}
	cp := models.Checkpoint{
		Type:        cpType,
		RedirectURL: redirectURL,
		Mandatory:   mandatory,
	}
	if cp.UsesStaticCallback() {
		cp.CallbackToken = token.NewCallbackToken()
	}
	return cp, nil
}

// AppendCheckpoint adds a checkpoint to the keysystem, subject to the cap.
func (r *Registry) AppendCheckpoint(ctx context.Context, ksID, ownerID uuid.UUID, cp models.Checkpoint) error {
	return r.store.AppendCheckpoint(ctx, ksID, ownerID, cp)
}

// ReplaceCheckpoint swaps the checkpoint at index.
func (r *Registry) ReplaceCheckpoint(ctx context.Context, ksID, ownerID uuid.UUID, index int, cp models.Checkpoint) error {
	return r.store.ReplaceCheckpoint(ctx, ksID, ownerID, index, cp)
}

// RemoveCheckpoint deletes the checkpoint at index. Index 0 is mandatory and
// refused by the store regardless of caller.
func (r *Registry) RemoveCheckpoint(ctx context.Context, ksID, ownerID uuid.UUID, index int) error {
	return r.store.RemoveCheckpoint(ctx, ksID, ownerID, index)
}
