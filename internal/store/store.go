package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Business-rule rejections from guarded updates. Callers classify these with
// errors.Is; anything else out of the store is an environment problem.
var (
	// ErrStaleProgress means the guarded advance matched no row because the
	// session's current checkpoint was not the expected one.
	ErrStaleProgress = errors.New("session progress does not match expected checkpoint")
	// ErrProgressIncomplete means a key operation ran before the checkpoint
	// pass finished.
	ErrProgressIncomplete = errors.New("checkpoint pass not complete")
	// ErrCooldownActive means the session is still inside its key cooldown.
	ErrCooldownActive = errors.New("key cooldown active")
	// ErrKeyLimitReached means the session already holds the maximum number
	// of keys.
	ErrKeyLimitReached = errors.New("key limit reached")
	// ErrKeyNotFound means a renewal referenced a key the session does not hold.
	ErrKeyNotFound = errors.New("key not found in session")
	// ErrCheckpointLimit means the keysystem already has the maximum number
	// of checkpoints.
	ErrCheckpointLimit = errors.New("checkpoint limit reached")
	// ErrMandatoryCheckpoint means a mutation tried to remove checkpoint 0.
	ErrMandatoryCheckpoint = errors.New("first checkpoint is mandatory and cannot be removed")
)

// Store is the data access interface. All database operations go through here.
//
// The progression-critical operations (EnsureSessionToken, AdvanceProgress,
// GrantKey, RenewKey) are single guarded statements or row-locking
// transactions: two racing requests for the same session can never both
// advance progress or both mint a key past the cap.
type Store interface {
	Ping(ctx context.Context) error

	// Owners
	GetDefaultOwner(ctx context.Context) (*models.Owner, error)
	CreateOwner(ctx context.Context, owner *models.Owner) error

	// Owner API keys
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	// Keysystems
	CreateKeysystem(ctx context.Context, ks *models.Keysystem) error
	GetKeysystem(ctx context.Context, id uuid.UUID) (*models.Keysystem, error)
	ListKeysystems(ctx context.Context, ownerID uuid.UUID) ([]*models.Keysystem, error)
	UpdateKeysystemSettings(ctx context.Context, ks *models.Keysystem) error
	DeleteKeysystem(ctx context.Context, id, ownerID uuid.UUID) error

	// Checkpoint list mutations. These are the authoritative enforcement
	// point for the cap of 10 and the non-removable first checkpoint.
	AppendCheckpoint(ctx context.Context, ksID, ownerID uuid.UUID, cp models.Checkpoint) error
	ReplaceCheckpoint(ctx context.Context, ksID, ownerID uuid.UUID, index int, cp models.Checkpoint) error
	RemoveCheckpoint(ctx context.Context, ksID, ownerID uuid.UUID, index int) error

	// FindByCallbackToken resolves a static callback token to its keysystem
	// and checkpoint index, active or not; activity is the registry's call.
	FindByCallbackToken(ctx context.Context, token string) (*models.Keysystem, int, error)

	// LootLabs per-visitor callbacks
	PutLootLabsCallback(ctx context.Context, cb *models.LootLabsCallback) error
	GetLootLabsCallback(ctx context.Context, token string) (*models.LootLabsCallback, error)
	DeleteLootLabsCallback(ctx context.Context, token string) error

	// Sessions
	EnsureSession(ctx context.Context, ksID uuid.UUID, visitorID string) (*models.Session, error)
	GetSession(ctx context.Context, ksID uuid.UUID, visitorID string) (*models.Session, error)

	// EnsureSessionToken stores candidate as the session's anti-bypass token
	// unless one is already in flight, and returns whichever token is now
	// current with its creation time.
	EnsureSessionToken(ctx context.Context, ksID uuid.UUID, visitorID, candidate string, now time.Time) (string, time.Time, error)
	ClearSessionToken(ctx context.Context, ksID uuid.UUID, visitorID string) error

	// AdvanceProgress increments current_checkpoint by exactly one and clears
	// the session token in the same statement, guarded on the expected index.
	// Returns the new index, or ErrStaleProgress when the guard missed.
	AdvanceProgress(ctx context.Context, ksID uuid.UUID, visitorID string, expectedIndex int) (int, error)

	// Keys
	GrantKey(ctx context.Context, g KeyGrant) (*models.Key, error)
	RenewKey(ctx context.Context, r KeyRenewal) (*models.Key, error)
	GetKeyByValue(ctx context.Context, ksID uuid.UUID, value string) (*models.Key, error)
	BindKeyHWID(ctx context.Context, ksID uuid.UUID, value, hwid string) (*models.Key, error)

	// ExpireDueKeys flips active keys whose expiry has passed. Called by the
	// external sweeper task, not by the request path.
	ExpireDueKeys(ctx context.Context, now time.Time) (int64, error)
}

// KeyGrant carries one key-issuance attempt. The store checks the
// preconditions in order under a session row lock: session exists, progress
// equals RequiredProgress, no active cooldown, fewer than MaxKeys keys.
type KeyGrant struct {
	KeysystemID      uuid.UUID
	VisitorID        string
	Value            string
	RequiredProgress int
	MaxKeys          int
	ExpiresAt        *time.Time
	CooldownTill     time.Time
	Now              time.Time
}

// KeyRenewal rewrites an existing key's expiry in place under the same
// preconditions as KeyGrant, plus the key itself must exist in the session.
type KeyRenewal struct {
	KeysystemID      uuid.UUID
	VisitorID        string
	KeyValue         string
	RequiredProgress int
	ExpiresAt        *time.Time
	CooldownTill     time.Time
	Now              time.Time
}
