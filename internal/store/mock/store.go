// Package mock provides an in-memory Store for tests. It honors the same
// guard semantics as the Postgres implementation (single-winner advance, key
// preconditions under one lock), so concurrency properties can be tested
// without a database.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/pkg/models"
)

type sessionKey struct {
	ks      uuid.UUID
	visitor string
}

// Store is an in-memory store.Store. Safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	owners     map[uuid.UUID]*models.Owner
	apiKeys    map[uuid.UUID]*models.APIKey
	keysystems map[uuid.UUID]*models.Keysystem
	sessions   map[sessionKey]*models.Session
	keys       map[sessionKey][]*models.Key
	lootlabs   map[string]*models.LootLabsCallback
}

// New returns an empty mock store.
func New() *Store {
	return &Store{
		owners:     make(map[uuid.UUID]*models.Owner),
		apiKeys:    make(map[uuid.UUID]*models.APIKey),
		keysystems: make(map[uuid.UUID]*models.Keysystem),
		sessions:   make(map[sessionKey]*models.Session),
		keys:       make(map[sessionKey][]*models.Key),
		lootlabs:   make(map[string]*models.LootLabsCallback),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(context.Context) error { return nil }

// --- Owners ---

func (s *Store) GetDefaultOwner(context.Context) (*models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.owners {
		if o.Username == "default" {
			cp := *o
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateOwner(_ context.Context, owner *models.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *owner
	s.owners[owner.ID] = &cp
	return nil
}

// --- API keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := time.Now()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

// --- Keysystems ---

func (s *Store) CreateKeysystem(_ context.Context, ks *models.Keysystem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysystems[ks.ID] = copyKeysystem(ks)
	return nil
}

func (s *Store) GetKeysystem(_ context.Context, id uuid.UUID) (*models.Keysystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keysystems[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyKeysystem(ks), nil
}

func (s *Store) ListKeysystems(_ context.Context, ownerID uuid.UUID) ([]*models.Keysystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Keysystem
	for _, ks := range s.keysystems {
		if ks.OwnerID == ownerID {
			out = append(out, copyKeysystem(ks))
		}
	}
	return out, nil
}

func (s *Store) UpdateKeysystemSettings(_ context.Context, ks *models.Keysystem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keysystems[ks.ID]
	if !ok || cur.OwnerID != ks.OwnerID {
		return store.ErrNotFound
	}
	cur.Name = ks.Name
	cur.MaxKeysPerPerson = ks.MaxKeysPerPerson
	cur.KeyTimerHours = ks.KeyTimerHours
	cur.KeyCooldownMinutes = ks.KeyCooldownMinutes
	cur.WebhookURL = ks.WebhookURL
	cur.LootLabsAPIKey = ks.LootLabsAPIKey
	cur.Active = ks.Active
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteKeysystem(_ context.Context, id, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keysystems[id]
	if !ok || ks.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(s.keysystems, id)
	return nil
}

func (s *Store) AppendCheckpoint(_ context.Context, ksID, ownerID uuid.UUID, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keysystems[ksID]
	if !ok || ks.OwnerID != ownerID {
		return store.ErrNotFound
	}
	if len(ks.Checkpoints) >= models.MaxCheckpoints {
		return store.ErrCheckpointLimit
	}
	ks.Checkpoints = append(ks.Checkpoints, cp)
	return nil
}

func (s *Store) ReplaceCheckpoint(_ context.Context, ksID, ownerID uuid.UUID, index int, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keysystems[ksID]
	if !ok || ks.OwnerID != ownerID || index < 0 || index >= len(ks.Checkpoints) {
		return store.ErrNotFound
	}
	ks.Checkpoints[index] = cp
	return nil
}

func (s *Store) RemoveCheckpoint(_ context.Context, ksID, ownerID uuid.UUID, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 {
		return store.ErrMandatoryCheckpoint
	}
	ks, ok := s.keysystems[ksID]
	if !ok || ks.OwnerID != ownerID || index < 0 || index >= len(ks.Checkpoints) {
		return store.ErrNotFound
	}
	ks.Checkpoints = append(ks.Checkpoints[:index], ks.Checkpoints[index+1:]...)
	return nil
}

func (s *Store) FindByCallbackToken(_ context.Context, callbackToken string) (*models.Keysystem, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ks := range s.keysystems {
		for i, cp := range ks.Checkpoints {
			if cp.CallbackToken != "" && cp.CallbackToken == callbackToken {
				return copyKeysystem(ks), i, nil
			}
		}
	}
	return nil, 0, store.ErrNotFound
}

// --- LootLabs callbacks ---

func (s *Store) PutLootLabsCallback(_ context.Context, cb *models.LootLabsCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lootlabs[cb.Token]; ok {
		return store.ErrDuplicateKey
	}
	cp := *cb
	s.lootlabs[cb.Token] = &cp
	return nil
}

func (s *Store) GetLootLabsCallback(_ context.Context, callbackToken string) (*models.LootLabsCallback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.lootlabs[callbackToken]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cb
	return &cp, nil
}

func (s *Store) DeleteLootLabsCallback(_ context.Context, callbackToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lootlabs, callbackToken)
	return nil
}

// --- Sessions ---

func (s *Store) EnsureSession(_ context.Context, ksID uuid.UUID, visitorID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keysystems[ksID]; !ok {
		return nil, store.ErrNotFound
	}
	k := sessionKey{ksID, visitorID}
	if _, ok := s.sessions[k]; !ok {
		s.sessions[k] = &models.Session{
			KeysystemID: ksID,
			VisitorID:   visitorID,
			CreatedAt:   time.Now().UTC(),
		}
	}
	return s.snapshotSession(k), nil
}

func (s *Store) GetSession(_ context.Context, ksID uuid.UUID, visitorID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{ksID, visitorID}
	if _, ok := s.sessions[k]; !ok {
		return nil, store.ErrNotFound
	}
	return s.snapshotSession(k), nil
}

func (s *Store) EnsureSessionToken(_ context.Context, ksID uuid.UUID, visitorID, candidate string, now time.Time) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{ksID, visitorID}]
	if !ok {
		return "", time.Time{}, store.ErrNotFound
	}
	if sess.TokenValue == nil {
		sess.TokenValue = &candidate
		sess.TokenCreatedAt = &now
	}
	return *sess.TokenValue, *sess.TokenCreatedAt, nil
}

func (s *Store) ClearSessionToken(_ context.Context, ksID uuid.UUID, visitorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{ksID, visitorID}]
	if !ok {
		return store.ErrNotFound
	}
	sess.TokenValue = nil
	sess.TokenCreatedAt = nil
	return nil
}

func (s *Store) AdvanceProgress(_ context.Context, ksID uuid.UUID, visitorID string, expectedIndex int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{ksID, visitorID}]
	if !ok {
		return 0, store.ErrNotFound
	}
	if sess.CurrentCheckpoint != expectedIndex {
		return 0, store.ErrStaleProgress
	}
	sess.CurrentCheckpoint++
	sess.TokenValue = nil
	sess.TokenCreatedAt = nil
	return sess.CurrentCheckpoint, nil
}

// --- Keys ---

func (s *Store) GrantKey(_ context.Context, g store.KeyGrant) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{g.KeysystemID, g.VisitorID}
	sess, ok := s.sessions[k]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.CurrentCheckpoint != g.RequiredProgress {
		return nil, store.ErrProgressIncomplete
	}
	if sess.CooldownTill != nil && sess.CooldownTill.After(g.Now) {
		return nil, store.ErrCooldownActive
	}
	if len(s.keys[k]) >= g.MaxKeys {
		return nil, store.ErrKeyLimitReached
	}

	key := &models.Key{
		ID:          uuid.New(),
		KeysystemID: g.KeysystemID,
		VisitorID:   g.VisitorID,
		Value:       g.Value,
		Status:      models.KeyStatusActive,
		ExpiresAt:   g.ExpiresAt,
		CreatedAt:   g.Now,
	}
	s.keys[k] = append(s.keys[k], key)

	cooldown := g.CooldownTill
	sess.CurrentCheckpoint = 0
	sess.CooldownTill = &cooldown
	sess.TokenValue = nil
	sess.TokenCreatedAt = nil

	cp := *key
	return &cp, nil
}

func (s *Store) RenewKey(_ context.Context, r store.KeyRenewal) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{r.KeysystemID, r.VisitorID}
	sess, ok := s.sessions[k]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.CurrentCheckpoint != r.RequiredProgress {
		return nil, store.ErrProgressIncomplete
	}
	if sess.CooldownTill != nil && sess.CooldownTill.After(r.Now) {
		return nil, store.ErrCooldownActive
	}

	for _, key := range s.keys[k] {
		if key.Value == r.KeyValue {
			key.Status = models.KeyStatusActive
			key.ExpiresAt = r.ExpiresAt

			cooldown := r.CooldownTill
			sess.CurrentCheckpoint = 0
			sess.CooldownTill = &cooldown
			sess.TokenValue = nil
			sess.TokenCreatedAt = nil

			cp := *key
			return &cp, nil
		}
	}
	return nil, store.ErrKeyNotFound
}

func (s *Store) GetKeyByValue(_ context.Context, ksID uuid.UUID, value string) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, keys := range s.keys {
		if k.ks != ksID {
			continue
		}
		for _, key := range keys {
			if key.Value == value {
				cp := *key
				return &cp, nil
			}
		}
	}
	return nil, store.ErrKeyNotFound
}

func (s *Store) BindKeyHWID(_ context.Context, ksID uuid.UUID, value, hwid string) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, keys := range s.keys {
		if k.ks != ksID {
			continue
		}
		for _, key := range keys {
			if key.Value == value {
				if key.HWID == nil {
					h := hwid
					key.HWID = &h
				}
				cp := *key
				return &cp, nil
			}
		}
	}
	return nil, store.ErrKeyNotFound
}

func (s *Store) ExpireDueKeys(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, keys := range s.keys {
		for _, key := range keys {
			if key.Status == models.KeyStatusActive && key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
				key.Status = models.KeyStatusExpired
				n++
			}
		}
	}
	return n, nil
}

// SetSessionToken force-sets the anti-bypass token with an arbitrary creation
// time, for dwell-window tests.
func (s *Store) SetSessionToken(ksID uuid.UUID, visitorID, tok string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionKey{ksID, visitorID}]; ok {
		sess.TokenValue = &tok
		sess.TokenCreatedAt = &createdAt
	}
}

func (s *Store) snapshotSession(k sessionKey) *models.Session {
	sess := s.sessions[k]
	cp := *sess
	if sess.TokenValue != nil {
		v := *sess.TokenValue
		cp.TokenValue = &v
	}
	if sess.TokenCreatedAt != nil {
		t := *sess.TokenCreatedAt
		cp.TokenCreatedAt = &t
	}
	if sess.CooldownTill != nil {
		t := *sess.CooldownTill
		cp.CooldownTill = &t
	}
	cp.Keys = nil
	for _, key := range s.keys[k] {
		cp.Keys = append(cp.Keys, *key)
	}
	return &cp
}

func copyKeysystem(ks *models.Keysystem) *models.Keysystem {
	cp := *ks
	cp.Checkpoints = append([]models.Checkpoint(nil), ks.Checkpoints...)
	if ks.WebhookURL != nil {
		v := *ks.WebhookURL
		cp.WebhookURL = &v
	}
	if ks.LootLabsAPIKey != nil {
		v := *ks.LootLabsAPIKey
		cp.LootLabsAPIKey = &v
	}
	return &cp
}
