package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whiteshards/cryptix/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Owners ---

func (s *PostgresStore) GetDefaultOwner(ctx context.Context) (*models.Owner, error) {
	var o models.Owner
	err := s.pool.QueryRow(ctx,
		`SELECT id, discord_id, username, created_at, updated_at FROM owners WHERE username = 'default' LIMIT 1`,
	).Scan(&o.ID, &o.DiscordID, &o.Username, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default owner: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) CreateOwner(ctx context.Context, owner *models.Owner) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO owners (id, discord_id, username, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		owner.ID, owner.DiscordID, owner.Username, owner.CreatedAt, owner.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create owner: %w", err)
	}
	return nil
}

// --- Owner API keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Keysystems ---

const keysystemColumns = `id, owner_id, name, max_keys_per_person, key_timer_hours,
	key_cooldown_minutes, webhook_url, lootlabs_api_key, active, checkpoints, created_at, updated_at`

func scanKeysystem(row pgx.Row) (*models.Keysystem, error) {
	var k models.Keysystem
	var cps []byte
	err := row.Scan(&k.ID, &k.OwnerID, &k.Name, &k.MaxKeysPerPerson, &k.KeyTimerHours,
		&k.KeyCooldownMinutes, &k.WebhookURL, &k.LootLabsAPIKey, &k.Active, &cps,
		&k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cps, &k.Checkpoints); err != nil {
		return nil, fmt.Errorf("decode checkpoints: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) CreateKeysystem(ctx context.Context, ks *models.Keysystem) error {
	cps, err := json.Marshal(ks.Checkpoints)
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO keysystems (id, owner_id, name, max_keys_per_person, key_timer_hours,
		   key_cooldown_minutes, webhook_url, lootlabs_api_key, active, checkpoints, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ks.ID, ks.OwnerID, ks.Name, ks.MaxKeysPerPerson, ks.KeyTimerHours,
		ks.KeyCooldownMinutes, ks.WebhookURL, ks.LootLabsAPIKey, ks.Active, cps,
		ks.CreatedAt, ks.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create keysystem: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetKeysystem(ctx context.Context, id uuid.UUID) (*models.Keysystem, error) {
	ks, err := scanKeysystem(s.pool.QueryRow(ctx,
		`SELECT `+keysystemColumns+` FROM keysystems WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get keysystem: %w", err)
	}
	return ks, nil
}

func (s *PostgresStore) ListKeysystems(ctx context.Context, ownerID uuid.UUID) ([]*models.Keysystem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keysystemColumns+` FROM keysystems WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list keysystems: %w", err)
	}
	defer rows.Close()

	var out []*models.Keysystem
	for rows.Next() {
		ks, err := scanKeysystem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan keysystem: %w", err)
		}
		out = append(out, ks)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateKeysystemSettings(ctx context.Context, ks *models.Keysystem) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE keysystems SET name = $3, max_keys_per_person = $4, key_timer_hours = $5,
		   key_cooldown_minutes = $6, webhook_url = $7, lootlabs_api_key = $8, active = $9, updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2`,
		ks.ID, ks.OwnerID, ks.Name, ks.MaxKeysPerPerson, ks.KeyTimerHours,
		ks.KeyCooldownMinutes, ks.WebhookURL, ks.LootLabsAPIKey, ks.Active)
	if err != nil {
		return fmt.Errorf("update keysystem: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteKeysystem(ctx context.Context, id, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM keysystems WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete keysystem: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Checkpoint list mutations ---

func (s *PostgresStore) AppendCheckpoint(ctx context.Context, ksID, ownerID uuid.UUID, cp models.Checkpoint) error {
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE keysystems SET checkpoints = checkpoints || $3::jsonb, updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND jsonb_array_length(checkpoints) < $4`,
		ksID, ownerID, doc, models.MaxCheckpoints)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Guard missed: distinguish "full" from "no such keysystem".
		var n int
		err := s.pool.QueryRow(ctx,
			`SELECT jsonb_array_length(checkpoints) FROM keysystems WHERE id = $1 AND owner_id = $2`,
			ksID, ownerID).Scan(&n)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("append checkpoint: %w", err)
		}
		return ErrCheckpointLimit
	}
	return nil
}

func (s *PostgresStore) ReplaceCheckpoint(ctx context.Context, ksID, ownerID uuid.UUID, index int, cp models.Checkpoint) error {
	if index < 0 {
		return ErrNotFound
	}
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE keysystems SET checkpoints = jsonb_set(checkpoints, ARRAY[$3::text], $4::jsonb), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND jsonb_array_length(checkpoints) > $5`,
		ksID, ownerID, strconv.Itoa(index), doc, index)
	if err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RemoveCheckpoint(ctx context.Context, ksID, ownerID uuid.UUID, index int) error {
	// The first checkpoint is mandatory; removal is refused here no matter
	// what the caller claims to be.
	if index == 0 {
		return ErrMandatoryCheckpoint
	}
	if index < 0 {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE keysystems SET checkpoints = checkpoints - $3::int, updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND jsonb_array_length(checkpoints) > $3`,
		ksID, ownerID, index)
	if err != nil {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindByCallbackToken(ctx context.Context, callbackToken string) (*models.Keysystem, int, error) {
	var ord int
	var k models.Keysystem
	var cps []byte
	err := s.pool.QueryRow(ctx,
		`SELECT k.id, k.owner_id, k.name, k.max_keys_per_person, k.key_timer_hours,
		        k.key_cooldown_minutes, k.webhook_url, k.lootlabs_api_key, k.active,
		        k.checkpoints, k.created_at, k.updated_at, cp.ord - 1
		 FROM keysystems k
		 CROSS JOIN LATERAL jsonb_array_elements(k.checkpoints) WITH ORDINALITY AS cp(doc, ord)
		 WHERE cp.doc->>'callback_token' = $1
		 LIMIT 1`, callbackToken,
	).Scan(&k.ID, &k.OwnerID, &k.Name, &k.MaxKeysPerPerson, &k.KeyTimerHours,
		&k.KeyCooldownMinutes, &k.WebhookURL, &k.LootLabsAPIKey, &k.Active,
		&cps, &k.CreatedAt, &k.UpdatedAt, &ord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("find by callback token: %w", err)
	}
	if err := json.Unmarshal(cps, &k.Checkpoints); err != nil {
		return nil, 0, fmt.Errorf("decode checkpoints: %w", err)
	}
	return &k, ord, nil
}

// --- LootLabs callbacks ---

func (s *PostgresStore) PutLootLabsCallback(ctx context.Context, cb *models.LootLabsCallback) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lootlabs_callbacks (token, keysystem_id, checkpoint_index, visitor_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		cb.Token, cb.KeysystemID, cb.CheckpointIndex, cb.VisitorID, cb.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("put lootlabs callback: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLootLabsCallback(ctx context.Context, callbackToken string) (*models.LootLabsCallback, error) {
	var cb models.LootLabsCallback
	err := s.pool.QueryRow(ctx,
		`SELECT token, keysystem_id, checkpoint_index, visitor_id, created_at
		 FROM lootlabs_callbacks WHERE token = $1`, callbackToken,
	).Scan(&cb.Token, &cb.KeysystemID, &cb.CheckpointIndex, &cb.VisitorID, &cb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lootlabs callback: %w", err)
	}
	return &cb, nil
}

func (s *PostgresStore) DeleteLootLabsCallback(ctx context.Context, callbackToken string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM lootlabs_callbacks WHERE token = $1`, callbackToken)
	if err != nil {
		return fmt.Errorf("delete lootlabs callback: %w", err)
	}
	return nil
}

// --- Sessions ---

func (s *PostgresStore) EnsureSession(ctx context.Context, ksID uuid.UUID, visitorID string) (*models.Session, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (keysystem_id, visitor_id)
		 VALUES ($1, $2)
		 ON CONFLICT (keysystem_id, visitor_id) DO NOTHING`, ksID, visitorID)
	if err != nil {
		if isForeignKeyError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	return s.GetSession(ctx, ksID, visitorID)
}

func (s *PostgresStore) GetSession(ctx context.Context, ksID uuid.UUID, visitorID string) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx,
		`SELECT keysystem_id, visitor_id, current_checkpoint, cooldown_till, token_value, token_created_at, created_at
		 FROM sessions WHERE keysystem_id = $1 AND visitor_id = $2`, ksID, visitorID,
	).Scan(&sess.KeysystemID, &sess.VisitorID, &sess.CurrentCheckpoint, &sess.CooldownTill,
		&sess.TokenValue, &sess.TokenCreatedAt, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	keys, err := s.sessionKeys(ctx, ksID, visitorID)
	if err != nil {
		return nil, err
	}
	sess.Keys = keys
	return &sess, nil
}

func (s *PostgresStore) sessionKeys(ctx context.Context, ksID uuid.UUID, visitorID string) ([]models.Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, keysystem_id, visitor_id, value, hwid, status, expires_at, created_at
		 FROM session_keys WHERE keysystem_id = $1 AND visitor_id = $2 ORDER BY created_at`, ksID, visitorID)
	if err != nil {
		return nil, fmt.Errorf("list session keys: %w", err)
	}
	defer rows.Close()

	var keys []models.Key
	for rows.Next() {
		var k models.Key
		if err := rows.Scan(&k.ID, &k.KeysystemID, &k.VisitorID, &k.Value, &k.HWID,
			&k.Status, &k.ExpiresAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) EnsureSessionToken(ctx context.Context, ksID uuid.UUID, visitorID, candidate string, now time.Time) (string, time.Time, error) {
	// COALESCE keeps an in-flight token instead of discarding it, so a
	// visitor reloading the start page does not invalidate their redirect.
	var tok string
	var createdAt time.Time
	err := s.pool.QueryRow(ctx,
		`UPDATE sessions
		 SET token_value = COALESCE(token_value, $3),
		     token_created_at = COALESCE(token_created_at, $4)
		 WHERE keysystem_id = $1 AND visitor_id = $2
		 RETURNING token_value, token_created_at`,
		ksID, visitorID, candidate, now,
	).Scan(&tok, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ensure session token: %w", err)
	}
	return tok, createdAt, nil
}

func (s *PostgresStore) ClearSessionToken(ctx context.Context, ksID uuid.UUID, visitorID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET token_value = NULL, token_created_at = NULL
		 WHERE keysystem_id = $1 AND visitor_id = $2`, ksID, visitorID)
	if err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AdvanceProgress(ctx context.Context, ksID uuid.UUID, visitorID string, expectedIndex int) (int, error) {
	// One guarded statement: advance and token-clear cannot interleave with
	// a concurrent callback for the same session.
	var newIndex int
	err := s.pool.QueryRow(ctx,
		`UPDATE sessions
		 SET current_checkpoint = current_checkpoint + 1,
		     token_value = NULL, token_created_at = NULL
		 WHERE keysystem_id = $1 AND visitor_id = $2 AND current_checkpoint = $3
		 RETURNING current_checkpoint`,
		ksID, visitorID, expectedIndex,
	).Scan(&newIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		// Guard missed: classify against the session that exists now.
		var cur int
		err := s.pool.QueryRow(ctx,
			`SELECT current_checkpoint FROM sessions WHERE keysystem_id = $1 AND visitor_id = $2`,
			ksID, visitorID).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("advance progress: %w", err)
		}
		return 0, ErrStaleProgress
	}
	if err != nil {
		return 0, fmt.Errorf("advance progress: %w", err)
	}
	return newIndex, nil
}

// --- Keys ---

func (s *PostgresStore) GrantKey(ctx context.Context, g KeyGrant) (*models.Key, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("grant key: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, cooldown, err := lockSession(ctx, tx, g.KeysystemID, g.VisitorID)
	if err != nil {
		return nil, err
	}
	// Precondition order is part of the contract: progress, then cooldown,
	// then the cap. First failure wins.
	if cur != g.RequiredProgress {
		return nil, ErrProgressIncomplete
	}
	if cooldown != nil && cooldown.After(g.Now) {
		return nil, ErrCooldownActive
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_keys WHERE keysystem_id = $1 AND visitor_id = $2`,
		g.KeysystemID, g.VisitorID).Scan(&count); err != nil {
		return nil, fmt.Errorf("grant key: count: %w", err)
	}
	if count >= g.MaxKeys {
		return nil, ErrKeyLimitReached
	}

	key := models.Key{
		ID:          uuid.New(),
		KeysystemID: g.KeysystemID,
		VisitorID:   g.VisitorID,
		Value:       g.Value,
		Status:      models.KeyStatusActive,
		ExpiresAt:   g.ExpiresAt,
		CreatedAt:   g.Now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO session_keys (id, keysystem_id, visitor_id, value, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.KeysystemID, key.VisitorID, key.Value, key.Status, key.ExpiresAt, key.CreatedAt); err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("grant key: insert: %w", err)
	}

	// Checkpoints are re-earned per key: reset progress and start cooldown
	// in the same transaction as the grant.
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET current_checkpoint = 0, cooldown_till = $3,
		   token_value = NULL, token_created_at = NULL
		 WHERE keysystem_id = $1 AND visitor_id = $2`,
		g.KeysystemID, g.VisitorID, g.CooldownTill); err != nil {
		return nil, fmt.Errorf("grant key: reset session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("grant key: commit: %w", err)
	}
	return &key, nil
}

func (s *PostgresStore) RenewKey(ctx context.Context, r KeyRenewal) (*models.Key, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("renew key: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, cooldown, err := lockSession(ctx, tx, r.KeysystemID, r.VisitorID)
	if err != nil {
		return nil, err
	}
	if cur != r.RequiredProgress {
		return nil, ErrProgressIncomplete
	}
	if cooldown != nil && cooldown.After(r.Now) {
		return nil, ErrCooldownActive
	}

	var key models.Key
	err = tx.QueryRow(ctx,
		`UPDATE session_keys SET status = $4, expires_at = $5
		 WHERE keysystem_id = $1 AND visitor_id = $2 AND value = $3
		 RETURNING id, keysystem_id, visitor_id, value, hwid, status, expires_at, created_at`,
		r.KeysystemID, r.VisitorID, r.KeyValue, models.KeyStatusActive, r.ExpiresAt,
	).Scan(&key.ID, &key.KeysystemID, &key.VisitorID, &key.Value, &key.HWID,
		&key.Status, &key.ExpiresAt, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("renew key: update: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET current_checkpoint = 0, cooldown_till = $3,
		   token_value = NULL, token_created_at = NULL
		 WHERE keysystem_id = $1 AND visitor_id = $2`,
		r.KeysystemID, r.VisitorID, r.CooldownTill); err != nil {
		return nil, fmt.Errorf("renew key: reset session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("renew key: commit: %w", err)
	}
	return &key, nil
}

// lockSession row-locks the session so concurrent key operations for the same
// visitor serialize behind it.
func lockSession(ctx context.Context, tx pgx.Tx, ksID uuid.UUID, visitorID string) (int, *time.Time, error) {
	var cur int
	var cooldown *time.Time
	err := tx.QueryRow(ctx,
		`SELECT current_checkpoint, cooldown_till FROM sessions
		 WHERE keysystem_id = $1 AND visitor_id = $2 FOR UPDATE`,
		ksID, visitorID).Scan(&cur, &cooldown)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("lock session: %w", err)
	}
	return cur, cooldown, nil
}

func (s *PostgresStore) GetKeyByValue(ctx context.Context, ksID uuid.UUID, value string) (*models.Key, error) {
	var k models.Key
	err := s.pool.QueryRow(ctx,
		`SELECT id, keysystem_id, visitor_id, value, hwid, status, expires_at, created_at
		 FROM session_keys WHERE keysystem_id = $1 AND value = $2`, ksID, value,
	).Scan(&k.ID, &k.KeysystemID, &k.VisitorID, &k.Value, &k.HWID,
		&k.Status, &k.ExpiresAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key by value: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) BindKeyHWID(ctx context.Context, ksID uuid.UUID, value, hwid string) (*models.Key, error) {
	// First redemption wins the binding; later calls keep the stored hwid and
	// the caller compares.
	var k models.Key
	err := s.pool.QueryRow(ctx,
		`UPDATE session_keys SET hwid = COALESCE(hwid, $3)
		 WHERE keysystem_id = $1 AND value = $2
		 RETURNING id, keysystem_id, visitor_id, value, hwid, status, expires_at, created_at`,
		ksID, value, hwid,
	).Scan(&k.ID, &k.KeysystemID, &k.VisitorID, &k.Value, &k.HWID,
		&k.Status, &k.ExpiresAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bind key hwid: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) ExpireDueKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session_keys SET status = 'expired'
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire due keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- helpers ---

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
