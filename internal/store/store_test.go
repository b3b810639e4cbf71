package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("cryptix_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// seedKeysystem creates a keysystem under the seeded default owner.
func seedKeysystem(t *testing.T, s store.Store, checkpoints []models.Checkpoint) *models.Keysystem {
	t.Helper()
	ctx := context.Background()

	owner, err := s.GetDefaultOwner(ctx)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	ks := &models.Keysystem{
		ID:                 uuid.New(),
		OwnerID:            owner.ID,
		Name:               "test keysystem",
		MaxKeysPerPerson:   1,
		KeyTimerHours:      24,
		KeyCooldownMinutes: 60,
		Active:             true,
		Checkpoints:        checkpoints,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, s.CreateKeysystem(ctx, ks))
	return ks
}

func twoCheckpoints() []models.Checkpoint {
	return []models.Checkpoint{
		{Type: models.CheckpointCustom, RedirectURL: "https://ads.example/a", CallbackToken: "tok-aaa", Mandatory: true},
		{Type: models.CheckpointLinkvertise, RedirectURL: "https://linkvertise.com/b", CallbackToken: "tok-bbb"},
	}
}

// --- Owner Tests ---

func TestGetDefaultOwner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	owner, err := s.GetDefaultOwner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", owner.Username)
	assert.NotEqual(t, uuid.Nil, owner.ID)
}

// --- Keysystem Tests ---

func TestKeysystem_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	ks := seedKeysystem(t, s, twoCheckpoints())

	got, err := s.GetKeysystem(context.Background(), ks.ID)
	require.NoError(t, err)
	assert.Equal(t, ks.Name, got.Name)
	require.Len(t, got.Checkpoints, 2)
	assert.Equal(t, "tok-aaa", got.Checkpoints[0].CallbackToken)
	assert.Equal(t, models.CheckpointLinkvertise, got.Checkpoints[1].Type)
}

func TestKeysystem_FindByCallbackToken(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())

	got, idx, err := s.FindByCallbackToken(ctx, "tok-bbb")
	require.NoError(t, err)
	assert.Equal(t, ks.ID, got.ID)
	assert.Equal(t, 1, idx)

	_, _, err = s.FindByCallbackToken(ctx, "tok-nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestKeysystem_AppendCheckpoint_EnforcesCap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())

	for i := 2; i < models.MaxCheckpoints; i++ {
		err := s.AppendCheckpoint(ctx, ks.ID, ks.OwnerID, models.Checkpoint{
			Type:        models.CheckpointCustom,
			RedirectURL: "https://ads.example/extra",
		})
		require.NoError(t, err)
	}

	err := s.AppendCheckpoint(ctx, ks.ID, ks.OwnerID, models.Checkpoint{
		Type:        models.CheckpointCustom,
		RedirectURL: "https://ads.example/too-many",
	})
	assert.ErrorIs(t, err, store.ErrCheckpointLimit)
}

func TestKeysystem_RemoveCheckpoint_FirstIsMandatory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())

	err := s.RemoveCheckpoint(ctx, ks.ID, ks.OwnerID, 0)
	assert.ErrorIs(t, err, store.ErrMandatoryCheckpoint)

	require.NoError(t, s.RemoveCheckpoint(ctx, ks.ID, ks.OwnerID, 1))

	got, err := s.GetKeysystem(ctx, ks.ID)
	require.NoError(t, err)
	assert.Len(t, got.Checkpoints, 1)
}

// --- Session Tests ---

func TestSession_EnsureIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())

	first, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, 0, first.CurrentCheckpoint)

	_, err = s.AdvanceProgress(ctx, ks.ID, "visitor-1", 0)
	require.NoError(t, err)

	again, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.CurrentCheckpoint, "ensure must not reset progress")
}

func TestSession_EnsureToken_KeepsInFlightToken(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())
	_, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	tok1, _, err := s.EnsureSessionToken(ctx, ks.ID, "visitor-1", "candidate-1", now)
	require.NoError(t, err)
	assert.Equal(t, "candidate-1", tok1)

	tok2, _, err := s.EnsureSessionToken(ctx, ks.ID, "visitor-1", "candidate-2", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "candidate-1", tok2, "in-flight token must survive a reissue")

	require.NoError(t, s.ClearSessionToken(ctx, ks.ID, "visitor-1"))

	tok3, _, err := s.EnsureSessionToken(ctx, ks.ID, "visitor-1", "candidate-3", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "candidate-3", tok3)
}

func TestSession_AdvanceProgress_GuardedOnIndex(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())
	_, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)

	_, _, err = s.EnsureSessionToken(ctx, ks.ID, "visitor-1", "tok", time.Now().UTC())
	require.NoError(t, err)

	newIdx, err := s.AdvanceProgress(ctx, ks.ID, "visitor-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, newIdx)

	// Advance clears the token in the same statement.
	sess, err := s.GetSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)
	assert.False(t, sess.HasToken())

	// Replay with the old index misses the guard.
	_, err = s.AdvanceProgress(ctx, ks.ID, "visitor-1", 0)
	assert.ErrorIs(t, err, store.ErrStaleProgress)

	_, err = s.AdvanceProgress(ctx, ks.ID, "no-such-visitor", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSession_AdvanceProgress_ConcurrentCallbacks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())
	_, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan int, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if idx, err := s.AdvanceProgress(ctx, ks.ID, "visitor-1", 0); err == nil {
				wins <- idx
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for idx := range wins {
		count++
		assert.Equal(t, 1, idx)
	}
	assert.Equal(t, 1, count, "exactly one racer may advance")
}

// --- Key Tests ---

func grantFor(ks *models.Keysystem, visitorID, value string, now time.Time) store.KeyGrant {
	exp := ks.KeyExpiry(now)
	return store.KeyGrant{
		KeysystemID:      ks.ID,
		VisitorID:        visitorID,
		Value:            value,
		RequiredProgress: len(ks.Checkpoints),
		MaxKeys:          ks.MaxKeysPerPerson,
		ExpiresAt:        exp,
		CooldownTill:     ks.CooldownUntil(now),
		Now:              now,
	}
}

func completePass(t *testing.T, s store.Store, ks *models.Keysystem, visitorID string) {
	t.Helper()
	ctx := context.Background()
	sess, err := s.GetSession(ctx, ks.ID, visitorID)
	require.NoError(t, err)
	for i := sess.CurrentCheckpoint; i < len(ks.Checkpoints); i++ {
		_, err := s.AdvanceProgress(ctx, ks.ID, visitorID, i)
		require.NoError(t, err)
	}
}

func TestGrantKey_FullFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())
	_, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)

	// Progress incomplete: refused.
	_, err = s.GrantKey(ctx, grantFor(ks, "visitor-1", "key-1", now))
	assert.ErrorIs(t, err, store.ErrProgressIncomplete)

	completePass(t, s, ks, "visitor-1")

	key, err := s.GrantKey(ctx, grantFor(ks, "visitor-1", "key-1", now))
	require.NoError(t, err)
	assert.Equal(t, "key-1", key.Value)
	assert.Equal(t, models.KeyStatusActive, key.Status)
	require.NotNil(t, key.ExpiresAt)

	// The grant resets progress and starts the cooldown.
	sess, err := s.GetSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.CurrentCheckpoint)
	assert.True(t, sess.OnCooldown(now))
	require.Len(t, sess.Keys, 1)
}

func TestGrantKey_KeyLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())
	_, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	completePass(t, s, ks, "visitor-1")

	g := grantFor(ks, "visitor-1", "key-1", now)
	g.CooldownTill = now // no cooldown, isolate the cap
	_, err = s.GrantKey(ctx, g)
	require.NoError(t, err)

	completePass(t, s, ks, "visitor-1")
	g2 := grantFor(ks, "visitor-1", "key-2", now)
	g2.CooldownTill = now
	_, err = s.GrantKey(ctx, g2)
	assert.ErrorIs(t, err, store.ErrKeyLimitReached)
}

func TestGrantKey_ConcurrentGrantsRespectCap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())
	_, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	completePass(t, s, ks, "visitor-1")

	const racers = 8
	var wg sync.WaitGroup
	granted := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			g := grantFor(ks, "visitor-1", "key-"+uuid.NewString(), now)
			g.CooldownTill = now
			if key, err := s.GrantKey(ctx, g); err == nil {
				granted <- key.Value
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	var count int
	for range granted {
		count++
	}
	assert.Equal(t, 1, count, "row lock must serialize grants under the cap")
}

func TestRenewKey_ExtendsInPlace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())
	_, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	completePass(t, s, ks, "visitor-1")
	g := grantFor(ks, "visitor-1", "key-1", now)
	g.CooldownTill = now
	key, err := s.GrantKey(ctx, g)
	require.NoError(t, err)

	completePass(t, s, ks, "visitor-1")
	later := now.Add(12 * time.Hour)
	renewed, err := s.RenewKey(ctx, store.KeyRenewal{
		KeysystemID:      ks.ID,
		VisitorID:        "visitor-1",
		KeyValue:         "key-1",
		RequiredProgress: len(ks.Checkpoints),
		ExpiresAt:        ks.KeyExpiry(later),
		CooldownTill:     later,
		Now:              later,
	})
	require.NoError(t, err)
	assert.Equal(t, key.ID, renewed.ID, "renewal must not mint a second key")
	assert.True(t, renewed.ExpiresAt.After(*key.ExpiresAt))

	sess, err := s.GetSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)
	require.Len(t, sess.Keys, 1)
	assert.Equal(t, 0, sess.CurrentCheckpoint)
}

func TestBindKeyHWID_FirstRedemptionWins(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())
	_, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	completePass(t, s, ks, "visitor-1")
	g := grantFor(ks, "visitor-1", "key-1", now)
	g.CooldownTill = now
	_, err = s.GrantKey(ctx, g)
	require.NoError(t, err)

	bound, err := s.BindKeyHWID(ctx, ks.ID, "key-1", "hwid-a")
	require.NoError(t, err)
	require.NotNil(t, bound.HWID)
	assert.Equal(t, "hwid-a", *bound.HWID)

	again, err := s.BindKeyHWID(ctx, ks.ID, "key-1", "hwid-b")
	require.NoError(t, err)
	assert.Equal(t, "hwid-a", *again.HWID, "stored hwid must win")

	_, err = s.BindKeyHWID(ctx, ks.ID, "no-such-key", "hwid-a")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestExpireDueKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())
	_, err := s.EnsureSession(ctx, ks.ID, "visitor-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	completePass(t, s, ks, "visitor-1")
	g := grantFor(ks, "visitor-1", "key-1", now)
	g.CooldownTill = now
	_, err = s.GrantKey(ctx, g)
	require.NoError(t, err)

	n, err := s.ExpireDueKeys(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh key must not expire")

	n, err = s.ExpireDueKeys(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	key, err := s.GetKeyByValue(ctx, ks.ID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusExpired, key.Status)
	assert.False(t, key.Usable(now.Add(48*time.Hour)))
}

// --- LootLabs callback tests ---

func TestLootLabsCallback_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ks := seedKeysystem(t, s, twoCheckpoints())

	cb := &models.LootLabsCallback{
		Token:           "ll-token-1",
		KeysystemID:     ks.ID,
		CheckpointIndex: 1,
		VisitorID:       "visitor-1",
		CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.PutLootLabsCallback(ctx, cb))

	assert.ErrorIs(t, s.PutLootLabsCallback(ctx, cb), store.ErrDuplicateKey)

	got, err := s.GetLootLabsCallback(ctx, "ll-token-1")
	require.NoError(t, err)
	assert.Equal(t, ks.ID, got.KeysystemID)
	assert.Equal(t, "visitor-1", got.VisitorID)

	require.NoError(t, s.DeleteLootLabsCallback(ctx, "ll-token-1"))
	_, err = s.GetLootLabsCallback(ctx, "ll-token-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
