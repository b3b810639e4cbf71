package custom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/internal/store/mock"
	"github.com/whiteshards/cryptix/pkg/models"
)

func setup(t *testing.T) (*Verifier, *mock.Store, *models.Keysystem) {
	t.Helper()
	st := mock.New()
	ks := &models.Keysystem{
		ID:     uuid.New(),
		Name:   "test",
		Active: true,
		Checkpoints: []models.Checkpoint{
			{Type: models.CheckpointCustom, RedirectURL: "https://ads.example/one", CallbackToken: "cb"},
		},
	}
	if err := st.CreateKeysystem(context.Background(), ks); err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnsureSession(context.Background(), ks.ID, "v1"); err != nil {
		t.Fatal(err)
	}
	return NewVerifier(antibypass.NewManager(st, 30*time.Second)), st, ks
}

func request(ks *models.Keysystem, sessionToken string) models.VerifyRequest {
	return models.VerifyRequest{
		Keysystem:    ks,
		Checkpoint:   ks.Checkpoints[0],
		VisitorID:    "v1",
		Referer:      "https://anything.example",
		SessionToken: sessionToken,
	}
}

func TestVerify_AcceptsAgedToken(t *testing.T) {
	v, st, ks := setup(t)
	st.SetSessionToken(ks.ID, "v1", "tok", time.Now().Add(-time.Minute))

	// Referer is deliberately unrelated: custom checkpoints do not check it.
	if err := v.Verify(context.Background(), request(ks, "tok")); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerify_RejectsWithoutToken(t *testing.T) {
	v, _, ks := setup(t)
	err := v.Verify(context.Background(), request(ks, "tok"))
	if !errors.Is(err, antibypass.ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestVerify_RejectsYoungToken(t *testing.T) {
	v, st, ks := setup(t)
	st.SetSessionToken(ks.ID, "v1", "tok", time.Now().Add(-10*time.Second))

	err := v.Verify(context.Background(), request(ks, "tok"))
	if !errors.Is(err, antibypass.ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon, got %v", err)
	}
}
