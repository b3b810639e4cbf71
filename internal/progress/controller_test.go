package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/internal/registry"
	"github.com/whiteshards/cryptix/internal/store"
	storemock "github.com/whiteshards/cryptix/internal/store/mock"
	"github.com/whiteshards/cryptix/internal/verify"
	"github.com/whiteshards/cryptix/internal/verify/custom"
	"github.com/whiteshards/cryptix/internal/verify/linkvertise"
	verifymock "github.com/whiteshards/cryptix/internal/verify/mock"
	"github.com/whiteshards/cryptix/internal/webhook"
	"github.com/whiteshards/cryptix/pkg/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (r *recordingNotifier) Notify(_ string, ev webhook.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fakeEncryptor struct{}

func (fakeEncryptor) EncryptURL(_ context.Context, _, destinationURL string) (string, error) {
	return "ENC(" + destinationURL + ")", nil
}

type fixture struct {
	ctrl     *Controller
	store    *storemock.Store
	notifier *recordingNotifier
	ks       *models.Keysystem
}

func newFixture(t *testing.T, verifiers ...models.CheckpointVerifier) *fixture {
	t.Helper()
	st := storemock.New()
	webhookURL := "https://owner.example/hook"
	ks := &models.Keysystem{
		ID:         uuid.New(),
		OwnerID:    uuid.New(),
		Name:       "test",
		Active:     true,
		WebhookURL: &webhookURL,
		Checkpoints: []models.Checkpoint{
			{Type: models.CheckpointCustom, RedirectURL: "https://ads.example/one", CallbackToken: "cb-0", Mandatory: true},
			{Type: models.CheckpointLinkvertise, RedirectURL: "https://linkvertise.com/123", CallbackToken: "cb-1"},
		},
	}
	if err := st.CreateKeysystem(context.Background(), ks); err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnsureSession(context.Background(), ks.ID, "v1"); err != nil {
		t.Fatal(err)
	}

	dwell := antibypass.NewManager(st, 30*time.Second)
	if len(verifiers) == 0 {
		verifiers = []models.CheckpointVerifier{
			custom.NewVerifier(dwell),
			verifymock.NewPassing(models.CheckpointLinkvertise),
		}
	}

	reg := registry.New(st, fakeEncryptor{}, "https://cryptix.app")
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := NewController(st, reg, verify.NewWithVerifiers(verifiers...), dwell, notifier, logger)

	return &fixture{ctrl: ctrl, store: st, notifier: notifier, ks: ks}
}

func (f *fixture) completeReq(callbackToken, sessionToken string) CompleteRequest {
	return CompleteRequest{
		CallbackToken: callbackToken,
		KeysystemID:   f.ks.ID,
		VisitorID:     "v1",
		SessionToken:  sessionToken,
		Referer:       "https://ads.example/one",
	}
}

func (f *fixture) sessionIndex(t *testing.T) int {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), f.ks.ID, "v1")
	if err != nil {
		t.Fatal(err)
	}
	return sess.CurrentCheckpoint
}

func TestComplete_UnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Complete(context.Background(), f.completeReq("no-such-token", ""))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestComplete_InactiveKeysystem(t *testing.T) {
	f := newFixture(t)
	f.ks.Active = false
	if err := f.store.UpdateKeysystemSettings(context.Background(), f.ks); err != nil {
		t.Fatal(err)
	}

	_, err := f.ctrl.Complete(context.Background(), f.completeReq("cb-0", ""))
	if !errors.Is(err, registry.ErrKeysystemInactive) {
		t.Fatalf("expected ErrKeysystemInactive, got %v", err)
	}
}

func TestComplete_KeysystemMismatch(t *testing.T) {
	f := newFixture(t)
	req := f.completeReq("cb-0", "")
	req.KeysystemID = uuid.New()

	_, err := f.ctrl.Complete(context.Background(), req)
	if !errors.Is(err, ErrKeysystemMismatch) {
		t.Fatalf("expected ErrKeysystemMismatch, got %v", err)
	}
	if got := f.sessionIndex(t); got != 0 {
		t.Errorf("session moved to %d", got)
	}
}

func TestComplete_SkippedCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.store.SetSessionToken(f.ks.ID, "v1", "tok", time.Now().Add(-time.Minute))

	// Session is at 0; jumping straight to checkpoint 1's callback is a skip.
	_, err := f.ctrl.Complete(context.Background(), f.completeReq("cb-1", "tok"))
	if !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
	if got := f.sessionIndex(t); got != 0 {
		t.Errorf("session moved to %d", got)
	}
}

func TestComplete_FullFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Start issues a dwell token for the custom checkpoint.
	start, err := f.ctrl.Start(ctx, f.ks.ID, "v1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.Token == "" || start.Destination != "https://ads.example/one" {
		t.Fatalf("unexpected start result %+v", start)
	}

	// Returning after 10s trips the dwell check; progress must not move and
	// the token must survive for the retry.
	f.store.SetSessionToken(f.ks.ID, "v1", start.Token, time.Now().Add(-10*time.Second))
	_, err = f.ctrl.Complete(ctx, f.completeReq("cb-0", start.Token))
	if !errors.Is(err, antibypass.ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon, got %v", err)
	}
	if got := f.sessionIndex(t); got != 0 {
		t.Fatalf("session moved to %d after dwell reject", got)
	}

	// The same callback succeeds once the token has aged.
	f.store.SetSessionToken(f.ks.ID, "v1", start.Token, time.Now().Add(-35*time.Second))
	res, err := f.ctrl.Complete(ctx, f.completeReq("cb-0", start.Token))
	if err != nil {
		t.Fatalf("complete after wait: %v", err)
	}
	if res.Checkpoint != 1 || res.Completed {
		t.Fatalf("unexpected result %+v", res)
	}

	// Advance cleared the token atomically.
	sess, err := f.store.GetSession(ctx, f.ks.ID, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.HasToken() {
		t.Fatal("session token survived the advance")
	}

	// Replaying checkpoint 0's callback is now an integrity violation.
	if _, err := f.ctrl.Complete(ctx, f.completeReq("cb-0", start.Token)); !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation on replay, got %v", err)
	}

	// Linkvertise checkpoint completes the pass.
	res, err = f.ctrl.Complete(ctx, f.completeReq("cb-1", ""))
	if err != nil {
		t.Fatalf("linkvertise complete: %v", err)
	}
	if res.Checkpoint != 2 || !res.Completed {
		t.Fatalf("unexpected final result %+v", res)
	}

	kinds := f.notifier.kinds()
	want := []string{webhook.EventBypassDetected, webhook.EventCheckpointCompleted, webhook.EventCheckpointCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("webhook events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("webhook events %v, want %v", kinds, want)
		}
	}
}

func TestComplete_ConcurrentCallbacksAdvanceOnce(t *testing.T) {
	f := newFixture(t)
	f.store.SetSessionToken(f.ks.ID, "v1", "tok", time.Now().Add(-time.Minute))

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.ctrl.Complete(context.Background(), f.completeReq("cb-0", "tok"))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrIntegrityViolation) && !errors.Is(err, antibypass.ErrNoToken) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d callbacks advanced, want exactly 1", ok)
	}
	if got := f.sessionIndex(t); got != 1 {
		t.Fatalf("session at %d, want 1", got)
	}
}

func TestComplete_TerminalRejectClearsToken(t *testing.T) {
	f := newFixture(t,
		verifymock.NewFailing(models.CheckpointCustom, models.ErrRefererMismatch),
	)
	f.store.SetSessionToken(f.ks.ID, "v1", "tok", time.Now().Add(-time.Minute))

	_, err := f.ctrl.Complete(context.Background(), f.completeReq("cb-0", "tok"))
	if !errors.Is(err, models.ErrRefererMismatch) {
		t.Fatalf("expected ErrRefererMismatch, got %v", err)
	}

	sess, _ := f.store.GetSession(context.Background(), f.ks.ID, "v1")
	if sess.HasToken() {
		t.Fatal("token survived a terminal rejection")
	}
	if got := f.sessionIndex(t); got != 0 {
		t.Errorf("session moved to %d", got)
	}
}

func TestComplete_TransientProviderErrorKeepsToken(t *testing.T) {
	f := newFixture(t,
		verifymock.NewFailing(models.CheckpointCustom, linkvertise.ErrUnreachable),
	)
	f.store.SetSessionToken(f.ks.ID, "v1", "tok", time.Now().Add(-time.Minute))

	_, err := f.ctrl.Complete(context.Background(), f.completeReq("cb-0", "tok"))
	if !errors.Is(err, linkvertise.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	sess, _ := f.store.GetSession(context.Background(), f.ks.ID, "v1")
	if !sess.HasToken() {
		t.Fatal("token lost on a transient provider outage")
	}
}

func TestComplete_BypassToolFiresSecurityWebhook(t *testing.T) {
	f := newFixture(t)
	f.store.SetSessionToken(f.ks.ID, "v1", "tok", time.Now().Add(-time.Minute))

	req := f.completeReq("cb-0", "tok")
	req.Referer = "https://bypass.city/app"
	_, err := f.ctrl.Complete(context.Background(), req)
	if !errors.Is(err, verify.ErrBypassDetected) {
		t.Fatalf("expected ErrBypassDetected, got %v", err)
	}

	kinds := f.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != webhook.EventBypassDetected {
		t.Fatalf("webhook events %v", kinds)
	}
	// Bypass-tool hits are terminal: token gone.
	sess, _ := f.store.GetSession(context.Background(), f.ks.ID, "v1")
	if sess.HasToken() {
		t.Fatal("token survived a bypass-tool rejection")
	}
}

func TestStart_LootLabsGeneratesDynamicDestination(t *testing.T) {
	st := storemock.New()
	apiKey := "owner-key"
	ks := &models.Keysystem{
		ID:             uuid.New(),
		OwnerID:        uuid.New(),
		Name:           "ll",
		Active:         true,
		LootLabsAPIKey: &apiKey,
		Checkpoints: []models.Checkpoint{
			{Type: models.CheckpointLootLabs, RedirectURL: "https://loot-link.com/s"},
		},
	}
	if err := st.CreateKeysystem(context.Background(), ks); err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnsureSession(context.Background(), ks.ID, "v1"); err != nil {
		t.Fatal(err)
	}

	dwell := antibypass.NewManager(st, 30*time.Second)
	reg := registry.New(st, fakeEncryptor{}, "https://cryptix.app")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := NewController(st, reg, verify.NewWithVerifiers(), dwell, &recordingNotifier{}, logger)

	start, err := ctrl.Start(context.Background(), ks.ID, "v1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.Token == "" {
		t.Error("lootlabs checkpoint still needs a dwell token")
	}
	if !strings.HasPrefix(start.Destination, "https://loot-link.com/s?data=") {
		t.Errorf("destination %q", start.Destination)
	}
}

func TestStart_LinkvertiseSkipsDwellToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSessionToken(f.ks.ID, "v1", "tok", time.Now().Add(-time.Minute))
	if _, err := f.ctrl.Complete(ctx, f.completeReq("cb-0", "tok")); err != nil {
		t.Fatalf("advance to checkpoint 1: %v", err)
	}

	start, err := f.ctrl.Start(ctx, f.ks.ID, "v1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.Token != "" {
		t.Error("linkvertise checkpoints rely on the provider's own dwell enforcement")
	}
	if start.Destination != "https://linkvertise.com/123" {
		t.Errorf("destination %q", start.Destination)
	}
}

func TestStart_CompletedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSessionToken(f.ks.ID, "v1", "tok", time.Now().Add(-time.Minute))
	if _, err := f.ctrl.Complete(ctx, f.completeReq("cb-0", "tok")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.Complete(ctx, f.completeReq("cb-1", "")); err != nil {
		t.Fatal(err)
	}

	start, err := f.ctrl.Start(ctx, f.ks.ID, "v1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !start.Completed || start.Destination != "" {
		t.Fatalf("unexpected start result %+v", start)
	}
}
