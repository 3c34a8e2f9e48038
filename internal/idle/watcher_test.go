package idle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftmail/engine/internal/store"
)

func TestNextBackoffDoublesToCeiling(t *testing.T) {
	max := 8 * time.Second
	got := initialBackoff
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		got = nextBackoff(got, max)
		if got != w {
			t.Errorf("step %d: backoff = %v, want %v", i, got, w)
		}
	}
}

func TestWatchBackoffResetsAfterIdlePass(t *testing.T) {
	max := 8 * time.Second

	// Repeated failures climb the ladder.
	backoff := initialBackoff
	for i := 0; i < 4; i++ {
		_, backoff = watchBackoff(backoff, false, max)
	}
	if backoff != max {
		t.Fatalf("backoff after failures = %v, want %v", backoff, max)
	}

	// A session that idled cleanly reconnects from the bottom, even if
	// the connection eventually dropped with an error.
	wait, next := watchBackoff(backoff, true, max)
	if wait != initialBackoff {
		t.Errorf("wait after idle pass = %v, want %v", wait, initialBackoff)
	}
	if next != 2*time.Second {
		t.Errorf("next after idle pass = %v, want %v", next, 2*time.Second)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStartRejectsNonIMAPAccounts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	account := &store.Account{ID: "g-1", Email: "g@example.com", Kind: store.KindGmail}
	if err := st.CreateAccount(ctx, account); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(st, func(context.Context, string) error { return nil }, time.Minute)
	if err := w.Start(ctx, account.ID); err == nil {
		t.Error("gmail account accepted for idle watching")
	}
}

func TestStartIsIdempotentAndStops(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Unreachable server: the session lives in connect/backoff until
	// stopped, which is all this test needs.
	account := &store.Account{
		ID:       "i-1",
		Email:    "i@example.com",
		Kind:     store.KindIMAP,
		IMAPHost: "127.0.0.1",
		IMAPPort: 1,
		Username: "u",
		Password: "p",
	}
	if err := st.CreateAccount(ctx, account); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(st, func(context.Context, string) error { return nil }, time.Minute)
	if err := w.Start(ctx, account.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !w.Watching(account.ID) {
		t.Fatal("session not registered")
	}

	// Second start must be a no-op, not a second session.
	if err := w.Start(ctx, account.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := len(w.Status()); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}

	if err := w.Stop(account.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for w.Watching(account.ID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if w.Watching(account.ID) {
		t.Error("session still registered after stop")
	}

	if err := w.Stop(account.ID); err == nil {
		t.Error("stopping a stopped account should fail")
	}
}

func TestStatusReportsState(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	account := &store.Account{
		ID:       "i-2",
		Email:    "i2@example.com",
		Kind:     store.KindIMAP,
		IMAPHost: "127.0.0.1",
		IMAPPort: 1,
		Username: "u",
		Password: "p",
	}
	if err := st.CreateAccount(ctx, account); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(st, func(context.Context, string) error { return nil }, time.Minute)
	if err := w.Start(ctx, account.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.StopAll()

	status := w.Status()
	if _, ok := status[account.ID]; !ok {
		t.Errorf("status missing account: %v", status)
	}
}
