package sendqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/provider/providertest"
	"github.com/driftmail/engine/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	account := &store.Account{ID: "acc-1", Email: "a@example.com", Kind: store.KindGmail}
	if err := st.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return st
}

// resultRecorder collects terminal notifications.
type resultRecorder struct {
	mu      sync.Mutex
	results []recordedResult
}

type recordedResult struct {
	accountID string
	status    string
}

func (r *resultRecorder) record(accountID, id, status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, recordedResult{accountID: accountID, status: status})
}

func (r *resultRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res.status)
	}
	return out
}

// accountFor returns the account id reported with the first result of
// the given status, or "" if none was recorded.
func (r *resultRecorder) accountFor(status string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res.status == status {
			return res.accountID
		}
	}
	return ""
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func testMessage() *provider.OutgoingMessage {
	return &provider.OutgoingMessage{
		From:    "a@example.com",
		To:      []string{"b@example.com"},
		Subject: "hi",
		Body:    "body",
	}
}

func TestQueueSendFiresAfterWindow(t *testing.T) {
	st := openTestStore(t)
	fake := providertest.NewFake()
	rec := &resultRecorder{}
	q := NewPendingQueue(st, providertest.NewResolver(fake), 50*time.Millisecond, rec.record)
	defer q.Shutdown()

	row, err := q.QueueSend(context.Background(), "acc-1", testMessage())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if fake.Calls("send") != 0 {
		t.Fatal("send must not happen inside the window")
	}

	waitFor(t, func() bool { return fake.Calls("send") == 1 }, "send after window")

	got, err := st.GetPendingSend(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.PendingSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestCancelInsideWindowStopsSend(t *testing.T) {
	st := openTestStore(t)
	fake := providertest.NewFake()
	rec := &resultRecorder{}
	q := NewPendingQueue(st, providertest.NewResolver(fake), time.Minute, rec.record)
	defer q.Shutdown()

	row, err := q.QueueSend(context.Background(), "acc-1", testMessage())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := q.CancelSend(context.Background(), row.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if fake.Calls("send") != 0 {
		t.Error("cancelled send still reached the provider")
	}

	got, _ := st.GetPendingSend(context.Background(), row.ID)
	if got.Status != store.PendingCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	// Account-scoped subscribers only see the event when the result
	// carries the row's account.
	if acc := rec.accountFor(store.PendingCancelled); acc != "acc-1" {
		t.Errorf("cancel reported account %q, want acc-1", acc)
	}
}

func TestCancelAfterFireLoses(t *testing.T) {
	st := openTestStore(t)
	fake := providertest.NewFake()
	q := NewPendingQueue(st, providertest.NewResolver(fake), 10*time.Millisecond, nil)
	defer q.Shutdown()

	row, err := q.QueueSend(context.Background(), "acc-1", testMessage())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	waitFor(t, func() bool { return fake.Calls("send") == 1 }, "send")

	if err := q.CancelSend(context.Background(), row.ID); err == nil {
		t.Error("cancel after the window closed should fail")
	}
	got, _ := st.GetPendingSend(context.Background(), row.ID)
	if got.Status != store.PendingSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestFailedFireIsTerminal(t *testing.T) {
	st := openTestStore(t)
	fake := providertest.NewFake()
	fake.FailOn("send", errors.New("smtp down"))
	rec := &resultRecorder{}
	q := NewPendingQueue(st, providertest.NewResolver(fake), 10*time.Millisecond, rec.record)
	defer q.Shutdown()

	row, err := q.QueueSend(context.Background(), "acc-1", testMessage())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	waitFor(t, func() bool {
		got, err := st.GetPendingSend(context.Background(), row.ID)
		return err == nil && got.Status == store.PendingFailed
	}, "failed status")

	got, _ := st.GetPendingSend(context.Background(), row.ID)
	if got.LastError == "" {
		t.Error("failure cause not recorded")
	}

	statuses := rec.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != store.PendingFailed {
		t.Errorf("results = %v, want trailing failed", statuses)
	}
}

func TestRecoverFiresOverdueOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Simulate a row left behind by a crash, already past its window.
	row := &store.PendingSend{
		ID:        "p-overdue",
		AccountID: "acc-1",
		Payload:   `{"from":"a@example.com","to":["b@example.com"],"subject":"x","body":"y"}`,
		SendAt:    time.Now().Add(-time.Minute),
	}
	if err := st.CreatePendingSend(ctx, row); err != nil {
		t.Fatalf("create: %v", err)
	}

	fake := providertest.NewFake()
	q := NewPendingQueue(st, providertest.NewResolver(fake), time.Minute, nil)
	defer q.Shutdown()

	if err := q.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	waitFor(t, func() bool { return fake.Calls("send") >= 1 }, "overdue fire")
	time.Sleep(100 * time.Millisecond)
	if got := fake.Calls("send"); got != 1 {
		t.Errorf("send ran %d times, want exactly 1", got)
	}
}
