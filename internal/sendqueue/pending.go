package sendqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/store"
)

// UndoWindowSeconds is the default window between queueing a send and
// handing it to the provider.
const UndoWindowSeconds = 10

const fireTimeout = 60 * time.Second

// ResultFunc is invoked after a queued or scheduled send reaches a
// terminal state. status is one of the store pending/scheduled status
// constants; errMsg is set when status is failed.
type ResultFunc func(accountID, id, status, errMsg string)

// PendingQueue delays outgoing mail for an undo window. Each queued
// send is persisted before its timer is armed, so a crash inside the
// window is recovered by Recover on the next start. Exactly one
// terminal transition wins per row: the fire path claims the row out
// of queued before touching the provider, and CancelSend succeeds
// only while the row is still queued.
type PendingQueue struct {
	store    *store.Store
	resolver provider.Resolver
	window   time.Duration
	onResult ResultFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewPendingQueue builds a queue with the given undo window.
func NewPendingQueue(st *store.Store, resolver provider.Resolver, window time.Duration, onResult ResultFunc) *PendingQueue {
	if window <= 0 {
		window = UndoWindowSeconds * time.Second
	}
	if onResult == nil {
		onResult = func(string, string, string, string) {}
	}
	return &PendingQueue{
		store:    st,
		resolver: resolver,
		window:   window,
		onResult: onResult,
		timers:   make(map[string]*time.Timer),
	}
}

// QueueSend persists the message and arms its undo timer. The caller
// gets the row back immediately; the actual provider send happens when
// the window elapses.
func (q *PendingQueue) QueueSend(ctx context.Context, accountID string, msg *provider.OutgoingMessage) (*store.PendingSend, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal outgoing message: %w", err)
	}

	row := &store.PendingSend{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Payload:   string(payload),
		SendAt:    time.Now().Add(q.window),
	}
	if err := q.store.CreatePendingSend(ctx, row); err != nil {
		return nil, err
	}

	q.arm(row.ID, q.window)
	return row, nil
}

// CancelSend aborts a queued send while its window is still open. Once
// the fire path has claimed the row the cancel loses and an error
// names the state it lost to.
func (q *PendingQueue) CancelSend(ctx context.Context, id string) error {
	ok, err := q.store.TransitionPendingSend(ctx, id, store.PendingCancelled)
	if err != nil {
		return err
	}
	row, err := q.store.GetPendingSend(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pending send %s already %s", id, row.Status)
	}

	q.disarm(id)
	q.onResult(row.AccountID, id, store.PendingCancelled, "")
	return nil
}

// Recover re-arms every queued row after a restart. Rows whose window
// already elapsed fire immediately.
func (q *PendingQueue) Recover(ctx context.Context) error {
	rows, err := q.store.ListQueuedPendingSends(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		delay := time.Until(row.SendAt)
		if delay < 0 {
			delay = 0
		}
		q.arm(row.ID, delay)
	}
	if len(rows) > 0 {
		log.Printf("pending sends recovered: %d", len(rows))
	}
	return nil
}

// Shutdown stops all armed timers without transitioning any rows;
// queued rows are picked up again by Recover.
func (q *PendingQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}

func (q *PendingQueue) arm(id string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.timers[id]; ok {
		t.Stop()
	}
	q.timers[id] = time.AfterFunc(delay, func() { q.fire(id) })
}

func (q *PendingQueue) disarm(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
}

// fire claims the row and performs the provider send. A failed send
// is terminal: the row moves to failed with the error recorded, and
// subscribers are told so the user can resend by hand.
func (q *PendingQueue) fire(id string) {
	q.disarm(id)

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	claimed, err := q.store.TransitionPendingSend(ctx, id, store.PendingSent)
	if err != nil {
		log.Printf("pending fire %s: claim: %v", id, err)
		return
	}
	if !claimed {
		// Cancelled under us; nothing to do.
		return
	}

	row, err := q.store.GetPendingSend(ctx, id)
	if err != nil {
		log.Printf("pending fire %s: %v", id, err)
		return
	}

	var msg provider.OutgoingMessage
	if err := json.Unmarshal([]byte(row.Payload), &msg); err != nil {
		q.fail(ctx, row, fmt.Errorf("decode payload: %w", err))
		return
	}

	p, err := q.resolver.Get(ctx, row.AccountID)
	if err != nil {
		q.fail(ctx, row, err)
		return
	}
	if _, err := p.Send(ctx, &msg); err != nil {
		q.fail(ctx, row, err)
		return
	}

	q.onResult(row.AccountID, id, store.PendingSent, "")
}

func (q *PendingQueue) fail(ctx context.Context, row *store.PendingSend, cause error) {
	log.Printf("pending send %s failed: %v", row.ID, cause)
	if err := q.store.MarkPendingFailed(ctx, row.ID, cause.Error()); err != nil {
		log.Printf("pending send %s: record failure: %v", row.ID, err)
	}
	q.onResult(row.AccountID, row.ID, store.PendingFailed, cause.Error())
}
