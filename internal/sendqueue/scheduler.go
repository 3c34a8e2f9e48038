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

// Scheduler delivers mail at a chosen future time. Rows persist
// across restarts; Recover re-arms pending ones and fires overdue
// ones immediately, exactly once, through the same guarded claim used
// by the undo queue.
type Scheduler struct {
	store    *store.Store
	resolver provider.Resolver
	onResult ResultFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewScheduler(st *store.Store, resolver provider.Resolver, onResult ResultFunc) *Scheduler {
	if onResult == nil {
		onResult = func(string, string, string, string) {}
	}
	return &Scheduler{
		store:    st,
		resolver: resolver,
		onResult: onResult,
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule persists a send for a future time and arms its timer. A
// sendAt that is not in the future is rejected.
func (s *Scheduler) Schedule(ctx context.Context, accountID string, msg *provider.OutgoingMessage, sendAt time.Time) (*store.ScheduledEmail, error) {
	if !sendAt.After(time.Now()) {
		return nil, &provider.ValidationError{Field: "sendAt", Reason: "must be in the future"}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal outgoing message: %w", err)
	}

	row := &store.ScheduledEmail{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Payload:   string(payload),
		SendAt:    sendAt,
	}
	if err := s.store.CreateScheduledEmail(ctx, row); err != nil {
		return nil, err
	}

	s.arm(row.ID, time.Until(sendAt))
	return row, nil
}

// Reschedule edits a still-pending row: new content, new time, or
// both. Passing a nil msg keeps the stored payload.
func (s *Scheduler) Reschedule(ctx context.Context, id string, msg *provider.OutgoingMessage, sendAt time.Time) (*store.ScheduledEmail, error) {
	if !sendAt.After(time.Now()) {
		return nil, &provider.ValidationError{Field: "sendAt", Reason: "must be in the future"}
	}

	row, err := s.store.GetScheduledEmail(ctx, id)
	if err != nil {
		return nil, err
	}

	payload := row.Payload
	if msg != nil {
		b, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal outgoing message: %w", err)
		}
		payload = string(b)
	}

	s.disarm(id)
	ok, err := s.store.UpdateScheduledEmail(ctx, id, payload, sendAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("scheduled email %s already %s", id, row.Status)
	}

	s.arm(id, time.Until(sendAt))
	return s.store.GetScheduledEmail(ctx, id)
}

// Cancel aborts a pending scheduled send.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	ok, err := s.store.TransitionScheduledEmail(ctx, id, store.ScheduledCancelled)
	if err != nil {
		return err
	}
	row, err := s.store.GetScheduledEmail(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scheduled email %s already %s", id, row.Status)
	}

	s.disarm(id)
	s.onResult(row.AccountID, id, store.ScheduledCancelled, "")
	return nil
}

// Recover re-arms pending rows after a restart. Overdue rows fire
// immediately; the claim transition keeps each one to a single fire
// even if Recover races a surviving timer.
func (s *Scheduler) Recover(ctx context.Context) error {
	rows, err := s.store.ListPendingScheduledEmails(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		delay := time.Until(row.SendAt)
		if delay < 0 {
			delay = 0
		}
		s.arm(row.ID, delay)
	}
	if len(rows) > 0 {
		log.Printf("scheduled emails recovered: %d", len(rows))
	}
	return nil
}

// Shutdown stops armed timers; pending rows are re-armed by Recover.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) arm(id string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(id string) {
	s.disarm(id)

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	claimed, err := s.store.TransitionScheduledEmail(ctx, id, store.ScheduledSent)
	if err != nil {
		log.Printf("scheduled fire %s: claim: %v", id, err)
		return
	}
	if !claimed {
		return
	}

	row, err := s.store.GetScheduledEmail(ctx, id)
	if err != nil {
		log.Printf("scheduled fire %s: %v", id, err)
		return
	}

	var msg provider.OutgoingMessage
	if err := json.Unmarshal([]byte(row.Payload), &msg); err != nil {
		s.fail(ctx, row, fmt.Errorf("decode payload: %w", err))
		return
	}

	p, err := s.resolver.Get(ctx, row.AccountID)
	if err != nil {
		s.fail(ctx, row, err)
		return
	}
	if _, err := p.Send(ctx, &msg); err != nil {
		s.fail(ctx, row, err)
		return
	}

	s.onResult(row.AccountID, id, store.ScheduledSent, "")
}

func (s *Scheduler) fail(ctx context.Context, row *store.ScheduledEmail, cause error) {
	log.Printf("scheduled email %s failed: %v", row.ID, cause)
	if err := s.store.MarkScheduledFailed(ctx, row.ID, cause.Error()); err != nil {
		log.Printf("scheduled email %s: record failure: %v", row.ID, err)
	}
	s.onResult(row.AccountID, row.ID, store.ScheduledFailed, cause.Error())
}
