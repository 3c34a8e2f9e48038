package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is what subscribers receive. Delivery is best effort: a
// subscriber that cannot keep up loses events, never blocks the
// engine.
type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"accountId,omitempty"`
	ID        string    `json:"id,omitempty"`
	Count     int       `json:"count,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Event types.
const (
	EventNewMail            = "new_mail"
	EventSyncComplete       = "sync_complete"
	EventSendQueued         = "send_queued"
	EventSendCancelled      = "send_cancelled"
	EventSendComplete       = "send_complete"
	EventSendFailed         = "send_failed"
	EventScheduledSent      = "scheduled_sent"
	EventScheduledFailed    = "scheduled_failed"
	EventScheduledCancelled = "scheduled_cancelled"
)

const subscriberBuffer = 16

// Notifier fans events out to in-process subscribers, keyed by
// account. Subscribing to the empty account id receives every event.
type Notifier struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan Event
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]map[string]chan Event)}
}

// Subscribe registers a listener for one account's events (or all
// events when accountID is empty). The returned cancel func must be
// called when the listener goes away.
func (n *Notifier) Subscribe(accountID string) (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	n.mu.Lock()
	if n.subs[accountID] == nil {
		n.subs[accountID] = make(map[string]chan Event)
	}
	n.subs[accountID][id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if m, ok := n.subs[accountID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(n.subs, accountID)
			}
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast delivers the event to the account's subscribers and to
// wildcard subscribers. Full channels are skipped.
func (n *Notifier) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	deliver := func(chans map[string]chan Event) {
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	if ev.AccountID != "" {
		deliver(n.subs[ev.AccountID])
	}
	deliver(n.subs[""])
}

// Subscribers reports the number of active listeners for an account.
func (n *Notifier) Subscribers(accountID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[accountID])
}
