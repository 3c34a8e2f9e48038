package idle

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"

	"github.com/driftmail/engine/internal/store"
)

// Session states reported by Status.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateIdling       = "idling"
	StateSyncing      = "syncing"
	StateBackoff      = "backoff"
)

const initialBackoff = time.Second

// OnMail is invoked when the server reports new mail in the watched
// mailbox. The callback is expected to run a sync and notify
// subscribers; errors are logged by the watcher, not retried.
type OnMail func(ctx context.Context, accountID string) error

// Watcher keeps one long-lived IDLE session per IMAP account. Each
// session reconnects with exponential backoff after failures and
// reports its state for diagnostics.
type Watcher struct {
	store      *store.Store
	onMail     OnMail
	maxBackoff time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	state string
}

func (s *session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *session) getState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NewWatcher builds a watcher. maxBackoff caps the reconnect delay.
func NewWatcher(st *store.Store, onMail OnMail, maxBackoff time.Duration) *Watcher {
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	return &Watcher{
		store:      st,
		onMail:     onMail,
		maxBackoff: maxBackoff,
		sessions:   make(map[string]*session),
	}
}

// Start begins watching an account's INBOX. Starting an account that
// is already watched is a no-op.
func (w *Watcher) Start(ctx context.Context, accountID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.sessions[accountID]; exists {
		return nil
	}

	account, err := w.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("idle start: %w", err)
	}
	if account.Kind != store.KindIMAP {
		return fmt.Errorf("idle start: account %s is %s, not imap", accountID, account.Kind)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{cancel: cancel, state: StateConnecting}
	w.sessions[accountID] = sess

	go func() {
		log.Printf("idle start: %s", accountID)
		w.run(sessCtx, sess, account)

		w.mu.Lock()
		delete(w.sessions, accountID)
		w.mu.Unlock()
		log.Printf("idle stop: %s", accountID)
	}()

	return nil
}

// Stop ends the session for an account.
func (w *Watcher) Stop(accountID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sess, exists := w.sessions[accountID]
	if !exists {
		return fmt.Errorf("no idle session for %s", accountID)
	}
	sess.cancel()
	return nil
}

// StopAll ends every session. Used on shutdown.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sess := range w.sessions {
		sess.cancel()
	}
}

// Status reports the state of every active session keyed by account id.
func (w *Watcher) Status() map[string]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]string, len(w.sessions))
	for id, sess := range w.sessions {
		out[id] = sess.getState()
	}
	return out
}

// Watching reports whether the account has an active session.
func (w *Watcher) Watching(accountID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.sessions[accountID]
	return ok
}

// run is the per-account supervisor loop: connect, idle, sync on
// updates, and back off after failures. It returns only when the
// session context is cancelled.
func (w *Watcher) run(ctx context.Context, sess *session, account *store.Account) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		sess.setState(StateConnecting)
		idled, err := w.watchOnce(ctx, sess, account)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("idle %s: %v", account.ID, err)
		}

		wait, next := watchBackoff(backoff, idled, w.maxBackoff)
		sess.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff = next
	}
}

// nextBackoff doubles the delay up to the ceiling.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// watchBackoff returns the delay before the next connection attempt
// and the ladder value after it. A session that completed an idle
// pass starts the ladder over from the initial delay.
func watchBackoff(current time.Duration, idled bool, max time.Duration) (wait, next time.Duration) {
	if idled {
		current = initialBackoff
	}
	return current, nextBackoff(current, max)
}

// watchOnce holds one connection for as long as it stays healthy. It
// reports whether the session completed at least one clean pass
// through IDLE; the supervisor restarts the backoff ladder when it
// did. Any connection error surfaces so the supervisor can back off.
func (w *Watcher) watchOnce(ctx context.Context, sess *session, account *store.Account) (idled bool, err error) {
	c, err := w.connect(account)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", true); err != nil {
		return false, fmt.Errorf("select inbox: %w", err)
	}

	// Buffered so the server can push updates while we are syncing.
	updates := make(chan client.Update, 16)
	c.Updates = updates

	for {
		sess.setState(StateIdling)

		stop := make(chan struct{})
		idleDone := make(chan error, 1)
		go func() {
			idleDone <- c.Idle(stop, nil)
		}()

		var mailboxChanged bool
	waitLoop:
		for {
			select {
			case <-ctx.Done():
				close(stop)
				<-idleDone
				return true, nil
			case update := <-updates:
				if _, ok := update.(*client.MailboxUpdate); ok {
					mailboxChanged = true
					close(stop)
					break waitLoop
				}
			case err := <-idleDone:
				if err != nil {
					return idled, fmt.Errorf("idle: %w", err)
				}
				// Server ended IDLE without an update; re-enter.
				mailboxChanged = false
				break waitLoop
			}
		}
		idled = true

		if mailboxChanged {
			if err := <-idleDone; err != nil {
				return idled, fmt.Errorf("idle: %w", err)
			}
			sess.setState(StateSyncing)
			if err := w.onMail(ctx, account.ID); err != nil {
				log.Printf("idle sync %s: %v", account.ID, err)
			}
		}
	}
}

func (w *Watcher) connect(account *store.Account) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	var (
		c   *client.Client
		err error
	)
	if account.IMAPTLS {
		c, err = client.DialTLS(addr, &tls.Config{ServerName: account.IMAPHost})
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Login(account.Username, account.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("login: %w", err)
	}
	return c, nil
}
