package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/driftmail/engine/internal/notify"
	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/provider/imapsmtp"
	"github.com/driftmail/engine/internal/sendqueue"
	"github.com/driftmail/engine/internal/store"
)

// Email operations accepted by Apply and Batch.
const (
	OpMarkRead   = "mark_read"
	OpMarkUnread = "mark_unread"
	OpStar       = "star"
	OpUnstar     = "unstar"
	OpArchive    = "archive"
	OpUnarchive  = "unarchive"
	OpTrash      = "trash"
	OpUntrash    = "untrash"
	OpDelete     = "delete"
)

// Engine ties the store, the provider registry, the send queues and
// the notifier together behind one API surface. It owns the
// consistency policy: read state is flipped locally first with the
// provider trailing best-effort, every other mutation must succeed
// remotely before the local row changes.
type Engine struct {
	store     *store.Store
	resolver  provider.Resolver
	notifier  *notify.Notifier
	pending   *sendqueue.PendingQueue
	scheduler *sendqueue.Scheduler
	syncMax   int

	// OnAccountRemoved runs after an account row is deleted; the
	// caller uses it to drop idle sessions and cached providers.
	OnAccountRemoved func(accountID string)
}

// New builds the engine. undoWindow <= 0 falls back to the default
// undo window.
func New(st *store.Store, resolver provider.Resolver, notifier *notify.Notifier, syncMax int, undoWindow time.Duration) *Engine {
	if syncMax <= 0 {
		syncMax = 50
	}
	e := &Engine{
		store:    st,
		resolver: resolver,
		notifier: notifier,
		syncMax:  syncMax,
	}
	e.pending = sendqueue.NewPendingQueue(st, resolver, undoWindow, e.sendResult)
	e.scheduler = sendqueue.NewScheduler(st, resolver, e.scheduleResult)
	return e
}

// Recover re-arms persisted pending and scheduled sends. Called once
// at startup before traffic is accepted.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.pending.Recover(ctx); err != nil {
		return fmt.Errorf("recover pending sends: %w", err)
	}
	if err := e.scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover scheduled emails: %w", err)
	}
	return nil
}

// Shutdown stops timers; persisted rows survive for the next Recover.
func (e *Engine) Shutdown() {
	e.pending.Shutdown()
	e.scheduler.Shutdown()
}

// --- sync ---

// Sync pulls the account's inbox. Concurrent syncs against the same
// account are serialized by the resolver's per-account lock.
func (e *Engine) Sync(ctx context.Context, accountID string) provider.SyncResult {
	return e.sync(ctx, accountID, func(p provider.Provider) provider.SyncResult {
		return p.Sync(ctx, provider.SyncOptions{MaxMessages: e.syncMax})
	})
}

// SyncSent pulls the account's sent folder.
func (e *Engine) SyncSent(ctx context.Context, accountID string) provider.SyncResult {
	return e.sync(ctx, accountID, func(p provider.Provider) provider.SyncResult {
		return p.SyncSent(ctx, provider.SyncOptions{MaxMessages: e.syncMax})
	})
}

// SyncDrafts pulls drafts for providers that expose them.
func (e *Engine) SyncDrafts(ctx context.Context, accountID string) provider.SyncResult {
	return e.sync(ctx, accountID, func(p provider.Provider) provider.SyncResult {
		dp, ok := provider.SupportsDrafts(p)
		if !ok {
			return provider.SyncResult{Err: fmt.Sprintf("account %s: drafts not supported", accountID)}
		}
		return dp.SyncDrafts(ctx, provider.SyncOptions{MaxMessages: e.syncMax})
	})
}

func (e *Engine) sync(ctx context.Context, accountID string, run func(provider.Provider) provider.SyncResult) provider.SyncResult {
	lock := e.resolver.SyncLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.resolver.Get(ctx, accountID)
	if err != nil {
		return provider.SyncResult{Err: err.Error(), NeedsReauth: provider.IsAuthError(err)}
	}

	res := run(p)
	if res.Err == "" {
		e.publish(accountID, notify.Event{
			Type:      notify.EventSyncComplete,
			AccountID: accountID,
			Count:     res.Synced,
		})
	}
	return res
}

// HandleNewMail is the idle watcher's callback: sync the inbox and
// tell subscribers how much arrived.
func (e *Engine) HandleNewMail(ctx context.Context, accountID string) error {
	res := e.Sync(ctx, accountID)
	if res.Err != "" {
		return fmt.Errorf("sync %s: %s", accountID, res.Err)
	}
	if res.Synced > 0 {
		e.publish(accountID, notify.Event{
			Type:      notify.EventNewMail,
			AccountID: accountID,
			Count:     res.Synced,
		})
	}
	return nil
}

// DeleteDraft removes a locally-synced draft, remote copy first. Fails
// with a ValidationError when the account's backend has no draft
// support.
func (e *Engine) DeleteDraft(ctx context.Context, emailID int64) error {
	email, err := e.store.GetEmail(ctx, emailID)
	if err != nil {
		return err
	}
	p, err := e.resolver.Get(ctx, email.AccountID)
	if err != nil {
		return err
	}
	dp, ok := provider.SupportsDrafts(p)
	if !ok {
		return &provider.ValidationError{Field: "id", Reason: "account does not support drafts"}
	}
	if err := dp.DeleteDraft(ctx, email.RemoteID); err != nil {
		return err
	}
	return e.store.DeleteEmail(ctx, email.ID)
}

// --- email operations ---

// Apply performs one operation on one locally-stored email.
func (e *Engine) Apply(ctx context.Context, op string, emailID int64) error {
	email, err := e.store.GetEmail(ctx, emailID)
	if err != nil {
		return err
	}
	p, err := e.resolver.Get(ctx, email.AccountID)
	if err != nil {
		return err
	}
	return e.apply(ctx, p, op, email)
}

func (e *Engine) apply(ctx context.Context, p provider.Provider, op string, email *store.Email) error {
	switch op {
	case OpMarkRead, OpMarkUnread:
		// Read state is a local-first concern: flip the row, then let
		// the provider catch up. A remote failure is logged, not
		// surfaced, so the UI never bounces back.
		read := op == OpMarkRead
		if err := e.store.SetRead(ctx, email.ID, read); err != nil {
			return err
		}
		remote := p.MarkRead
		if !read {
			remote = p.MarkUnread
		}
		if err := remote(ctx, email.RemoteID); err != nil {
			log.Printf("%s remote %s: %v", op, email.RemoteID, err)
		}
		return nil

	case OpStar:
		return e.remoteThenLocal(ctx, email, p.Star, e.store.SetStarred, true)
	case OpUnstar:
		return e.remoteThenLocal(ctx, email, p.Unstar, e.store.SetStarred, false)
	case OpArchive:
		return e.remoteThenLocal(ctx, email, p.Archive, e.store.SetArchived, true)
	case OpUnarchive:
		return e.remoteThenLocal(ctx, email, p.Unarchive, e.store.SetArchived, false)
	case OpTrash:
		return e.remoteThenLocal(ctx, email, p.Trash, e.store.SetTrashed, true)
	case OpUntrash:
		return e.remoteThenLocal(ctx, email, p.Untrash, e.store.SetTrashed, false)

	case OpDelete:
		if err := p.PermanentDelete(ctx, email.RemoteID); err != nil {
			return err
		}
		return e.store.DeleteEmail(ctx, email.ID)

	default:
		return &provider.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown operation %q", op)}
	}
}

// remoteThenLocal is the remote-first policy: the local row only
// changes after the provider accepted the mutation.
func (e *Engine) remoteThenLocal(ctx context.Context, email *store.Email,
	remote func(context.Context, string) error,
	local func(context.Context, int64, bool) error, v bool) error {
	if err := remote(ctx, email.RemoteID); err != nil {
		return err
	}
	return local(ctx, email.ID, v)
}

// --- sending ---

// SendRequest carries an outgoing message plus an optional local email
// id being replied to.
type SendRequest struct {
	Message   provider.OutgoingMessage `json:"message"`
	ReplyToID int64                    `json:"replyToId,omitempty"`
}

func (e *Engine) prepareSend(ctx context.Context, accountID string, req *SendRequest) (*provider.OutgoingMessage, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	msg := req.Message
	if msg.From == "" {
		msg.From = account.Email
	}
	if len(msg.To) == 0 {
		return nil, &provider.ValidationError{Field: "to", Reason: "at least one recipient required"}
	}

	if req.ReplyToID != 0 {
		orig, err := e.store.GetEmail(ctx, req.ReplyToID)
		if err != nil {
			return nil, err
		}
		msg.ThreadID = orig.ThreadID
		msg.ReplyToRemoteID = orig.RemoteID
		// IMAP tracks threads by Message-ID header and Yahoo's send API
		// takes the conversation reference in its inReplyTo field. Gmail
		// threads on ThreadID and Microsoft on ReplyToRemoteID, so the
		// header stays whatever the caller supplied for those.
		fillHeaders := account.Kind == store.KindIMAP || account.Kind == store.KindYahoo
		if fillHeaders && msg.InReplyTo == "" {
			msg.InReplyTo = orig.ThreadID
			msg.References = orig.ThreadID
		}
	}
	return &msg, nil
}

// QueueSend places a send in the undo window.
func (e *Engine) QueueSend(ctx context.Context, accountID string, req *SendRequest) (*store.PendingSend, error) {
	msg, err := e.prepareSend(ctx, accountID, req)
	if err != nil {
		return nil, err
	}
	row, err := e.pending.QueueSend(ctx, accountID, msg)
	if err != nil {
		return nil, err
	}
	e.publish(accountID, notify.Event{Type: notify.EventSendQueued, AccountID: accountID, ID: row.ID})
	return row, nil
}

// CancelSend aborts a send whose undo window is still open.
func (e *Engine) CancelSend(ctx context.Context, id string) error {
	return e.pending.CancelSend(ctx, id)
}

// Schedule persists a future send.
func (e *Engine) Schedule(ctx context.Context, accountID string, req *SendRequest, sendAt time.Time) (*store.ScheduledEmail, error) {
	msg, err := e.prepareSend(ctx, accountID, req)
	if err != nil {
		return nil, err
	}
	return e.scheduler.Schedule(ctx, accountID, msg, sendAt)
}

// Reschedule edits a pending scheduled send. msg may be nil to keep
// the stored content.
func (e *Engine) Reschedule(ctx context.Context, id string, msg *provider.OutgoingMessage, sendAt time.Time) (*store.ScheduledEmail, error) {
	return e.scheduler.Reschedule(ctx, id, msg, sendAt)
}

// CancelScheduled aborts a pending scheduled send.
func (e *Engine) CancelScheduled(ctx context.Context, id string) error {
	return e.scheduler.Cancel(ctx, id)
}

func (e *Engine) sendResult(accountID, id, status, errMsg string) {
	var typ string
	switch status {
	case store.PendingSent:
		typ = notify.EventSendComplete
	case store.PendingFailed:
		typ = notify.EventSendFailed
	case store.PendingCancelled:
		typ = notify.EventSendCancelled
	default:
		return
	}
	e.publish(accountID, notify.Event{Type: typ, AccountID: accountID, ID: id, Error: errMsg})
}

func (e *Engine) scheduleResult(accountID, id, status, errMsg string) {
	var typ string
	switch status {
	case store.ScheduledSent:
		typ = notify.EventScheduledSent
	case store.ScheduledFailed:
		typ = notify.EventScheduledFailed
	case store.ScheduledCancelled:
		typ = notify.EventScheduledCancelled
	default:
		return
	}
	e.publish(accountID, notify.Event{Type: typ, AccountID: accountID, ID: id, Error: errMsg})
}

// publish fans the event out to live subscribers and records it in
// the outbox for the NATS bridge. The msg id makes outbox replays
// idempotent downstream.
func (e *Engine) publish(accountID string, ev notify.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.notifier.Broadcast(ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("marshal event: %v", err)
		return
	}
	subject := fmt.Sprintf("account.%s.events", accountID)
	msgID := ev.Type + ":" + ev.ID
	if ev.ID == "" {
		msgID = ev.Type + ":" + accountID + ":" + ev.At.Format(time.RFC3339Nano)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.EnqueueOutbox(ctx, subject, ev.Type, payload, msgID); err != nil {
		log.Printf("enqueue outbox: %v", err)
	}
}

// --- accounts ---

// AddOAuthAccount persists an OAuth-backed account (gmail, microsoft,
// yahoo) whose tokens were obtained out of band.
func (e *Engine) AddOAuthAccount(ctx context.Context, kind, email, accessToken, refreshToken string, expires time.Time) (*store.Account, error) {
	switch kind {
	case store.KindGmail, store.KindMicrosoft, store.KindYahoo:
	default:
		return nil, &provider.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown oauth kind %q", kind)}
	}
	if refreshToken == "" {
		return nil, &provider.ValidationError{Field: "refreshToken", Reason: "required"}
	}

	account := &store.Account{
		ID:           uuid.NewString(),
		Email:        email,
		Kind:         kind,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenExpires: expires,
	}
	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// AddIMAPAccount validates the credentials against the server before
// persisting anything; a failed login leaves no row behind.
func (e *Engine) AddIMAPAccount(ctx context.Context, email, imapHost string, imapPort int, imapTLS bool, smtpHost string, smtpPort int, username, password string) (*store.Account, error) {
	account := &store.Account{
		ID:       uuid.NewString(),
		Email:    email,
		Kind:     store.KindIMAP,
		IMAPHost: imapHost,
		IMAPPort: imapPort,
		IMAPTLS:  imapTLS,
		SMTPHost: smtpHost,
		SMTPPort: smtpPort,
		Username: username,
		Password: password,
	}

	p := imapsmtp.New(account, nil)
	if err := p.ValidateCredentials(ctx); err != nil {
		return nil, err
	}

	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// DeleteAccount removes the account and its cached messages. Pending
// and scheduled sends for the account cascade away with it.
func (e *Engine) DeleteAccount(ctx context.Context, accountID string) error {
	if err := e.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	if e.OnAccountRemoved != nil {
		e.OnAccountRemoved(accountID)
	}
	return nil
}
