// Package providertest holds fakes for exercising code that talks to
// mail providers without any network.
package providertest

import (
	"context"
	"sync"

	"github.com/driftmail/engine/internal/provider"
)

// Fake implements provider.Provider with per-operation call counts
// and injectable failures.
type Fake struct {
	mu      sync.Mutex
	calls   map[string]int
	failOps map[string]error

	SyncResult provider.SyncResult
	SendID     string
}

func NewFake() *Fake {
	return &Fake{
		calls:   make(map[string]int),
		failOps: make(map[string]error),
		SendID:  "sent-1",
	}
}

// FailOn makes the named operation return err.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps[op] = err
}

// Calls reports how many times the named operation ran.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.failOps[op]
}

func (f *Fake) Sync(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	if err := f.record("sync"); err != nil {
		return provider.SyncResult{Err: err.Error(), NeedsReauth: provider.IsAuthError(err)}
	}
	return f.SyncResult
}

func (f *Fake) SyncSent(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	if err := f.record("syncSent"); err != nil {
		return provider.SyncResult{Err: err.Error()}
	}
	return f.SyncResult
}

func (f *Fake) Send(ctx context.Context, msg *provider.OutgoingMessage) (*provider.SendResult, error) {
	if err := f.record("send"); err != nil {
		return nil, err
	}
	return &provider.SendResult{MessageID: f.SendID}, nil
}

func (f *Fake) MarkRead(ctx context.Context, remoteID string) error   { return f.record("markRead") }
func (f *Fake) MarkUnread(ctx context.Context, remoteID string) error { return f.record("markUnread") }
func (f *Fake) Star(ctx context.Context, remoteID string) error       { return f.record("star") }
func (f *Fake) Unstar(ctx context.Context, remoteID string) error     { return f.record("unstar") }
func (f *Fake) Archive(ctx context.Context, remoteID string) error    { return f.record("archive") }
func (f *Fake) Unarchive(ctx context.Context, remoteID string) error  { return f.record("unarchive") }
func (f *Fake) Trash(ctx context.Context, remoteID string) error      { return f.record("trash") }
func (f *Fake) Untrash(ctx context.Context, remoteID string) error    { return f.record("untrash") }
func (f *Fake) PermanentDelete(ctx context.Context, remoteID string) error {
	return f.record("permanentDelete")
}

// DraftFake is a Fake that also carries the draft capability.
type DraftFake struct {
	*Fake
}

func NewDraftFake() *DraftFake {
	return &DraftFake{Fake: NewFake()}
}

func (f *DraftFake) SyncDrafts(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	if err := f.record("syncDrafts"); err != nil {
		return provider.SyncResult{Err: err.Error()}
	}
	return f.SyncResult
}

func (f *DraftFake) DeleteDraft(ctx context.Context, remoteID string) error {
	return f.record("deleteDraft")
}

// Resolver hands every account the same fake provider (or a per-id
// one when Providers is set).
type Resolver struct {
	Fake      *Fake
	Providers map[string]provider.Provider
	Err       error

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewResolver(f *Fake) *Resolver {
	return &Resolver{Fake: f, locks: make(map[string]*sync.Mutex)}
}

func (r *Resolver) Get(ctx context.Context, accountID string) (provider.Provider, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	if p, ok := r.Providers[accountID]; ok {
		return p, nil
	}
	return r.Fake, nil
}

func (r *Resolver) SyncLock(accountID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = make(map[string]*sync.Mutex)
	}
	if l, ok := r.locks[accountID]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[accountID] = l
	return l
}
