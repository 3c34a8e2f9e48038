package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/driftmail/engine/internal/notify"
	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/provider/providertest"
	"github.com/driftmail/engine/internal/store"
)

type testEnv struct {
	store    *store.Store
	fake     *providertest.Fake
	resolver *providertest.Resolver
	notifier *notify.Notifier
	engine   *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := providertest.NewFake()
	resolver := providertest.NewResolver(fake)
	notifier := notify.NewNotifier()
	eng := New(st, resolver, notifier, 50, time.Minute)
	t.Cleanup(eng.Shutdown)

	return &testEnv{store: st, fake: fake, resolver: resolver, notifier: notifier, engine: eng}
}

func (e *testEnv) addAccount(t *testing.T, id, kind string) *store.Account {
	t.Helper()
	account := &store.Account{ID: id, Email: id + "@example.com", Kind: kind, RefreshToken: "rt"}
	if err := e.store.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func (e *testEnv) addEmail(t *testing.T, accountID, remoteID string) *store.Email {
	t.Helper()
	email := &store.Email{
		AccountID:   accountID,
		RemoteID:    remoteID,
		ThreadID:    "<thread-" + remoteID + "@example.com>",
		Folder:      "inbox",
		Subject:     "subject " + remoteID,
		MessageDate: time.Now(),
	}
	if _, err := e.store.InsertEmail(context.Background(), email); err != nil {
		t.Fatalf("insert email: %v", err)
	}
	rows, err := e.store.ListEmails(context.Background(), accountID, "inbox", 100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, r := range rows {
		if r.RemoteID == remoteID {
			return r
		}
	}
	t.Fatalf("inserted email %s not found", remoteID)
	return nil
}

func TestMarkReadIsLocalFirst(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	email := env.addEmail(t, "acc-1", "r1")

	// The provider being down must not block the local flip.
	env.fake.FailOn("markRead", &provider.NetworkError{Op: "modify", Err: errors.New("timeout")})

	if err := env.engine.Apply(context.Background(), OpMarkRead, email.ID); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := env.store.GetEmail(context.Background(), email.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsRead {
		t.Error("read flag not set locally despite remote failure")
	}
	if env.fake.Calls("markRead") != 1 {
		t.Error("remote markRead not attempted")
	}
}

func TestStarIsRemoteFirst(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	email := env.addEmail(t, "acc-1", "r1")

	env.fake.FailOn("star", &provider.ProviderError{Provider: "gmail", Op: "star", Err: errors.New("500")})

	if err := env.engine.Apply(context.Background(), OpStar, email.ID); err == nil {
		t.Fatal("remote failure must surface for star")
	}

	got, _ := env.store.GetEmail(context.Background(), email.ID)
	if got.IsStarred {
		t.Error("star flag set locally despite remote failure")
	}
}

func TestTrashUpdatesLocalRow(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	email := env.addEmail(t, "acc-1", "r1")

	if err := env.engine.Apply(context.Background(), OpTrash, email.ID); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := env.store.GetEmail(context.Background(), email.ID)
	if !got.IsTrashed {
		t.Error("trash flag not set")
	}
}

func TestPermanentDeleteRemovesRow(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	email := env.addEmail(t, "acc-1", "r1")

	if err := env.engine.Apply(context.Background(), OpDelete, email.ID); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.store.GetEmail(context.Background(), email.ID); err == nil {
		t.Error("row survived permanent delete")
	}
	if env.fake.Calls("permanentDelete") != 1 {
		t.Error("remote delete not called")
	}
}

func TestUnknownOpRejected(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	email := env.addEmail(t, "acc-1", "r1")

	err := env.engine.Apply(context.Background(), "explode", email.ID)
	var ve *provider.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestBatchOversizeRejectedBeforeWork(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)

	ids := make([]int64, MaxBatchSize+1)
	for i := range ids {
		ids[i] = int64(i + 1)
	}

	_, err := env.engine.Batch(context.Background(), OpMarkRead, ids)
	var ve *provider.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if env.fake.Calls("markRead") != 0 {
		t.Error("oversize batch still did work")
	}
}

func TestBatchIsolatesItemFailures(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	env.addAccount(t, "acc-2", store.KindYahoo)

	good := providertest.NewFake()
	bad := providertest.NewFake()
	bad.FailOn("star", errors.New("provider exploded"))
	env.resolver.Providers = map[string]provider.Provider{
		"acc-1": good,
		"acc-2": bad,
	}

	e1 := env.addEmail(t, "acc-1", "r1")
	e2 := env.addEmail(t, "acc-1", "r2")
	e3 := env.addEmail(t, "acc-2", "r3")

	result, err := env.engine.Batch(context.Background(), OpStar, []int64{e1.ID, e2.ID, e3.ID})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	if result.Success {
		t.Error("batch with a failed item must not report success")
	}
	if result.Count != 2 {
		t.Errorf("count = %d, want 2", result.Count)
	}
	if len(result.Failed) != 1 || result.Failed[0] != e3.ID {
		t.Errorf("failed = %v, want [%d]", result.Failed, e3.ID)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "provider exploded") {
		t.Errorf("errors = %v", result.Errors)
	}
}

func TestBatchMissingEmailIsItemFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	e1 := env.addEmail(t, "acc-1", "r1")

	result, err := env.engine.Batch(context.Background(), OpMarkRead, []int64{e1.ID, 99999})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if result.Count != 1 || len(result.Failed) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestSyncPublishesCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	env.fake.SyncResult = provider.SyncResult{Synced: 2, Total: 10}

	ch, cancel := env.notifier.Subscribe("acc-1")
	defer cancel()

	res := env.engine.Sync(context.Background(), "acc-1")
	if res.Err != "" {
		t.Fatalf("sync: %v", res.Err)
	}
	if res.Synced != 2 {
		t.Errorf("synced = %d", res.Synced)
	}

	select {
	case ev := <-ch:
		if ev.Type != notify.EventSyncComplete || ev.Count != 2 {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no sync_complete event")
	}

	// The event must also hit the outbox for the NATS bridge.
	msgs, err := env.store.DequeueOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Subject != "account.acc-1.events" {
		t.Errorf("outbox = %+v", msgs)
	}
}

func TestSyncFailureSkipsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	env.fake.FailOn("sync", &provider.AuthError{Provider: "gmail", Reason: "invalid_grant"})

	ch, cancel := env.notifier.Subscribe("acc-1")
	defer cancel()

	res := env.engine.Sync(context.Background(), "acc-1")
	if res.Err == "" || !res.NeedsReauth {
		t.Errorf("result = %+v, want auth failure with NeedsReauth", res)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %+v after failed sync", ev)
	default:
	}
}

func TestCancelSendNotifiesAccountSubscribers(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)

	ch, cancel := env.notifier.Subscribe("acc-1")
	defer cancel()

	row, err := env.engine.QueueSend(context.Background(), "acc-1", &SendRequest{
		Message: provider.OutgoingMessage{To: []string{"b@example.com"}, Subject: "hi"},
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := env.engine.CancelSend(context.Background(), row.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var got *notify.Event
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Type == notify.EventSendCancelled {
				got = &ev
				break drain
			}
		default:
			break drain
		}
	}
	if got == nil {
		t.Fatal("send_cancelled never reached the account's subscribers")
	}
	if got.AccountID != "acc-1" || got.ID != row.ID {
		t.Errorf("event = %+v", got)
	}

	msgs, err := env.store.DequeueOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	for _, m := range msgs {
		if m.Subject != "account.acc-1.events" {
			t.Errorf("outbox subject = %q", m.Subject)
		}
	}
}

func TestQueueSendRequiresRecipient(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)

	_, err := env.engine.QueueSend(context.Background(), "acc-1", &SendRequest{
		Message: provider.OutgoingMessage{Subject: "no recipients"},
	})
	var ve *provider.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestQueueSendFillsReplyThreading(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindIMAP)
	orig := env.addEmail(t, "acc-1", "INBOX;12")

	row, err := env.engine.QueueSend(context.Background(), "acc-1", &SendRequest{
		Message:   provider.OutgoingMessage{To: []string{"b@example.com"}, Subject: "Re: x", Body: "y"},
		ReplyToID: orig.ID,
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	// The payload is JSON, so angle brackets in the thread id come out
	// escaped; decode before comparing.
	var msg provider.OutgoingMessage
	if err := json.Unmarshal([]byte(row.Payload), &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.ThreadID != orig.ThreadID {
		t.Errorf("payload thread = %q, want %q", msg.ThreadID, orig.ThreadID)
	}
	if msg.InReplyTo != orig.ThreadID {
		t.Errorf("imap reply In-Reply-To = %q, want %q", msg.InReplyTo, orig.ThreadID)
	}
	if msg.References != orig.ThreadID {
		t.Errorf("imap reply References = %q, want %q", msg.References, orig.ThreadID)
	}
	if msg.ReplyToRemoteID != orig.RemoteID {
		t.Errorf("payload replyToRemoteId = %q, want %q", msg.ReplyToRemoteID, orig.RemoteID)
	}
}

func TestQueueSendReplyThreadingByKind(t *testing.T) {
	cases := []struct {
		kind        string
		wantHeaders bool
	}{
		{store.KindYahoo, true},
		{store.KindGmail, false},
		{store.KindMicrosoft, false},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			env := newTestEnv(t)
			env.addAccount(t, "acc-1", tc.kind)
			orig := env.addEmail(t, "acc-1", "remote-9")

			row, err := env.engine.QueueSend(context.Background(), "acc-1", &SendRequest{
				Message:   provider.OutgoingMessage{To: []string{"b@example.com"}, Subject: "Re: x", Body: "y"},
				ReplyToID: orig.ID,
			})
			if err != nil {
				t.Fatalf("queue: %v", err)
			}

			var msg provider.OutgoingMessage
			if err := json.Unmarshal([]byte(row.Payload), &msg); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if msg.ThreadID != orig.ThreadID {
				t.Errorf("thread = %q, want %q", msg.ThreadID, orig.ThreadID)
			}
			if msg.ReplyToRemoteID != orig.RemoteID {
				t.Errorf("replyToRemoteId = %q, want %q", msg.ReplyToRemoteID, orig.RemoteID)
			}
			if tc.wantHeaders && msg.InReplyTo != orig.ThreadID {
				t.Errorf("In-Reply-To = %q, want %q", msg.InReplyTo, orig.ThreadID)
			}
			if !tc.wantHeaders && msg.InReplyTo != "" {
				t.Errorf("In-Reply-To = %q, want empty for %s accounts", msg.InReplyTo, tc.kind)
			}
		})
	}
}

func TestDeleteAccountRunsCallback(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount(t, "acc-1", store.KindGmail)

	var removed string
	env.engine.OnAccountRemoved = func(id string) { removed = id }

	if err := env.engine.DeleteAccount(context.Background(), account.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != account.ID {
		t.Errorf("callback got %q", removed)
	}
}

func TestDeleteDraftRemoteFirst(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindGmail)
	email := env.addEmail(t, "acc-1", "draft-1")

	df := providertest.NewDraftFake()
	env.resolver.Providers = map[string]provider.Provider{"acc-1": df}

	if err := env.engine.DeleteDraft(context.Background(), email.ID); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if df.Calls("deleteDraft") != 1 {
		t.Error("remote deleteDraft not called")
	}
	if _, err := env.store.GetEmail(context.Background(), email.ID); err == nil {
		t.Error("local draft row still present")
	}
}

func TestDeleteDraftUnsupportedBackend(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "acc-1", store.KindIMAP)
	email := env.addEmail(t, "acc-1", "draft-1")

	err := env.engine.DeleteDraft(context.Background(), email.ID)
	var verr *provider.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, getErr := env.store.GetEmail(context.Background(), email.ID); getErr != nil {
		t.Error("local row removed despite unsupported backend")
	}
}
