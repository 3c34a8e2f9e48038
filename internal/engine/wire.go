package engine

import (
	"context"
	"encoding/json"

	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/provider/gmail"
	"github.com/driftmail/engine/internal/provider/imapsmtp"
	"github.com/driftmail/engine/internal/provider/microsoft"
	"github.com/driftmail/engine/internal/provider/yahoo"
	"github.com/driftmail/engine/internal/store"
	"github.com/driftmail/engine/internal/token"
)

// BuildRegistry wires the concrete provider adapters into a registry.
// Every adapter writes synced messages through the same store-backed
// sink, so deduplication behaves identically across providers.
func BuildRegistry(st *store.Store, tokens *token.Manager) *provider.Registry {
	reg := provider.NewRegistry(func(ctx context.Context, accountID string) (string, error) {
		account, err := st.GetAccount(ctx, accountID)
		if err != nil {
			return "", err
		}
		return account.Kind, nil
	})

	reg.Register(store.KindGmail, func(ctx context.Context, accountID string) (provider.Provider, error) {
		return gmail.New(ctx, tokens.TokenSource(accountID), newStoreSink(st, accountID))
	})
	reg.Register(store.KindMicrosoft, func(ctx context.Context, accountID string) (provider.Provider, error) {
		return microsoft.New(tokens, accountID, newStoreSink(st, accountID))
	})
	reg.Register(store.KindYahoo, func(ctx context.Context, accountID string) (provider.Provider, error) {
		return yahoo.New(tokens, accountID, newStoreSink(st, accountID)), nil
	})
	reg.Register(store.KindIMAP, func(ctx context.Context, accountID string) (provider.Provider, error) {
		account, err := st.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return imapsmtp.New(account, newStoreSink(st, accountID)), nil
	})

	return reg
}

// storeSink persists synced messages for one account. InsertEmail's
// OR IGNORE makes re-synced messages report as not inserted, which is
// how sync counts only what is new.
type storeSink struct {
	store     *store.Store
	accountID string
}

func newStoreSink(st *store.Store, accountID string) *storeSink {
	return &storeSink{store: st, accountID: accountID}
}

func (s *storeSink) StoreMessage(ctx context.Context, msg *provider.Message) (bool, error) {
	to, _ := json.Marshal(msg.To)
	cc, _ := json.Marshal(msg.Cc)
	return s.store.InsertEmail(ctx, &store.Email{
		AccountID:   s.accountID,
		RemoteID:    msg.RemoteID,
		ThreadID:    msg.ThreadID,
		Folder:      msg.Folder,
		Subject:     msg.Subject,
		Sender:      msg.Sender,
		ToAddrs:     string(to),
		CcAddrs:     string(cc),
		Snippet:     msg.Snippet,
		IsRead:      msg.Read,
		IsStarred:   msg.Starred,
		MessageDate: msg.Date,
	})
}
