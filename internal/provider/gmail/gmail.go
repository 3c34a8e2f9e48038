package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/driftmail/engine/internal/provider"
)

// Provider implements the mailbox contract for the Gmail REST API.
type Provider struct {
	svc  *gmail.Service
	sink provider.Sink
}

// New creates a Gmail provider bound to one account's token source.
func New(ctx context.Context, ts oauth2.TokenSource, sink provider.Sink) (*Provider, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Provider{svc: svc, sink: sink}, nil
}

func (p *Provider) Sync(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	return p.syncLabel(ctx, "INBOX", provider.FolderInbox, opts)
}

func (p *Provider) SyncSent(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	return p.syncLabel(ctx, "SENT", provider.FolderSent, opts)
}

// syncLabel lists messages under one Gmail label and stores the
// normalized metadata. Re-listing an already-seen id is a no-op at the
// sink, so a retried pass cannot duplicate rows.
func (p *Provider) syncLabel(ctx context.Context, labelID, folder string, opts provider.SyncOptions) provider.SyncResult {
	max := int64(opts.MaxMessages)
	if max <= 0 {
		max = 50
	}

	var synced, total int
	call := p.svc.Users.Messages.List("me").LabelIds(labelID).IncludeSpamTrash(false).MaxResults(max)

	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			if int64(total) >= max {
				return errStopPaging
			}
			total++

			meta, err := p.svc.Users.Messages.Get("me", m.Id).Format("metadata").Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("failed to get message %s: %w", m.Id, err)
			}

			inserted, err := p.sink.StoreMessage(ctx, normalize(meta, folder))
			if err != nil {
				return err
			}
			if inserted {
				synced++
			}
		}
		return nil
	})
	if err != nil && err != errStopPaging {
		return syncFailure(err, synced, total)
	}

	return provider.SyncResult{Synced: synced, Total: total}
}

var errStopPaging = fmt.Errorf("stop paging")

func syncFailure(err error, synced, total int) provider.SyncResult {
	res := provider.SyncResult{Synced: synced, Total: total, Err: err.Error()}
	if isAuthErr(err) {
		res.NeedsReauth = true
	}
	return res
}

func isAuthErr(err error) bool {
	if provider.IsAuthError(err) {
		return true
	}
	if gerr, ok := err.(*googleapi.Error); ok {
		return gerr.Code == 401
	}
	return strings.Contains(err.Error(), "401")
}

// Send delivers via the Gmail API. The raw RFC 822 payload carries the
// reply headers; ThreadId keeps the reply in its conversation.
func (p *Provider) Send(ctx context.Context, msg *provider.OutgoingMessage) (*provider.SendResult, error) {
	rfc822, _ := provider.BuildMIMEWithBcc(msg)
	raw := base64.URLEncoding.EncodeToString(rfc822)
	gm := &gmail.Message{Raw: raw}
	if msg.ThreadID != "" {
		gm.ThreadId = msg.ThreadID
	}

	sent, err := p.svc.Users.Messages.Send("me", gm).Context(ctx).Do()
	if err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindGmail, Op: "send", Err: err}
	}
	return &provider.SendResult{MessageID: sent.Id}, nil
}

func (p *Provider) modify(ctx context.Context, remoteID string, add, remove []string) error {
	_, err := p.svc.Users.Messages.Modify("me", remoteID, &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
	if err != nil {
		return &provider.ProviderError{Provider: provider.KindGmail, Op: "modify", Err: err}
	}
	return nil
}

func (p *Provider) MarkRead(ctx context.Context, remoteID string) error {
	return p.modify(ctx, remoteID, nil, []string{"UNREAD"})
}

func (p *Provider) MarkUnread(ctx context.Context, remoteID string) error {
	return p.modify(ctx, remoteID, []string{"UNREAD"}, nil)
}

func (p *Provider) Star(ctx context.Context, remoteID string) error {
	return p.modify(ctx, remoteID, []string{"STARRED"}, nil)
}

func (p *Provider) Unstar(ctx context.Context, remoteID string) error {
	return p.modify(ctx, remoteID, nil, []string{"STARRED"})
}

func (p *Provider) Archive(ctx context.Context, remoteID string) error {
	return p.modify(ctx, remoteID, nil, []string{"INBOX"})
}

func (p *Provider) Unarchive(ctx context.Context, remoteID string) error {
	return p.modify(ctx, remoteID, []string{"INBOX"}, nil)
}

func (p *Provider) Trash(ctx context.Context, remoteID string) error {
	if _, err := p.svc.Users.Messages.Trash("me", remoteID).Context(ctx).Do(); err != nil {
		return &provider.ProviderError{Provider: provider.KindGmail, Op: "trash", Err: err}
	}
	return nil
}

func (p *Provider) Untrash(ctx context.Context, remoteID string) error {
	if _, err := p.svc.Users.Messages.Untrash("me", remoteID).Context(ctx).Do(); err != nil {
		return &provider.ProviderError{Provider: provider.KindGmail, Op: "untrash", Err: err}
	}
	return nil
}

func (p *Provider) PermanentDelete(ctx context.Context, remoteID string) error {
	if err := p.svc.Users.Messages.Delete("me", remoteID).Context(ctx).Do(); err != nil {
		return &provider.ProviderError{Provider: provider.KindGmail, Op: "delete", Err: err}
	}
	return nil
}

// SyncDrafts implements the draft capability.
func (p *Provider) SyncDrafts(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	max := int64(opts.MaxMessages)
	if max <= 0 {
		max = 50
	}

	resp, err := p.svc.Users.Drafts.List("me").MaxResults(max).Context(ctx).Do()
	if err != nil {
		return syncFailure(err, 0, 0)
	}

	var synced int
	for _, d := range resp.Drafts {
		draft, err := p.svc.Users.Drafts.Get("me", d.Id).Format("metadata").Context(ctx).Do()
		if err != nil {
			return syncFailure(err, synced, len(resp.Drafts))
		}
		if draft.Message == nil {
			continue
		}
		m := normalize(draft.Message, provider.FolderDrafts)
		// Draft rows key on the draft id so DeleteDraft round-trips.
		m.RemoteID = d.Id
		inserted, err := p.sink.StoreMessage(ctx, m)
		if err != nil {
			return syncFailure(err, synced, len(resp.Drafts))
		}
		if inserted {
			synced++
		}
	}
	return provider.SyncResult{Synced: synced, Total: len(resp.Drafts)}
}

func (p *Provider) DeleteDraft(ctx context.Context, remoteID string) error {
	if err := p.svc.Users.Drafts.Delete("me", remoteID).Context(ctx).Do(); err != nil {
		return &provider.ProviderError{Provider: provider.KindGmail, Op: "delete draft", Err: err}
	}
	return nil
}

// normalize converts a Gmail message to the provider-neutral shape.
func normalize(m *gmail.Message, folder string) *provider.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	read, starred := true, false
	for _, l := range m.LabelIds {
		switch l {
		case "UNREAD":
			read = false
		case "STARRED":
			starred = true
		}
	}

	return &provider.Message{
		RemoteID: m.Id,
		ThreadID: m.ThreadId,
		Folder:   folder,
		Subject:  headers["Subject"],
		Sender:   headers["From"],
		To:       provider.SplitAddrs(headers["To"]),
		Cc:       provider.SplitAddrs(headers["Cc"]),
		Snippet:  m.Snippet,
		Read:     read,
		Starred:  starred,
		Date:     time.UnixMilli(m.InternalDate),
	}
}
