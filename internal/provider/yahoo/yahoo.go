package yahoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/token"
)

// DefaultBaseURL is the Yahoo Mail JSON API root.
const DefaultBaseURL = "https://mail.yahooapis.com"

// Yahoo folder names as the API exposes them.
const (
	folderInbox   = "Inbox"
	folderSent    = "Sent"
	folderTrash   = "Trash"
	folderArchive = "Archive"
)

// Provider implements the mailbox contract against the Yahoo Mail
// REST API. Yahoo ships no Go SDK, so this is a plain JSON client.
type Provider struct {
	baseURL   string
	tokens    *token.Manager
	accountID string
	client    *http.Client
	sink      provider.Sink
}

func New(tokens *token.Manager, accountID string, sink provider.Sink) *Provider {
	return &Provider{
		baseURL:   DefaultBaseURL,
		tokens:    tokens,
		accountID: accountID,
		client:    &http.Client{Timeout: 30 * time.Second},
		sink:      sink,
	}
}

// SetBaseURL overrides the API root (tests only).
func (p *Provider) SetBaseURL(u string) { p.baseURL = u }

type message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Snippet        string `json:"snippet"`
	ReceivedDate   int64  `json:"receivedDate"`
	Flags          struct {
		Read    int `json:"read"`
		Flagged int `json:"flagged"`
	} `json:"flags"`
	Headers struct {
		Subject string `json:"subject"`
		From    []struct {
			Email string `json:"email"`
		} `json:"from"`
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
		Cc []struct {
			Email string `json:"email"`
		} `json:"cc"`
	} `json:"headers"`
}

func (p *Provider) Sync(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	return p.syncFolder(ctx, folderInbox, provider.FolderInbox, opts)
}

func (p *Provider) SyncSent(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	return p.syncFolder(ctx, folderSent, provider.FolderSent, opts)
}

func (p *Provider) syncFolder(ctx context.Context, yahooFolder, folder string, opts provider.SyncOptions) provider.SyncResult {
	max := opts.MaxMessages
	if max <= 0 {
		max = 50
	}

	var out struct {
		Messages []message `json:"messages"`
		Total    int       `json:"total"`
	}
	q := url.Values{}
	q.Set("folder", yahooFolder)
	q.Set("count", fmt.Sprintf("%d", max))
	err := p.call(ctx, http.MethodGet, "/ws/v3/mailboxes/@.id==primary/messages?"+q.Encode(), nil, &out)
	if err != nil {
		res := provider.SyncResult{Err: err.Error()}
		if provider.IsAuthError(err) {
			res.NeedsReauth = true
		}
		return res
	}

	var synced int
	for i := range out.Messages {
		inserted, err := p.sink.StoreMessage(ctx, normalize(&out.Messages[i], folder))
		if err != nil {
			return provider.SyncResult{Synced: synced, Total: len(out.Messages), Err: err.Error()}
		}
		if inserted {
			synced++
		}
	}
	return provider.SyncResult{Synced: synced, Total: len(out.Messages)}
}

func (p *Provider) Send(ctx context.Context, msg *provider.OutgoingMessage) (*provider.SendResult, error) {
	payload := map[string]interface{}{
		"actions": map[string]interface{}{"responseMessage": true},
		"message": map[string]interface{}{
			"subject": msg.Subject,
			"from":    map[string]string{"email": msg.From},
			"to":      addrList(msg.To),
			"cc":      addrList(msg.Cc),
			"bcc":     addrList(msg.Bcc),
			"simpleBody": map[string]interface{}{
				"text": msg.Body,
				"html": msg.HTML,
			},
			"inReplyTo":  msg.InReplyTo,
			"references": msg.References,
		},
	}

	var out struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := p.call(ctx, http.MethodPost, "/ws/v3/mailboxes/@.id==primary/messages", payload, &out); err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindYahoo, Op: "send", Err: err}
	}
	return &provider.SendResult{MessageID: out.Message.ID}, nil
}

func (p *Provider) updateFlags(ctx context.Context, remoteID string, flags map[string]interface{}) error {
	payload := map[string]interface{}{"message": map[string]interface{}{"flags": flags}}
	err := p.call(ctx, http.MethodPut, "/ws/v3/mailboxes/@.id==primary/messages/@.id=="+url.PathEscape(remoteID), payload, nil)
	if err != nil {
		return &provider.ProviderError{Provider: provider.KindYahoo, Op: "update flags", Err: err}
	}
	return nil
}

func (p *Provider) moveFolder(ctx context.Context, remoteID, dest string) error {
	payload := map[string]interface{}{"message": map[string]interface{}{"folder": map[string]string{"name": dest}}}
	err := p.call(ctx, http.MethodPut, "/ws/v3/mailboxes/@.id==primary/messages/@.id=="+url.PathEscape(remoteID), payload, nil)
	if err != nil {
		return &provider.ProviderError{Provider: provider.KindYahoo, Op: "move to " + dest, Err: err}
	}
	return nil
}

func (p *Provider) MarkRead(ctx context.Context, remoteID string) error {
	return p.updateFlags(ctx, remoteID, map[string]interface{}{"read": true})
}

func (p *Provider) MarkUnread(ctx context.Context, remoteID string) error {
	return p.updateFlags(ctx, remoteID, map[string]interface{}{"read": false})
}

func (p *Provider) Star(ctx context.Context, remoteID string) error {
	return p.updateFlags(ctx, remoteID, map[string]interface{}{"flagged": true})
}

func (p *Provider) Unstar(ctx context.Context, remoteID string) error {
	return p.updateFlags(ctx, remoteID, map[string]interface{}{"flagged": false})
}

func (p *Provider) Archive(ctx context.Context, remoteID string) error {
	return p.moveFolder(ctx, remoteID, folderArchive)
}

func (p *Provider) Unarchive(ctx context.Context, remoteID string) error {
	return p.moveFolder(ctx, remoteID, folderInbox)
}

func (p *Provider) Trash(ctx context.Context, remoteID string) error {
	return p.moveFolder(ctx, remoteID, folderTrash)
}

func (p *Provider) Untrash(ctx context.Context, remoteID string) error {
	return p.moveFolder(ctx, remoteID, folderInbox)
}

func (p *Provider) PermanentDelete(ctx context.Context, remoteID string) error {
	err := p.call(ctx, http.MethodDelete, "/ws/v3/mailboxes/@.id==primary/messages/@.id=="+url.PathEscape(remoteID), nil, nil)
	if err != nil {
		return &provider.ProviderError{Provider: provider.KindYahoo, Op: "delete", Err: err}
	}
	return nil
}

// call performs one authenticated JSON round trip.
func (p *Provider) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := p.tokens.GetValidAccessToken(ctx, p.accountID)
	if err != nil {
		return err
	}
	if res.NeedsReauth {
		return &provider.AuthError{Provider: provider.KindYahoo, Reason: res.Err}
	}
	req.Header.Set("Authorization", "Bearer "+res.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return &provider.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &provider.AuthError{Provider: provider.KindYahoo, Reason: "access token rejected"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bad status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func normalize(m *message, folder string) *provider.Message {
	meta := &provider.Message{
		RemoteID: m.ID,
		ThreadID: m.ConversationID,
		Folder:   folder,
		Subject:  m.Headers.Subject,
		Snippet:  m.Snippet,
		Read:     m.Flags.Read != 0,
		Starred:  m.Flags.Flagged != 0,
		Date:     time.Unix(m.ReceivedDate, 0),
	}
	if len(m.Headers.From) > 0 {
		meta.Sender = m.Headers.From[0].Email
	}
	for _, a := range m.Headers.To {
		meta.To = append(meta.To, a.Email)
	}
	for _, a := range m.Headers.Cc {
		meta.Cc = append(meta.Cc, a.Email)
	}
	return meta
}

func addrList(addrs []string) []map[string]string {
	out := make([]map[string]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, map[string]string{"email": a})
	}
	return out
}
