package provider

import (
	"context"
	"time"
)

// Kind represents email provider types
type Kind string

const (
	KindGmail     Kind = "gmail"
	KindMicrosoft Kind = "microsoft"
	KindYahoo     Kind = "yahoo"
	KindIMAP      Kind = "imap"
)

// Folder names used when normalizing messages across providers.
const (
	FolderInbox  = "inbox"
	FolderSent   = "sent"
	FolderDrafts = "drafts"
)

// Message represents normalized email metadata across providers.
type Message struct {
	RemoteID string
	ThreadID string
	Folder   string
	Subject  string
	Sender   string
	To       []string
	Cc       []string
	Snippet  string
	Read     bool
	Starred  bool
	Date     time.Time
}

// Attachment carries raw attachment content for outgoing mail.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// OutgoingMessage is the immutable payload snapshot of a send request.
// Reply context (InReplyTo, References, ThreadID, ReplyToRemoteID) is
// resolved by the caller from the original message before the payload
// is frozen. ReplyToRemoteID is the original's provider message id,
// for backends that thread replies by referencing it directly.
type OutgoingMessage struct {
	From            string       `json:"from"`
	To              []string     `json:"to"`
	Cc              []string     `json:"cc,omitempty"`
	Bcc             []string     `json:"bcc,omitempty"`
	Subject         string       `json:"subject"`
	Body            string       `json:"body"`
	HTML            bool         `json:"html,omitempty"`
	InReplyTo       string       `json:"inReplyTo,omitempty"`
	References      string       `json:"references,omitempty"`
	ThreadID        string       `json:"threadId,omitempty"`
	ReplyToRemoteID string       `json:"replyToRemoteId,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}

// SyncOptions configures a sync pass.
type SyncOptions struct {
	MaxMessages int
}

// SyncResult reports the outcome of a sync pass. NeedsReauth is a
// first-class result, not an error: the caller prompts for re-auth
// instead of crashing the sync loop.
type SyncResult struct {
	Synced      int    `json:"synced"`
	Total       int    `json:"total"`
	NeedsReauth bool   `json:"needsReauth,omitempty"`
	Err         string `json:"error,omitempty"`
}

// SendResult carries the provider message id. Success means the API
// accepted the message, not that delivery is confirmed.
type SendResult struct {
	MessageID string `json:"messageId"`
}

// Sink receives normalized messages during a sync pass. The bool
// reports whether the message was new (dedup by remote id).
type Sink interface {
	StoreMessage(ctx context.Context, m *Message) (bool, error)
}

// Provider is the uniform operation set over one mailbox backend.
// Mutating operations act on the remote only; the caller owns the
// local row and applies the consistency policy.
type Provider interface {
	Sync(ctx context.Context, opts SyncOptions) SyncResult
	SyncSent(ctx context.Context, opts SyncOptions) SyncResult

	Send(ctx context.Context, msg *OutgoingMessage) (*SendResult, error)

	MarkRead(ctx context.Context, remoteID string) error
	MarkUnread(ctx context.Context, remoteID string) error
	Star(ctx context.Context, remoteID string) error
	Unstar(ctx context.Context, remoteID string) error
	Archive(ctx context.Context, remoteID string) error
	Unarchive(ctx context.Context, remoteID string) error
	Trash(ctx context.Context, remoteID string) error
	Untrash(ctx context.Context, remoteID string) error
	PermanentDelete(ctx context.Context, remoteID string) error
}

// DraftProvider is the optional draft capability. Not all backends
// implement it; use SupportsDrafts instead of asserting inline.
type DraftProvider interface {
	SyncDrafts(ctx context.Context, opts SyncOptions) SyncResult
	DeleteDraft(ctx context.Context, remoteID string) error
}

// SupportsDrafts reports whether p implements the draft capability.
func SupportsDrafts(p Provider) (DraftProvider, bool) {
	d, ok := p.(DraftProvider)
	return d, ok
}

// CredentialValidator is implemented by the IMAP provider and used at
// account-creation time: a connect+auth round trip without reading
// messages.
type CredentialValidator interface {
	ValidateCredentials(ctx context.Context) error
}
