package imapsmtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/store"
)

// Mailbox names used for structural moves. Servers differ; these are
// the common defaults and gmail-over-imap aliases are tried in order.
const (
	mailboxInbox   = "INBOX"
	mailboxSent    = "Sent"
	mailboxArchive = "Archive"
	mailboxTrash   = "Trash"
)

// Provider implements the mailbox contract over IMAP for reading and
// SMTP for sending. Connections are short-lived, one per operation;
// the long-lived IDLE connection is owned elsewhere.
type Provider struct {
	account *store.Account
	sink    provider.Sink
}

func New(account *store.Account, sink provider.Sink) *Provider {
	return &Provider{account: account, sink: sink}
}

// connect dials and authenticates a fresh IMAP session.
func (p *Provider) connect() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", p.account.IMAPHost, p.account.IMAPPort)

	var c *client.Client
	var err error
	if p.account.IMAPTLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, &provider.NetworkError{Op: "imap dial", Err: err}
	}

	if err := c.Login(p.account.Username, p.account.Password); err != nil {
		c.Logout()
		return nil, &provider.AuthError{Provider: provider.KindIMAP, Reason: err.Error()}
	}
	return c, nil
}

// ValidateCredentials performs a connect+auth round trip without
// reading messages. Used at account-creation time; on failure the
// caller discards the new account row.
func (p *Provider) ValidateCredentials(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		c, err := p.connect()
		if err != nil {
			done <- err
			return
		}
		done <- c.Logout()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &provider.NetworkError{Op: "imap validate", Err: ctx.Err()}
	}
}

func (p *Provider) Sync(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	return p.syncMailbox(ctx, mailboxInbox, provider.FolderInbox, opts)
}

func (p *Provider) SyncSent(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	return p.syncMailbox(ctx, mailboxSent, provider.FolderSent, opts)
}

func (p *Provider) syncMailbox(ctx context.Context, mailbox, folder string, opts provider.SyncOptions) provider.SyncResult {
	max := uint32(opts.MaxMessages)
	if max == 0 {
		max = 50
	}

	c, err := p.connect()
	if err != nil {
		res := provider.SyncResult{Err: err.Error()}
		if provider.IsAuthError(err) {
			res.NeedsReauth = true
		}
		return res
	}
	defer c.Logout()

	mbox, err := c.Select(mailbox, true)
	if err != nil {
		return provider.SyncResult{Err: fmt.Sprintf("select %s: %v", mailbox, err)}
	}
	if mbox.Messages == 0 {
		return provider.SyncResult{}
	}

	from := uint32(1)
	if mbox.Messages > max {
		from = mbox.Messages - max + 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, mbox.Messages)

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, items, messages)
	}()

	var synced, total int
	for msg := range messages {
		total++
		inserted, err := p.sink.StoreMessage(ctx, normalize(msg, mailbox, folder))
		if err != nil {
			<-done
			return provider.SyncResult{Synced: synced, Total: total, Err: err.Error()}
		}
		if inserted {
			synced++
		}
	}
	if err := <-done; err != nil {
		return provider.SyncResult{Synced: synced, Total: total, Err: fmt.Sprintf("fetch: %v", err)}
	}
	return provider.SyncResult{Synced: synced, Total: total}
}

// Send delivers over SMTP with STARTTLS and appends nothing locally;
// the next SyncSent pass picks the message up from the Sent mailbox
// when the server files it there.
func (p *Provider) Send(ctx context.Context, msg *provider.OutgoingMessage) (*provider.SendResult, error) {
	addr := fmt.Sprintf("%s:%d", p.account.SMTPHost, p.account.SMTPPort)

	c, err := smtp.Dial(addr)
	if err != nil {
		return nil, &provider.NetworkError{Op: "smtp dial", Err: err}
	}
	defer c.Close()

	domain := domainOf(p.account.Email)
	if err := c.Hello(domain); err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindIMAP, Op: "smtp hello", Err: err}
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: p.account.SMTPHost}
		if err := c.StartTLS(tlsConfig); err != nil {
			return nil, &provider.ProviderError{Provider: provider.KindIMAP, Op: "smtp starttls", Err: err}
		}
	}

	auth := smtp.PlainAuth("", p.account.Username, p.account.Password, p.account.SMTPHost)
	if err := c.Auth(auth); err != nil {
		return nil, &provider.AuthError{Provider: provider.KindIMAP, Reason: err.Error()}
	}

	if err := c.Mail(p.account.Email); err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindIMAP, Op: "smtp mail from", Err: err}
	}
	for _, rcpt := range allRecipients(msg) {
		if err := c.Rcpt(rcpt); err != nil {
			return nil, &provider.ProviderError{Provider: provider.KindIMAP, Op: "smtp rcpt " + rcpt, Err: err}
		}
	}

	w, err := c.Data()
	if err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindIMAP, Op: "smtp data", Err: err}
	}
	rfc822, messageID := provider.BuildMIME(msg)
	if _, err := w.Write(rfc822); err != nil {
		w.Close()
		return nil, &provider.ProviderError{Provider: provider.KindIMAP, Op: "smtp write", Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindIMAP, Op: "smtp close", Err: err}
	}
	if err := c.Quit(); err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindIMAP, Op: "smtp quit", Err: err}
	}

	return &provider.SendResult{MessageID: messageID}, nil
}

// setFlag stores or clears one IMAP flag on the message.
func (p *Provider) setFlag(remoteID, flag string, value bool) error {
	mailbox, uid, err := parseRemoteID(remoteID)
	if err != nil {
		return err
	}

	c, err := p.connect()
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select(mailbox, false); err != nil {
		return &provider.ProviderError{Provider: provider.KindIMAP, Op: "select " + mailbox, Err: err}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := c.UidStore(seqSet, flagsItem(value), []interface{}{flag}, nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindIMAP, Op: "store flags", Err: err}
	}
	return nil
}

// flagsItem builds the silent STORE item for adding or removing
// flags. AddFlags/RemoveFlags are untyped constants, so the FlagsOp
// type has to be pinned before formatting.
func flagsItem(value bool) imap.StoreItem {
	var op imap.FlagsOp = imap.AddFlags
	if !value {
		op = imap.RemoveFlags
	}
	return imap.FormatFlagsOp(op, true)
}

// move copies a message to dest, then deletes and expunges the
// original. Plain COPY+STORE because the MOVE extension is not
// universal.
func (p *Provider) move(remoteID, dest string) error {
	mailbox, uid, err := parseRemoteID(remoteID)
	if err != nil {
		return err
	}

	c, err := p.connect()
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select(mailbox, false); err != nil {
		return &provider.ProviderError{Provider: provider.KindIMAP, Op: "select " + mailbox, Err: err}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := c.UidCopy(seqSet, dest); err != nil {
		return &provider.ProviderError{Provider: provider.KindIMAP, Op: "copy to " + dest, Err: err}
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindIMAP, Op: "mark deleted", Err: err}
	}
	if err := c.Expunge(nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindIMAP, Op: "expunge", Err: err}
	}
	return nil
}

func (p *Provider) MarkRead(ctx context.Context, remoteID string) error {
	return p.setFlag(remoteID, imap.SeenFlag, true)
}

func (p *Provider) MarkUnread(ctx context.Context, remoteID string) error {
	return p.setFlag(remoteID, imap.SeenFlag, false)
}

func (p *Provider) Star(ctx context.Context, remoteID string) error {
	return p.setFlag(remoteID, imap.FlaggedFlag, true)
}

func (p *Provider) Unstar(ctx context.Context, remoteID string) error {
	return p.setFlag(remoteID, imap.FlaggedFlag, false)
}

func (p *Provider) Archive(ctx context.Context, remoteID string) error {
	return p.move(remoteID, mailboxArchive)
}

func (p *Provider) Unarchive(ctx context.Context, remoteID string) error {
	return p.move(remoteID, mailboxInbox)
}

func (p *Provider) Trash(ctx context.Context, remoteID string) error {
	return p.move(remoteID, mailboxTrash)
}

func (p *Provider) Untrash(ctx context.Context, remoteID string) error {
	return p.move(remoteID, mailboxInbox)
}

func (p *Provider) PermanentDelete(ctx context.Context, remoteID string) error {
	mailbox, uid, err := parseRemoteID(remoteID)
	if err != nil {
		return err
	}

	c, err := p.connect()
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select(mailbox, false); err != nil {
		return &provider.ProviderError{Provider: provider.KindIMAP, Op: "select " + mailbox, Err: err}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindIMAP, Op: "mark deleted", Err: err}
	}
	if err := c.Expunge(nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindIMAP, Op: "expunge", Err: err}
	}
	return nil
}

// RemoteID encodes the mailbox and UID of an IMAP message; UIDs are
// only unique within a mailbox.
func RemoteID(mailbox string, uid uint32) string {
	return fmt.Sprintf("%s;%d", mailbox, uid)
}

func parseRemoteID(remoteID string) (string, uint32, error) {
	i := strings.LastIndex(remoteID, ";")
	if i <= 0 {
		return "", 0, &provider.ValidationError{Field: "remoteID", Reason: "expected mailbox;uid"}
	}
	uid, err := strconv.ParseUint(remoteID[i+1:], 10, 32)
	if err != nil {
		return "", 0, &provider.ValidationError{Field: "remoteID", Reason: "bad uid: " + err.Error()}
	}
	return remoteID[:i], uint32(uid), nil
}

func normalize(msg *imap.Message, mailbox, folder string) *provider.Message {
	meta := &provider.Message{
		RemoteID: RemoteID(mailbox, msg.Uid),
		Folder:   folder,
	}

	for _, f := range msg.Flags {
		switch f {
		case imap.SeenFlag:
			meta.Read = true
		case imap.FlaggedFlag:
			meta.Starred = true
		}
	}

	env := msg.Envelope
	if env == nil {
		return meta
	}
	meta.Subject = env.Subject
	meta.Date = env.Date
	meta.ThreadID = env.MessageId
	if len(env.From) > 0 {
		meta.Sender = env.From[0].Address()
	}
	for _, a := range env.To {
		meta.To = append(meta.To, a.Address())
	}
	for _, a := range env.Cc {
		meta.Cc = append(meta.Cc, a.Address())
	}
	return meta
}

func allRecipients(msg *provider.OutgoingMessage) []string {
	out := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	out = append(out, msg.To...)
	out = append(out, msg.Cc...)
	out = append(out, msg.Bcc...)
	return out
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
