package microsoft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/token"
)

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bodyPreview", "receivedDateTime", "isRead", "flag",
}

// Provider implements the mailbox contract against Microsoft Graph.
type Provider struct {
	client *msgraphsdk.GraphServiceClient
	sink   provider.Sink
}

// New creates a Graph provider whose credential pulls fresh tokens
// from the token manager on every SDK call.
func New(tokens *token.Manager, accountID string, sink provider.Sink) (*Provider, error) {
	cred := &managerCredential{tokens: tokens, accountID: accountID}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Provider{client: client, sink: sink}, nil
}

func (p *Provider) Sync(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	return p.syncFolder(ctx, "inbox", provider.FolderInbox, opts)
}

func (p *Provider) SyncSent(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	return p.syncFolder(ctx, "sentitems", provider.FolderSent, opts)
}

func (p *Provider) syncFolder(ctx context.Context, graphFolder, folder string, opts provider.SyncOptions) provider.SyncResult {
	top := int32(opts.MaxMessages)
	if top <= 0 {
		top = 50
	}

	requestConfig := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:    &top,
			Select: messageSelect,
		},
	}

	result, err := p.client.Me().MailFolders().ByMailFolderId(graphFolder).Messages().Get(ctx, requestConfig)
	if err != nil {
		return syncFailure(err, 0, 0)
	}

	messages := result.GetValue()
	var synced int
	for _, msg := range messages {
		inserted, err := p.sink.StoreMessage(ctx, normalize(msg, folder))
		if err != nil {
			return syncFailure(err, synced, len(messages))
		}
		if inserted {
			synced++
		}
	}
	return provider.SyncResult{Synced: synced, Total: len(messages)}
}

// Send creates the message as a draft and submits it, so a concrete
// message id comes back (sendMail alone returns nothing). Replies go
// through createReply against the original message instead, which is
// the only way Graph keeps them on the same conversation: it rejects
// custom In-Reply-To headers on plain message creation.
func (p *Provider) Send(ctx context.Context, msg *provider.OutgoingMessage) (*provider.SendResult, error) {
	var created models.Messageable
	var err error
	if msg.ReplyToRemoteID != "" {
		body := users.NewItemMessagesItemCreateReplyPostRequestBody()
		body.SetMessage(buildMessage(msg))
		created, err = p.client.Me().Messages().ByMessageId(msg.ReplyToRemoteID).CreateReply().Post(ctx, body, nil)
	} else {
		created, err = p.client.Me().Messages().Post(ctx, buildMessage(msg), nil)
	}
	if err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindMicrosoft, Op: "create message", Err: err}
	}
	id := created.GetId()
	if id == nil {
		return nil, &provider.ProviderError{Provider: provider.KindMicrosoft, Op: "create message", Err: errors.New("no message id returned")}
	}

	if err := p.client.Me().Messages().ByMessageId(*id).Send().Post(ctx, nil); err != nil {
		return nil, &provider.ProviderError{Provider: provider.KindMicrosoft, Op: "send", Err: err}
	}
	return &provider.SendResult{MessageID: *id}, nil
}

func (p *Provider) setRead(ctx context.Context, remoteID string, read bool) error {
	patch := models.NewMessage()
	patch.SetIsRead(&read)
	if _, err := p.client.Me().Messages().ByMessageId(remoteID).Patch(ctx, patch, nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindMicrosoft, Op: "set read", Err: err}
	}
	return nil
}

func (p *Provider) MarkRead(ctx context.Context, remoteID string) error {
	return p.setRead(ctx, remoteID, true)
}

func (p *Provider) MarkUnread(ctx context.Context, remoteID string) error {
	return p.setRead(ctx, remoteID, false)
}

func (p *Provider) setFlag(ctx context.Context, remoteID string, status models.FollowupFlagStatus) error {
	flag := models.NewFollowupFlag()
	flag.SetFlagStatus(&status)
	patch := models.NewMessage()
	patch.SetFlag(flag)
	if _, err := p.client.Me().Messages().ByMessageId(remoteID).Patch(ctx, patch, nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindMicrosoft, Op: "set flag", Err: err}
	}
	return nil
}

func (p *Provider) Star(ctx context.Context, remoteID string) error {
	return p.setFlag(ctx, remoteID, models.FLAGGED_FOLLOWUPFLAGSTATUS)
}

func (p *Provider) Unstar(ctx context.Context, remoteID string) error {
	return p.setFlag(ctx, remoteID, models.NOTFLAGGED_FOLLOWUPFLAGSTATUS)
}

func (p *Provider) move(ctx context.Context, remoteID, destination string) error {
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(&destination)
	if _, err := p.client.Me().Messages().ByMessageId(remoteID).Move().Post(ctx, body, nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindMicrosoft, Op: "move to " + destination, Err: err}
	}
	return nil
}

func (p *Provider) Archive(ctx context.Context, remoteID string) error {
	return p.move(ctx, remoteID, "archive")
}

func (p *Provider) Unarchive(ctx context.Context, remoteID string) error {
	return p.move(ctx, remoteID, "inbox")
}

func (p *Provider) Trash(ctx context.Context, remoteID string) error {
	return p.move(ctx, remoteID, "deleteditems")
}

func (p *Provider) Untrash(ctx context.Context, remoteID string) error {
	return p.move(ctx, remoteID, "inbox")
}

func (p *Provider) PermanentDelete(ctx context.Context, remoteID string) error {
	if err := p.client.Me().Messages().ByMessageId(remoteID).Delete(ctx, nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindMicrosoft, Op: "delete", Err: err}
	}
	return nil
}

// SyncDrafts implements the draft capability.
func (p *Provider) SyncDrafts(ctx context.Context, opts provider.SyncOptions) provider.SyncResult {
	return p.syncFolder(ctx, "drafts", provider.FolderDrafts, opts)
}

func (p *Provider) DeleteDraft(ctx context.Context, remoteID string) error {
	if err := p.client.Me().Messages().ByMessageId(remoteID).Delete(ctx, nil); err != nil {
		return &provider.ProviderError{Provider: provider.KindMicrosoft, Op: "delete draft", Err: err}
	}
	return nil
}

func buildMessage(msg *provider.OutgoingMessage) models.Messageable {
	message := models.NewMessage()
	message.SetSubject(&msg.Subject)

	body := models.NewItemBody()
	contentType := models.TEXT_BODYTYPE
	if msg.HTML {
		contentType = models.HTML_BODYTYPE
	}
	body.SetContentType(&contentType)
	content := msg.Body
	body.SetContent(&content)
	message.SetBody(body)

	message.SetToRecipients(recipients(msg.To))
	if len(msg.Cc) > 0 {
		message.SetCcRecipients(recipients(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		message.SetBccRecipients(recipients(msg.Bcc))
	}
	return message
}

func recipients(addrs []string) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, a := range addrs {
		addr := a
		ea := models.NewEmailAddress()
		ea.SetAddress(&addr)
		r := models.NewRecipient()
		r.SetEmailAddress(ea)
		out = append(out, r)
	}
	return out
}

// normalize converts a Graph message to the provider-neutral shape.
func normalize(m models.Messageable, folder string) *provider.Message {
	meta := &provider.Message{Folder: folder, Read: true}

	if id := m.GetId(); id != nil {
		meta.RemoteID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		meta.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		meta.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				meta.Sender = *addr
			}
		}
	}
	if to := m.GetToRecipients(); to != nil {
		meta.To = extractAddresses(to)
	}
	if cc := m.GetCcRecipients(); cc != nil {
		meta.Cc = extractAddresses(cc)
	}
	if preview := m.GetBodyPreview(); preview != nil {
		meta.Snippet = *preview
	}
	if read := m.GetIsRead(); read != nil {
		meta.Read = *read
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil {
			meta.Starred = *status == models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		meta.Date = *rcvd
	}
	return meta
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

func syncFailure(err error, synced, total int) provider.SyncResult {
	res := provider.SyncResult{Synced: synced, Total: total, Err: err.Error()}
	var odataErr *odataerrors.ODataError
	if provider.IsAuthError(err) {
		res.NeedsReauth = true
	} else if errors.As(err, &odataErr) && odataErr.ResponseStatusCode == 401 {
		res.NeedsReauth = true
	}
	return res
}

// managerCredential adapts the token manager to the Azure credential
// interface the Graph SDK expects.
type managerCredential struct {
	tokens    *token.Manager
	accountID string
}

func (c *managerCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	res, err := c.tokens.GetValidAccessToken(ctx, c.accountID)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	if res.NeedsReauth {
		return azcore.AccessToken{}, &provider.AuthError{Provider: provider.KindMicrosoft, Reason: res.Err}
	}
	return azcore.AccessToken{
		Token:     res.AccessToken,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
