package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/driftmail/engine/internal/store"
)

const (
	dispatchInterval = 5 * time.Second
	dispatchBatch    = 100
	retryBackoff     = 10 * time.Second
)

// Publisher wraps NATS JetStream for publishing engine events.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// NewPublisher connects to NATS and prepares a JetStream context.
func NewPublisher(url, stream string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream makes sure the events stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(p.stream)
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{"account.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes with JetStream deduplication on msgID.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Bridge drains the transactional outbox to NATS. Events are enqueued
// in the same database as the state change that produced them, so a
// crash between commit and publish loses nothing; JetStream msg-id
// dedup absorbs the replays.
type Bridge struct {
	store     *store.Store
	publisher *Publisher
}

func NewBridge(st *store.Store, publisher *Publisher) *Bridge {
	return &Bridge{store: st, publisher: publisher}
}

// Run dispatches until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.dispatch(ctx); err != nil {
				log.Printf("outbox dispatch: %v", err)
			}
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context) error {
	msgs, err := b.store.DequeueOutbox(ctx, dispatchBatch)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := b.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.Printf("outbox publish %d: %v", msg.ID, err)
			if err := b.store.MarkOutboxRetry(ctx, msg.ID, retryBackoff); err != nil {
				return err
			}
			continue
		}
		if err := b.store.MarkPublished(ctx, msg.ID); err != nil {
			return err
		}
	}
	return nil
}
