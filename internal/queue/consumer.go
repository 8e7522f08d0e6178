package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ExpiryHandler is implemented by watcher.Watcher.
type ExpiryHandler interface {
	HandleExpiry(ctx context.Context, holdID string) error
}

// ExpiryConsumer reads dead-lettered hold notices from HoldExpiredQueue.
type ExpiryConsumer struct {
	url      string
	handler  ExpiryHandler
	log      *zap.Logger
	prefetch int
}

func NewExpiryConsumer(url string, handler ExpiryHandler, log *zap.Logger) *ExpiryConsumer {
	return &ExpiryConsumer{url: url, handler: handler, log: log.Named("expiry-consumer"), prefetch: 50}
}

// Run connects to the broker and consumes until ctx is cancelled.  A lost
// connection is redialled with exponential backoff capped at 30s.
func (c *ExpiryConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("failed to dial broker", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *ExpiryConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("set QoS failed", zap.Error(err))
	}
	if err := declareTopology(ch); err != nil {
		return err
	}
	msgs, err := ch.Consume(HoldExpiredQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handle(ctx, d.Body); err != nil {
				c.log.Error("handle expiry failed", zap.String("message_id", d.MessageId), zap.Error(err))
				// the watcher keeps failed timeouts and retries them on its next sweep
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *ExpiryConsumer) handle(ctx context.Context, body []byte) error {
	var msg HoldExpiryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if msg.HoldID == "" {
		return errors.New("message has no hold_id")
	}
	return c.handler.HandleExpiry(ctx, msg.HoldID)
}
