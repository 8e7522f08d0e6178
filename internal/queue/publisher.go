package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/model"
)

// Publisher sends hold expiry notices and saga outcomes.  It keeps one
// connection open and redials after the broker drops it.
type Publisher struct {
	url  string
	log  *zap.Logger
	now  func() time.Time
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPublisher(url string, log *zap.Logger) *Publisher {
	return &Publisher{url: url, log: log.Named("publisher"), now: time.Now}
}

// declareTopology creates the queues and the dead-letter route.  Every
// declaration is idempotent.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(HoldExpiredExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	if _, err := ch.QueueDeclare(HoldWaitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    HoldExpiredExchange,
		"x-dead-letter-routing-key": HoldExpiredQueue,
	}); err != nil {
		return fmt.Errorf("queue declare %s: %w", HoldWaitQueue, err)
	}
	for _, name := range []string{HoldExpiredQueue, SagaOutcomeQueue, RemediationQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", name, err)
		}
	}
	if err := ch.QueueBind(HoldExpiredQueue, HoldExpiredQueue, HoldExpiredExchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	return nil
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	// default exchange, routing key = queue name
	return ch.PublishWithContext(ctx, "", queue, false, false, msg)
}

func jsonPublishing(v any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now.UTC(),
		Body:         body,
	}, nil
}

// expiryPublishing builds the delayed notice for h.  The message TTL is the
// time left on the hold, in whole milliseconds, rounded up so the notice
// never arrives before the hold is due.
func expiryPublishing(h model.SeatHold, now time.Time) (amqp.Publishing, error) {
	msg, err := jsonPublishing(HoldExpiryMessage{
		HoldID:    h.ID,
		SagaID:    h.SagaID,
		EventID:   h.EventID,
		SeatID:    h.SeatID,
		ExpiresAt: h.ExpiresAt,
	}, now)
	if err != nil {
		return amqp.Publishing{}, err
	}
	left := h.ExpiresAt.Sub(now)
	ms := (left + time.Millisecond - 1) / time.Millisecond
	if ms < 0 {
		ms = 0
	}
	msg.Expiration = strconv.FormatInt(int64(ms), 10)
	msg.MessageId = h.ID
	return msg, nil
}

// ScheduleExpiry implements inventory.Scheduler.
func (p *Publisher) ScheduleExpiry(ctx context.Context, h model.SeatHold) error {
	msg, err := expiryPublishing(h, p.now())
	if err != nil {
		return err
	}
	if err := p.publish(ctx, HoldWaitQueue, msg); err != nil {
		p.log.Warn("expiry notice not published", zap.String("hold_id", h.ID), zap.Error(err))
		return err
	}
	return nil
}

// outcomeQueues lists where a finished saga is announced.  Sagas that need
// manual remediation also go to the remediation queue.
func outcomeQueues(inst model.SagaInstance) []string {
	if inst.Status == model.SagaFailed {
		return []string{SagaOutcomeQueue, RemediationQueue}
	}
	return []string{SagaOutcomeQueue}
}

// SagaFinished implements saga.Notifier.
func (p *Publisher) SagaFinished(ctx context.Context, inst model.SagaInstance) error {
	msg, err := jsonPublishing(NewSagaOutcome(inst), p.now())
	if err != nil {
		return err
	}
	msg.MessageId = inst.ID
	for _, q := range outcomeQueues(inst) {
		if err := p.publish(ctx, q, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}
