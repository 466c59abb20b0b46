// README: RabbitMQ publisher for order status notifications (topic exchange).
package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"courier/internal/modules/order"
)

const (
	OrderExchange         = "order_exchange"
	OrderStatusRoutingKey = "order.status"
)

// StatusMessage is the body published for every accepted status transition.
type StatusMessage struct {
	OrderID   string    `json:"order_id"`
	Number    string    `json:"number"`
	TenantID  string    `json:"tenant_id"`
	From      string    `json:"from,omitempty"`
	Status    string    `json:"status"`
	Version   int       `json:"version"`
	Note      string    `json:"note,omitempty"`
	ActorType string    `json:"actor_type,omitempty"`
	At        time.Time `json:"at"`
}

// FailureCounter is notified when a publish attempt fails.
type FailureCounter interface {
	PublishFailed()
}

// publishChannel is the part of *amqp.Channel the publisher uses.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// connectFunc opens a connection and a channel with the exchange declared.
type connectFunc func() (io.Closer, publishChannel, error)

// StatusPublisher implements order.Publisher over AMQP 0-9-1. A publish that
// finds the channel closed re-dials once and retries.
type StatusPublisher struct {
	connect  connectFunc
	exchange string
	failures FailureCounter
	log      *slog.Logger

	mu     sync.Mutex
	conn   io.Closer
	ch     publishChannel
	closed bool
}

// DialStatusPublisher connects with exponential backoff and declares the
// durable topic exchange. maxWait bounds the total retry time.
func DialStatusPublisher(ctx context.Context, url string, maxWait time.Duration, log *slog.Logger) (*StatusPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxWait

	connect := dialer(url)
	var (
		conn io.Closer
		ch   publishChannel
	)
	err := backoff.RetryNotify(func() error {
		c, channel, err := connect()
		if err != nil {
			return err
		}
		conn, ch = c, channel
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		log.Warn("rabbitmq dial failed, retrying", "err", err, "wait", wait)
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return &StatusPublisher{connect: connect, conn: conn, ch: ch, exchange: OrderExchange, log: log}, nil
}

func dialer(url string) connectFunc {
	return func() (io.Closer, publishChannel, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(OrderExchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("declare exchange: %w", err)
		}
		return conn, ch, nil
	}
}

// OnFailure registers a counter for failed publishes.
func (p *StatusPublisher) OnFailure(c FailureCounter) { p.failures = c }

// PublishStatusChanged sends one persistent JSON message per transition.
// Failures are returned, not logged; the caller decides how loud to be.
func (p *StatusPublisher) PublishStatusChanged(ctx context.Context, o *order.Order, ev order.Event) error {
	body, err := json.Marshal(NewStatusMessage(o, ev))
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.CreatedAt,
		MessageId:    fmt.Sprintf("%s:%d", o.ID, o.StatusVersion),
		Body:         body,
	}

	p.mu.Lock()
	err = p.publishLocked(ctx, msg)
	if errors.Is(err, amqp.ErrClosed) && !p.closed {
		if rerr := p.reconnectLocked(); rerr != nil {
			err = fmt.Errorf("%w; reconnect: %w", err, rerr)
		} else {
			err = p.publishLocked(ctx, msg)
		}
	}
	p.mu.Unlock()

	if err != nil {
		if p.failures != nil {
			p.failures.PublishFailed()
		}
		return fmt.Errorf("publish status change: %w", err)
	}
	return nil
}

func (p *StatusPublisher) publishLocked(ctx context.Context, msg amqp.Publishing) error {
	if p.ch == nil || p.closed {
		return amqp.ErrClosed
	}
	return p.ch.PublishWithContext(ctx, p.exchange, OrderStatusRoutingKey, false, false, msg)
}

func (p *StatusPublisher) reconnectLocked() error {
	_ = p.dropLocked()
	conn, ch, err := p.connect()
	if err != nil {
		return err
	}
	p.conn, p.ch = conn, ch
	p.log.Info("rabbitmq publisher reconnected", "exchange", p.exchange)
	return nil
}

func (p *StatusPublisher) dropLocked() error {
	var err error
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	return err
}

func (p *StatusPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.dropLocked()
}

func NewStatusMessage(o *order.Order, ev order.Event) StatusMessage {
	return StatusMessage{
		OrderID:   string(o.ID),
		Number:    o.Number,
		TenantID:  string(o.TenantID),
		From:      string(ev.FromStatus),
		Status:    string(ev.Status),
		Version:   o.StatusVersion,
		Note:      ev.Note,
		ActorType: ev.ActorType,
		At:        ev.CreatedAt,
	}
}
