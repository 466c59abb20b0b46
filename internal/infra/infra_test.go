package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/modules/order"
	"courier/internal/types"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn")
	log.Info("dropped")
	log.Warn("kept", "order_id", "o-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "o-1", line["order_id"])
}

func TestNewStatusMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := &order.Order{
		ID:            types.ID("o-1"),
		Number:        "KA-000007",
		TenantID:      types.ID("kedai-ali"),
		Status:        order.StatusPreparing,
		StatusVersion: 2,
	}
	ev := order.Event{
		OrderID:    o.ID,
		FromStatus: order.StatusConfirmed,
		Status:     order.StatusPreparing,
		ActorType:  "staff",
		CreatedAt:  at,
	}

	msg := NewStatusMessage(o, ev)
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "o-1", got["order_id"])
	assert.Equal(t, "KA-000007", got["number"])
	assert.Equal(t, "confirmed", got["from"])
	assert.Equal(t, "preparing", got["status"])
	assert.EqualValues(t, 2, got["version"])
	assert.NotContains(t, got, "note")
}

func TestStaticVerifier(t *testing.T) {
	var v StaticVerifier
	tok, err := v.VerifyIDToken(context.Background(), "rider-7:agent")
	require.NoError(t, err)
	assert.Equal(t, "rider-7", tok.UID)
	assert.Equal(t, "agent", tok.Claims["role"])

	tok, err = v.VerifyIDToken(context.Background(), "customer-1")
	require.NoError(t, err)
	assert.NotContains(t, tok.Claims, "role")

	_, err = v.VerifyIDToken(context.Background(), " ")
	assert.Error(t, err)
}

type fakeChannel struct {
	closed    bool
	published []amqp.Publishing
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	if c.closed {
		return amqp.ErrClosed
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type countingFailures int

func (c *countingFailures) PublishFailed() { *c++ }

func TestStatusPublisher_ReconnectsAfterChannelClose(t *testing.T) {
	var logs bytes.Buffer
	first := &fakeChannel{}
	var dialed []*fakeChannel
	var dialErr error
	p := &StatusPublisher{
		connect: func() (io.Closer, publishChannel, error) {
			if dialErr != nil {
				return nil, nil, dialErr
			}
			ch := &fakeChannel{}
			dialed = append(dialed, ch)
			return nopCloser{}, ch, nil
		},
		conn:     nopCloser{},
		ch:       first,
		exchange: OrderExchange,
		log:      NewLogger(&logs, "error"),
	}
	var failures countingFailures
	p.OnFailure(&failures)

	o := &order.Order{ID: "o-1", Number: "KA-000001", Status: order.StatusConfirmed, StatusVersion: 1}
	ev := order.Event{OrderID: o.ID, Status: order.StatusConfirmed, CreatedAt: time.Now()}
	ctx := context.Background()

	require.NoError(t, p.PublishStatusChanged(ctx, o, ev))
	assert.Len(t, first.published, 1)

	// Broker drops the channel; the next publish re-dials and goes through.
	first.closed = true
	require.NoError(t, p.PublishStatusChanged(ctx, o, ev))
	require.Len(t, dialed, 1)
	assert.Len(t, dialed[0].published, 1)

	// Broker still down: the error is returned once and counted, not logged here.
	dialed[0].closed = true
	dialErr = errors.New("connection refused")
	err := p.PublishStatusChanged(ctx, o, ev)
	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.Equal(t, countingFailures(1), failures)
	assert.Empty(t, logs.String())

	// Back up again.
	dialErr = nil
	require.NoError(t, p.PublishStatusChanged(ctx, o, ev))
	require.Len(t, dialed, 2)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.PublishStatusChanged(ctx, o, ev), amqp.ErrClosed)
	assert.Len(t, dialed, 2, "no re-dial after Close")
}
