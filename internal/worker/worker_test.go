package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"order-sync/internal/broker"
	"order-sync/internal/models"
	"order-sync/internal/service"
	"order-sync/internal/util"
)

// sliceConsumer feeds a fixed list of messages to the handler.
type sliceConsumer struct {
	messages []kafka.Message
	handled  int
	closed   bool
}

func (c *sliceConsumer) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, msg := range c.messages {
		if err := handler(ctx, msg); err != nil {
			return err
		}
		c.handled++
	}
	return nil
}

func (c *sliceConsumer) Close() error {
	c.closed = true
	return nil
}

type stubReprocessor struct {
	calls   []string
	results map[string]*service.IngestResult
	err     error
}

func (s *stubReprocessor) Reprocess(_ context.Context, id string) (*service.IngestResult, error) {
	s.calls = append(s.calls, id)
	if s.err != nil {
		return nil, s.err
	}
	if r, ok := s.results[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%s: %w", id, service.ErrWebhookNotFound)
}

func replayMessage(t *testing.T, webhookID string) kafka.Message {
	t.Helper()
	value, err := json.Marshal(&models.WebhookReplayRequestedEvent{
		BaseEvent:   broker.NewBaseEvent(models.EventTypeWebhookReplayRequested),
		WebhookID:   webhookID,
		RequestedBy: "test",
	})
	require.NoError(t, err)
	return kafka.Message{Key: []byte("webhook-" + webhookID), Value: value}
}

func TestWebhookReplayWorker_ReprocessesRequests(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	consumer := &sliceConsumer{messages: []kafka.Message{
		replayMessage(t, "ok"),
		replayMessage(t, "failing"),
		replayMessage(t, "missing"),
	}}
	webhooks := &stubReprocessor{results: map[string]*service.IngestResult{
		"ok":      {Success: true, WebhookID: "ok"},
		"failing": {Success: false, WebhookID: "failing", Error: "shipment 404"},
	}}

	w := NewWebhookReplayWorker(consumer, webhooks)
	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []string{"ok", "failing", "missing"}, webhooks.calls)
	assert.Equal(t, 3, consumer.handled, "handler failures and unknown ids are committed")

	require.NoError(t, w.Stop())
	assert.True(t, consumer.closed)
}

func TestWebhookReplayWorker_InfrastructureErrorIsRetried(t *testing.T) {
	webhooks := &stubReprocessor{err: errors.New("connection reset")}
	w := NewWebhookReplayWorker(&sliceConsumer{}, webhooks)

	err := w.HandleMessage(context.Background(), replayMessage(t, "wh-1"))
	assert.EqualError(t, err, "connection reset")
}
