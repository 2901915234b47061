package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-sync/internal/models"
	"order-sync/internal/retry"
)

type capturedEvent struct {
	key   string
	event interface{}
}

type captureProducer struct {
	events []capturedEvent
	err    error
}

func (p *captureProducer) PublishEvent(_ context.Context, key string, event interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, capturedEvent{key: key, event: event})
	return nil
}

func TestEventPublisher_Keys(t *testing.T) {
	producer := &captureProducer{}
	ep := NewEventPublisher(producer)
	ctx := context.Background()

	require.NoError(t, ep.PublishOrderPaid(ctx, &models.OrderPaidEvent{
		BaseEvent: NewBaseEvent(models.EventTypeOrderPaid),
		OrderID:   42,
	}))
	require.NoError(t, ep.PublishShipmentStatusChanged(ctx, &models.ShipmentStatusChangedEvent{
		BaseEvent: NewBaseEvent(models.EventTypeShipmentStatusChanged),
		OrderID:   42,
	}))
	require.NoError(t, ep.RequestReplay(ctx, "wh-1", "cli"))

	require.Len(t, producer.events, 3)
	assert.Equal(t, "order-42", producer.events[0].key)
	assert.Equal(t, "order-42", producer.events[1].key)
	assert.Equal(t, "webhook-wh-1", producer.events[2].key)

	replay := producer.events[2].event.(*models.WebhookReplayRequestedEvent)
	assert.Equal(t, models.EventTypeWebhookReplayRequested, replay.EventType)
	assert.Equal(t, "cli", replay.RequestedBy)
	assert.NotEmpty(t, replay.EventID)
	assert.False(t, replay.Timestamp.IsZero())
}

func TestEventPublisher_PropagatesProducerError(t *testing.T) {
	ep := NewEventPublisher(&captureProducer{err: errors.New("broker down")})
	assert.EqualError(t, ep.RequestReplay(context.Background(), "wh-1", "cli"), "broker down")
}

func TestEventHandler_RoutesReplayRequests(t *testing.T) {
	eh := NewEventHandler()
	var got *models.WebhookReplayRequestedEvent
	eh.OnWebhookReplayRequested(func(_ context.Context, e *models.WebhookReplayRequestedEvent) error {
		got = e
		return nil
	})

	value, err := json.Marshal(&models.WebhookReplayRequestedEvent{
		BaseEvent: NewBaseEvent(models.EventTypeWebhookReplayRequested),
		WebhookID: "wh-9",
	})
	require.NoError(t, err)

	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, got)
	assert.Equal(t, "wh-9", got.WebhookID)
}

func TestEventHandler_HandlerErrorIsReturned(t *testing.T) {
	eh := NewEventHandler()
	eh.OnWebhookReplayRequested(func(context.Context, *models.WebhookReplayRequestedEvent) error {
		return errors.New("db down")
	})

	value, _ := json.Marshal(&models.WebhookReplayRequestedEvent{
		BaseEvent: NewBaseEvent(models.EventTypeWebhookReplayRequested),
		WebhookID: "wh-9",
	})
	assert.Error(t, eh.HandleMessage(context.Background(), kafka.Message{Value: value}))
}

func TestEventHandler_SkipsPoisonAndUnknownMessages(t *testing.T) {
	eh := NewEventHandler()
	called := false
	eh.OnWebhookReplayRequested(func(context.Context, *models.WebhookReplayRequestedEvent) error {
		called = true
		return nil
	})

	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")}))

	other, _ := json.Marshal(NewBaseEvent(models.EventTypeStockRestored))
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: other}))
	assert.False(t, called)
}

func TestBuildMessage_StampsHeaders(t *testing.T) {
	event := &models.StockRestoredEvent{BaseEvent: NewBaseEvent(models.EventTypeStockRestored), OrderID: 7}

	msg, err := buildMessage("order-7", event)
	require.NoError(t, err)
	assert.Equal(t, "order-7", string(msg.Key))
	assert.Equal(t, models.EventTypeStockRestored, headerValue(msg, HeaderEventType))
	assert.Equal(t, event.EventID, headerValue(msg, HeaderEventID))

	plain, err := buildMessage("k", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Empty(t, plain.Headers)

	_, err = buildMessage("k", make(chan int))
	assert.Error(t, err)
}

func TestHandleWithRetry(t *testing.T) {
	opts := retry.Options{MaxRetries: 2, InitialDelay: time.Millisecond, ShouldRetry: retry.Always}

	calls := 0
	err := handleWithRetry(context.Background(), opts, func(context.Context, kafka.Message) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, kafka.Message{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = handleWithRetry(context.Background(), opts, func(context.Context, kafka.Message) error {
		calls++
		return errors.New("still down")
	}, kafka.Message{})
	assert.EqualError(t, err, "still down")
	assert.Equal(t, 3, calls)
}
