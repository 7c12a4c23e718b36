package observability

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	RoutingWSEvents   = "ws_events.sockets"
	RoutingCallEvents = "call_events.signaling"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// Publisher is satisfied by the rabbitmq publishers.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Events publishes domain events without ever failing the caller.
type Events struct {
	publisher Publisher
	logger    *zap.Logger
}

func NewEvents(publisher Publisher, logger *zap.Logger) *Events {
	return &Events{publisher: publisher, logger: logger}
}

// Publish is safe on a nil receiver.
func (e *Events) Publish(ctx context.Context, routingKey string, env EventEnvelope, headers map[string]string) {
	if e == nil || e.publisher == nil {
		return
	}
	if env.OccurredAt == "" {
		env.OccurredAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := e.publisher.Publish(ctx, routingKey, env, headers); err != nil {
		IncAMQPPublishError()
		e.logger.Warn("event publish failed",
			zap.String("routing_key", routingKey),
			zap.String("event", env.EventName),
			zap.Error(err))
	}
}
