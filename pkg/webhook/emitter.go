package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/authcore-labs/authcore/pkg/observability"
	"github.com/authcore-labs/authcore/pkg/platform"
)

// Emitter persists events and fans them out to subscribed endpoints.
type Emitter struct {
	events     EventStore
	endpoints  EndpointStore
	deliveries DeliveryStore
	queue      Queue
	sink       *observability.Sink
	logger     *slog.Logger
	clock      func() time.Time
}

// NewEmitter wires an emitter. sink may be nil.
func NewEmitter(events EventStore, endpoints EndpointStore, deliveries DeliveryStore, queue Queue, sink *observability.Sink) *Emitter {
	if sink == nil {
		sink = observability.NewSink(nil)
	}
	return &Emitter{
		events:     events,
		endpoints:  endpoints,
		deliveries: deliveries,
		queue:      queue,
		sink:       sink,
		logger:     slog.Default().With("component", "webhook_emitter"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Emitter) WithClock(clock func() time.Time) *Emitter {
	e.clock = clock
	return e
}

// Emit persists the event, creates one pending delivery per active
// subscribed endpoint owned by the event's user, and enqueues each.
// Returns the deliveries created.
func (e *Emitter) Emit(ctx context.Context, event *Event) ([]*Delivery, error) {
	now := e.clock().UTC()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	event.CreatedAt = now

	if err := e.events.Insert(ctx, event); err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "store event", err)
	}

	targets, err := e.endpoints.Subscribed(ctx, event.UserID, event.Type)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "find subscribed endpoints", err)
	}

	deliveries := make([]*Delivery, 0, len(targets))
	for _, ep := range targets {
		d := &Delivery{
			ID:         uuid.NewString(),
			EventID:    event.ID,
			EndpointID: ep.ID,
			Status:     DeliveryPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.deliveries.Insert(ctx, d); err != nil {
			return nil, platform.Wrap(platform.KindStorageError, "store delivery", err)
		}
		if err := e.queue.Enqueue(ctx, Task{EventID: event.ID, EndpointID: ep.ID}, 0); err != nil {
			e.logger.Error("enqueue delivery", "delivery_id", d.ID, "error", err)
		}
		deliveries = append(deliveries, d)
	}

	e.logger.Info("event emitted", "event_id", event.ID, "type", event.Type, "deliveries", len(deliveries))
	e.sink.Count(ctx, "webhook.events", 1, attribute.String("type", event.Type))
	e.sink.Gauge(ctx, "webhook.fan_out", float64(len(deliveries)))
	return deliveries, nil
}

// inboundEvent is the provider's queue request body.
type inboundEvent struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Origin    string         `json:"origin"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Ingress is the provider-facing intake: signature check, parse,
// idempotency barrier, then emit.
type Ingress struct {
	verifier *IngressVerifier
	barrier  IdempotencyBarrier
	emitter  *Emitter
	sink     *observability.Sink
	logger   *slog.Logger
}

// NewIngress wires the intake. sink may be nil.
func NewIngress(verifier *IngressVerifier, barrier IdempotencyBarrier, emitter *Emitter, sink *observability.Sink) *Ingress {
	if sink == nil {
		sink = observability.NewSink(nil)
	}
	return &Ingress{
		verifier: verifier,
		barrier:  barrier,
		emitter:  emitter,
		sink:     sink,
		logger:   slog.Default().With("component", "webhook_ingress"),
	}
}

// Process handles one signed queue request. Signature failures,
// malformed bodies, and replayed event IDs each map to their own error
// kind so the transport layer can answer precisely.
func (i *Ingress) Process(ctx context.Context, body []byte, signature string) (*Event, error) {
	if err := i.verifier.Verify(body, signature); err != nil {
		i.sink.Count(ctx, "webhook.ingress", 1, attribute.String("outcome", "signature_invalid"))
		return nil, err
	}

	var in inboundEvent
	if err := json.Unmarshal(body, &in); err != nil {
		i.sink.Count(ctx, "webhook.ingress", 1, attribute.String("outcome", "malformed"))
		return nil, platform.Wrap(platform.KindInvalidRequest, "parse event body", err)
	}
	if in.ID == "" || in.Type == "" {
		i.sink.Count(ctx, "webhook.ingress", 1, attribute.String("outcome", "malformed"))
		return nil, platform.E(platform.KindInvalidRequest, "event id and type are required")
	}

	fresh, err := i.barrier.Claim(ctx, in.ID, IdempotencyTTL)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "idempotency claim", err)
	}
	if !fresh {
		i.logger.Info("duplicate event dropped", "event_id", in.ID)
		i.sink.Count(ctx, "webhook.ingress", 1, attribute.String("outcome", "duplicate"))
		return nil, platform.E(platform.KindIdempotencyDuplicate, "event already processed")
	}

	event := &Event{
		ID:     in.ID,
		UserID: in.UserID,
		Origin: in.Origin,
		Type:   in.Type,
		Data:   in.Data,
	}
	if in.Timestamp > 0 {
		event.Timestamp = time.UnixMilli(in.Timestamp).UTC()
	}
	if _, err := i.emitter.Emit(ctx, event); err != nil {
		return nil, err
	}
	i.sink.Count(ctx, "webhook.ingress", 1, attribute.String("outcome", "accepted"))
	return event, nil
}
