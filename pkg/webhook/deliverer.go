package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/authcore-labs/authcore/pkg/observability"
	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/vault"
)

// Delivery tuning. Response bodies are truncated before storage.
const (
	MaxAttempts      = 6
	BaseBackoff      = 30 * time.Second
	MaxResponseBytes = 1024
	requestTimeout   = 10 * time.Second
)

// Deliverer performs delivery attempts and drives status transitions.
type Deliverer struct {
	events     EventStore
	endpoints  EndpointStore
	deliveries DeliveryStore
	queue      Queue
	cipher     *vault.Cipher
	client     *http.Client
	sink       *observability.Sink
	logger     *slog.Logger
	clock      func() time.Time
}

// NewDeliverer wires a deliverer. client and sink may be nil.
func NewDeliverer(events EventStore, endpoints EndpointStore, deliveries DeliveryStore, queue Queue, cipher *vault.Cipher, client *http.Client, sink *observability.Sink) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	if sink == nil {
		sink = observability.NewSink(nil)
	}
	return &Deliverer{
		events:     events,
		endpoints:  endpoints,
		deliveries: deliveries,
		queue:      queue,
		cipher:     cipher,
		client:     client,
		sink:       sink,
		logger:     slog.Default().With("component", "webhook_deliverer"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (d *Deliverer) WithClock(clock func() time.Time) *Deliverer {
	d.clock = clock
	return d
}

// Handle runs one delivery attempt for a queued task. Terminal
// deliveries are left untouched.
func (d *Deliverer) Handle(ctx context.Context, task Task) error {
	delivery, err := d.deliveries.Find(ctx, task.EventID, task.EndpointID)
	if err != nil {
		return platform.Wrap(platform.KindStorageError, "load delivery", err)
	}
	if delivery == nil {
		return platform.E(platform.KindNotFound,
			fmt.Sprintf("no delivery for event %s endpoint %s", task.EventID, task.EndpointID))
	}
	if delivery.Status.Terminal() {
		return nil
	}

	event, err := d.events.Get(ctx, task.EventID)
	if err != nil || event == nil {
		return d.close(ctx, delivery, DeliveryFailed, 0, "event not found")
	}
	endpoint, err := d.endpoints.Get(ctx, task.EndpointID)
	if err != nil || endpoint == nil {
		return d.close(ctx, delivery, DeliveryFailed, 0, "endpoint not found")
	}

	now := d.clock().UTC()
	delivery.AttemptCount++
	delivery.LastAttemptAt = &now

	attemptStart := time.Now()
	status, body, attemptErr := d.attempt(ctx, event, endpoint)
	delivery.DurationMs = time.Since(attemptStart).Milliseconds()
	outcome := classify(status, attemptErr)

	switch outcome {
	case DeliverySuccess:
		return d.close(ctx, delivery, DeliverySuccess, status, body)
	case DeliveryFailed:
		return d.close(ctx, delivery, DeliveryFailed, status, body)
	default: // transient
		if endpoint.RetryPolicy != RetryExponential || delivery.AttemptCount >= MaxAttempts {
			return d.close(ctx, delivery, DeliveryDead, status, body)
		}
		backoff := BaseBackoff << (delivery.AttemptCount - 1)
		next := now.Add(backoff)
		delivery.Status = DeliveryRetrying
		delivery.NextAttemptAt = &next
		delivery.ResponseStatus = status
		delivery.ResponseBody = body
		delivery.UpdatedAt = now
		if err := d.deliveries.Update(ctx, delivery); err != nil {
			return platform.Wrap(platform.KindStorageError, "update delivery", err)
		}
		d.observe(ctx, endpoint.ID, DeliveryRetrying)
		return d.queue.Enqueue(ctx, task, backoff)
	}
}

// attempt sends one signed request. A non-nil error means the request
// never produced a response.
func (d *Deliverer) attempt(ctx context.Context, event *Event, endpoint *Endpoint) (int, string, error) {
	var payload []byte
	var err error
	if endpoint.DeliveryFormat == FormatRaw {
		payload, err = json.Marshal(event.Data)
	} else {
		payload, err = EnvelopePayload(event)
	}
	if err != nil {
		return 0, "", fmt.Errorf("marshal payload: %w", err)
	}
	// The canonical form is both signed and sent, so receivers verify the
	// HMAC over exactly the bytes they received.
	payload, err = jcs.Transform(payload)
	if err != nil {
		return 0, "", fmt.Errorf("canonicalize payload: %w", err)
	}

	secret, err := d.cipher.Decrypt(endpoint.SecretEnc)
	if err != nil {
		return 0, "", fmt.Errorf("decrypt endpoint secret: %w", err)
	}
	signature, err := SignPayload(secret, payload)
	if err != nil {
		return 0, "", err
	}

	method := endpoint.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-webhook-signature", signature)
	req.Header.Set("x-webhook-id", event.ID)
	req.Header.Set("x-webhook-timestamp", strconv.FormatInt(event.Timestamp.UnixMilli(), 10))
	req.Header.Set("x-webhook-origin", event.Origin)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	return resp.StatusCode, string(body), nil
}

// classify maps an attempt outcome to success, permanent failure, or
// transient (retriable) failure. 408 and 429 are transient despite
// being 4xx.
func classify(status int, err error) DeliveryStatus {
	switch {
	case err != nil:
		return DeliveryRetrying
	case status >= 200 && status < 300:
		return DeliverySuccess
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return DeliveryRetrying
	case status >= 400 && status < 500:
		return DeliveryFailed
	default:
		return DeliveryRetrying
	}
}

func (d *Deliverer) close(ctx context.Context, delivery *Delivery, status DeliveryStatus, respStatus int, respBody string) error {
	now := d.clock().UTC()
	delivery.Status = status
	delivery.NextAttemptAt = nil
	delivery.ResponseStatus = respStatus
	delivery.ResponseBody = respBody
	delivery.UpdatedAt = now
	if err := d.deliveries.Update(ctx, delivery); err != nil {
		return platform.Wrap(platform.KindStorageError, "update delivery", err)
	}
	d.observe(ctx, delivery.EndpointID, status)
	if status != DeliverySuccess {
		d.logger.Warn("delivery closed",
			"delivery_id", delivery.ID, "status", status,
			"attempts", delivery.AttemptCount, "response_status", respStatus)
	}
	return nil
}

func (d *Deliverer) observe(ctx context.Context, endpointID string, status DeliveryStatus) {
	d.sink.Count(ctx, "webhook.delivery", 1,
		attribute.String("endpoint_id", endpointID),
		attribute.String("status", string(status)))
}
