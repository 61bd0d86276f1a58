// Package webhook ingests provider events and fans them out to
// registered endpoints with signed payloads, retries, and an
// idempotency barrier on the ingress side.
package webhook

import (
	"time"
)

// DeliveryFormat selects the outbound payload shape.
type DeliveryFormat string

const (
	// FormatEnvelope wraps the event in the standard envelope.
	FormatEnvelope DeliveryFormat = "envelope"
	// FormatRaw sends only the event data object.
	FormatRaw DeliveryFormat = "raw"
)

// RetryPolicy names an endpoint's retry behavior.
type RetryPolicy string

const (
	// RetryNone delivers once; failures go terminal immediately.
	RetryNone RetryPolicy = "none"
	// RetryExponential backs off exponentially up to MaxAttempts.
	RetryExponential RetryPolicy = "exponential"
)

// Endpoint is a registered webhook receiver. SecretEnc holds the
// signing secret encrypted under the platform secret.
type Endpoint struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	URL            string         `json:"url"`
	Method         string         `json:"method"`
	DeliveryFormat DeliveryFormat `json:"delivery_format"`
	RetryPolicy    RetryPolicy    `json:"retry_policy"`
	SecretEnc      string         `json:"-"`
	Active         bool           `json:"active"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Subscription binds an endpoint to an event type.
type Subscription struct {
	EndpointID string `json:"endpoint_id"`
	EventType  string `json:"event_type"`
}

// Event is one ingested provider event, owned by the user it concerns.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Origin    string         `json:"origin"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// DeliveryStatus is the lifecycle of one delivery. Success, failed,
// and dead are terminal; terminal deliveries never change again.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryDead     DeliveryStatus = "dead"
)

// Terminal reports whether a status admits no further attempts.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed || s == DeliveryDead
}

// Delivery tracks one event's journey to one endpoint.
type Delivery struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	EndpointID     string         `json:"endpoint_id"`
	Status         DeliveryStatus `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	ResponseStatus int            `json:"response_status,omitempty"`
	ResponseBody   string         `json:"response_body,omitempty"`
	DurationMs     int64          `json:"duration_ms,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Task is one unit of delivery work on the queue.
type Task struct {
	EventID    string `json:"eventId"`
	EndpointID string `json:"endpointId"`
}
