package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore-labs/authcore/pkg/vault"
	"github.com/authcore-labs/authcore/pkg/webhook"
)

type deliverFixture struct {
	deliverer  *webhook.Deliverer
	endpoints  *webhook.MemoryEndpointStore
	events     *webhook.MemoryEventStore
	deliveries *webhook.MemoryDeliveryStore
	queue      *captureQueue
	cipher     *vault.Cipher
	now        time.Time
}

func newDeliverFixture(t *testing.T) *deliverFixture {
	t.Helper()
	cipher, err := vault.NewCipher("platform-secret")
	require.NoError(t, err)

	f := &deliverFixture{
		endpoints:  webhook.NewMemoryEndpointStore(),
		events:     webhook.NewMemoryEventStore(),
		deliveries: webhook.NewMemoryDeliveryStore(),
		queue:      &captureQueue{},
		cipher:     cipher,
		now:        time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.deliverer = webhook.NewDeliverer(f.events, f.endpoints, f.deliveries, f.queue, cipher, nil, nil).
		WithClock(func() time.Time { return f.now })
	return f
}

// seed stores an event, an endpoint pointing at url, and a pending
// delivery, returning the task for it.
func (f *deliverFixture) seed(t *testing.T, url string, mutate func(*webhook.Endpoint)) webhook.Task {
	t.Helper()
	ctx := context.Background()

	enc, err := f.cipher.Encrypt("whsec_test")
	require.NoError(t, err)

	event := &webhook.Event{
		ID: "evt_1", UserID: "user-1", Origin: "api", Type: "user.created",
		Timestamp: f.now, Data: map[string]any{"userId": "u1"},
	}
	require.NoError(t, f.events.Insert(ctx, event))

	ep := &webhook.Endpoint{
		ID: "ep_1", UserID: "user-1", Name: "receiver", URL: url, Method: http.MethodPost,
		DeliveryFormat: webhook.FormatEnvelope,
		RetryPolicy:    webhook.RetryExponential,
		SecretEnc:      enc, Active: true,
	}
	if mutate != nil {
		mutate(ep)
	}
	require.NoError(t, f.endpoints.Upsert(ctx, ep))

	require.NoError(t, f.deliveries.Insert(ctx, &webhook.Delivery{
		ID: "dl_1", EventID: event.ID, EndpointID: ep.ID,
		Status: webhook.DeliveryPending, CreatedAt: f.now, UpdatedAt: f.now,
	}))
	return webhook.Task{EventID: event.ID, EndpointID: ep.ID}
}

func (f *deliverFixture) delivery(t *testing.T) *webhook.Delivery {
	t.Helper()
	d, err := f.deliveries.Find(context.Background(), "evt_1", "ep_1")
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestHandle_SuccessfulDelivery(t *testing.T) {
	f := newDeliverFixture(t)

	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, nil)
	require.NoError(t, f.deliverer.Handle(context.Background(), task))

	d := f.delivery(t)
	assert.Equal(t, webhook.DeliverySuccess, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Equal(t, http.StatusOK, d.ResponseStatus)
	assert.Equal(t, "ok", d.ResponseBody)
	assert.Nil(t, d.NextAttemptAt)

	// envelope payload with verifiable signature and tracing headers
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	assert.Equal(t, "evt_1", envelope["id"])
	assert.Equal(t, "user.created", envelope["type"])

	wantSig, err := webhook.SignPayload("whsec_test", gotBody)
	require.NoError(t, err)
	assert.Equal(t, wantSig, gotHeader.Get("x-webhook-signature"))
	assert.Equal(t, "evt_1", gotHeader.Get("x-webhook-id"))
	assert.Equal(t, "api", gotHeader.Get("x-webhook-origin"))
	assert.NotEmpty(t, gotHeader.Get("x-webhook-timestamp"))
}

func TestHandle_SignatureVerifiesOverSentBytes(t *testing.T) {
	f := newDeliverFixture(t)

	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("x-webhook-signature")
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, nil)
	require.NoError(t, f.events.Insert(context.Background(), &webhook.Event{
		ID: "evt_1", UserID: "user-1", Origin: "api", Type: "user.created",
		Timestamp: f.now, Data: map[string]any{"html": "<b>&</b>"},
	}))
	require.NoError(t, f.deliverer.Handle(context.Background(), task))

	// the body is sent unescaped, and a receiver computing HMAC over the
	// exact bytes received gets the header signature
	assert.Contains(t, string(gotBody), `<b>&</b>`)
	assert.NotContains(t, string(gotBody), `\u003c`)

	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestHandle_RecordsAttemptDuration(t *testing.T) {
	f := newDeliverFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, nil)
	require.NoError(t, f.deliverer.Handle(context.Background(), task))

	d := f.delivery(t)
	assert.Equal(t, webhook.DeliverySuccess, d.Status)
	assert.GreaterOrEqual(t, d.DurationMs, int64(50))
}

func TestHandle_RawFormatSendsDataOnly(t *testing.T) {
	f := newDeliverFixture(t)

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, func(ep *webhook.Endpoint) {
		ep.DeliveryFormat = webhook.FormatRaw
	})
	require.NoError(t, f.deliverer.Handle(context.Background(), task))

	var m map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &m))
	assert.Equal(t, map[string]any{"userId": "u1"}, m)
}

func TestHandle_PermanentFailureOn4xx(t *testing.T) {
	f := newDeliverFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, nil)
	require.NoError(t, f.deliverer.Handle(context.Background(), task))

	d := f.delivery(t)
	assert.Equal(t, webhook.DeliveryFailed, d.Status)
	assert.Equal(t, http.StatusNotFound, d.ResponseStatus)
	assert.Empty(t, f.queue.snapshot(), "permanent failures are not retried")
}

func TestHandle_TransientFailureSchedulesRetry(t *testing.T) {
	f := newDeliverFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, nil)
	require.NoError(t, f.deliverer.Handle(context.Background(), task))

	d := f.delivery(t)
	assert.Equal(t, webhook.DeliveryRetrying, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	require.NotNil(t, d.NextAttemptAt)
	assert.Equal(t, f.now.Add(webhook.BaseBackoff), *d.NextAttemptAt)

	require.Len(t, f.queue.delays, 1)
	assert.Equal(t, webhook.BaseBackoff, f.queue.delays[0])

	// second attempt doubles the backoff
	require.NoError(t, f.deliverer.Handle(context.Background(), task))
	d = f.delivery(t)
	assert.Equal(t, 2, d.AttemptCount)
	assert.Equal(t, f.now.Add(2*webhook.BaseBackoff), *d.NextAttemptAt)
	require.Len(t, f.queue.delays, 2)
	assert.Equal(t, 2*webhook.BaseBackoff, f.queue.delays[1])
}

func TestHandle_429IsTransient(t *testing.T) {
	f := newDeliverFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, nil)
	require.NoError(t, f.deliverer.Handle(context.Background(), task))
	assert.Equal(t, webhook.DeliveryRetrying, f.delivery(t).Status)
}

func TestHandle_RetryNoneGoesDeadImmediately(t *testing.T) {
	f := newDeliverFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, func(ep *webhook.Endpoint) {
		ep.RetryPolicy = webhook.RetryNone
	})
	require.NoError(t, f.deliverer.Handle(context.Background(), task))

	d := f.delivery(t)
	assert.Equal(t, webhook.DeliveryDead, d.Status)
	assert.Empty(t, f.queue.snapshot())
}

func TestHandle_ExhaustedAttemptsGoDead(t *testing.T) {
	f := newDeliverFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, nil)
	for i := 0; i < webhook.MaxAttempts; i++ {
		require.NoError(t, f.deliverer.Handle(context.Background(), task))
	}

	d := f.delivery(t)
	assert.Equal(t, webhook.DeliveryDead, d.Status)
	assert.Equal(t, webhook.MaxAttempts, d.AttemptCount)
	assert.Len(t, f.queue.snapshot(), webhook.MaxAttempts-1)
}

func TestHandle_TerminalDeliveryUntouched(t *testing.T) {
	f := newDeliverFixture(t)
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, nil)
	require.NoError(t, f.deliverer.Handle(context.Background(), task))
	require.Equal(t, 1, requests)

	// a re-queued task for a closed delivery is a no-op
	require.NoError(t, f.deliverer.Handle(context.Background(), task))
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, f.delivery(t).AttemptCount)
}

func TestHandle_ConnectionErrorIsTransient(t *testing.T) {
	f := newDeliverFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	task := f.seed(t, srv.URL, nil)
	require.NoError(t, f.deliverer.Handle(context.Background(), task))
	assert.Equal(t, webhook.DeliveryRetrying, f.delivery(t).Status)
}

func TestHandle_MissingEventClosesFailed(t *testing.T) {
	f := newDeliverFixture(t)
	ctx := context.Background()

	enc, err := f.cipher.Encrypt("whsec_test")
	require.NoError(t, err)
	require.NoError(t, f.endpoints.Upsert(ctx, &webhook.Endpoint{
		ID: "ep_1", UserID: "user-1", Name: "r", URL: "https://receiver.example.com",
		SecretEnc: enc, Active: true,
	}))
	require.NoError(t, f.deliveries.Insert(ctx, &webhook.Delivery{
		ID: "dl_1", EventID: "evt_1", EndpointID: "ep_1", Status: webhook.DeliveryPending,
	}))

	require.NoError(t, f.deliverer.Handle(ctx, webhook.Task{EventID: "evt_1", EndpointID: "ep_1"}))
	assert.Equal(t, webhook.DeliveryFailed, f.delivery(t).Status)
}

func TestHandle_ResponseBodyTruncated(t *testing.T) {
	f := newDeliverFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 4*webhook.MaxResponseBytes; i++ {
			_, _ = w.Write([]byte("x"))
		}
	}))
	defer srv.Close()

	task := f.seed(t, srv.URL, nil)
	require.NoError(t, f.deliverer.Handle(context.Background(), task))
	assert.Len(t, f.delivery(t).ResponseBody, webhook.MaxResponseBytes)
}
