package api_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore-labs/authcore/pkg/api"
	"github.com/authcore-labs/authcore/pkg/authz"
	"github.com/authcore-labs/authcore/pkg/credential"
	"github.com/authcore-labs/authcore/pkg/pipeline"
	"github.com/authcore-labs/authcore/pkg/sandbox"
	"github.com/authcore-labs/authcore/pkg/vault"
	"github.com/authcore-labs/authcore/pkg/webhook"
)

type noopQueue struct{}

func (noopQueue) Enqueue(ctx context.Context, task webhook.Task, delay time.Duration) error {
	return nil
}

type testServer struct {
	handler  http.Handler
	registry *authz.Registry
	signBody func([]byte) string
}

// newTestServer wires the full surface on memory stores. withIngress
// controls whether webhook intake is configured.
func newTestServer(t *testing.T, withIngress bool) *testServer {
	t.Helper()
	ctx := context.Background()

	cipher, err := vault.NewCipher("platform-secret")
	require.NoError(t, err)
	secrets, err := vault.New(vault.NewMemoryStore(), "platform-secret")
	require.NoError(t, err)

	pool := sandbox.NewPool(sandbox.PoolConfig{MaxPoolSize: 2, MaxConcurrent: 4}, nil)
	t.Cleanup(pool.Close)
	runner := sandbox.NewEngine(pool)

	tuples := authz.NewMemoryTupleStore()
	registry, err := authz.NewRegistry(authz.NewMemoryModelStore(), tuples)
	require.NoError(t, err)

	users := credential.NewMemoryUserStore()
	users.Put(&credential.User{ID: "admin-1", Role: credential.PlatformRoleAdmin})
	users.Put(&credential.User{ID: "user-1", Role: "member"})
	engine := authz.NewEngine(registry, tuples, runner, users, nil)

	keys := credential.NewMemoryAPIKeyStore()
	for raw, userID := range map[string]string{"ak_admin": "admin-1", "ak_user": "user-1"} {
		require.NoError(t, keys.Insert(ctx, &credential.APIKey{
			ID: "key-" + userID, UserID: userID,
			KeyHash: credential.HashKey(raw), Active: true,
			CreatedAt: time.Now().UTC(),
		}))
	}
	keyVerifier := credential.NewKeyVerifier(keys)

	jwks := credential.NewMemoryJWKSStore()
	rotator := credential.NewRotator(jwks, cipher, nil)
	_, err = rotator.RotateIfNeeded(ctx, time.Now().UTC())
	require.NoError(t, err)

	exchanger := credential.NewExchanger(keyVerifier, engine, jwks, cipher,
		"https://auth.test", "test-api", nil)
	tokens := credential.NewTokenVerifier(jwks)

	scripts := pipeline.NewMemoryScriptStore()
	graph := pipeline.NewMemoryGraphStore()
	plans := pipeline.NewMemoryPlanStore()
	traces := pipeline.NewMemoryTraceStore()
	pipelines := pipeline.NewService(scripts, graph, plans)

	endpoints := webhook.NewEndpointService(webhook.NewMemoryEndpointStore(), cipher)

	ts := &testServer{registry: registry}

	var ingress *webhook.Ingress
	if withIngress {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		verifier, err := webhook.NewIngressVerifier(base64.StdEncoding.EncodeToString(pub), "")
		require.NoError(t, err)
		emitter := webhook.NewEmitter(webhook.NewMemoryEventStore(), webhook.NewMemoryEndpointStore(),
			webhook.NewMemoryDeliveryStore(), noopQueue{}, nil)
		ingress = webhook.NewIngress(verifier, webhook.NewMemoryBarrier(), emitter, nil)
		ts.signBody = func(body []byte) string {
			return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, body))
		}
	}

	ts.handler = api.NewServer(api.Deps{
		Exchanger:  exchanger,
		Keys:       keyVerifier,
		Tokens:     tokens,
		Authorizer: engine,
		Registry:   registry,
		Users:      users,
		Pipelines:  pipelines,
		Traces:     traces,
		Secrets:    secrets,
		Endpoints:  endpoints,
		Ingress:    ingress,
	}).Routes()
	return ts
}

func (ts *testServer) do(method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestExchange_MissingKey(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodPost, "/auth/api-key/exchange", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_api_key", decode(t, rec)["error"])
}

func TestExchange_InvalidKey(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodPost, "/auth/api-key/exchange", nil,
		map[string]string{"x-api-key": "ak_wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_api_key", decode(t, rec)["error"])
}

func TestExchange_IssuesToken(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodPost, "/auth/api-key/exchange", nil,
		map[string]string{"x-api-key": "ak_user"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, "Bearer", body["tokenType"])
	assert.EqualValues(t, 900, body["expiresIn"])

	// the issued token authenticates follow-up calls
	rec = ts.do(http.MethodPost, "/auth/check-permission",
		map[string]any{"entityType": "document", "entityId": "d1", "permission": "read"},
		map[string]string{"Authorization": "Bearer " + body["token"].(string)})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExchange_KeyInBody(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodPost, "/auth/api-key/exchange",
		map[string]any{"apiKey": "ak_user"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckPermission_RequiresAuth(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodPost, "/auth/check-permission",
		map[string]any{"entityType": "document", "entityId": "d1", "permission": "read"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckPermission_FieldValidation(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodPost, "/auth/check-permission",
		map[string]any{"entityType": "document"},
		map[string]string{"x-api-key": "ak_user"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode(t, rec)["error"])
}

func TestCheckPermission_Allowed(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	_, err := ts.registry.UpsertModel(ctx, "document", []byte(`{
		"relations": {"viewer": []},
		"permissions": {"read": {"relation": "viewer"}}
	}`))
	require.NoError(t, err)
	require.NoError(t, ts.registry.WriteTuple(ctx, &authz.Tuple{
		EntityType: "document", EntityID: "d1", Relation: "viewer",
		SubjectType: "user", SubjectID: "user-1",
	}))

	rec := ts.do(http.MethodPost, "/auth/check-permission",
		map[string]any{"entityType": "document", "entityId": "d1", "permission": "read"},
		map[string]string{"x-api-key": "ak_user"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "user", body["subjectType"])
	assert.Equal(t, "user-1", body["subjectId"])
	assert.Equal(t, "document", body["entityType"])

	// a different document stays denied
	rec = ts.do(http.MethodPost, "/auth/check-permission",
		map[string]any{"entityType": "document", "entityId": "d2", "permission": "read"},
		map[string]string{"x-api-key": "ak_user"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["allowed"])
}

func TestJWKSEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/.well-known/jwks.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))

	keys, ok := decode(t, rec)["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 1)
	key := keys[0].(map[string]any)
	assert.Equal(t, "RSA", key["kty"])
	assert.Equal(t, "RS256", key["alg"])
}

func TestWebhookQueue_NotConfigured(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodPost, "/webhooks/queue", map[string]any{"id": "e1", "type": "x"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "integration_error", decode(t, rec)["error"])
}

func TestWebhookQueue_MissingSignature(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(http.MethodPost, "/webhooks/queue", map[string]any{"id": "e1", "type": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "signature_invalid", decode(t, rec)["error"])
}

func TestWebhookQueue_AcceptsAndDeduplicates(t *testing.T) {
	ts := newTestServer(t, true)
	body, _ := json.Marshal(map[string]any{"id": "evt_1", "type": "user.created"})
	headers := map[string]string{"x-webhook-signature": ts.signBody(body)}

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/queue", bytes.NewReader(body))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post()
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", decode(t, rec)["status"])
	assert.Equal(t, "evt_1", decode(t, rec)["eventId"])

	// replay answers 200 so the provider stops retrying
	rec = post()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["status"])
}

func TestWebhookQueue_BadSignature(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(http.MethodPost, "/webhooks/queue",
		map[string]any{"id": "e1", "type": "x"},
		map[string]string{"x-webhook-signature": "AAAA"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "signature_invalid", decode(t, rec)["error"])
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/admin/pipeline/scripts", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/pipeline/scripts", nil,
		map[string]string{"x-api-key": "ak_user"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/pipeline/scripts", nil,
		map[string]string{"x-api-key": "ak_admin"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_ModelLifecycle(t *testing.T) {
	ts := newTestServer(t, false)
	auth := map[string]string{"x-api-key": "ak_admin"}

	rec := ts.do(http.MethodPut, "/admin/authz/models/document", map[string]any{
		"relations":   map[string]any{"viewer": []string{}},
		"permissions": map[string]any{"read": map[string]any{"relation": "viewer"}},
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/authz/models/document", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "document", decode(t, rec)["entity_type"])

	rec = ts.do(http.MethodGet, "/admin/authz/models/unknown", nil, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/authz/tuples", map[string]any{
		"entity_type": "document", "entity_id": "d1", "relation": "viewer",
		"subject_type": "user", "subject_id": "user-1",
	}, auth)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/authz/tuples", map[string]any{
		"entity_type": "document", "entity_id": "d1", "relation": "ghost",
		"subject_type": "user", "subject_id": "user-1",
	}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_ScriptAndGraph(t *testing.T) {
	ts := newTestServer(t, false)
	auth := map[string]string{"x-api-key": "ak_admin"}

	rec := ts.do(http.MethodPut, "/admin/pipeline/scripts/deny-bots", map[string]any{
		"name": "deny-bots",
		"code": `return { allowed: !context.isBot };`,
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPut, "/admin/pipeline/graph", map[string]any{
		"nodes": []map[string]any{
			{"id": "t", "type": "trigger", "hook": "before_signin"},
			{"id": "n1", "type": "script", "script_id": "deny-bots"},
		},
		"edges": []map[string]any{{"from": "t", "to": "n1"}},
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	// referenced script cannot be deleted
	rec = ts.do(http.MethodDelete, "/admin/pipeline/scripts/deny-bots", nil, auth)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmin_VaultSecrets(t *testing.T) {
	ts := newTestServer(t, false)
	auth := map[string]string{"x-api-key": "ak_admin"}

	rec := ts.do(http.MethodPost, "/admin/vault/secrets", map[string]any{
		"name": "SLACK_TOKEN", "value": "xoxb-1", "description": "notifications",
	}, auth)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/vault/secrets", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	secrets := decode(t, rec)["secrets"].([]any)
	require.Len(t, secrets, 1)

	rec = ts.do(http.MethodDelete, "/admin/vault/secrets/SLACK_TOKEN", nil, auth)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdmin_CreateWebhookEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	auth := map[string]string{"x-api-key": "ak_admin"}

	rec := ts.do(http.MethodPost, "/admin/webhooks/endpoints", map[string]any{
		"UserID": "user-1", "Name": "billing", "URL": "https://billing.example.com/hooks",
		"EventTypes": []string{"invoice.paid"},
	}, auth)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode(t, rec)
	assert.Contains(t, body["secret"], "whsec_")
	endpoint := body["endpoint"].(map[string]any)
	assert.Equal(t, "billing", endpoint["name"])
	assert.Equal(t, "user-1", endpoint["user_id"])

	// an endpoint with no owner is refused
	rec = ts.do(http.MethodPost, "/admin/webhooks/endpoints", map[string]any{
		"Name": "orphan", "URL": "https://orphan.example.com/hooks",
	}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
