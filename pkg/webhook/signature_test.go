package webhook_test

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/webhook"
)

func genKeyPair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub), priv
}

func sign(priv ed25519.PrivateKey, body []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, body))
}

func TestIngressVerifier_CurrentKey(t *testing.T) {
	pubB64, priv := genKeyPair(t)
	v, err := webhook.NewIngressVerifier(pubB64, "")
	require.NoError(t, err)

	body := []byte(`{"id":"evt_1"}`)
	assert.NoError(t, v.Verify(body, sign(priv, body)))
}

func TestIngressVerifier_NextKeyAccepted(t *testing.T) {
	currentB64, _ := genKeyPair(t)
	nextB64, nextPriv := genKeyPair(t)
	v, err := webhook.NewIngressVerifier(currentB64, nextB64)
	require.NoError(t, err)

	body := []byte(`{"id":"evt_1"}`)
	assert.NoError(t, v.Verify(body, sign(nextPriv, body)))
}

func TestIngressVerifier_Rejections(t *testing.T) {
	pubB64, priv := genKeyPair(t)
	v, err := webhook.NewIngressVerifier(pubB64, "")
	require.NoError(t, err)

	body := []byte(`{"id":"evt_1"}`)

	err = v.Verify(body, "%%%not-base64%%%")
	assert.Equal(t, platform.KindSignatureInvalid, platform.KindOf(err))

	err = v.Verify([]byte(`{"id":"tampered"}`), sign(priv, body))
	assert.Equal(t, platform.KindSignatureInvalid, platform.KindOf(err))

	_, otherPriv := genKeyPair(t)
	err = v.Verify(body, sign(otherPriv, body))
	assert.Equal(t, platform.KindSignatureInvalid, platform.KindOf(err))
}

func TestNewIngressVerifier_BadKeys(t *testing.T) {
	_, err := webhook.NewIngressVerifier("not base64", "")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = webhook.NewIngressVerifier(short, "")
	assert.Error(t, err)

	pubB64, _ := genKeyPair(t)
	_, err = webhook.NewIngressVerifier(pubB64, short)
	assert.Error(t, err)
}

func TestSignPayload_IndependentOfKeyOrder(t *testing.T) {
	a, err := webhook.SignPayload("whsec_abc", []byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := webhook.SignPayload("whsec_abc", []byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// and it is plain hex HMAC-SHA256 over the canonical form
	mac := hmac.New(sha256.New, []byte("whsec_abc"))
	mac.Write([]byte(`{"a":1,"b":2}`))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), a)
}

func TestSignPayload_SecretChangesSignature(t *testing.T) {
	a, err := webhook.SignPayload("whsec_one", []byte(`{"a":1}`))
	require.NoError(t, err)
	b, err := webhook.SignPayload("whsec_two", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSignPayload_InvalidJSON(t *testing.T) {
	_, err := webhook.SignPayload("whsec_abc", []byte(`{broken`))
	assert.Error(t, err)
}

func TestEnvelopePayload_Shape(t *testing.T) {
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	payload, err := webhook.EnvelopePayload(&webhook.Event{
		ID: "evt_1", Origin: "api", Type: "user.created",
		Timestamp: ts,
		Data:      map[string]any{"userId": "u1"},
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, "evt_1", m["id"])
	assert.Equal(t, "api", m["origin"])
	assert.Equal(t, "user.created", m["type"])
	assert.EqualValues(t, ts.UnixMilli(), m["timestamp"])
	assert.Equal(t, map[string]any{"userId": "u1"}, m["data"])
}
