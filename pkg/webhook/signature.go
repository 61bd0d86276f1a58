package webhook

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/authcore-labs/authcore/pkg/platform"
)

// IngressVerifier checks the provider's ed25519 signature on incoming
// queue requests. Two keys are accepted so the provider can roll its
// key without a hard cutover.
type IngressVerifier struct {
	current ed25519.PublicKey
	next    ed25519.PublicKey
}

// NewIngressVerifier parses base64 public keys. next may be empty.
func NewIngressVerifier(currentB64, nextB64 string) (*IngressVerifier, error) {
	current, err := parseEd25519(currentB64)
	if err != nil {
		return nil, fmt.Errorf("current signing key: %w", err)
	}
	v := &IngressVerifier{current: current}
	if nextB64 != "" {
		next, err := parseEd25519(nextB64)
		if err != nil {
			return nil, fmt.Errorf("next signing key: %w", err)
		}
		v.next = next
	}
	return v, nil
}

func parseEd25519(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d key bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks sig (base64) over body against the current key, then
// the next key if configured.
func (v *IngressVerifier) Verify(body []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return platform.E(platform.KindSignatureInvalid, "signature is not valid base64")
	}
	if ed25519.Verify(v.current, body, sig) {
		return nil
	}
	if v.next != nil && ed25519.Verify(v.next, body, sig) {
		return nil
	}
	return platform.E(platform.KindSignatureInvalid, "signature verification failed")
}

// SignPayload computes the hex HMAC-SHA256 outbound signature over the
// JCS (RFC 8785) canonical form of payload, so receivers can verify
// independent of JSON key ordering.
func SignPayload(secret string, payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// EnvelopePayload renders the standard outbound envelope for an event.
func EnvelopePayload(e *Event) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":        e.ID,
		"origin":    e.Origin,
		"type":      e.Type,
		"timestamp": e.Timestamp.UnixMilli(),
		"data":      e.Data,
	})
}
