package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/authcore-labs/authcore/pkg/observability"
	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/vault"
)

// Rotation policy. Tokens signed under a retained-but-not-latest key stay
// verifiable until pruning.
const (
	RotationInterval = 30 * 24 * time.Hour
	RetentionWindow  = 60 * 24 * time.Hour
	signingKeyBits   = 2048
)

// RotationResult reports what a rotation pass did.
type RotationResult struct {
	Rotated bool
	Reason  string // "missing_key" | "interval_elapsed"
	NewID   string
	Pruned  int
}

// Rotator maintains the JWKS invariant: the most recently created entry
// is active, older entries are retained for the retention window and
// then pruned. Two racing rotations may both insert; selection by max
// CreatedAt keeps the invariant and the purge skips whichever entry is
// currently latest.
type Rotator struct {
	store  JWKSStore
	cipher *vault.Cipher
	sink   *observability.Sink
	logger *slog.Logger
}

// NewRotator wires a rotator. sink may be nil.
func NewRotator(store JWKSStore, cipher *vault.Cipher, sink *observability.Sink) *Rotator {
	if sink == nil {
		sink = observability.NewSink(nil)
	}
	return &Rotator{
		store:  store,
		cipher: cipher,
		sink:   sink,
		logger: slog.Default().With("component", "jwks_rotator"),
	}
}

// RotateIfNeeded creates a new signing key when none exists or the
// active one has reached the rotation interval, then prunes entries
// beyond the retention window (excluding the current latest).
func (r *Rotator) RotateIfNeeded(ctx context.Context, now time.Time) (*RotationResult, error) {
	start := time.Now()
	res := &RotationResult{}

	latest, err := r.store.Latest(ctx)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "load latest jwks entry", err)
	}

	switch {
	case latest == nil:
		res.Reason = "missing_key"
	case now.Sub(latest.CreatedAt) >= RotationInterval:
		res.Reason = "interval_elapsed"
	}

	if res.Reason != "" {
		entry, err := r.generate(now)
		if err != nil {
			return nil, err
		}
		if err := r.store.Insert(ctx, entry); err != nil {
			return nil, platform.Wrap(platform.KindStorageError, "insert jwks entry", err)
		}
		res.Rotated = true
		res.NewID = entry.ID
		latest = entry

		r.logger.Info("jwks rotated", "reason", res.Reason, "kid", entry.ID)
		r.sink.Count(ctx, "jwks.rotation", 1, attribute.String("reason", res.Reason))
	}

	if latest != nil {
		cutoff := now.Add(-RetentionWindow)
		pruned, err := r.store.DeleteOlderThan(ctx, cutoff, latest.ID)
		if err != nil {
			return nil, platform.Wrap(platform.KindStorageError, "prune jwks entries", err)
		}
		res.Pruned = pruned
		if pruned > 0 {
			r.logger.Info("jwks pruned", "count", pruned)
			r.sink.Count(ctx, "jwks.pruned", int64(pruned))
		}
		r.sink.Gauge(ctx, "jwks.active_key.age_ms", float64(now.Sub(latest.CreatedAt).Milliseconds()))
	}

	r.sink.Duration(ctx, "jwks.rotation", time.Since(start))
	return res, nil
}

// generate creates an RSA key pair and encrypts the private half under
// the platform secret.
func (r *Rotator) generate(now time.Time) (*JWKSEntry, error) {
	priv, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, platform.Wrap(platform.KindInternal, "generate signing key", err)
	}

	pubPEM, err := encodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, platform.Wrap(platform.KindInternal, "encode public key", err)
	}
	privPEM, err := encodePrivateKeyPEM(priv)
	if err != nil {
		return nil, platform.Wrap(platform.KindInternal, "encode private key", err)
	}
	enc, err := r.cipher.Encrypt(privPEM)
	if err != nil {
		return nil, platform.Wrap(platform.KindInternal, "encrypt private key", err)
	}

	return &JWKSEntry{
		ID:            uuid.NewString(),
		PublicKeyPEM:  pubPEM,
		PrivateKeyEnc: enc,
		CreatedAt:     now.UTC(),
	}, nil
}
