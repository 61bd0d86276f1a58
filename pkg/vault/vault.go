package vault

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/authcore-labs/authcore/pkg/platform"
)

// ErrDuplicateName is returned when a secret name is already taken.
// Rotation is "create new then delete old" under a different name; the
// store does not version values.
var ErrDuplicateName = platform.E(platform.KindConflict, "secret name already exists")

var namePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// Vault provides encrypted secret storage for scripts and the credential
// engine. Missing secrets and decryption failures resolve to an empty
// value, logged but never thrown.
type Vault struct {
	store  Store
	cipher *Cipher
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a vault over the given store and platform secret.
func New(store Store, platformSecret string) (*Vault, error) {
	cipher, err := NewCipher(platformSecret)
	if err != nil {
		return nil, err
	}
	return &Vault{
		store:  store,
		cipher: cipher,
		logger: slog.Default().With("component", "vault"),
		clock:  time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (v *Vault) WithClock(clock func() time.Time) *Vault {
	v.clock = clock
	return v
}

// Cipher exposes the platform cipher for subsystems that encrypt their
// own material (JWKS private keys, webhook endpoint secrets).
func (v *Vault) Cipher() *Cipher {
	return v.cipher
}

// Set stores a new secret. Names must match [A-Z0-9_]+ and be unique.
func (v *Vault) Set(ctx context.Context, name, value, description string) (*Secret, error) {
	if !namePattern.MatchString(name) {
		return nil, platform.E(platform.KindInvalidRequest, "secret name must match [A-Z0-9_]+")
	}

	enc, err := v.cipher.Encrypt(value)
	if err != nil {
		return nil, platform.Wrap(platform.KindInternal, "encrypt secret", err)
	}

	now := v.clock().UTC()
	s := &Secret{
		ID:             uuid.NewString(),
		Name:           name,
		EncryptedValue: enc,
		Description:    description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := v.store.Insert(ctx, s); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, ErrDuplicateName
		}
		return nil, platform.Wrap(platform.KindStorageError, "insert secret", err)
	}

	out := *s
	out.EncryptedValue = ""
	return &out, nil
}

// GetSecretValue resolves a secret to plaintext. Returns "" with ok=false
// when the secret is missing or cannot be decrypted.
func (v *Vault) GetSecretValue(ctx context.Context, name string) (string, bool) {
	s, err := v.store.GetByName(ctx, name)
	if err != nil {
		v.logger.Error("secret lookup failed", "name", name, "error", err)
		return "", false
	}
	if s == nil {
		return "", false
	}

	pt, err := v.cipher.Decrypt(s.EncryptedValue)
	if err != nil {
		v.logger.Error("secret decryption failed", "name", name, "error", err)
		return "", false
	}
	return pt, true
}

// Delete removes a secret by name. Deleting a missing name is a no-op.
func (v *Vault) Delete(ctx context.Context, name string) error {
	if err := v.store.Delete(ctx, name); err != nil {
		return platform.Wrap(platform.KindStorageError, "delete secret", err)
	}
	return nil
}

// List returns secret metadata without values.
func (v *Vault) List(ctx context.Context) ([]*Secret, error) {
	out, err := v.store.List(ctx)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "list secrets", err)
	}
	return out, nil
}
