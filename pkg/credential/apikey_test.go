package credential_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore-labs/authcore/pkg/credential"
)

func insertKey(t *testing.T, store *credential.MemoryAPIKeyStore, raw string, mutate func(*credential.APIKey)) *credential.APIKey {
	t.Helper()
	k := &credential.APIKey{
		ID:        "key-" + raw,
		UserID:    "user-1",
		KeyHash:   credential.HashKey(raw),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(k)
	}
	require.NoError(t, store.Insert(context.Background(), k))
	return k
}

func TestHashKey_StableHex(t *testing.T) {
	h := credential.HashKey("ak_deadbeef")
	assert.Len(t, h, 64)
	assert.Equal(t, h, credential.HashKey("ak_deadbeef"))
	assert.NotEqual(t, h, credential.HashKey("ak_deadbeee"))
}

func TestGenerateRawKey_Prefix(t *testing.T) {
	raw, err := credential.GenerateRawKey()
	require.NoError(t, err)
	assert.Len(t, raw, len("ak_")+64)
	assert.Equal(t, "ak_", raw[:3])

	other, err := credential.GenerateRawKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}

func TestVerify_ValidKey(t *testing.T) {
	store := credential.NewMemoryAPIKeyStore()
	inserted := insertKey(t, store, "ak_good", nil)

	key, err := credential.NewKeyVerifier(store).Verify(context.Background(), "ak_good")
	require.NoError(t, err)
	assert.Equal(t, inserted.ID, key.ID)
	assert.Equal(t, "user-1", key.UserID)
}

func TestVerify_EmptyAndUnknownKeys(t *testing.T) {
	v := credential.NewKeyVerifier(credential.NewMemoryAPIKeyStore())

	_, err := v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, credential.ErrInvalidAPIKey)

	_, err = v.Verify(context.Background(), "ak_never_issued")
	assert.ErrorIs(t, err, credential.ErrInvalidAPIKey)
}

func TestVerify_InactiveKey(t *testing.T) {
	store := credential.NewMemoryAPIKeyStore()
	insertKey(t, store, "ak_revoked", func(k *credential.APIKey) { k.Active = false })

	_, err := credential.NewKeyVerifier(store).Verify(context.Background(), "ak_revoked")
	assert.ErrorIs(t, err, credential.ErrInvalidAPIKey)
}

func TestVerify_ExpiredKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(time.Hour)

	store := credential.NewMemoryAPIKeyStore()
	insertKey(t, store, "ak_shortlived", func(k *credential.APIKey) { k.ExpiresAt = &expiry })

	v := credential.NewKeyVerifier(store).WithClock(func() time.Time { return now })

	_, err := v.Verify(context.Background(), "ak_shortlived")
	assert.NoError(t, err)

	// at the expiry instant the key is already invalid
	v.WithClock(func() time.Time { return expiry })
	_, err = v.Verify(context.Background(), "ak_shortlived")
	assert.ErrorIs(t, err, credential.ErrInvalidAPIKey)
}

func TestVerify_TouchesLastUsed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := credential.NewMemoryAPIKeyStore()
	insertKey(t, store, "ak_tracked", nil)

	v := credential.NewKeyVerifier(store).WithClock(func() time.Time { return now })
	_, err := v.Verify(context.Background(), "ak_tracked")
	require.NoError(t, err)

	key, err := store.GetByHash(context.Background(), credential.HashKey("ak_tracked"))
	require.NoError(t, err)
	require.NotNil(t, key.LastUsedAt)
	assert.Equal(t, now, *key.LastUsedAt)
}
