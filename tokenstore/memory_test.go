package tokenstore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/identity/tokenstore"
)

func TestMemorySetGet(t *testing.T) {
	store := tokenstore.NewMemory()
	ctx := context.Background()

	payload := tokenstore.Payload{UserID: "user-1", Role: "user"}
	require.NoError(t, store.Set(ctx, "k1", payload, time.Minute))

	got, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	// Get does not consume the entry
	_, ok, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryMissingKey(t *testing.T) {
	store := tokenstore.NewMemory()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Take(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	store := tokenstore.NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", tokenstore.Payload{UserID: "user-1"}, tokenstore.VerificationTTL))

	now = now.Add(tokenstore.VerificationTTL - time.Second)
	_, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryExpiredTake(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	store := tokenstore.NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", tokenstore.Payload{UserID: "user-1"}, time.Minute))

	now = now.Add(2 * time.Minute)
	_, ok, err := store.Take(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDelete(t *testing.T) {
	store := tokenstore.NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", tokenstore.Payload{UserID: "user-1"}, time.Minute))
	require.NoError(t, store.Delete(ctx, "k1"))

	_, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTakeIsSingleUse(t *testing.T) {
	store := tokenstore.NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", tokenstore.Payload{UserID: "user-1"}, time.Minute))

	_, ok, err := store.Take(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = store.Take(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryConcurrentTake(t *testing.T) {
	store := tokenstore.NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", tokenstore.Payload{UserID: "user-1"}, time.Minute))

	const callers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok, err := store.Take(ctx, "k1"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	// exactly one caller observes the payload
	assert.Equal(t, int32(1), wins.Load())
}

func TestNewTokenIsUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		token := tokenstore.NewToken()
		assert.Len(t, token, 64)
		_, dup := seen[token]
		require.False(t, dup)
		seen[token] = struct{}{}
	}
}

func TestKeyNamespaces(t *testing.T) {
	assert.Equal(t, "email_verification:abc", tokenstore.VerificationKey("abc"))
	assert.Equal(t, "password_reset:abc", tokenstore.PasswordResetKey("abc"))
}
