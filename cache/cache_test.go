package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "cert:issuer-a:7", CertKey("issuer-a", 7))
	assert.Equal(t, "crl:issuer-a", CRLKey("issuer-a"))
}

func TestMemoryCache(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// callers must not be able to mutate cached content
	got[0] = 'x'
	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), again)

	require.NoError(t, c.Invalidate(ctx, "k", "also-missing"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemory(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	// the expired entry is dropped, not just masked
	mc := c.(*memoryCache)
	mc.mu.RLock()
	_, still := mc.items["k"]
	mc.mu.RUnlock()
	assert.False(t, still)
}
