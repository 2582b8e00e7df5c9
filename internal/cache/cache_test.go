package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagestore/internal/models"
)

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(8, 50*time.Millisecond)

	require.NoError(t, c.Set(ctx, "k", Variant{Format: "png", Data: []byte{1, 2}}))

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "png", v.Format)
	assert.Equal(t, []byte{1, 2}, v.Data)

	assert.Eventually(t, func() bool {
		_, ok := c.Get(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", Variant{Format: "webp"}))
	v, ok = c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "webp", v.Format)
}

func TestMemoryCacheEvictsAtCapacity(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2, time.Hour)

	require.NoError(t, c.Set(ctx, "a", Variant{Format: "png"}))
	require.NoError(t, c.Set(ctx, "b", Variant{Format: "png"}))
	// Touch a so b is the least recently used.
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Set(ctx, "c", Variant{Format: "png"}))

	assert.Equal(t, 2, c.Len())
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), Variant{}))
	}
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCacheDefaultSize(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0, time.Hour)
	for i := 0; i < DefaultMemorySize+10; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), Variant{}))
	}
	assert.Equal(t, DefaultMemorySize, c.Len())
	require.NoError(t, c.Close())
	assert.Zero(t, c.Len())
}

func TestVariantKeyDistinguishesSpecs(t *testing.T) {
	a := VariantKey("id", models.TransformSpec{Width: 100, Mode: models.ModeFit})
	b := VariantKey("id", models.TransformSpec{Width: 100, Mode: models.ModeCrop})
	c := VariantKey("id", models.TransformSpec{Height: 100, Mode: models.ModeFit})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, VariantKey("id", models.TransformSpec{Width: 100, Mode: models.ModeFit}))
}
