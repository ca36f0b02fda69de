package query

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute, nil), mr
}

func TestFetchJSONPopulatesThenHits(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]string{"sku": "OPT-1"}, nil
	}

	var first map[string]string
	require.NoError(t, cache.FetchJSON(ctx, "k", &first, loader))
	require.Equal(t, 1, calls)
	require.Equal(t, "OPT-1", first["sku"])

	var second map[string]string
	require.NoError(t, cache.FetchJSON(ctx, "k", &second, loader))
	require.Equal(t, 1, calls)
	require.Equal(t, first, second)
}

func TestBumpRotatesListKeys(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()

	before, err := cache.ListKey(ctx, "products", "all")
	require.NoError(t, err)
	require.NoError(t, cache.Bump(ctx))
	after, err := cache.ListKey(ctx, "products", "all")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestInvalidateProductDropsSKUEntry(t *testing.T) {
	cache, mr := testCache(t)
	ctx := context.Background()

	var p map[string]string
	require.NoError(t, cache.FetchJSON(ctx, ProductKey("OPT-1"), &p, func(context.Context) (any, error) {
		return map[string]string{"sku": "OPT-1"}, nil
	}))
	require.True(t, mr.Exists(ProductKey("OPT-1")))

	require.NoError(t, cache.InvalidateProduct(ctx, "OPT-1", 1, 1))
	require.False(t, mr.Exists(ProductKey("OPT-1")))
}

func TestNilClientDegradesToLoader(t *testing.T) {
	cache := NewCache(nil, time.Minute, nil)
	ctx := context.Background()

	calls := 0
	var out map[string]string
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]string{"sku": "OPT-1"}, nil
	}
	require.NoError(t, cache.FetchJSON(ctx, "k", &out, loader))
	require.NoError(t, cache.FetchJSON(ctx, "k", &out, loader))
	require.Equal(t, 2, calls)
	require.NoError(t, cache.InvalidateProduct(ctx, "OPT-1", 0, 0))
}
