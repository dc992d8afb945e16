package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Redis address; tests skip when no Redis is reachable there.
const testRedisURL = "redis://localhost:6379/15"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), testRedisURL, "")
	if err != nil {
		t.Skipf("redis not reachable at %s: %v", testRedisURL, err)
	}
	t.Cleanup(func() {
		_, _ = c.DeletePattern(context.Background(), "kvtest:*")
		c.Close()
	})
	return c
}

func TestClient_GetSetDel(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "kvtest:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "kvtest:a", "1"))
	val, ok, err := c.Get(ctx, "kvtest:a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", val)

	require.NoError(t, c.Del(ctx, "kvtest:a"))
	_, ok, err = c.Get(ctx, "kvtest:a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_HashOps(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "kvtest:hash"

	require.NoError(t, c.HSet(ctx, key, "f1", "v1"))
	require.NoError(t, c.HSetMany(ctx, key, map[string]string{"f2": "v2", "f3": "v3"}))

	val, ok, err := c.HGet(ctx, key, "f2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", val)

	n, err := c.HLen(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := c.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, c.HDel(ctx, key, "f1", "f2"))
	n, err = c.HLen(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_ListOps(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "kvtest:list"

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.LPush(ctx, key, v))
	}
	n, err := c.LLen(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	require.NoError(t, c.LTrim(ctx, key, 0, 1))
	vals, err := c.LRange(ctx, key, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, vals)
}

func TestClient_KeysAndDeletePattern(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "kvtest:scan:1", "x"))
	require.NoError(t, c.Set(ctx, "kvtest:scan:2", "x"))
	require.NoError(t, c.Set(ctx, "kvtest:other", "x"))

	keys, err := c.Keys(ctx, "kvtest:scan:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	deleted, err := c.DeletePattern(ctx, "kvtest:scan:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, ok, err := c.Get(ctx, "kvtest:other")
	require.NoError(t, err)
	assert.True(t, ok, "pattern delete must not touch keys outside the pattern")
}

func TestScript_RunEchoesArgs(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	script := NewScript(`return ARGV[1]`)
	result, err := script.Run(ctx, c, nil, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "locks:github.com/acme/widget:main", Key("locks", "github.com/acme/widget", "main"))
	assert.Equal(t, "activity", Key("activity"))
}
