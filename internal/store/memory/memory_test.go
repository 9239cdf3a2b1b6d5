package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyber-boost/tuskmesh/internal/store"
)

func TestSetGet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	// 不存在的键返回NotFound
	_, err := m.Get(ctx, "missing")
	assert.True(t, store.IsNotFound(err))

	require.NoError(t, m.Set(ctx, "key", "value"))

	v, err := m.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestTTLExpiry(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	// 固定时钟，手动推进时间
	now := time.Now()
	m.Now = func() time.Time { return now }

	require.NoError(t, m.SetWithTTL(ctx, "key", "value", 10*time.Second))

	v, err := m.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	// TTL窗口之后键消失
	now = now.Add(11 * time.Second)
	_, err = m.Get(ctx, "key")
	assert.True(t, store.IsNotFound(err))
}

func TestExpireRefreshesTTL(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	m.Now = func() time.Time { return now }

	require.NoError(t, m.SetWithTTL(ctx, "key", "value", 10*time.Second))

	// 续期后原TTL窗口不再生效
	now = now.Add(8 * time.Second)
	require.NoError(t, m.Expire(ctx, "key", 10*time.Second))

	now = now.Add(8 * time.Second)
	v, err := m.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	// 对不存在的键续期返回NotFound
	err = m.Expire(ctx, "missing", time.Second)
	assert.True(t, store.IsNotFound(err))
}

func TestSetNX(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "key", "first", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// 键已存在时SetNX失败且不覆盖
	ok, err = m.SetNX(ctx, "key", "second", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := m.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestCompareAndSwap(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "key", "v1"))

	// 旧值不匹配时交换失败
	ok, err := m.CompareAndSwap(ctx, "key", "wrong", "v2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.CompareAndSwap(ctx, "key", "v1", "v2")
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := m.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestCounters(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	n, err := m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = m.Decr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDecrFloorClampsAtZero(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	// 未初始化的计数器递减后仍为0
	n, err := m.DecrFloor(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = m.Incr(ctx, "counter")
	require.NoError(t, err)

	n, err = m.DecrFloor(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = m.DecrFloor(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHashOps(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.HSet(ctx, "hash", "f1", "v1"))
	require.NoError(t, m.HSet(ctx, "hash", "f2", "v2"))

	v, err := m.HGet(ctx, "hash", "f1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	_, err = m.HGet(ctx, "hash", "missing")
	assert.True(t, store.IsNotFound(err))

	all, err := m.HGetAll(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	require.NoError(t, m.HDel(ctx, "hash", "f1"))
	all, err = m.HGetAll(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f2": "v2"}, all)
}

func TestSetOps(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.SAdd(ctx, "set", "a", "b"))
	require.NoError(t, m.SAdd(ctx, "set", "b", "c"))

	members, err := m.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, m.SRem(ctx, "set", "b"))
	members, err = m.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)

	// 空集合返回空列表而不是错误
	members, err = m.SMembers(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, members)
}
