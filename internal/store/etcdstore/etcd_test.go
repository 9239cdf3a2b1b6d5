package etcdstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyber-boost/tuskmesh/internal/store"
)

// newIntegrationStore 连接环境变量指定的etcd，未设置时跳过测试
func newIntegrationStore(t *testing.T) *EtcdStore {
	t.Helper()

	endpoints := os.Getenv("TUSKMESH_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("环境变量TUSKMESH_TEST_ETCD_ENDPOINTS未设置，跳过etcd集成测试")
	}

	s, err := NewEtcdStore(Config{
		Endpoints:      []string{endpoints},
		DialTimeout:    5 * time.Second,
		RequestTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	t.Cleanup(func() { s.Close() })

	return s
}

func testKey(prefix string) string {
	return "/tuskmesh-test/" + prefix + "/" + uuid.New().String()
}

func TestEtcdKVRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	key := testKey("kv")

	_, err := s.Get(ctx, key)
	assert.True(t, store.IsNotFound(err))

	require.NoError(t, s.Set(ctx, key, "value"))
	defer s.Delete(ctx, key)

	v, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestEtcdSetNXAndCAS(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	key := testKey("cas")
	defer s.Delete(ctx, key)

	// 条件写入只有第一个写入者成功
	ok, err := s.SetNX(ctx, key, "v1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, key, "v2", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, key, "wrong", "v2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, key, "v1", "v2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEtcdCountersViaCASRetry(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	key := testKey("counter")
	defer s.Delete(ctx, key)

	n, err := s.Incr(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.DecrFloor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DecrFloor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = s.DecrFloor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestEtcdHashAsPrefixKeys(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	key := testKey("hash")

	require.NoError(t, s.HSet(ctx, key, "f1", "v1"))
	require.NoError(t, s.HSet(ctx, key, "f2", "v2"))
	defer s.HDel(ctx, key, "f1", "f2")

	all, err := s.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	require.NoError(t, s.HDel(ctx, key, "f1"))
	_, err = s.HGet(ctx, key, "f1")
	assert.True(t, store.IsNotFound(err))
}

func TestEtcdLeaseExpiry(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	key := testKey("lease")

	// etcd租约精度为秒
	require.NoError(t, s.SetWithTTL(ctx, key, "value", time.Second))

	v, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	time.Sleep(2500 * time.Millisecond)
	_, err = s.Get(ctx, key)
	assert.True(t, store.IsNotFound(err))
}

func TestConfigDefaults(t *testing.T) {
	// 空端点列表在连接时报错而不是panic
	_, err := NewEtcdStore(Config{})
	assert.Error(t, err)
}
