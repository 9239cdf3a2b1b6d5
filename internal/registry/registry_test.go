package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/cyber-boost/tuskmesh/internal/store"
	"github.com/cyber-boost/tuskmesh/internal/store/memory"
)

// MockLogger 实现config.Logger接口，用于测试
type MockLogger struct{}

func (l *MockLogger) Debug(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Info(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Warn(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Error(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Fatal(msg string, fields ...zapcore.Field) {}

func newTestRegistry(t *testing.T) (*Registry, *memory.MemoryStore) {
	t.Helper()
	mem := memory.NewMemoryStore()
	return NewRegistry(mem, 90*time.Second, &MockLogger{}), mem
}

func register(t *testing.T, r *Registry, service, host string, port int, inst *ServiceInstance) string {
	t.Helper()
	if inst == nil {
		inst = &ServiceInstance{}
	}
	inst.Host = host
	inst.Port = port
	id, err := r.Register(context.Background(), service, inst)
	require.NoError(t, err)
	return id
}

func TestRegisterAndGetInstance(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	id := register(t, r, "orders", "10.0.0.1", 8080, &ServiceInstance{
		Region:   "us-east",
		Zone:     "us-east-1a",
		Metadata: map[string]string{"version": "1.2.0"},
	})
	assert.NotEmpty(t, id)

	inst, err := r.GetInstance(ctx, "orders", id)
	require.NoError(t, err)
	assert.Equal(t, "orders", inst.ServiceName)
	assert.Equal(t, "10.0.0.1", inst.Host)
	assert.Equal(t, 8080, inst.Port)
	// 新注册实例的状态为unknown，等待健康检查
	assert.Equal(t, StatusUnknown, inst.Status)
	assert.Equal(t, "us-east", inst.Region)
	assert.Equal(t, "1.2.0", inst.Metadata["version"])
	assert.False(t, inst.RegisteredAt.IsZero())
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "", &ServiceInstance{Host: "10.0.0.1", Port: 8080})
	assert.Error(t, err)

	_, err = r.Register(ctx, "orders", &ServiceInstance{Port: 8080})
	assert.Error(t, err)

	_, err = r.Register(ctx, "orders", &ServiceInstance{Host: "10.0.0.1", Port: 70000})
	assert.Error(t, err)
}

func TestDeregister(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	id := register(t, r, "orders", "10.0.0.1", 8080, nil)

	require.NoError(t, r.Deregister(ctx, "orders", id))

	_, err := r.GetInstance(ctx, "orders", id)
	assert.True(t, store.IsNotFound(err))

	// 重复注销返回NotFound
	err = r.Deregister(ctx, "orders", id)
	assert.True(t, store.IsNotFound(err))
}

func TestDiscoverDefaultsToHealthy(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	healthyID := register(t, r, "orders", "10.0.0.1", 8080, nil)
	unhealthyID := register(t, r, "orders", "10.0.0.2", 8080, nil)
	unknownID := register(t, r, "orders", "10.0.0.3", 8080, nil)

	require.NoError(t, r.UpdateHealth(ctx, "orders", healthyID, StatusHealthy))
	require.NoError(t, r.UpdateHealth(ctx, "orders", unhealthyID, StatusUnhealthy))

	// 默认只返回健康实例
	instances, err := r.Discover(ctx, "orders", Filter{})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, healthyID, instances[0].ID)

	// StatusAll返回全部实例
	instances, err = r.Discover(ctx, "orders", Filter{Status: StatusAll})
	require.NoError(t, err)
	assert.Len(t, instances, 3)

	// 按unknown状态过滤
	instances, err = r.Discover(ctx, "orders", Filter{Status: StatusUnknown})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, unknownID, instances[0].ID)
}

func TestDiscoverRegionZoneFilter(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	eastID := register(t, r, "orders", "10.0.0.1", 8080, &ServiceInstance{
		Region: "us-east", Zone: "us-east-1a",
	})
	westID := register(t, r, "orders", "10.0.0.2", 8080, &ServiceInstance{
		Region: "us-west", Zone: "us-west-2b",
	})
	require.NoError(t, r.UpdateHealth(ctx, "orders", eastID, StatusHealthy))
	require.NoError(t, r.UpdateHealth(ctx, "orders", westID, StatusHealthy))

	instances, err := r.Discover(ctx, "orders", Filter{Region: "us-east"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, eastID, instances[0].ID)

	instances, err = r.Discover(ctx, "orders", Filter{Region: "us-west", Zone: "us-west-2b"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, westID, instances[0].ID)

	// 无匹配时返回空列表而不是错误
	instances, err = r.Discover(ctx, "orders", Filter{Region: "eu-central"})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestDiscoverOrderIsDeterministic(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	// 固定时钟，依次推进注册时间
	now := time.Now()
	r.now = func() time.Time { return now }

	var ids []string
	for _, host := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		id := register(t, r, "orders", host, 8080, nil)
		require.NoError(t, r.UpdateHealth(ctx, "orders", id, StatusHealthy))
		ids = append(ids, id)
		now = now.Add(time.Second)
	}

	for i := 0; i < 5; i++ {
		instances, err := r.Discover(ctx, "orders", Filter{})
		require.NoError(t, err)
		require.Len(t, instances, 3)
		for j, inst := range instances {
			assert.Equal(t, ids[j], inst.ID)
		}
	}
}

func TestInstanceExpiresAfterTTL(t *testing.T) {
	r, mem := newTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	mem.Now = func() time.Time { return now }

	id := register(t, r, "orders", "10.0.0.1", 8080, nil)
	require.NoError(t, r.UpdateHealth(ctx, "orders", id, StatusHealthy))

	// TTL窗口内实例可见
	instances, err := r.Discover(ctx, "orders", Filter{})
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	// 无心跳无健康检查，TTL过后实例自动消失
	now = now.Add(91 * time.Second)
	instances, err = r.Discover(ctx, "orders", Filter{})
	require.NoError(t, err)
	assert.Empty(t, instances)

	_, err = r.GetInstance(ctx, "orders", id)
	assert.True(t, store.IsNotFound(err))
}

func TestRefreshTTLKeepsInstanceAlive(t *testing.T) {
	r, mem := newTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	mem.Now = func() time.Time { return now }

	id := register(t, r, "orders", "10.0.0.1", 8080, nil)

	// 每60秒心跳一次，实例跨越多个TTL窗口仍然存活
	for i := 0; i < 3; i++ {
		now = now.Add(60 * time.Second)
		require.NoError(t, r.RefreshTTL(ctx, "orders", id))
	}

	_, err := r.GetInstance(ctx, "orders", id)
	assert.NoError(t, err)

	// 对已过期实例的心跳返回NotFound
	now = now.Add(91 * time.Second)
	err = r.RefreshTTL(ctx, "orders", id)
	assert.True(t, store.IsNotFound(err))
}

func TestUpdateHealthValidatesStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	id := register(t, r, "orders", "10.0.0.1", 8080, nil)

	err := r.UpdateHealth(ctx, "orders", id, "degraded")
	assert.Error(t, err)

	require.NoError(t, r.UpdateHealth(ctx, "orders", id, StatusHealthy))
	inst, err := r.GetInstance(ctx, "orders", id)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, inst.Status)
	assert.False(t, inst.LastHealthCheck.IsZero())
}

func TestListServices(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	register(t, r, "orders", "10.0.0.1", 8080, nil)
	register(t, r, "billing", "10.0.0.2", 8080, nil)

	services, err := r.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "orders"}, services)
}

func TestCleanupStaleIndexes(t *testing.T) {
	r, mem := newTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	mem.Now = func() time.Time { return now }

	ordersA := register(t, r, "orders", "10.0.0.1", 8080, nil)
	ordersB := register(t, r, "orders", "10.0.0.2", 8080, nil)
	billingID := register(t, r, "billing", "10.0.0.3", 8080, nil)

	// billing实例持续心跳，orders实例全部过期
	now = now.Add(60 * time.Second)
	require.NoError(t, r.RefreshTTL(ctx, "billing", billingID))
	now = now.Add(60 * time.Second)

	removed, err := r.CleanupStaleIndexes(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []StaleInstance{
		{ServiceName: "orders", InstanceID: ordersA},
		{ServiceName: "orders", InstanceID: ordersB},
	}, removed)

	// 无存活实例的服务从目录中移除
	services, err := r.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, services)
}

func TestHealthURLDefaults(t *testing.T) {
	inst := &ServiceInstance{Host: "10.0.0.1", Port: 8080}
	assert.Equal(t, "http://10.0.0.1:8080/health", inst.HealthURL())

	inst = &ServiceInstance{
		Host: "10.0.0.1", Port: 8443,
		Protocol: "https", HealthEndpoint: "/healthz",
	}
	assert.Equal(t, "https://10.0.0.1:8443/healthz", inst.HealthURL())
}
