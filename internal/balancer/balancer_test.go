package balancer

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/cyber-boost/tuskmesh/internal/breaker"
	"github.com/cyber-boost/tuskmesh/internal/registry"
	"github.com/cyber-boost/tuskmesh/internal/store/memory"
)

// MockLogger 实现config.Logger接口，用于测试
type MockLogger struct{}

func (l *MockLogger) Debug(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Info(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Warn(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Error(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Fatal(msg string, fields ...zapcore.Field) {}

type fixture struct {
	store    *memory.MemoryStore
	registry *registry.Registry
	breakers *breaker.Manager
	balancer *Balancer
}

func newFixture(t *testing.T, algorithm string) *fixture {
	t.Helper()

	mem := memory.NewMemoryStore()
	reg := registry.NewRegistry(mem, 90*time.Second, &MockLogger{})
	breakers := breaker.NewManager(mem, breaker.DefaultConfig(), &MockLogger{})

	return &fixture{
		store:    mem,
		registry: reg,
		breakers: breakers,
		balancer: NewBalancer(mem, reg, breakers, algorithm, &MockLogger{}),
	}
}

// addHealthy 注册一个健康实例。
// 显式指定按序的实例ID，保证注册时间相同时排序仍然确定。
func (f *fixture) addHealthy(t *testing.T, service, id, host string, metadata map[string]string) string {
	t.Helper()
	ctx := context.Background()

	_, err := f.registry.Register(ctx, service, &registry.ServiceInstance{
		ID:       id,
		Host:     host,
		Port:     8080,
		Metadata: metadata,
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.UpdateHealth(ctx, service, id, registry.StatusHealthy))

	return id
}

func TestRoundRobinCyclesInOrder(t *testing.T) {
	f := newFixture(t, RoundRobin)
	ctx := context.Background()

	a := f.addHealthy(t, "orders", "inst-a", "10.0.0.1", nil)
	b := f.addHealthy(t, "orders", "inst-b", "10.0.0.2", nil)
	c := f.addHealthy(t, "orders", "inst-c", "10.0.0.3", nil)

	// 三个实例上连续6次选择，严格按 A,B,C,A,B,C 循环
	want := []string{a, b, c, a, b, c}
	for i, expected := range want {
		inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
		require.NoError(t, err)
		require.NotNil(t, inst)
		assert.Equal(t, expected, inst.ID, "第%d次选择", i+1)
	}
}

func TestRoundRobinCursorSurvivesBalancerRestart(t *testing.T) {
	f := newFixture(t, RoundRobin)
	ctx := context.Background()

	a := f.addHealthy(t, "orders", "inst-a", "10.0.0.1", nil)
	b := f.addHealthy(t, "orders", "inst-b", "10.0.0.2", nil)

	inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
	require.NoError(t, err)
	assert.Equal(t, a, inst.ID)

	// 游标在协调存储中，新的均衡器实例延续轮询位置
	fresh := NewBalancer(f.store, f.registry, f.breakers, RoundRobin, &MockLogger{})
	inst, err = fresh.GetInstance(ctx, "orders", registry.Filter{})
	require.NoError(t, err)
	assert.Equal(t, b, inst.ID)
}

func TestForgetInstanceClearsConnectionCount(t *testing.T) {
	f := newFixture(t, LeastConnections)
	ctx := context.Background()

	a := f.addHealthy(t, "orders", "inst-a", "10.0.0.1", nil)

	// 选择两次累计在途连接
	for i := 0; i < 2; i++ {
		_, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
		require.NoError(t, err)
	}
	count, err := f.balancer.ConnectionCount(ctx, "orders", a)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	// 注销清理后计数键被删除，重复调用幂等
	require.NoError(t, f.balancer.ForgetInstance(ctx, "orders", a))
	require.NoError(t, f.balancer.ForgetInstance(ctx, "orders", a))

	count, err = f.balancer.ConnectionCount(ctx, "orders", a)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestLeastConnectionsPicksLowestCount(t *testing.T) {
	f := newFixture(t, LeastConnections)
	ctx := context.Background()

	a := f.addHealthy(t, "orders", "inst-a", "10.0.0.1", nil)
	b := f.addHealthy(t, "orders", "inst-b", "10.0.0.2", nil)
	c := f.addHealthy(t, "orders", "inst-c", "10.0.0.3", nil)

	// 构造连接计数 A=2, B=0, C=1
	for _, id := range []string{a, a, c} {
		_, err := f.store.Incr(ctx, connKey("orders", id))
		require.NoError(t, err)
	}

	inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
	require.NoError(t, err)
	assert.Equal(t, b, inst.ID)

	// 选中后B的计数加一
	count, err := f.balancer.ConnectionCount(ctx, "orders", b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLeastConnectionsTieBreaksByRegistrationOrder(t *testing.T) {
	f := newFixture(t, LeastConnections)
	ctx := context.Background()

	a := f.addHealthy(t, "orders", "inst-a", "10.0.0.1", nil)
	f.addHealthy(t, "orders", "inst-b", "10.0.0.2", nil)

	// 计数全为0时选最先注册的实例
	inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
	require.NoError(t, err)
	assert.Equal(t, a, inst.ID)
}

func TestReleaseConnectionClampsAtZero(t *testing.T) {
	f := newFixture(t, LeastConnections)
	ctx := context.Background()

	a := f.addHealthy(t, "orders", "inst-a", "10.0.0.1", nil)

	// 未曾获取连接的实例，重复释放不会产生负数
	require.NoError(t, f.balancer.ReleaseConnection(ctx, "orders", a))
	require.NoError(t, f.balancer.ReleaseConnection(ctx, "orders", a))

	count, err := f.balancer.ConnectionCount(ctx, "orders", a)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
	require.NoError(t, err)
	require.NotNil(t, inst)

	require.NoError(t, f.balancer.ReleaseConnection(ctx, "orders", a))
	count, err = f.balancer.ConnectionCount(ctx, "orders", a)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestWeightedRandomRespectsWeights(t *testing.T) {
	f := newFixture(t, WeightedRandom)
	ctx := context.Background()

	a := f.addHealthy(t, "orders", "inst-a", "10.0.0.1", map[string]string{"weight": "1"})
	b := f.addHealthy(t, "orders", "inst-b", "10.0.0.2", map[string]string{"weight": "3"})

	// 固定种子保证测试可重复
	rng := rand.New(rand.NewPCG(7, 11))
	f.balancer.randFloat = rng.Float64

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
		require.NoError(t, err)
		counts[inst.ID]++
	}

	// 权重3:1，B的命中次数约为A的3倍
	ratio := float64(counts[b]) / float64(counts[a])
	assert.InDelta(t, 3.0, ratio, 0.5, "命中比例 %v", counts)
}

func TestWeightedRandomDefaultsMissingWeightToOne(t *testing.T) {
	f := newFixture(t, WeightedRandom)
	ctx := context.Background()

	a := f.addHealthy(t, "orders", "inst-a", "10.0.0.1", nil)
	b := f.addHealthy(t, "orders", "inst-b", "10.0.0.2", map[string]string{"weight": "abc"})

	rng := rand.New(rand.NewPCG(3, 5))
	f.balancer.randFloat = rng.Float64

	// 缺失和非法权重都按1.0处理，两个实例命中次数接近
	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
		require.NoError(t, err)
		counts[inst.ID]++
	}

	ratio := float64(counts[b]) / float64(counts[a])
	assert.InDelta(t, 1.0, ratio, 0.2, "命中比例 %v", counts)
}

func TestNoEligibleInstanceReturnsNilNil(t *testing.T) {
	f := newFixture(t, RoundRobin)
	ctx := context.Background()

	// 服务不存在：nil结果，无错误
	inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
	require.NoError(t, err)
	assert.Nil(t, inst)

	// 实例全部不健康：同样是nil结果
	id, err := f.registry.Register(ctx, "orders", &registry.ServiceInstance{
		Host: "10.0.0.1", Port: 8080,
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.UpdateHealth(ctx, "orders", id, registry.StatusUnhealthy))

	inst, err = f.balancer.GetInstance(ctx, "orders", registry.Filter{})
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestOpenBreakerExcludesInstance(t *testing.T) {
	f := newFixture(t, RoundRobin)
	ctx := context.Background()

	a := f.addHealthy(t, "orders", "inst-a", "10.0.0.1", nil)
	b := f.addHealthy(t, "orders", "inst-b", "10.0.0.2", nil)

	// A的熔断器打开后，所有选择都落在B上
	require.NoError(t, f.breakers.ForceOpen(ctx, BreakerName("orders", a), "test"))

	for i := 0; i < 4; i++ {
		inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
		require.NoError(t, err)
		require.NotNil(t, inst)
		assert.Equal(t, b, inst.ID)
	}

	// 全部实例熔断时返回nil而不是错误
	require.NoError(t, f.breakers.ForceOpen(ctx, BreakerName("orders", b), "test"))
	inst, err := f.balancer.GetInstance(ctx, "orders", registry.Filter{})
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestSetAlgorithmPerService(t *testing.T) {
	f := newFixture(t, RoundRobin)
	ctx := context.Background()

	// 未设置时使用默认算法
	algo, err := f.balancer.Algorithm(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, algo)

	require.NoError(t, f.balancer.SetAlgorithm(ctx, "orders", LeastConnections))
	algo, err = f.balancer.Algorithm(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, LeastConnections, algo)

	// 其他服务不受影响
	algo, err = f.balancer.Algorithm(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, algo)

	// 未知算法被拒绝
	err = f.balancer.SetAlgorithm(ctx, "orders", "random_walk")
	assert.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	for _, name := range []string{RoundRobin, LeastConnections, WeightedRandom} {
		algo, err := ParseAlgorithm(name)
		require.NoError(t, err)
		assert.Equal(t, name, algo)
	}

	_, err := ParseAlgorithm("unknown")
	assert.Error(t, err)
	_, err = ParseAlgorithm("")
	assert.Error(t, err)
}
