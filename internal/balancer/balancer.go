// Package balancer 实现跨进程一致的负载均衡。
//
// 轮询游标和在途连接计数都保存在协调存储中，而不是进程本地内存，
// 因此多个进程的选择结果共享同一份状态，进程重启也不会丢失游标。
package balancer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/cyber-boost/tuskmesh/internal/breaker"
	"github.com/cyber-boost/tuskmesh/internal/config"
	"github.com/cyber-boost/tuskmesh/internal/registry"
	"github.com/cyber-boost/tuskmesh/internal/store"

	"go.uber.org/zap"
)

// 负载均衡算法
const (
	// RoundRobin 轮询，游标持久化在协调存储中
	RoundRobin = "round_robin"
	// LeastConnections 最少连接，计数器持久化在协调存储中
	LeastConnections = "least_connections"
	// WeightedRandom 加权随机，权重来自实例元数据的weight字段
	WeightedRandom = "weighted_random"
)

const (
	// 轮询游标键前缀
	cursorPrefix = "/tuskmesh/lb/rr-cursor/"
	// 在途连接计数键前缀
	connPrefix = "/tuskmesh/lb/conns/"
	// 各服务算法选择的哈希表键
	algorithmsKey = "/tuskmesh/lb/algorithms"
)

// ParseAlgorithm 解析算法名称，未知名称返回错误
func ParseAlgorithm(name string) (string, error) {
	switch name {
	case RoundRobin, LeastConnections, WeightedRandom:
		return name, nil
	default:
		return "", store.NewInvalidArgumentError("不支持的负载均衡算法: " + name)
	}
}

// Balancer 从注册表中为每个请求挑选一个可用实例
type Balancer struct {
	store            store.KVStore
	registry         *registry.Registry
	breakers         *breaker.Manager
	defaultAlgorithm string
	logger           config.Logger

	// randFloat 可注入的随机源，用于测试加权随机
	randFloat func() float64
}

// NewBalancer 创建负载均衡器。
// breakers可以为nil，此时不做熔断状态排除。
func NewBalancer(kv store.KVStore, reg *registry.Registry, breakers *breaker.Manager,
	defaultAlgorithm string, logger config.Logger) *Balancer {

	if _, err := ParseAlgorithm(defaultAlgorithm); err != nil {
		defaultAlgorithm = RoundRobin
	}

	return &Balancer{
		store:            kv,
		registry:         reg,
		breakers:         breakers,
		defaultAlgorithm: defaultAlgorithm,
		logger:           logger,
		randFloat:        rand.Float64,
	}
}

func cursorKey(serviceName string) string {
	return cursorPrefix + serviceName
}

func connKey(serviceName, instanceID string) string {
	return connPrefix + serviceName + "/" + instanceID
}

// BreakerName 返回负载均衡器为实例咨询的熔断器名称。
// 用冒号分隔，方便熔断器名称直接作为URL路径参数。
func BreakerName(serviceName, instanceID string) string {
	return serviceName + ":" + instanceID
}

// SetAlgorithm 设置服务的负载均衡算法
func (b *Balancer) SetAlgorithm(ctx context.Context, serviceName, algorithm string) error {
	algo, err := ParseAlgorithm(algorithm)
	if err != nil {
		return err
	}
	if err := b.store.HSet(ctx, algorithmsKey, serviceName, algo); err != nil {
		return fmt.Errorf("存储算法选择失败: %w", err)
	}

	b.logger.Info("服务负载均衡算法已更新",
		zap.String("service", serviceName),
		zap.String("algorithm", algo))

	return nil
}

// Algorithm 返回服务当前的负载均衡算法
func (b *Balancer) Algorithm(ctx context.Context, serviceName string) (string, error) {
	algo, err := b.store.HGet(ctx, algorithmsKey, serviceName)
	if store.IsNotFound(err) {
		return b.defaultAlgorithm, nil
	}
	if err != nil {
		return "", fmt.Errorf("读取算法选择失败: %w", err)
	}
	if _, err := ParseAlgorithm(algo); err != nil {
		return b.defaultAlgorithm, nil
	}
	return algo, nil
}

// GetInstance 为一次请求挑选实例。
// 没有可用实例时返回(nil, nil)，这是调用方必须处理的预期结果，
// 不是错误；调用方应据此退避重试。
func (b *Balancer) GetInstance(ctx context.Context, serviceName string, filter registry.Filter) (*registry.ServiceInstance, error) {
	candidates, err := b.registry.Discover(ctx, serviceName, filter)
	if err != nil {
		return nil, err
	}

	// 排除熔断器打开的实例
	if b.breakers != nil {
		eligible := candidates[:0]
		for _, inst := range candidates {
			st, err := b.breakers.State(ctx, BreakerName(serviceName, inst.ID))
			if err != nil {
				return nil, err
			}
			if st.State == breaker.StateOpen {
				continue
			}
			eligible = append(eligible, inst)
		}
		candidates = eligible
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	algo, err := b.Algorithm(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	switch algo {
	case LeastConnections:
		return b.selectLeastConnections(ctx, serviceName, candidates)
	case WeightedRandom:
		return b.selectWeightedRandom(candidates), nil
	default:
		return b.selectRoundRobin(ctx, serviceName, candidates)
	}
}

// ReleaseConnection 归还一个在途连接。
// 计数器钳制在0，对未曾获取的实例调用不会产生负数。
func (b *Balancer) ReleaseConnection(ctx context.Context, serviceName, instanceID string) error {
	if _, err := b.store.DecrFloor(ctx, connKey(serviceName, instanceID)); err != nil {
		return fmt.Errorf("归还连接计数失败: %w", err)
	}
	return nil
}

// ForgetInstance 清除实例的在途连接计数。
// 实例注销或过期剔除时调用，避免计数键随实例更替在存储中累积。
func (b *Balancer) ForgetInstance(ctx context.Context, serviceName, instanceID string) error {
	if err := b.store.Delete(ctx, connKey(serviceName, instanceID)); err != nil {
		return fmt.Errorf("清除连接计数失败: %w", err)
	}
	return nil
}

// ConnectionCount 返回实例当前的在途连接数
func (b *Balancer) ConnectionCount(ctx context.Context, serviceName, instanceID string) (int64, error) {
	v, err := b.store.Get(ctx, connKey(serviceName, instanceID))
	if store.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("读取连接计数失败: %w", err)
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, store.NewInternalError("连接计数不是整数: "+v, err)
	}
	return n, nil
}

// selectRoundRobin 轮询选择。
// 游标通过协调存储原子递增，增量对实例数取模，跨进程和重启保持连续。
func (b *Balancer) selectRoundRobin(ctx context.Context, serviceName string, candidates []*registry.ServiceInstance) (*registry.ServiceInstance, error) {
	n, err := b.store.Incr(ctx, cursorKey(serviceName))
	if err != nil {
		return nil, fmt.Errorf("推进轮询游标失败: %w", err)
	}

	idx := (n - 1) % int64(len(candidates))
	if idx < 0 {
		idx += int64(len(candidates))
	}
	return candidates[idx], nil
}

// selectLeastConnections 最少连接选择，平局按先注册顺序打破。
// 候选列表由Discover保证按注册时间排序。
func (b *Balancer) selectLeastConnections(ctx context.Context, serviceName string, candidates []*registry.ServiceInstance) (*registry.ServiceInstance, error) {
	var best *registry.ServiceInstance
	var bestCount int64 = -1

	for _, inst := range candidates {
		count, err := b.ConnectionCount(ctx, serviceName, inst.ID)
		if err != nil {
			return nil, err
		}
		if bestCount < 0 || count < bestCount {
			bestCount = count
			best = inst
		}
	}

	// 获取连接：原子递增选中实例的计数
	if _, err := b.store.Incr(ctx, connKey(serviceName, best.ID)); err != nil {
		return nil, fmt.Errorf("获取连接计数失败: %w", err)
	}
	return best, nil
}

// selectWeightedRandom 加权随机选择。
// 在[0, 总权重)上取均匀随机值，沿累计权重找到落点实例。
func (b *Balancer) selectWeightedRandom(candidates []*registry.ServiceInstance) *registry.ServiceInstance {
	total := 0.0
	weights := make([]float64, len(candidates))
	for i, inst := range candidates {
		weights[i] = instanceWeight(inst)
		total += weights[i]
	}

	r := b.randFloat() * total
	cumulative := 0.0
	for i, inst := range candidates {
		cumulative += weights[i]
		if r < cumulative {
			return inst
		}
	}
	// 浮点累计误差的兜底
	return candidates[len(candidates)-1]
}

// instanceWeight 读取实例权重，缺失或非法时默认为1.0
func instanceWeight(inst *registry.ServiceInstance) float64 {
	if w, ok := inst.Metadata["weight"]; ok {
		if parsed, err := strconv.ParseFloat(w, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 1.0
}
