// Package health 实现服务实例的后台健康检查。
//
// 每个实例对应一个独立的探测循环，注册时启动、注销时取消；
// 单个实例的探测失败只影响它自己的状态，绝不会中断其他实例的探测。
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cyber-boost/tuskmesh/internal/config"
	"github.com/cyber-boost/tuskmesh/internal/registry"
	"github.com/cyber-boost/tuskmesh/internal/store"
)

// Config 健康检查配置
type Config struct {
	// Interval 探测周期
	Interval time.Duration
	// Timeout 单次探测的超时时间
	Timeout time.Duration
}

// DefaultConfig 返回默认健康检查配置
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Checker 管理每个实例的探测循环
type Checker struct {
	registry *registry.Registry
	cfg      Config
	logger   config.Logger
	client   *http.Client

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewChecker 创建健康检查器
func NewChecker(reg *registry.Registry, cfg Config, logger config.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Checker{
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		cancels: make(map[string]context.CancelFunc),
	}
}

// watchKey 实例探测循环的标识
func watchKey(serviceName, instanceID string) string {
	return serviceName + "/" + instanceID
}

// Watch 为实例启动探测循环。同一实例重复Watch会先取消旧循环。
func (c *Checker) Watch(ctx context.Context, inst *registry.ServiceInstance) {
	key := watchKey(inst.ServiceName, inst.ID)

	c.mu.Lock()
	if cancel, ok := c.cancels[key]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancels[key] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.probeLoop(loopCtx, inst)

	c.logger.Debug("健康检查已启动",
		zap.String("service", inst.ServiceName),
		zap.String("instance_id", inst.ID),
		zap.String("url", inst.HealthURL()))
}

// Resume 为注册表中已有的实例重建探测循环。
// 进程重启后，靠心跳续约存活的实例没有探测循环，状态会冻结在
// 重启前的值；启动时调用Resume把它们重新纳入探测。
func (c *Checker) Resume(ctx context.Context) error {
	services, err := c.registry.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("读取服务目录失败: %w", err)
	}

	resumed := 0
	for _, serviceName := range services {
		instances, err := c.registry.Discover(ctx, serviceName, registry.Filter{Status: registry.StatusAll})
		if err != nil {
			return fmt.Errorf("读取服务实例失败: %w", err)
		}
		for _, inst := range instances {
			c.Watch(ctx, inst)
			resumed++
		}
	}

	if resumed > 0 {
		c.logger.Info("已恢复存量实例的健康检查", zap.Int("count", resumed))
	}
	return nil
}

// Unwatch 取消实例的探测循环。
// 取消是协作式的：循环在当前探测结束后的下一个检查点退出。
func (c *Checker) Unwatch(serviceName, instanceID string) {
	key := watchKey(serviceName, instanceID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.cancels[key]; ok {
		cancel()
		delete(c.cancels, key)
	}
}

// Stop 取消所有探测循环并等待它们退出
func (c *Checker) Stop() {
	c.mu.Lock()
	for key, cancel := range c.cancels {
		cancel()
		delete(c.cancels, key)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// probeLoop 单个实例的探测循环
func (c *Checker) probeLoop(ctx context.Context, inst *registry.ServiceInstance) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// 启动时立即探测一次，之后按周期探测
	c.probeOnce(ctx, inst)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx, inst)
		}
	}
}

// probeOnce 执行一次探测并更新注册表状态。
// 探测失败只产生状态更新，绝不向外传播错误。
func (c *Checker) probeOnce(ctx context.Context, inst *registry.ServiceInstance) {
	status, detail := c.probe(ctx, inst)

	if err := c.registry.UpdateHealth(ctx, inst.ServiceName, inst.ID, status); err != nil {
		if store.IsNotFound(err) {
			// 实例已注销或已过TTL，停止探测
			c.Unwatch(inst.ServiceName, inst.ID)
			return
		}
		c.logger.Error("更新实例健康状态失败",
			zap.String("service", inst.ServiceName),
			zap.String("instance_id", inst.ID),
			zap.Error(err))
		return
	}

	c.logger.Debug("健康检查完成",
		zap.String("service", inst.ServiceName),
		zap.String("instance_id", inst.ID),
		zap.String("status", status),
		zap.String("detail", detail))
}

// probe 对实例的健康端点发起一次有界超时的HTTP探测。
// 2xx响应为健康，超时、连接错误或非2xx响应均为不健康。
func (c *Checker) probe(ctx context.Context, inst *registry.ServiceInstance) (status, detail string) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, inst.HealthURL(), nil)
	if err != nil {
		return registry.StatusUnhealthy, fmt.Sprintf("构造探测请求失败: %v", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return registry.StatusUnhealthy, fmt.Sprintf("探测失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return registry.StatusHealthy, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return registry.StatusUnhealthy, fmt.Sprintf("HTTP %d", resp.StatusCode)
}
