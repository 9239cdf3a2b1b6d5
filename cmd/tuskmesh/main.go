package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cyber-boost/tuskmesh/internal/api"
	"github.com/cyber-boost/tuskmesh/internal/balancer"
	"github.com/cyber-boost/tuskmesh/internal/breaker"
	"github.com/cyber-boost/tuskmesh/internal/config"
	"github.com/cyber-boost/tuskmesh/internal/dnsserver"
	"github.com/cyber-boost/tuskmesh/internal/election"
	"github.com/cyber-boost/tuskmesh/internal/health"
	"github.com/cyber-boost/tuskmesh/internal/registry"
	"github.com/cyber-boost/tuskmesh/internal/store"
	"github.com/cyber-boost/tuskmesh/internal/store/etcdstore"
	"github.com/cyber-boost/tuskmesh/internal/store/redisstore"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "", "配置文件路径，留空时按默认路径搜索")
}

// newStore 根据配置创建协调存储后端
func newStore(ctx context.Context, cfg *config.Config) (store.KVStore, error) {
	switch cfg.Store.Backend {
	case "redis":
		return redisstore.NewRedisStore(ctx, redisstore.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
	case "etcd":
		return etcdstore.NewEtcdStore(etcdstore.Config{
			Endpoints:      cfg.Store.Etcd.Endpoints,
			Username:       cfg.Store.Etcd.Username,
			Password:       cfg.Store.Etcd.Password,
			DialTimeout:    cfg.Store.Etcd.DialTimeout,
			RequestTimeout: cfg.Store.Etcd.RequestTimeout,
		})
	default:
		return nil, fmt.Errorf("不支持的存储后端: %s", cfg.Store.Backend)
	}
}

// runLeaderTasks Leader专属的后台任务：定期清理失效的注册索引，
// 并清除过期实例在负载均衡和熔断器中的遗留状态。
// 非Leader节点空转，Leader切换后自动接管。
func runLeaderTasks(ctx context.Context, node *election.Node, reg *registry.Registry,
	lb *balancer.Balancer, breakers *breaker.Manager,
	interval time.Duration, logger config.Logger) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !node.IsLeader() {
				continue
			}
			stale, err := reg.CleanupStaleIndexes(ctx)
			if err != nil {
				logger.Error("清理失效索引失败", zap.Error(err))
				continue
			}
			for _, s := range stale {
				if err := lb.ForgetInstance(ctx, s.ServiceName, s.InstanceID); err != nil {
					logger.Warn("清理实例连接计数失败",
						zap.String("service", s.ServiceName),
						zap.String("instance_id", s.InstanceID),
						zap.Error(err))
				}
				if err := breakers.Forget(ctx, balancer.BreakerName(s.ServiceName, s.InstanceID)); err != nil {
					logger.Warn("清理实例熔断器状态失败",
						zap.String("service", s.ServiceName),
						zap.String("instance_id", s.InstanceID),
						zap.Error(err))
				}
			}
			if len(stale) > 0 {
				logger.Info("已清理失效索引", zap.Int("count", len(stale)))
			}
		}
	}
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := config.NewLoggerWithLevel(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 连接协调存储
	kv, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("初始化协调存储失败", zap.Error(err))
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Warn("关闭协调存储失败", zap.Error(err))
		}
	}()
	logger.Info("协调存储连接成功", zap.String("backend", cfg.Store.Backend))

	// 核心组件
	reg := registry.NewRegistry(kv, cfg.Registry.InstanceTTL, logger)

	checker := health.NewChecker(reg, health.Config{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	}, logger)
	defer checker.Stop()

	// 重启前注册的实例仍靠心跳续约存活，重建它们的探测循环
	if err := checker.Resume(ctx); err != nil {
		logger.Warn("恢复存量实例健康检查失败", zap.Error(err))
	}

	breakers := breaker.NewManager(kv, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}, logger)

	lb := balancer.NewBalancer(kv, reg, breakers, cfg.Balancer.DefaultAlgorithm, logger)

	// 集群选举节点
	node := election.NewNode(kv, election.Config{
		NodeID:            cfg.Election.NodeID,
		Region:            cfg.Election.Region,
		Zone:              cfg.Election.Zone,
		AdvertiseAddr:     cfg.Election.AdvertiseAddr,
		HeartbeatInterval: cfg.Election.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Election.HeartbeatTimeout,
		ElectionTimeout:   cfg.Election.ElectionTimeout,
	}, election.NewHTTPVoteTransport(5*time.Second), logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := node.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("选举节点退出", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runLeaderTasks(ctx, node, reg, lb, breakers, cfg.Registry.InstanceTTL, logger)
	}()

	// 管理API
	apiHandler := api.NewHandler(reg, checker, lb, breakers, node, logger)
	apiServer := api.NewServer(apiHandler, cfg, logger)
	if err := apiServer.Start(); err != nil {
		logger.Fatal("启动管理API失败", zap.Error(err))
	}

	// DNS服务发现
	var dnsServer dnsserver.Server
	if cfg.DNS.Enabled {
		dnsServer = dnsserver.NewDNSServer(cfg, reg, logger)
		if err := dnsServer.Start(); err != nil {
			logger.Fatal("启动DNS服务失败", zap.Error(err))
		}
	}

	logger.Info("tuskmesh已启动",
		zap.String("node_id", cfg.Election.NodeID),
		zap.Int("api_port", cfg.API.Port),
		zap.Bool("dns_enabled", cfg.DNS.Enabled))

	<-ctx.Done()
	logger.Info("接收到终止信号，准备关闭服务")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭管理API失败", zap.Error(err))
	}
	if dnsServer != nil {
		if err := dnsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("关闭DNS服务失败", zap.Error(err))
		}
	}

	wg.Wait()
	logger.Info("服务已关闭")
}
