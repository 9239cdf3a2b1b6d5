// Package registry 实现基于协调存储的服务注册表。
//
// 实例记录以软过期TTL写入存储，由健康检查或心跳刷新；
// 进程崩溃且从未注销的实例会在TTL窗口后自动消失。
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cyber-boost/tuskmesh/internal/config"
	"github.com/cyber-boost/tuskmesh/internal/store"
)

const (
	// 实例记录键前缀
	instancePrefix = "/tuskmesh/services/"
	// 服务实例ID索引键前缀
	indexPrefix = "/tuskmesh/service-index/"
	// 服务名称目录键
	catalogKey = "/tuskmesh/service-names"
)

// Registry 基于协调存储的服务注册表
type Registry struct {
	store  store.KVStore
	ttl    time.Duration
	logger config.Logger

	// now 可注入的时钟，用于测试
	now func() time.Time
}

// NewRegistry 创建服务注册表，ttl为实例软过期窗口
func NewRegistry(kv store.KVStore, ttl time.Duration, logger config.Logger) *Registry {
	return &Registry{
		store:  kv,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// instanceKey 获取实例记录的存储键
func instanceKey(serviceName, instanceID string) string {
	return instancePrefix + serviceName + "/" + instanceID
}

// indexKey 获取服务实例ID索引的存储键
func indexKey(serviceName string) string {
	return indexPrefix + serviceName
}

// Register 注册服务实例并返回实例ID。
// 新实例的状态为unknown，由健康检查器负责转为healthy/unhealthy。
func (r *Registry) Register(ctx context.Context, serviceName string, inst *ServiceInstance) (string, error) {
	if serviceName == "" {
		return "", store.NewInvalidArgumentError("服务名称不能为空")
	}
	if inst.Host == "" {
		return "", store.NewInvalidArgumentError("实例Host不能为空")
	}
	if inst.Port <= 0 || inst.Port > 65535 {
		return "", store.NewInvalidArgumentError(fmt.Sprintf("无效的实例端口: %d", inst.Port))
	}

	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	inst.ServiceName = serviceName
	inst.Status = StatusUnknown
	inst.RegisteredAt = r.now()

	if err := r.put(ctx, inst); err != nil {
		return "", err
	}

	// 维护服务索引和服务名称目录
	if err := r.store.SAdd(ctx, indexKey(serviceName), inst.ID); err != nil {
		return "", fmt.Errorf("更新服务索引失败: %w", err)
	}
	if err := r.store.SAdd(ctx, catalogKey, serviceName); err != nil {
		return "", fmt.Errorf("更新服务目录失败: %w", err)
	}

	r.logger.Info("服务实例已注册",
		zap.String("service", serviceName),
		zap.String("instance_id", inst.ID),
		zap.String("addr", inst.Addr()))

	return inst.ID, nil
}

// Deregister 注销服务实例
func (r *Registry) Deregister(ctx context.Context, serviceName, instanceID string) error {
	if _, err := r.GetInstance(ctx, serviceName, instanceID); err != nil {
		return err
	}

	if err := r.store.Delete(ctx, instanceKey(serviceName, instanceID)); err != nil {
		return fmt.Errorf("删除实例记录失败: %w", err)
	}
	if err := r.store.SRem(ctx, indexKey(serviceName), instanceID); err != nil {
		return fmt.Errorf("更新服务索引失败: %w", err)
	}

	r.logger.Info("服务实例已注销",
		zap.String("service", serviceName),
		zap.String("instance_id", instanceID))

	return nil
}

// GetInstance 获取服务实例详情
func (r *Registry) GetInstance(ctx context.Context, serviceName, instanceID string) (*ServiceInstance, error) {
	data, err := r.store.Get(ctx, instanceKey(serviceName, instanceID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, store.NewNotFoundError(
				fmt.Sprintf("服务实例不存在: %s/%s", serviceName, instanceID))
		}
		return nil, fmt.Errorf("读取实例记录失败: %w", err)
	}

	var inst ServiceInstance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("解析实例记录失败: %w", err)
	}
	return &inst, nil
}

// Discover 返回满足过滤条件的服务实例列表。
// 未指定状态过滤条件时默认只返回健康实例。
// 结果按注册时间和实例ID排序，保证跨进程的确定性顺序。
func (r *Registry) Discover(ctx context.Context, serviceName string, filter Filter) ([]*ServiceInstance, error) {
	ids, err := r.store.SMembers(ctx, indexKey(serviceName))
	if err != nil {
		return nil, fmt.Errorf("读取服务索引失败: %w", err)
	}

	instances := make([]*ServiceInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := r.GetInstance(ctx, serviceName, id)
		if err != nil {
			if store.IsNotFound(err) {
				// 实例记录已过TTL，惰性清理索引
				if remErr := r.store.SRem(ctx, indexKey(serviceName), id); remErr != nil {
					r.logger.Warn("清理过期索引失败",
						zap.String("service", serviceName),
						zap.String("instance_id", id),
						zap.Error(remErr))
				}
				continue
			}
			return nil, err
		}

		if filter.matches(inst) {
			instances = append(instances, inst)
		}
	}

	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].RegisteredAt.Equal(instances[j].RegisteredAt) {
			return instances[i].RegisteredAt.Before(instances[j].RegisteredAt)
		}
		return instances[i].ID < instances[j].ID
	})

	return instances, nil
}

// UpdateHealth 更新实例健康状态，仅供健康检查器调用。
// 每次更新同时刷新实例的软过期TTL。
func (r *Registry) UpdateHealth(ctx context.Context, serviceName, instanceID, status string) error {
	switch status {
	case StatusHealthy, StatusUnhealthy, StatusUnknown:
	default:
		return store.NewInvalidArgumentError("无效的健康状态: " + status)
	}

	inst, err := r.GetInstance(ctx, serviceName, instanceID)
	if err != nil {
		return err
	}

	inst.Status = status
	inst.LastHealthCheck = r.now()

	return r.put(ctx, inst)
}

// RefreshTTL 刷新实例的软过期TTL（心跳续约）
func (r *Registry) RefreshTTL(ctx context.Context, serviceName, instanceID string) error {
	err := r.store.Expire(ctx, instanceKey(serviceName, instanceID), r.ttl)
	if store.IsNotFound(err) {
		return store.NewNotFoundError(
			fmt.Sprintf("服务实例不存在: %s/%s", serviceName, instanceID))
	}
	return err
}

// ListServices 返回所有已注册服务的名称列表
func (r *Registry) ListServices(ctx context.Context) ([]string, error) {
	names, err := r.store.SMembers(ctx, catalogKey)
	if err != nil {
		return nil, fmt.Errorf("读取服务目录失败: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// StaleInstance 标识一条被清理掉的过期实例索引
type StaleInstance struct {
	ServiceName string
	InstanceID  string
}

// CleanupStaleIndexes 清理索引中已过TTL的实例ID，返回被清理的实例列表，
// 供调用方清除实例在其他组件中的遗留状态。该任务由集群Leader单点运行。
func (r *Registry) CleanupStaleIndexes(ctx context.Context) ([]StaleInstance, error) {
	services, err := r.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	var removed []StaleInstance
	for _, serviceName := range services {
		ids, err := r.store.SMembers(ctx, indexKey(serviceName))
		if err != nil {
			return removed, fmt.Errorf("读取服务索引失败: %w", err)
		}

		live := 0
		for _, id := range ids {
			_, err := r.GetInstance(ctx, serviceName, id)
			if store.IsNotFound(err) {
				if remErr := r.store.SRem(ctx, indexKey(serviceName), id); remErr != nil {
					return removed, remErr
				}
				removed = append(removed, StaleInstance{ServiceName: serviceName, InstanceID: id})
				continue
			}
			if err != nil {
				return removed, err
			}
			live++
		}

		// 服务已无存活实例，从目录中移除
		if live == 0 {
			if err := r.store.SRem(ctx, catalogKey, serviceName); err != nil {
				return removed, err
			}
		}
	}

	return removed, nil
}

// put 序列化实例记录并带TTL写入存储
func (r *Registry) put(ctx context.Context, inst *ServiceInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("序列化实例记录失败: %w", err)
	}
	if err := r.store.SetWithTTL(ctx, instanceKey(inst.ServiceName, inst.ID), string(data), r.ttl); err != nil {
		return fmt.Errorf("存储实例记录失败: %w", err)
	}
	return nil
}
