// Package store 定义协调存储的抽象接口。
//
// 注册表、负载均衡计数器、熔断器状态和集群成员心跳等所有跨进程共享状态
// 都保存在协调存储中，而不是进程本地内存，因为这些组件可能在多个进程
// 或节点上同时运行。
package store

import (
	"context"
	"time"
)

// KVStore 定义协调存储必须提供的原语集合。
//
// 复合的"读取-修改-写入"序列对普通键值存储不是原子的，
// 调用方必须使用 Incr/Decr 或 CompareAndSwap 重试循环来避免并发丢失更新。
type KVStore interface {
	// Ping 检查存储是否可达
	Ping(ctx context.Context) error

	// Close 关闭底层连接
	Close() error

	// Get 获取键值，键不存在时返回NotFound错误
	Get(ctx context.Context, key string) (string, error)

	// Set 设置键值
	Set(ctx context.Context, key, value string) error

	// SetWithTTL 设置带过期时间的键值
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX 仅当键不存在时设置键值，返回是否设置成功。
	// ttl为0表示不过期。
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSwap 仅当键的当前值等于old时将其替换为new，
	// 返回是否替换成功。键不存在视为不匹配。
	CompareAndSwap(ctx context.Context, key, old, new string) (bool, error)

	// Delete 删除键
	Delete(ctx context.Context, key string) error

	// Expire 重置键的过期时间，键不存在时返回NotFound错误
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr 原子递增计数器并返回新值，键不存在时从0开始
	Incr(ctx context.Context, key string) (int64, error)

	// Decr 原子递减计数器并返回新值
	Decr(ctx context.Context, key string) (int64, error)

	// DecrFloor 原子递减计数器并钳制在0，返回新值。
	// 计数器已经为0时保持为0。
	DecrFloor(ctx context.Context, key string) (int64, error)

	// HSet 设置哈希表字段
	HSet(ctx context.Context, key, field, value string) error

	// HGet 获取哈希表字段，字段不存在时返回NotFound错误
	HGet(ctx context.Context, key, field string) (string, error)

	// HGetAll 获取哈希表的所有字段和值，哈希表不存在时返回空map
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HDel 删除哈希表字段
	HDel(ctx context.Context, key string, fields ...string) error

	// SAdd 向集合添加成员
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem 从集合移除成员
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers 返回集合的所有成员，集合不存在时返回空切片
	SMembers(ctx context.Context, key string) ([]string, error)
}
