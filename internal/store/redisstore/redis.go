// Package redisstore 提供基于Redis的协调存储实现。
//
// Redis的EXPIRE/INCR/DECR/HSET/SADD原语与KVStore接口一一对应；
// 钳制递减和CompareAndSwap通过Lua脚本保证原子性。
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyber-boost/tuskmesh/internal/store"
)

// decrFloorScript 原子递减并钳制在0
var decrFloorScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], '0')
  return 0
end
return v
`)

// casScript 仅当当前值等于ARGV[1]时替换为ARGV[2]
var casScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// Config Redis连接配置
type Config struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore 是基于Redis的KVStore实现
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore 创建并连接Redis存储
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, store.NewInvalidArgumentError("Redis地址不能为空")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, store.NewUnavailableError(fmt.Sprintf("连接Redis失败 [%s]", cfg.Addr), err)
	}

	return &RedisStore{rdb: rdb}, nil
}

// Ping 检查Redis是否可达
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return store.NewUnavailableError("Redis不可达", err)
	}
	return nil
}

// Close 关闭Redis连接
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// Get 获取键值
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", store.NewNotFoundError("键不存在: " + key)
	}
	if err != nil {
		return "", wrapErr("获取键值", key, err)
	}
	return v, nil
}

// Set 设置键值
func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return wrapErr("设置键值", key, err)
	}
	return nil
}

// SetWithTTL 设置带过期时间的键值
func (r *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapErr("设置带TTL的键值", key, err)
	}
	return nil
}

// SetNX 仅当键不存在时设置键值
func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapErr("条件设置键值", key, err)
	}
	return ok, nil
}

// CompareAndSwap 仅当键的当前值等于old时替换为new
func (r *RedisStore) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	v, err := casScript.Run(ctx, r.rdb, []string{key}, old, new).Int64()
	if err != nil {
		return false, wrapErr("CAS替换键值", key, err)
	}
	return v == 1, nil
}

// Delete 删除键
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return wrapErr("删除键", key, err)
	}
	return nil
}

// Expire 重置键的过期时间
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := r.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return wrapErr("重置过期时间", key, err)
	}
	if !ok {
		return store.NewNotFoundError("键不存在: " + key)
	}
	return nil
}

// Incr 原子递增计数器
func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("递增计数器", key, err)
	}
	return v, nil
}

// Decr 原子递减计数器
func (r *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	v, err := r.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("递减计数器", key, err)
	}
	return v, nil
}

// DecrFloor 原子递减计数器并钳制在0
func (r *RedisStore) DecrFloor(ctx context.Context, key string) (int64, error) {
	v, err := decrFloorScript.Run(ctx, r.rdb, []string{key}).Int64()
	if err != nil {
		return 0, wrapErr("钳制递减计数器", key, err)
	}
	return v, nil
}

// HSet 设置哈希表字段
func (r *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := r.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return wrapErr("设置哈希字段", key, err)
	}
	return nil
}

// HGet 获取哈希表字段
func (r *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", store.NewNotFoundError("哈希表字段不存在: " + key + "/" + field)
	}
	if err != nil {
		return "", wrapErr("获取哈希字段", key, err)
	}
	return v, nil
}

// HGetAll 获取哈希表的所有字段和值
func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("获取哈希表", key, err)
	}
	return v, nil
}

// HDel 删除哈希表字段
func (r *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := r.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return wrapErr("删除哈希字段", key, err)
	}
	return nil
}

// SAdd 向集合添加成员
func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return wrapErr("添加集合成员", key, err)
	}
	return nil
}

// SRem 从集合移除成员
func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return wrapErr("移除集合成员", key, err)
	}
	return nil
}

// SMembers 返回集合的所有成员
func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("获取集合成员", key, err)
	}
	return v, nil
}

// wrapErr 将Redis错误包装为存储不可达错误
func wrapErr(op, key string, err error) error {
	return store.NewUnavailableError(fmt.Sprintf("Redis%s失败 [%s]: %v", op, key, err), err)
}
