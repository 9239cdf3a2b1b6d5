// Package etcdstore 提供基于etcd的协调存储实现。
//
// etcd没有原生的计数器、哈希表和集合原语：
//   - 计数器通过事务比较重试循环实现原子递增/递减；
//   - 哈希表字段和集合成员映射为前缀键；
//   - 带过期时间的键通过租约实现。
//
// 条件写入(SetNX/CompareAndSwap)直接映射为etcd事务比较，天然原子。
package etcdstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cyber-boost/tuskmesh/internal/store"
)

// Config etcd连接配置
type Config struct {
	Endpoints      []string
	Username       string
	Password       string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// EtcdStore 是基于etcd的KVStore实现
type EtcdStore struct {
	client         *clientv3.Client
	requestTimeout time.Duration
}

// NewEtcdStore 创建并连接etcd存储
func NewEtcdStore(cfg Config) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, store.NewInvalidArgumentError("etcd端点列表不能为空")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, store.NewUnavailableError("创建etcd客户端失败", err)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, store.NewUnavailableError("etcd连接测试失败", err)
	}

	return &EtcdStore{
		client:         client,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

// Ping 检查etcd集群状态
func (e *EtcdStore) Ping(ctx context.Context) error {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	if _, err := e.client.Get(ctx, "ping"); err != nil {
		return store.NewUnavailableError("etcd不可达", err)
	}
	return nil
}

// Close 关闭etcd客户端连接
func (e *EtcdStore) Close() error {
	return e.client.Close()
}

// opCtx 为单次etcd操作附加超时
func (e *EtcdStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.requestTimeout)
}

// Get 获取键值
func (e *EtcdStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", wrapErr("获取键值", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", store.NewNotFoundError("键不存在: " + key)
	}
	return string(resp.Kvs[0].Value), nil
}

// Set 设置键值
func (e *EtcdStore) Set(ctx context.Context, key, value string) error {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	if _, err := e.client.Put(ctx, key, value); err != nil {
		return wrapErr("设置键值", key, err)
	}
	return nil
}

// SetWithTTL 设置带租约的键值
func (e *EtcdStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	lease, err := e.grantLease(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err := e.client.Put(ctx, key, value, clientv3.WithLease(lease)); err != nil {
		return wrapErr("设置带租约的键值", key, err)
	}
	return nil
}

// SetNX 仅当键不存在时设置键值，利用etcd事务的创建版本比较
func (e *EtcdStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := e.grantLease(ctx, ttl)
		if err != nil {
			return false, err
		}
		opts = append(opts, clientv3.WithLease(lease))
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, opts...)).
		Commit()
	if err != nil {
		return false, wrapErr("条件设置键值", key, err)
	}
	return resp.Succeeded, nil
}

// CompareAndSwap 仅当键的当前值等于old时替换为new
func (e *EtcdStore) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	resp, err := e.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.CreateRevision(key), ">", 0),
			clientv3.Compare(clientv3.Value(key), "=", old),
		).
		Then(clientv3.OpPut(key, new)).
		Commit()
	if err != nil {
		return false, wrapErr("CAS替换键值", key, err)
	}
	return resp.Succeeded, nil
}

// Delete 删除键
func (e *EtcdStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	if _, err := e.client.Delete(ctx, key); err != nil {
		return wrapErr("删除键", key, err)
	}
	return nil
}

// Expire 重置键的过期时间，通过重新授予租约实现
func (e *EtcdStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	value, err := e.Get(ctx, key)
	if err != nil {
		return err
	}
	return e.SetWithTTL(ctx, key, value, ttl)
}

// Incr 原子递增计数器
func (e *EtcdStore) Incr(ctx context.Context, key string) (int64, error) {
	return e.addInt(ctx, key, 1, false)
}

// Decr 原子递减计数器
func (e *EtcdStore) Decr(ctx context.Context, key string) (int64, error) {
	return e.addInt(ctx, key, -1, false)
}

// DecrFloor 原子递减计数器并钳制在0
func (e *EtcdStore) DecrFloor(ctx context.Context, key string) (int64, error) {
	return e.addInt(ctx, key, -1, true)
}

// addInt 通过CAS重试循环实现原子加减，floor为true时结果钳制在0
func (e *EtcdStore) addInt(ctx context.Context, key string, delta int64, floor bool) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, store.NewUnavailableError("计数器操作被取消: "+key, err)
		}

		opCtx, cancel := e.opCtx(ctx)
		resp, err := e.client.Get(opCtx, key)
		cancel()
		if err != nil {
			return 0, wrapErr("读取计数器", key, err)
		}

		var current int64
		var cmp clientv3.Cmp
		if len(resp.Kvs) == 0 {
			current = 0
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, store.NewInvalidArgumentError("键值不是整数: " + key)
			}
			cmp = clientv3.Compare(clientv3.Value(key), "=", string(resp.Kvs[0].Value))
		}

		next := current + delta
		if floor && next < 0 {
			next = 0
		}

		opCtx, cancel = e.opCtx(ctx)
		txnResp, err := e.client.Txn(opCtx).
			If(cmp).
			Then(clientv3.OpPut(key, strconv.FormatInt(next, 10))).
			Commit()
		cancel()
		if err != nil {
			return 0, wrapErr("更新计数器", key, err)
		}
		if txnResp.Succeeded {
			return next, nil
		}
		// 并发冲突，重读后重试
	}
}

// hashFieldKey 哈希表字段映射为前缀键
func hashFieldKey(key, field string) string {
	return key + "/" + field
}

// HSet 设置哈希表字段
func (e *EtcdStore) HSet(ctx context.Context, key, field, value string) error {
	return e.Set(ctx, hashFieldKey(key, field), value)
}

// HGet 获取哈希表字段
func (e *EtcdStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := e.Get(ctx, hashFieldKey(key, field))
	if store.IsNotFound(err) {
		return "", store.NewNotFoundError("哈希表字段不存在: " + key + "/" + field)
	}
	return v, err
}

// HGetAll 获取哈希表的所有字段和值
func (e *EtcdStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	prefix := key + "/"
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, wrapErr("获取哈希表", key, err)
	}

	result := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		field := strings.TrimPrefix(string(kv.Key), prefix)
		result[field] = string(kv.Value)
	}
	return result, nil
}

// HDel 删除哈希表字段
func (e *EtcdStore) HDel(ctx context.Context, key string, fields ...string) error {
	for _, field := range fields {
		if err := e.Delete(ctx, hashFieldKey(key, field)); err != nil {
			return err
		}
	}
	return nil
}

// SAdd 向集合添加成员，成员映射为前缀键
func (e *EtcdStore) SAdd(ctx context.Context, key string, members ...string) error {
	for _, member := range members {
		if err := e.Set(ctx, key+"/"+member, "1"); err != nil {
			return err
		}
	}
	return nil
}

// SRem 从集合移除成员
func (e *EtcdStore) SRem(ctx context.Context, key string, members ...string) error {
	for _, member := range members {
		if err := e.Delete(ctx, key+"/"+member); err != nil {
			return err
		}
	}
	return nil
}

// SMembers 返回集合的所有成员
func (e *EtcdStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	prefix := key + "/"
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, wrapErr("获取集合成员", key, err)
	}

	members := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members = append(members, strings.TrimPrefix(string(kv.Key), prefix))
	}
	return members, nil
}

// grantLease 授予租约，TTL不足1秒时按1秒处理（etcd租约粒度为秒）
func (e *EtcdStore) grantLease(ctx context.Context, ttl time.Duration) (clientv3.LeaseID, error) {
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	lease, err := e.client.Grant(ctx, seconds)
	if err != nil {
		return 0, store.NewUnavailableError("etcd创建租约失败", err)
	}
	return lease.ID, nil
}

// wrapErr 将etcd错误包装为存储不可达错误
func wrapErr(op, key string, err error) error {
	return store.NewUnavailableError(fmt.Sprintf("etcd%s失败 [%s]: %v", op, key, err), err)
}
