// Package memory 提供基于内存的协调存储实现，主要用于测试。
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cyber-boost/tuskmesh/internal/store"
)

type entry struct {
	value     string
	expiresAt time.Time // 零值表示不过期
}

// MemoryStore 是基于内存的KVStore实现
type MemoryStore struct {
	mutex  sync.Mutex
	kv     map[string]*entry
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}

	// Now 可注入的时钟，用于测试过期逻辑
	Now func() time.Time
}

// NewMemoryStore 创建新的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:     make(map[string]*entry),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		Now:    time.Now,
	}
}

// Ping 检查存储是否可达，内存存储总是可达的
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close 关闭存储
func (m *MemoryStore) Close() error {
	return nil
}

// get 返回未过期的条目，过期条目被惰性删除。调用方必须持有锁。
func (m *MemoryStore) get(key string) (*entry, bool) {
	e, ok := m.kv[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.Now().Before(e.expiresAt) {
		delete(m.kv, key)
		return nil, false
	}
	return e, true
}

// Get 获取键值
func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.get(key)
	if !ok {
		return "", store.NewNotFoundError("键不存在: " + key)
	}
	return e.value, nil
}

// Set 设置键值
func (m *MemoryStore) Set(ctx context.Context, key, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.kv[key] = &entry{value: value}
	return nil
}

// SetWithTTL 设置带过期时间的键值
func (m *MemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.kv[key] = &entry{value: value, expiresAt: m.Now().Add(ttl)}
	return nil
}

// SetNX 仅当键不存在时设置键值
func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.get(key); ok {
		return false, nil
	}

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.Now().Add(ttl)
	}
	m.kv[key] = e
	return true, nil
}

// CompareAndSwap 仅当键的当前值等于old时替换为new
func (m *MemoryStore) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.get(key)
	if !ok || e.value != old {
		return false, nil
	}
	e.value = new
	return true, nil
}

// Delete 删除键
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.kv, key)
	return nil
}

// Expire 重置键的过期时间
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.get(key)
	if !ok {
		return store.NewNotFoundError("键不存在: " + key)
	}
	e.expiresAt = m.Now().Add(ttl)
	return nil
}

// Incr 原子递增计数器
func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return m.addInt(key, 1)
}

// Decr 原子递减计数器
func (m *MemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	return m.addInt(key, -1)
}

// DecrFloor 原子递减计数器并钳制在0
func (m *MemoryStore) DecrFloor(ctx context.Context, key string) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	current, err := m.currentInt(key)
	if err != nil {
		return 0, err
	}

	next := current - 1
	if next < 0 {
		next = 0
	}
	m.kv[key] = &entry{value: strconv.FormatInt(next, 10)}
	return next, nil
}

func (m *MemoryStore) addInt(key string, delta int64) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	current, err := m.currentInt(key)
	if err != nil {
		return 0, err
	}

	next := current + delta
	m.kv[key] = &entry{value: strconv.FormatInt(next, 10)}
	return next, nil
}

// currentInt 读取键的整数值，不存在时返回0。调用方必须持有锁。
func (m *MemoryStore) currentInt(key string) (int64, error) {
	e, ok := m.get(key)
	if !ok {
		return 0, nil
	}

	v, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, store.NewInvalidArgumentError("键值不是整数: " + key)
	}
	return v, nil
}

// HSet 设置哈希表字段
func (m *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

// HGet 获取哈希表字段
func (m *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		return "", store.NewNotFoundError("哈希表不存在: " + key)
	}
	v, ok := h[field]
	if !ok {
		return "", store.NewNotFoundError("哈希表字段不存在: " + key + "/" + field)
	}
	return v, nil
}

// HGetAll 获取哈希表的所有字段和值
func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make(map[string]string)
	for field, value := range m.hashes[key] {
		result[field] = value
	}
	return result, nil
}

// HDel 删除哈希表字段
func (m *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(h, field)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

// SAdd 向集合添加成员
func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

// SRem 从集合移除成员
func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s, member)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

// SMembers 返回集合的所有成员
func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}
