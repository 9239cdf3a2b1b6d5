// Package breaker 实现基于协调存储的熔断器。
//
// 每个名称对应一个独立的状态机，状态保存在协调存储中，
// 因此多个进程对同一服务的调用共享失败计数和熔断状态。
// 所有状态迁移都通过CAS重试循环完成，避免并发丢失更新。
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cyber-boost/tuskmesh/internal/config"
	"github.com/cyber-boost/tuskmesh/internal/store"
)

// 熔断器状态
const (
	// StateClosed 正常放行，累计失败计数
	StateClosed = "closed"
	// StateOpen 快速拒绝，等待冷却
	StateOpen = "open"
	// StateHalfOpen 冷却结束，只允许一次试探调用
	StateHalfOpen = "half_open"
)

// ErrOpen 熔断器打开时的一等拒绝结果。
// 与下游失败是可区分的两种结果，调用方据此采用不同的退避策略。
var ErrOpen = errors.New("熔断器已打开，调用被拒绝")

// 状态键和审计键前缀
const (
	statePrefix = "/tuskmesh/breaker/"
	auditPrefix = "/tuskmesh/breaker-audit/"
)

// CAS冲突的最大重试次数
const maxCASRetries = 32

// State 熔断器的持久化状态
type State struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	LastFailureTime  time.Time `json:"last_failure_time,omitzero"`
	LastSuccessTime  time.Time `json:"last_success_time,omitzero"`
	FailureThreshold int       `json:"failure_threshold"`
	ResetTimeout     string    `json:"reset_timeout"`

	// TrialInFlight 半开状态下是否有试探调用在途。
	// 试探在途时到达的并发调用按打开状态拒绝。
	TrialInFlight bool `json:"trial_in_flight,omitempty"`
	// TrialStartedAt 试探调用的开始时间。
	// 试探方进程崩溃时，超过冷却时长的在途试探可被接管，避免永久卡死。
	TrialStartedAt time.Time `json:"trial_started_at,omitzero"`
}

// AuditEntry 操作员覆盖动作的审计记录
type AuditEntry struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Action   string    `json:"action"`
	Operator string    `json:"operator"`
	Time     time.Time `json:"time"`
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 关闭状态下连续失败多少次后打开
	FailureThreshold int
	// ResetTimeout 打开状态的冷却时长，与探测超时等其他时长相互独立
	ResetTimeout time.Duration
}

// DefaultConfig 返回默认熔断器配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Manager 按名称管理熔断器状态机
type Manager struct {
	store  store.KVStore
	cfg    Config
	logger config.Logger

	// now 可注入的时钟，用于测试
	now func() time.Time
}

// NewManager 创建熔断器管理器
func NewManager(kv store.KVStore, cfg Config, logger config.Logger) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}

	return &Manager{
		store:  kv,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func stateKey(name string) string {
	return statePrefix + name
}

// defaultState 返回名称的初始关闭状态
func (m *Manager) defaultState(name string) *State {
	return &State{
		Name:             name,
		State:            StateClosed,
		FailureThreshold: m.cfg.FailureThreshold,
		ResetTimeout:     m.cfg.ResetTimeout.String(),
	}
}

// load 读取熔断器状态，不存在时返回初始状态和空原始值
func (m *Manager) load(ctx context.Context, name string) (*State, string, error) {
	raw, err := m.store.Get(ctx, stateKey(name))
	if store.IsNotFound(err) {
		return m.defaultState(name), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("读取熔断器状态失败: %w", err)
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, "", fmt.Errorf("解析熔断器状态失败: %w", err)
	}
	return &st, raw, nil
}

// swap 以CAS方式写入新状态。oldRaw为空表示状态键尚不存在。
func (m *Manager) swap(ctx context.Context, name, oldRaw string, st *State) (bool, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("序列化熔断器状态失败: %w", err)
	}

	if oldRaw == "" {
		ok, err := m.store.SetNX(ctx, stateKey(name), string(data), 0)
		if err != nil {
			return false, fmt.Errorf("写入熔断器状态失败: %w", err)
		}
		return ok, nil
	}

	ok, err := m.store.CompareAndSwap(ctx, stateKey(name), oldRaw, string(data))
	if err != nil {
		return false, fmt.Errorf("写入熔断器状态失败: %w", err)
	}
	return ok, nil
}

// State 返回名称当前的熔断器状态
func (m *Manager) State(ctx context.Context, name string) (*State, error) {
	st, _, err := m.load(ctx, name)
	return st, err
}

// Execute 用熔断器包裹一次调用。
// 打开状态下直接返回ErrOpen，被包裹的操作绝不会被执行；
// 其余情况执行操作并根据结果驱动状态迁移，返回操作自身的错误。
func (m *Manager) Execute(ctx context.Context, name string, fn func() error) error {
	if err := m.Allow(ctx, name); err != nil {
		return err
	}

	callErr := fn()
	if callErr != nil {
		if recErr := m.RecordFailure(ctx, name); recErr != nil {
			m.logger.Error("记录熔断器失败计数出错",
				zap.String("breaker", name), zap.Error(recErr))
		}
		return callErr
	}

	if recErr := m.RecordSuccess(ctx, name); recErr != nil {
		m.logger.Error("记录熔断器成功出错",
			zap.String("breaker", name), zap.Error(recErr))
	}
	return nil
}

// Allow 判定一次调用是否放行。
// 返回nil表示放行（正常放行或作为半开试探），返回ErrOpen表示拒绝。
func (m *Manager) Allow(ctx context.Context, name string) error {
	for i := 0; i < maxCASRetries; i++ {
		st, raw, err := m.load(ctx, name)
		if err != nil {
			return err
		}

		switch st.State {
		case StateClosed:
			return nil

		case StateOpen:
			if m.now().Sub(st.LastFailureTime) < m.resetTimeout(st) {
				return ErrOpen
			}
			// 冷却结束，尝试抢占唯一的半开试探名额
			next := *st
			next.State = StateHalfOpen
			next.TrialInFlight = true
			next.TrialStartedAt = m.now()
			ok, err := m.swap(ctx, name, raw, &next)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			// 名额被其他调用方抢走，重读后按新状态判定

		case StateHalfOpen:
			if st.TrialInFlight && m.now().Sub(st.TrialStartedAt) < m.resetTimeout(st) {
				return ErrOpen
			}
			// 无在途试探或在途试探已被放弃，接管试探名额
			next := *st
			next.TrialInFlight = true
			next.TrialStartedAt = m.now()
			ok, err := m.swap(ctx, name, raw, &next)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}

		default:
			return store.NewInternalError("未知的熔断器状态: "+st.State, nil)
		}
	}

	return store.NewInternalError("熔断器状态CAS冲突重试次数耗尽: "+name, nil)
}

// RecordSuccess 记录一次成功调用。
// 关闭状态下失败计数归零；半开试探成功则回到关闭状态。
func (m *Manager) RecordSuccess(ctx context.Context, name string) error {
	return m.transition(ctx, name, func(st *State) {
		st.FailureCount = 0
		st.LastSuccessTime = m.now()
		if st.State == StateHalfOpen {
			st.State = StateClosed
			st.TrialInFlight = false
			st.TrialStartedAt = time.Time{}
		}
	})
}

// RecordFailure 记录一次失败调用。
// 关闭状态下失败计数达到阈值则打开；半开试探失败则重新打开并重启冷却计时。
func (m *Manager) RecordFailure(ctx context.Context, name string) error {
	return m.transition(ctx, name, func(st *State) {
		st.FailureCount++
		st.LastFailureTime = m.now()

		switch st.State {
		case StateHalfOpen:
			st.State = StateOpen
			st.TrialInFlight = false
			st.TrialStartedAt = time.Time{}
		case StateClosed:
			if st.FailureCount >= m.threshold(st) {
				st.State = StateOpen
			}
		}
	})
}

// ForceOpen 操作员强制打开熔断器，绕过自动迁移规则
func (m *Manager) ForceOpen(ctx context.Context, name, operator string) error {
	if err := m.force(ctx, name, func(st *State) {
		st.State = StateOpen
		st.LastFailureTime = m.now()
		st.TrialInFlight = false
		st.TrialStartedAt = time.Time{}
	}); err != nil {
		return err
	}
	return m.audit(ctx, name, "force_open", operator)
}

// ForceClose 操作员强制关闭熔断器，绕过自动迁移规则
func (m *Manager) ForceClose(ctx context.Context, name, operator string) error {
	if err := m.force(ctx, name, func(st *State) {
		st.State = StateClosed
		st.TrialInFlight = false
		st.TrialStartedAt = time.Time{}
	}); err != nil {
		return err
	}
	return m.audit(ctx, name, "force_close", operator)
}

// Reset 操作员重置熔断器到初始关闭状态
func (m *Manager) Reset(ctx context.Context, name, operator string) error {
	if err := m.force(ctx, name, func(st *State) {
		*st = *m.defaultState(name)
	}); err != nil {
		return err
	}
	return m.audit(ctx, name, "reset", operator)
}

// Forget 删除熔断器的状态与审计记录。
// 对应的服务实例注销后调用，避免状态键随实例更替在存储中累积。
func (m *Manager) Forget(ctx context.Context, name string) error {
	if err := m.store.Delete(ctx, stateKey(name)); err != nil {
		return fmt.Errorf("删除熔断器状态失败: %w", err)
	}

	fields, err := m.store.HGetAll(ctx, auditPrefix+name)
	if err != nil {
		return fmt.Errorf("读取审计记录失败: %w", err)
	}
	if len(fields) > 0 {
		ids := make([]string, 0, len(fields))
		for id := range fields {
			ids = append(ids, id)
		}
		if err := m.store.HDel(ctx, auditPrefix+name, ids...); err != nil {
			return fmt.Errorf("删除审计记录失败: %w", err)
		}
	}
	return nil
}

// AuditLog 返回名称的全部操作员覆盖审计记录
func (m *Manager) AuditLog(ctx context.Context, name string) ([]AuditEntry, error) {
	fields, err := m.store.HGetAll(ctx, auditPrefix+name)
	if err != nil {
		return nil, fmt.Errorf("读取审计记录失败: %w", err)
	}

	entries := make([]AuditEntry, 0, len(fields))
	for _, raw := range fields {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("解析审计记录失败: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// transition 以CAS重试循环应用一次状态迁移
func (m *Manager) transition(ctx context.Context, name string, apply func(*State)) error {
	for i := 0; i < maxCASRetries; i++ {
		st, raw, err := m.load(ctx, name)
		if err != nil {
			return err
		}

		next := *st
		apply(&next)

		ok, err := m.swap(ctx, name, raw, &next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	return store.NewInternalError("熔断器状态CAS冲突重试次数耗尽: "+name, nil)
}

// force 无条件覆盖状态，供操作员命令使用
func (m *Manager) force(ctx context.Context, name string, apply func(*State)) error {
	st, _, err := m.load(ctx, name)
	if err != nil {
		return err
	}

	apply(st)

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("序列化熔断器状态失败: %w", err)
	}
	if err := m.store.Set(ctx, stateKey(name), string(data)); err != nil {
		return fmt.Errorf("写入熔断器状态失败: %w", err)
	}
	return nil
}

// audit 记录操作员覆盖动作（谁在什么时间做了什么）
func (m *Manager) audit(ctx context.Context, name, action, operator string) error {
	entry := AuditEntry{
		ID:       uuid.New().String(),
		Name:     name,
		Action:   action,
		Operator: operator,
		Time:     m.now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化审计记录失败: %w", err)
	}
	if err := m.store.HSet(ctx, auditPrefix+name, entry.ID, string(data)); err != nil {
		return fmt.Errorf("写入审计记录失败: %w", err)
	}

	m.logger.Info("熔断器操作员覆盖",
		zap.String("breaker", name),
		zap.String("action", action),
		zap.String("operator", operator))

	return nil
}

// resetTimeout 优先使用状态记录中的冷却时长，解析失败时退回配置值
func (m *Manager) resetTimeout(st *State) time.Duration {
	if st.ResetTimeout != "" {
		if d, err := time.ParseDuration(st.ResetTimeout); err == nil && d > 0 {
			return d
		}
	}
	return m.cfg.ResetTimeout
}

// threshold 优先使用状态记录中的失败阈值，非法时退回配置值
func (m *Manager) threshold(st *State) int {
	if st.FailureThreshold > 0 {
		return st.FailureThreshold
	}
	return m.cfg.FailureThreshold
}
