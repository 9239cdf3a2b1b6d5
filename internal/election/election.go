package election

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cyber-boost/tuskmesh/internal/config"
	"github.com/cyber-boost/tuskmesh/internal/store"
)

const (
	membersKey = "/tuskmesh/cluster/members"
	termKey    = "/tuskmesh/cluster/term"
	leaderKey  = "/tuskmesh/cluster/leader"

	// 任期记录保留时间。任期号单调递增，因此过期后同一任期
	// 不会被重新写入，条件写入的唯一性不受影响。
	termRecordTTL = 24 * time.Hour

	maxPointerCASRetries = 8
)

func termRecordKey(term int64) string {
	return fmt.Sprintf("/tuskmesh/cluster/leader-term/%d", term)
}

// Config 选举协调器配置
type Config struct {
	NodeID        string
	Region        string
	Zone          string
	AdvertiseAddr string

	// HeartbeatInterval 成员心跳写入周期
	HeartbeatInterval time.Duration
	// HeartbeatTimeout 超过该时长未心跳的成员视为stale
	HeartbeatTimeout time.Duration
	// ElectionTimeout Leader心跳超过该时长未更新即触发选举
	ElectionTimeout time.Duration
}

// Node 是参与Leader选举的集群节点。
// 成员心跳、任期计数和Leader记录都保存在协调存储中，
// 节点本地只保留投票记录和是否为Leader的缓存标志。
type Node struct {
	store     store.KVStore
	cfg       Config
	transport VoteTransport
	logger    config.Logger

	mu          sync.Mutex
	votedTerm   int64
	isLeader    bool
	currentTerm int64

	// 上次竞选失败后的退避截止时间
	nextCampaign time.Time

	// 可注入时钟与随机源，便于测试
	now     func() time.Time
	randInt func(n int64) int64
}

// NewNode 创建选举节点
func NewNode(kv store.KVStore, cfg Config, transport VoteTransport, logger config.Logger) *Node {
	return &Node{
		store:     kv,
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		now:       time.Now,
		randInt:   rand.Int63n,
	}
}

// Heartbeat 把本节点的成员信息写入成员哈希。
// 哈希字段不支持独立过期，stale判定由读取方根据时间戳完成。
func (n *Node) Heartbeat(ctx context.Context) error {
	m := Member{
		NodeID:        n.cfg.NodeID,
		Region:        n.cfg.Region,
		Zone:          n.cfg.Zone,
		AdvertiseAddr: n.cfg.AdvertiseAddr,
		LastHeartbeat: n.now(),
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("序列化成员信息失败: %w", err)
	}

	if err := n.store.HSet(ctx, membersKey, n.cfg.NodeID, string(data)); err != nil {
		return fmt.Errorf("写入成员心跳失败: %w", err)
	}

	return nil
}

// Leave 主动退出集群。若本节点是Leader则先让位。
func (n *Node) Leave(ctx context.Context) error {
	if n.IsLeader() {
		if err := n.StepDown(ctx); err != nil {
			n.logger.Warn("让位失败", zap.Error(err))
		}
	}

	if err := n.store.HDel(ctx, membersKey, n.cfg.NodeID); err != nil {
		return fmt.Errorf("移除集群成员失败: %w", err)
	}

	n.logger.Info("已退出集群", zap.String("node_id", n.cfg.NodeID))
	return nil
}

// Members 返回全部成员，并按心跳时间标记active/stale状态
func (n *Node) Members(ctx context.Context) ([]Member, error) {
	raw, err := n.store.HGetAll(ctx, membersKey)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取集群成员失败: %w", err)
	}

	now := n.now()
	members := make([]Member, 0, len(raw))
	for id, data := range raw {
		var m Member
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			n.logger.Warn("成员记录损坏，已跳过", zap.String("node_id", id), zap.Error(err))
			continue
		}
		if now.Sub(m.LastHeartbeat) > n.cfg.HeartbeatTimeout {
			m.Status = MemberStale
		} else {
			m.Status = MemberActive
		}
		members = append(members, m)
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].NodeID < members[j].NodeID
	})

	return members, nil
}

// ActiveMembers 返回心跳在超时窗口内的成员
func (n *Node) ActiveMembers(ctx context.Context) ([]Member, error) {
	all, err := n.Members(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]Member, 0, len(all))
	for _, m := range all {
		if m.Status == MemberActive {
			active = append(active, m)
		}
	}

	return active, nil
}

// Leader 返回当前Leader记录，无Leader时返回nil
func (n *Node) Leader(ctx context.Context) (*LeaderRecord, error) {
	raw, err := n.store.Get(ctx, leaderKey)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取Leader记录失败: %w", err)
	}

	var rec LeaderRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("解析Leader记录失败: %w", err)
	}

	// LeaderID为空是让位留下的墓碑记录，等同于无Leader
	if rec.LeaderID == "" {
		return nil, nil
	}

	return &rec, nil
}

// IsLeader 返回本节点是否认为自己是Leader
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isLeader
}

// Term 返回本节点当选时的任期号，非Leader时返回0
func (n *Node) Term() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isLeader {
		return 0
	}
	return n.currentTerm
}

// HandleVoteRequest 处理来自候选人的拉票请求。
// 每个任期最多投一票：只有请求任期大于本节点已投任期时才授予。
func (n *Node) HandleVoteRequest(req VoteRequest) VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := VoteResponse{
		VoterID: n.cfg.NodeID,
		Term:    req.Term,
	}

	if req.Term > n.votedTerm {
		n.votedTerm = req.Term
		resp.Granted = true
		// 出现更高任期的候选人，本节点的Leader身份已过期
		if n.isLeader && req.Term > n.currentTerm {
			n.isLeader = false
		}
	}

	n.logger.Debug("处理拉票请求",
		zap.String("candidate", req.CandidateID),
		zap.Int64("term", req.Term),
		zap.Bool("granted", resp.Granted))

	return resp
}

// Campaign 发起一轮选举。返回本节点是否当选。
// 流程：递增任期计数器取得新任期号，给自己投票，向所有active成员
// 拉票；获得严格多数后通过条件写入登记Leader记录。
func (n *Node) Campaign(ctx context.Context) (bool, error) {
	active, err := n.ActiveMembers(ctx)
	if err != nil {
		return false, err
	}
	if len(active) == 0 {
		return false, fmt.Errorf("无active成员，无法发起选举")
	}

	term, err := n.store.Incr(ctx, termKey)
	if err != nil {
		return false, fmt.Errorf("递增任期计数器失败: %w", err)
	}

	// 给自己投票并记录，避免同任期再投给别人
	n.mu.Lock()
	if term <= n.votedTerm {
		// 已有更高任期的选举在进行，放弃本轮
		n.mu.Unlock()
		return false, nil
	}
	n.votedTerm = term
	n.mu.Unlock()

	votes := 1
	for _, m := range active {
		if m.NodeID == n.cfg.NodeID {
			continue
		}
		resp, err := n.transport.RequestVote(ctx, m.AdvertiseAddr, VoteRequest{
			CandidateID: n.cfg.NodeID,
			Term:        term,
		})
		if err != nil {
			// 拉票失败等同于未获得该票
			n.logger.Debug("拉票请求失败", zap.String("peer", m.NodeID), zap.Error(err))
			continue
		}
		if resp.Granted {
			votes++
		}
	}

	quorum := len(active)/2 + 1
	if votes < quorum {
		n.logger.Info("未获得多数票",
			zap.Int64("term", term),
			zap.Int("votes", votes),
			zap.Int("quorum", quorum))
		return false, nil
	}

	won, err := n.claimLeadership(ctx, term)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	n.mu.Lock()
	n.isLeader = true
	n.currentTerm = term
	n.mu.Unlock()

	n.logger.Info("当选Leader",
		zap.String("node_id", n.cfg.NodeID),
		zap.Int64("term", term),
		zap.Int("votes", votes),
		zap.Int("members", len(active)))

	return true, nil
}

// claimLeadership 登记Leader记录。先对任期专属键做SetNX，
// 保证同一任期只有一条记录；成功后再把Leader指针条件更新到新任期。
func (n *Node) claimLeadership(ctx context.Context, term int64) (bool, error) {
	rec := LeaderRecord{
		LeaderID:  n.cfg.NodeID,
		Term:      term,
		ElectedAt: n.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("序列化Leader记录失败: %w", err)
	}

	ok, err := n.store.SetNX(ctx, termRecordKey(term), string(data), termRecordTTL)
	if err != nil {
		return false, fmt.Errorf("写入任期记录失败: %w", err)
	}
	if !ok {
		// 同任期已有别的节点登记，条件写入保证我们不覆盖它
		return false, nil
	}

	for i := 0; i < maxPointerCASRetries; i++ {
		raw, err := n.store.Get(ctx, leaderKey)
		if err != nil {
			if store.IsNotFound(err) {
				created, err := n.store.SetNX(ctx, leaderKey, string(data), 0)
				if err != nil {
					return false, fmt.Errorf("写入Leader指针失败: %w", err)
				}
				if created {
					return true, nil
				}
				continue
			}
			return false, fmt.Errorf("读取Leader指针失败: %w", err)
		}

		var cur LeaderRecord
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return false, fmt.Errorf("解析Leader指针失败: %w", err)
		}
		if cur.Term >= term {
			// 已出现更高任期的Leader
			return false, nil
		}

		swapped, err := n.store.CompareAndSwap(ctx, leaderKey, raw, string(data))
		if err != nil {
			return false, fmt.Errorf("更新Leader指针失败: %w", err)
		}
		if swapped {
			return true, nil
		}
	}

	return false, fmt.Errorf("更新Leader指针重试次数耗尽")
}

// StepDown 主动放弃Leader身份并清除Leader指针。
// 指针只能通过CAS换成墓碑记录：若在读取和清除之间被更高任期的
// 当选者替换，CAS失败，新Leader的记录保持不动。
func (n *Node) StepDown(ctx context.Context) error {
	n.mu.Lock()
	wasLeader := n.isLeader
	n.isLeader = false
	n.mu.Unlock()

	if !wasLeader {
		return nil
	}

	raw, err := n.store.Get(ctx, leaderKey)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("读取Leader指针失败: %w", err)
	}

	var rec LeaderRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("解析Leader指针失败: %w", err)
	}
	if rec.LeaderID != n.cfg.NodeID {
		return nil
	}

	// 墓碑保留任期号，后续任期更高的当选者通过CAS覆盖它
	tomb := LeaderRecord{Term: rec.Term, ElectedAt: n.now()}
	data, err := json.Marshal(tomb)
	if err != nil {
		return fmt.Errorf("序列化让位记录失败: %w", err)
	}

	swapped, err := n.store.CompareAndSwap(ctx, leaderKey, raw, string(data))
	if err != nil {
		return fmt.Errorf("清除Leader指针失败: %w", err)
	}
	if !swapped {
		n.logger.Info("让位期间Leader指针已被新任期替换，保持不动",
			zap.String("node_id", n.cfg.NodeID))
		return nil
	}

	n.logger.Info("已主动让位", zap.String("node_id", n.cfg.NodeID), zap.Int64("term", rec.Term))
	return nil
}

// Run 启动心跳与选举监控循环，阻塞直到ctx取消。
// 退出前自动离开集群。
func (n *Node) Run(ctx context.Context) error {
	if err := n.Heartbeat(ctx); err != nil {
		return fmt.Errorf("加入集群失败: %w", err)
	}
	n.logger.Info("已加入集群",
		zap.String("node_id", n.cfg.NodeID),
		zap.String("advertise_addr", n.cfg.AdvertiseAddr))

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := n.Leave(leaveCtx); err != nil {
				n.logger.Warn("退出集群失败", zap.Error(err))
			}
			return ctx.Err()
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

// tick 单次心跳与Leader状态检查
func (n *Node) tick(ctx context.Context) {
	if err := n.Heartbeat(ctx); err != nil {
		n.logger.Error("成员心跳失败", zap.Error(err))
		return
	}

	rec, err := n.Leader(ctx)
	if err != nil {
		n.logger.Error("检查Leader状态失败", zap.Error(err))
		return
	}

	if rec != nil {
		if rec.LeaderID == n.cfg.NodeID {
			// 本节点仍是Leader，心跳已在上面刷新
			return
		}

		n.mu.Lock()
		n.isLeader = false
		n.mu.Unlock()

		stale, err := n.leaderStale(ctx, rec)
		if err != nil {
			n.logger.Error("检查Leader心跳失败", zap.Error(err))
			return
		}
		if !stale {
			return
		}
		n.logger.Warn("Leader心跳超时，准备发起选举",
			zap.String("leader_id", rec.LeaderID),
			zap.Int64("term", rec.Term))
	}

	if n.now().Before(n.nextCampaign) {
		return
	}

	won, err := n.Campaign(ctx)
	if err != nil {
		n.logger.Error("选举失败", zap.Error(err))
	}
	if !won {
		// 随机退避，降低多个候选人反复瓜分选票的概率
		backoff := n.cfg.HeartbeatInterval + time.Duration(n.randInt(int64(n.cfg.ElectionTimeout)))
		n.nextCampaign = n.now().Add(backoff)
	}
}

// leaderStale 根据Leader的成员心跳判断其是否失联
func (n *Node) leaderStale(ctx context.Context, rec *LeaderRecord) (bool, error) {
	raw, err := n.store.HGet(ctx, membersKey, rec.LeaderID)
	if err != nil {
		if store.IsNotFound(err) {
			// Leader已不在成员列表中
			return true, nil
		}
		return false, err
	}

	var m Member
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return true, nil
	}

	return n.now().Sub(m.LastHeartbeat) > n.cfg.ElectionTimeout, nil
}
