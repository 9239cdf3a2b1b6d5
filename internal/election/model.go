package election

import "time"

// 集群成员状态
const (
	// MemberActive 心跳在超时窗口内
	MemberActive = "active"
	// MemberStale 心跳已超时，被排除在法定人数计算之外
	MemberStale = "stale"
)

// Member 表示一个集群成员
type Member struct {
	NodeID        string    `json:"node_id"`
	Region        string    `json:"region,omitempty"`
	Zone          string    `json:"zone,omitempty"`
	AdvertiseAddr string    `json:"advertise_addr"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Status 由读取方根据LastHeartbeat计算，不持久化
	Status string `json:"status,omitempty"`
}

// LeaderRecord 表示当前集群Leader。
// 任期号跨选举严格递增；某个任期的记录一旦写入，绝不会被同任期的
// 另一条记录覆盖（依赖存储的条件写入保证）。
type LeaderRecord struct {
	LeaderID  string    `json:"leader_id"`
	Term      int64     `json:"term"`
	ElectedAt time.Time `json:"elected_at"`
}

// VoteRequest 候选人的拉票请求
type VoteRequest struct {
	CandidateID string `json:"candidate_id"`
	Term        int64  `json:"term"`
}

// VoteResponse 成员的投票响应
type VoteResponse struct {
	VoterID string `json:"voter_id"`
	Term    int64  `json:"term"`
	Granted bool   `json:"granted"`
}
