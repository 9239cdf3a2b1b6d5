package election

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// VoteTransport 向远端成员发起拉票请求。
// 拆成接口是为了让测试用进程内的假实现替代真实网络。
type VoteTransport interface {
	RequestVote(ctx context.Context, peerAddr string, req VoteRequest) (VoteResponse, error)
}

// HTTPVoteTransport 通过成员的管理API发起投票RPC
type HTTPVoteTransport struct {
	client *http.Client
}

// NewHTTPVoteTransport 创建HTTP投票传输层
func NewHTTPVoteTransport(timeout time.Duration) *HTTPVoteTransport {
	return &HTTPVoteTransport{
		client: &http.Client{Timeout: timeout},
	}
}

// RequestVote 向peer的 /api/v1/cluster/vote 端点发送拉票请求
func (t *HTTPVoteTransport) RequestVote(ctx context.Context, peerAddr string, req VoteRequest) (VoteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return VoteResponse{}, fmt.Errorf("序列化投票请求失败: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/v1/cluster/vote", peerAddr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return VoteResponse{}, fmt.Errorf("创建投票请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return VoteResponse{}, fmt.Errorf("投票请求发送失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VoteResponse{}, fmt.Errorf("投票请求状态码异常: %d", resp.StatusCode)
	}

	var voteResp VoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&voteResp); err != nil {
		return VoteResponse{}, fmt.Errorf("解析投票响应失败: %w", err)
	}

	return voteResp, nil
}
