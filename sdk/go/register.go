package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RegisterRequest 服务注册请求
type RegisterRequest struct {
	ServiceName    string            `json:"service_name"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Protocol       string            `json:"protocol,omitempty"`
	HealthEndpoint string            `json:"health_endpoint,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Region         string            `json:"region,omitempty"`
	Zone           string            `json:"zone,omitempty"`
}

// ServiceInstance 服务实例信息
type ServiceInstance struct {
	ID              string            `json:"id"`
	ServiceName     string            `json:"service_name"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Protocol        string            `json:"protocol,omitempty"`
	HealthEndpoint  string            `json:"health_endpoint,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Region          string            `json:"region,omitempty"`
	Zone            string            `json:"zone,omitempty"`
	Status          string            `json:"status"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastHealthCheck time.Time         `json:"last_health_check,omitempty"`
}

// DiscoverOptions 服务发现过滤条件
type DiscoverOptions struct {
	Region string
	Zone   string
	Status string
}

// Register 注册服务实例
func (c *Client) Register(ctx context.Context) error {
	if c.isRegistered {
		return fmt.Errorf("服务已注册，实例ID: %s", c.instanceID)
	}

	req := RegisterRequest{
		ServiceName:    c.config.ServiceName,
		Host:           c.config.ServiceHost,
		Port:           c.config.ServicePort,
		Protocol:       c.config.Protocol,
		HealthEndpoint: c.config.HealthEndpoint,
		Metadata:       c.config.Metadata,
		Region:         c.config.Region,
		Zone:           c.config.Zone,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/services", req)
	if err != nil {
		return fmt.Errorf("服务注册失败: %w", err)
	}

	var data struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return fmt.Errorf("解析注册响应失败: %w", err)
	}

	c.instanceID = data.InstanceID
	c.isRegistered = true

	return nil
}

// Deregister 注销服务实例
func (c *Client) Deregister(ctx context.Context) error {
	if !c.isRegistered {
		return fmt.Errorf("服务尚未注册")
	}

	path := fmt.Sprintf("/api/v1/services/%s/%s", c.config.ServiceName, c.instanceID)
	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("服务注销失败: %w", err)
	}

	c.isRegistered = false
	c.instanceID = ""

	return nil
}

// Discover 查询服务实例列表
func (c *Client) Discover(ctx context.Context, serviceName string, opts DiscoverOptions) ([]*ServiceInstance, error) {
	query := url.Values{}
	if opts.Region != "" {
		query.Set("region", opts.Region)
	}
	if opts.Zone != "" {
		query.Set("zone", opts.Zone)
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}

	path := fmt.Sprintf("/api/v1/services/%s/instances", serviceName)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("服务发现失败: %w", err)
	}

	var data struct {
		Instances []*ServiceInstance `json:"instances"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("解析服务发现响应失败: %w", err)
	}

	return data.Instances, nil
}

// Select 通过负载均衡器选取一个服务实例
func (c *Client) Select(ctx context.Context, serviceName string, opts DiscoverOptions) (*ServiceInstance, error) {
	query := url.Values{}
	if opts.Region != "" {
		query.Set("region", opts.Region)
	}
	if opts.Zone != "" {
		query.Set("zone", opts.Zone)
	}

	path := fmt.Sprintf("/api/v1/services/%s/select", serviceName)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("选取服务实例失败: %w", err)
	}

	var inst ServiceInstance
	if err := json.Unmarshal(resp.Data, &inst); err != nil {
		return nil, fmt.Errorf("解析服务实例失败: %w", err)
	}

	return &inst, nil
}

// Release 归还最少连接算法的连接计数
func (c *Client) Release(ctx context.Context, serviceName, instanceID string) error {
	path := fmt.Sprintf("/api/v1/services/%s/%s/release", serviceName, instanceID)
	if _, err := c.doRequest(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("释放连接失败: %w", err)
	}
	return nil
}

// GetInstanceID 获取本实例ID
func (c *Client) GetInstanceID() string {
	return c.instanceID
}
