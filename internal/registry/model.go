package registry

import (
	"fmt"
	"time"
)

// 实例健康状态
const (
	// StatusUnknown 实例刚注册、尚未经过健康检查
	StatusUnknown = "unknown"
	// StatusHealthy 实例健康检查通过
	StatusHealthy = "healthy"
	// StatusUnhealthy 实例健康检查失败
	StatusUnhealthy = "unhealthy"
	// StatusAll 仅用于Discover过滤条件，表示不按状态过滤
	StatusAll = "all"
)

// ServiceInstance 表示一个已注册的服务实例
type ServiceInstance struct {
	ID              string            `json:"id"`
	ServiceName     string            `json:"service_name"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Protocol        string            `json:"protocol"`
	HealthEndpoint  string            `json:"health_endpoint"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Region          string            `json:"region,omitempty"`
	Zone            string            `json:"zone,omitempty"`
	Status          string            `json:"status"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastHealthCheck time.Time         `json:"last_health_check,omitempty"`
}

// HealthURL 构造实例健康检查探测地址
func (s *ServiceInstance) HealthURL() string {
	scheme := s.Protocol
	if scheme == "" {
		scheme = "http"
	}
	endpoint := s.HealthEndpoint
	if endpoint == "" {
		endpoint = "/health"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, s.Host, s.Port, endpoint)
}

// Addr 返回实例的host:port地址
func (s *ServiceInstance) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Filter 定义Discover的过滤条件。
// Status为空时默认只返回健康实例，StatusAll表示不按状态过滤。
type Filter struct {
	Region string `json:"region,omitempty"`
	Zone   string `json:"zone,omitempty"`
	Status string `json:"status,omitempty"`
}

// matches 判断实例是否满足过滤条件
func (f Filter) matches(inst *ServiceInstance) bool {
	if f.Region != "" && inst.Region != f.Region {
		return false
	}
	if f.Zone != "" && inst.Zone != f.Zone {
		return false
	}

	status := f.Status
	if status == "" {
		status = StatusHealthy
	}
	if status != StatusAll && inst.Status != status {
		return false
	}

	return true
}
