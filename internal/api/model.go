package api

// ApiResponse 统一API响应格式
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

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

// AlgorithmRequest 设置负载均衡算法请求
type AlgorithmRequest struct {
	Algorithm string `json:"algorithm"`
}

// BreakerActionRequest 熔断器管理操作请求
type BreakerActionRequest struct {
	Operator string `json:"operator"`
}
