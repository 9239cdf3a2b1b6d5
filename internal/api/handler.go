package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/cyber-boost/tuskmesh/internal/balancer"
	"github.com/cyber-boost/tuskmesh/internal/breaker"
	"github.com/cyber-boost/tuskmesh/internal/config"
	"github.com/cyber-boost/tuskmesh/internal/election"
	"github.com/cyber-boost/tuskmesh/internal/health"
	"github.com/cyber-boost/tuskmesh/internal/registry"
	"github.com/cyber-boost/tuskmesh/internal/store"
)

// Handler 处理协调层的HTTP请求
type Handler struct {
	registry *registry.Registry
	checker  *health.Checker
	balancer *balancer.Balancer
	breakers *breaker.Manager
	node     *election.Node
	logger   config.Logger
}

// NewHandler 创建API处理器。checker和node可以为nil，
// 对应的能力（主动健康检查、集群选举）在该部署中未启用。
func NewHandler(reg *registry.Registry, checker *health.Checker, lb *balancer.Balancer,
	breakers *breaker.Manager, node *election.Node, logger config.Logger) *Handler {

	return &Handler{
		registry: reg,
		checker:  checker,
		balancer: lb,
		breakers: breakers,
		node:     node,
		logger:   logger,
	}
}

// RegisterRoutes 注册API路由
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.healthCheck)

	api := e.Group("/api/v1")

	// 服务注册与发现
	api.POST("/services", h.registerInstance)
	api.GET("/services", h.listServices)
	api.GET("/services/:serviceName/instances", h.listInstances)
	api.DELETE("/services/:serviceName/:instanceId", h.deregisterInstance)
	api.PUT("/services/:serviceName/:instanceId/heartbeat", h.heartbeat)

	// 负载均衡
	api.GET("/services/:serviceName/select", h.selectInstance)
	api.POST("/services/:serviceName/:instanceId/release", h.releaseConnection)
	api.GET("/services/:serviceName/algorithm", h.getAlgorithm)
	api.PUT("/services/:serviceName/algorithm", h.setAlgorithm)

	// 熔断器管理
	api.GET("/breakers/:name", h.breakerState)
	api.GET("/breakers/:name/audit", h.breakerAudit)
	api.POST("/breakers/:name/force-open", h.breakerForceOpen)
	api.POST("/breakers/:name/force-close", h.breakerForceClose)
	api.POST("/breakers/:name/reset", h.breakerReset)

	// 集群状态与选举
	api.GET("/cluster/members", h.clusterMembers)
	api.GET("/cluster/leader", h.clusterLeader)
	api.POST("/cluster/vote", h.clusterVote)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *ApiResponse {
	return &ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *ApiResponse {
	return &ApiResponse{
		Code:    code,
		Message: message,
	}
}

// storeErrorResponse 按存储错误类型映射HTTP状态码
func storeErrorResponse(c echo.Context, prefix string, err error) error {
	if store.IsNotFound(err) {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, prefix+": "+err.Error()))
	}
	if store.IsUnavailable(err) {
		return c.JSON(http.StatusServiceUnavailable, errorResponse(http.StatusServiceUnavailable, prefix+": "+err.Error()))
	}
	return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, prefix+": "+err.Error()))
}

// healthCheck 进程健康检查
func (h *Handler) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// registerInstance 处理服务实例注册请求
func (h *Handler) registerInstance(c echo.Context) error {
	req := new(RegisterRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	if req.ServiceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}
	if req.Host == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务地址不能为空"))
	}
	if req.Port <= 0 || req.Port > 65535 {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的服务端口"))
	}

	inst := &registry.ServiceInstance{
		Host:           req.Host,
		Port:           req.Port,
		Protocol:       req.Protocol,
		HealthEndpoint: req.HealthEndpoint,
		Metadata:       req.Metadata,
		Region:         req.Region,
		Zone:           req.Zone,
	}

	instanceID, err := h.registry.Register(c.Request().Context(), req.ServiceName, inst)
	if err != nil {
		return storeErrorResponse(c, "注册服务实例失败", err)
	}

	// 注册成功后启动主动健康检查
	if h.checker != nil {
		registered, err := h.registry.GetInstance(c.Request().Context(), req.ServiceName, instanceID)
		if err == nil {
			h.checker.Watch(context.Background(), registered)
		}
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注册成功", map[string]string{
		"instance_id": instanceID,
	}))
}

// deregisterInstance 处理服务实例注销请求
func (h *Handler) deregisterInstance(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")
	if serviceName == "" || instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称和实例ID不能为空"))
	}

	ctx := c.Request().Context()
	if err := h.registry.Deregister(ctx, serviceName, instanceID); err != nil {
		return storeErrorResponse(c, "注销服务实例失败", err)
	}

	if h.checker != nil {
		h.checker.Unwatch(serviceName, instanceID)
	}

	// 清理实例在负载均衡和熔断器中的遗留状态，失败不影响注销结果
	if err := h.balancer.ForgetInstance(ctx, serviceName, instanceID); err != nil {
		h.logger.Warn("清理实例连接计数失败",
			zap.String("service", serviceName),
			zap.String("instance_id", instanceID),
			zap.Error(err))
	}
	if err := h.breakers.Forget(ctx, balancer.BreakerName(serviceName, instanceID)); err != nil {
		h.logger.Warn("清理实例熔断器状态失败",
			zap.String("service", serviceName),
			zap.String("instance_id", instanceID),
			zap.Error(err))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注销成功", nil))
}

// heartbeat 处理实例TTL续期请求
func (h *Handler) heartbeat(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")
	if serviceName == "" || instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称和实例ID不能为空"))
	}

	if err := h.registry.RefreshTTL(c.Request().Context(), serviceName, instanceID); err != nil {
		return storeErrorResponse(c, "心跳续期失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "心跳更新成功", nil))
}

// listServices 返回已注册的服务名称列表
func (h *Handler) listServices(c echo.Context) error {
	services, err := h.registry.ListServices(c.Request().Context())
	if err != nil {
		return storeErrorResponse(c, "查询服务列表失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"services": services,
		"total":    len(services),
	}))
}

// listInstances 查询服务实例，支持region/zone/status过滤
func (h *Handler) listInstances(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	filter := registry.Filter{
		Region: c.QueryParam("region"),
		Zone:   c.QueryParam("zone"),
		Status: c.QueryParam("status"),
	}

	instances, err := h.registry.Discover(c.Request().Context(), serviceName, filter)
	if err != nil {
		return storeErrorResponse(c, "查询服务实例失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"service_name": serviceName,
		"instances":    instances,
		"total":        len(instances),
	}))
}

// selectInstance 通过负载均衡器挑选一个实例。
// 无可用实例是正常业务结果，返回404而不是500。
func (h *Handler) selectInstance(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	filter := registry.Filter{
		Region: c.QueryParam("region"),
		Zone:   c.QueryParam("zone"),
	}

	inst, err := h.balancer.GetInstance(c.Request().Context(), serviceName, filter)
	if err != nil {
		return storeErrorResponse(c, "选取服务实例失败", err)
	}
	if inst == nil {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "无可用服务实例"))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "选取成功", inst))
}

// releaseConnection 归还最少连接算法的连接计数
func (h *Handler) releaseConnection(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")
	if serviceName == "" || instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称和实例ID不能为空"))
	}

	if err := h.balancer.ReleaseConnection(c.Request().Context(), serviceName, instanceID); err != nil {
		return storeErrorResponse(c, "释放连接失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "连接已释放", nil))
}

// getAlgorithm 查询服务的负载均衡算法
func (h *Handler) getAlgorithm(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	algorithm, err := h.balancer.Algorithm(c.Request().Context(), serviceName)
	if err != nil {
		return storeErrorResponse(c, "查询负载均衡算法失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]string{
		"service_name": serviceName,
		"algorithm":    algorithm,
	}))
}

// setAlgorithm 设置服务的负载均衡算法
func (h *Handler) setAlgorithm(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	req := new(AlgorithmRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	if err := h.balancer.SetAlgorithm(c.Request().Context(), serviceName, req.Algorithm); err != nil {
		var storeErr *store.StoreError
		if errors.As(err, &storeErr) && storeErr.Code == store.ErrInvalidArgument {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, err.Error()))
		}
		return storeErrorResponse(c, "设置负载均衡算法失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "算法设置成功", map[string]string{
		"service_name": serviceName,
		"algorithm":    req.Algorithm,
	}))
}

// breakerState 查询熔断器状态
func (h *Handler) breakerState(c echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "熔断器名称不能为空"))
	}

	state, err := h.breakers.State(c.Request().Context(), name)
	if err != nil {
		return storeErrorResponse(c, "查询熔断器状态失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", state))
}

// breakerAudit 查询熔断器管理操作审计日志
func (h *Handler) breakerAudit(c echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "熔断器名称不能为空"))
	}

	entries, err := h.breakers.AuditLog(c.Request().Context(), name)
	if err != nil {
		return storeErrorResponse(c, "查询审计日志失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"name":    name,
		"entries": entries,
		"total":   len(entries),
	}))
}

// breakerAction 执行熔断器管理操作，操作人身份必填
func (h *Handler) breakerAction(c echo.Context, action string,
	fn func(ctx context.Context, name, operator string) error) error {

	name := c.Param("name")
	if name == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "熔断器名称不能为空"))
	}

	req := new(BreakerActionRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}
	if req.Operator == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "操作人不能为空"))
	}

	if err := fn(c.Request().Context(), name, req.Operator); err != nil {
		return storeErrorResponse(c, action+"失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, action+"成功", nil))
}

func (h *Handler) breakerForceOpen(c echo.Context) error {
	return h.breakerAction(c, "强制打开熔断器", h.breakers.ForceOpen)
}

func (h *Handler) breakerForceClose(c echo.Context) error {
	return h.breakerAction(c, "强制关闭熔断器", h.breakers.ForceClose)
}

func (h *Handler) breakerReset(c echo.Context) error {
	return h.breakerAction(c, "重置熔断器", h.breakers.Reset)
}

// clusterMembers 查询集群成员列表
func (h *Handler) clusterMembers(c echo.Context) error {
	if h.node == nil {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "集群选举未启用"))
	}

	members, err := h.node.Members(c.Request().Context())
	if err != nil {
		return storeErrorResponse(c, "查询集群成员失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"members": members,
		"total":   len(members),
	}))
}

// clusterLeader 查询当前Leader
func (h *Handler) clusterLeader(c echo.Context) error {
	if h.node == nil {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "集群选举未启用"))
	}

	leader, err := h.node.Leader(c.Request().Context())
	if err != nil {
		return storeErrorResponse(c, "查询Leader失败", err)
	}
	if leader == nil {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "当前无Leader"))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", leader))
}

// clusterVote 处理来自候选人的拉票RPC。
// 响应直接返回VoteResponse，不使用ApiResponse包装，
// 与HTTPVoteTransport的解析格式保持一致。
func (h *Handler) clusterVote(c echo.Context) error {
	if h.node == nil {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "集群选举未启用"))
	}

	req := new(election.VoteRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}
	if req.CandidateID == "" || req.Term <= 0 {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "候选人ID和任期号不能为空"))
	}

	return c.JSON(http.StatusOK, h.node.HandleVoteRequest(*req))
}
