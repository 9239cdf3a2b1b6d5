package dnsserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/cyber-boost/tuskmesh/internal/config"
	"github.com/cyber-boost/tuskmesh/internal/registry"
)

const answerTTL = 10

// Server 定义DNS服务器接口
type Server interface {
	// Start 启动DNS服务器
	Start() error

	// Shutdown 优雅关闭DNS服务器
	Shutdown(ctx context.Context) error
}

// DNSServer 把注册表中的健康实例通过DNS暴露出去。
// <service>.<domain> 的A查询返回全部健康实例的地址，
// SRV查询附带端口，方便不经过HTTP API的客户端做服务发现。
type DNSServer struct {
	udpServer   *dns.Server
	tcpServer   *dns.Server
	cfg         *config.Config
	registry    *registry.Registry
	logger      config.Logger
	domain      string
	shutdownErr chan error
}

// NewDNSServer 创建一个新的DNS服务器
func NewDNSServer(cfg *config.Config, reg *registry.Registry, logger config.Logger) Server {
	return &DNSServer{
		cfg:         cfg,
		registry:    reg,
		logger:      logger,
		domain:      strings.ToLower(strings.TrimSuffix(cfg.DNS.Domain, ".")),
		shutdownErr: make(chan error, 2), // 用于收集UDP和TCP服务器的关闭错误
	}
}

// Start 启动DNS服务器
func (s *DNSServer) Start() error {
	s.logger.Info("启动DNS服务器",
		zap.String("address", s.cfg.DNS.ListenAddress),
		zap.Int("port", s.cfg.DNS.Port),
		zap.String("protocol", s.cfg.DNS.Protocol),
		zap.String("domain", s.domain))

	handler := dns.NewServeMux()
	handler.HandleFunc(".", s.handleDNSRequest)

	addr := net.JoinHostPort(s.cfg.DNS.ListenAddress, strconv.Itoa(s.cfg.DNS.Port))

	switch s.cfg.DNS.Protocol {
	case "udp":
		return s.startServer(&s.udpServer, addr, "udp", handler)
	case "tcp":
		return s.startServer(&s.tcpServer, addr, "tcp", handler)
	case "both":
		if err := s.startServer(&s.udpServer, addr, "udp", handler); err != nil {
			return err
		}
		return s.startServer(&s.tcpServer, addr, "tcp", handler)
	default:
		return fmt.Errorf("不支持的DNS协议: %s", s.cfg.DNS.Protocol)
	}
}

// startServer 在后台启动指定协议的DNS服务器
func (s *DNSServer) startServer(srv **dns.Server, addr, network string, handler dns.Handler) error {
	*srv = &dns.Server{
		Addr:    addr,
		Net:     network,
		Handler: handler,
	}

	s.logger.Info("启动DNS监听", zap.String("addr", addr), zap.String("network", network))

	server := *srv
	go func() {
		if err := server.ListenAndServe(); err != nil {
			// miekg/dns没有ErrServerClosed，关闭时的错误也会走到这里
			s.logger.Error("DNS服务器错误", zap.String("network", network), zap.Error(err))
			s.shutdownErr <- err
		}
	}()

	return nil
}

// Shutdown 优雅关闭DNS服务器
func (s *DNSServer) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭DNS服务器...")

	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭UDP DNS服务器出错", zap.Error(err))
			return err
		}
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭TCP DNS服务器出错", zap.Error(err))
			return err
		}
	}

	return nil
}

// handleDNSRequest 处理DNS请求
func (s *DNSServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		s.logger.Debug("收到DNS查询",
			zap.String("name", q.Name),
			zap.String("type", dns.TypeToString[q.Qtype]),
			zap.String("client", w.RemoteAddr().String()))

		if !s.handleQuery(q, m) {
			m.SetRcode(r, dns.RcodeNameError)
		}
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

// serviceName 从查询名中解析服务名。
// 只应答 <service>.<domain> 形式的查询，其余返回空串。
func (s *DNSServer) serviceName(qname string) string {
	domain := strings.TrimSuffix(strings.ToLower(qname), ".")
	suffix := "." + s.domain
	if !strings.HasSuffix(domain, suffix) {
		return ""
	}

	service := strings.TrimSuffix(domain, suffix)
	if service == "" || strings.Contains(service, ".") {
		return ""
	}
	return service
}

// handleQuery 处理单个DNS查询问题
func (s *DNSServer) handleQuery(q dns.Question, m *dns.Msg) bool {
	service := s.serviceName(q.Name)
	if service == "" {
		return false
	}

	// 只返回健康实例
	instances, err := s.registry.Discover(context.Background(), service, registry.Filter{
		Status: registry.StatusHealthy,
	})
	if err != nil {
		s.logger.Error("DNS服务发现失败", zap.String("service", service), zap.Error(err))
		return false
	}
	if len(instances) == 0 {
		return false
	}

	switch q.Qtype {
	case dns.TypeA:
		answered := false
		for _, inst := range instances {
			ip := net.ParseIP(inst.Host)
			if ip == nil || ip.To4() == nil {
				continue
			}
			rr, err := dns.NewRR(fmt.Sprintf("%s %d A %s", q.Name, answerTTL, inst.Host))
			if err != nil {
				s.logger.Error("创建A记录失败", zap.Error(err))
				continue
			}
			m.Answer = append(m.Answer, rr)
			answered = true
		}
		return answered

	case dns.TypeSRV:
		for _, inst := range instances {
			target := inst.Host
			if net.ParseIP(target) != nil {
				// SRV的target必须是域名，IP实例退化为实例ID子域
				target = fmt.Sprintf("%s.%s.%s", inst.ID, service, s.domain)
			}
			rr, err := dns.NewRR(fmt.Sprintf("%s %d SRV 0 0 %d %s.", q.Name, answerTTL, inst.Port, target))
			if err != nil {
				s.logger.Error("创建SRV记录失败", zap.Error(err))
				continue
			}
			m.Answer = append(m.Answer, rr)
		}
		return len(m.Answer) > 0

	default:
		s.logger.Debug("不支持的DNS记录类型",
			zap.String("service", service),
			zap.String("type", dns.TypeToString[q.Qtype]))
		return false
	}
}
