package dnsserver

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/cyber-boost/tuskmesh/internal/config"
	"github.com/cyber-boost/tuskmesh/internal/registry"
	"github.com/cyber-boost/tuskmesh/internal/store/memory"
)

// MockLogger 实现config.Logger接口，用于测试
type MockLogger struct{}

func (l *MockLogger) Debug(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Info(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Warn(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Error(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Fatal(msg string, fields ...zapcore.Field) {}

func newTestServer(t *testing.T) (*DNSServer, *registry.Registry) {
	t.Helper()

	cfg := &config.Config{}
	cfg.DNS.Domain = "svc.tuskmesh.local."

	reg := registry.NewRegistry(memory.NewMemoryStore(), 90*time.Second, &MockLogger{})
	server := NewDNSServer(cfg, reg, &MockLogger{}).(*DNSServer)

	return server, reg
}

func addHealthy(t *testing.T, reg *registry.Registry, service, host string, port int) string {
	t.Helper()
	ctx := context.Background()

	id, err := reg.Register(ctx, service, &registry.ServiceInstance{
		Host: host,
		Port: port,
	})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateHealth(ctx, service, id, registry.StatusHealthy))
	return id
}

func TestServiceNameParsing(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		qname string
		want  string
	}{
		{"orders.svc.tuskmesh.local.", "orders"},
		{"ORDERS.SVC.TUSKMESH.LOCAL.", "orders"},
		{"orders.example.com.", ""},
		{"svc.tuskmesh.local.", ""},
		// 多级子域不解析为服务名
		{"a.b.svc.tuskmesh.local.", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, server.serviceName(tt.qname), tt.qname)
	}
}

func TestAQueryReturnsHealthyInstances(t *testing.T) {
	server, reg := newTestServer(t)
	ctx := context.Background()

	addHealthy(t, reg, "orders", "10.0.0.1", 8080)
	addHealthy(t, reg, "orders", "10.0.0.2", 8080)

	// 不健康实例不出现在DNS答案中
	id, err := reg.Register(ctx, "orders", &registry.ServiceInstance{
		Host: "10.0.0.3", Port: 8080,
	})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateHealth(ctx, "orders", id, registry.StatusUnhealthy))

	m := new(dns.Msg)
	found := server.handleQuery(dns.Question{
		Name:   "orders.svc.tuskmesh.local.",
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}, m)

	require.True(t, found)
	require.Len(t, m.Answer, 2)

	var ips []string
	for _, rr := range m.Answer {
		a, ok := rr.(*dns.A)
		require.True(t, ok)
		ips = append(ips, a.A.String())
	}
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, ips)
}

func TestSRVQueryCarriesPort(t *testing.T) {
	server, reg := newTestServer(t)

	addHealthy(t, reg, "orders", "10.0.0.1", 8443)

	m := new(dns.Msg)
	found := server.handleQuery(dns.Question{
		Name:   "orders.svc.tuskmesh.local.",
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}, m)

	require.True(t, found)
	require.Len(t, m.Answer, 1)

	srv, ok := m.Answer[0].(*dns.SRV)
	require.True(t, ok)
	assert.Equal(t, uint16(8443), srv.Port)
}

func TestUnknownServiceReturnsNoAnswer(t *testing.T) {
	server, _ := newTestServer(t)

	m := new(dns.Msg)
	found := server.handleQuery(dns.Question{
		Name:   "missing.svc.tuskmesh.local.",
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}, m)

	assert.False(t, found)
	assert.Empty(t, m.Answer)
}

func TestForeignDomainIsNotAnswered(t *testing.T) {
	server, reg := newTestServer(t)

	addHealthy(t, reg, "orders", "10.0.0.1", 8080)

	m := new(dns.Msg)
	found := server.handleQuery(dns.Question{
		Name:   "orders.example.com.",
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}, m)

	assert.False(t, found)
}
