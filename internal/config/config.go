package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// 协调存储配置
	Store struct {
		// 后端类型: "redis" 或 "etcd"
		Backend string `mapstructure:"backend"`

		Redis struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`

		Etcd struct {
			Endpoints      []string      `mapstructure:"endpoints"`
			Username       string        `mapstructure:"username"`
			Password       string        `mapstructure:"password"`
			DialTimeout    time.Duration `mapstructure:"dial_timeout"`
			RequestTimeout time.Duration `mapstructure:"request_timeout"`
		} `mapstructure:"etcd"`
	} `mapstructure:"store"`

	// 服务注册配置
	Registry struct {
		// 实例软过期TTL，健康检查成功时刷新
		InstanceTTL time.Duration `mapstructure:"instance_ttl"`
	} `mapstructure:"registry"`

	// 健康检查配置
	Health struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"health"`

	// 负载均衡配置
	Balancer struct {
		// 默认算法: "round_robin", "least_connections", "weighted_random"
		DefaultAlgorithm string `mapstructure:"default_algorithm"`
	} `mapstructure:"balancer"`

	// 熔断器配置
	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	} `mapstructure:"breaker"`

	// 集群选举配置
	Election struct {
		NodeID            string        `mapstructure:"node_id"`
		Region            string        `mapstructure:"region"`
		Zone              string        `mapstructure:"zone"`
		AdvertiseAddr     string        `mapstructure:"advertise_addr"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
		ElectionTimeout   time.Duration `mapstructure:"election_timeout"`
	} `mapstructure:"election"`

	// API服务配置
	API struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// DNS服务配置
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Protocol      string `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Domain        string `mapstructure:"domain"`
	} `mapstructure:"dns"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("config")          // 配置文件名（无扩展名）
		v.AddConfigPath(".")               // 当前目录
		v.AddConfigPath("./configs")       // configs目录
		v.AddConfigPath("$HOME/.tuskmesh") // 用户目录
		v.AddConfigPath("/etc/tuskmesh")   // 系统目录
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅记录警告；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("TUSKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 从环境变量覆盖
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	// 未配置节点ID时生成随机ID，避免多个默认配置的节点
	// 在集群成员表中互相覆盖
	if config.Election.NodeID == "" {
		config.Election.NodeID = "node-" + uuid.New().String()
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 协调存储默认配置
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("store.etcd.username", "")
	v.SetDefault("store.etcd.password", "")
	v.SetDefault("store.etcd.dial_timeout", "5s")
	v.SetDefault("store.etcd.request_timeout", "5s")

	// 服务注册默认配置
	v.SetDefault("registry.instance_ttl", "90s")

	// 健康检查默认配置
	v.SetDefault("health.interval", "15s")
	v.SetDefault("health.timeout", "5s")

	// 负载均衡默认配置
	v.SetDefault("balancer.default_algorithm", "round_robin")

	// 熔断器默认配置
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "60s")

	// 集群选举默认配置
	v.SetDefault("election.node_id", "")
	v.SetDefault("election.region", "")
	v.SetDefault("election.zone", "")
	v.SetDefault("election.advertise_addr", "")
	v.SetDefault("election.heartbeat_interval", "5s")
	v.SetDefault("election.heartbeat_timeout", "15s")
	v.SetDefault("election.election_timeout", "30s")

	// API服务默认配置
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// DNS服务默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.protocol", "both")
	v.SetDefault("dns.domain", "svc.tuskmesh.local.")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("store.backend", "TUSKMESH_STORE_BACKEND")
	v.BindEnv("store.redis.addr", "TUSKMESH_STORE_REDIS_ADDR")
	v.BindEnv("store.etcd.endpoints", "TUSKMESH_STORE_ETCD_ENDPOINTS")
	v.BindEnv("election.node_id", "TUSKMESH_ELECTION_NODE_ID")
	v.BindEnv("election.advertise_addr", "TUSKMESH_ELECTION_ADVERTISE_ADDR")
	v.BindEnv("api.port", "TUSKMESH_API_PORT")
	v.BindEnv("dns.port", "TUSKMESH_DNS_PORT")
}

// validate 校验配置的合法性
func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case "redis", "etcd":
	default:
		return fmt.Errorf("不支持的存储后端: %s", cfg.Store.Backend)
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("熔断器失败阈值必须大于0: %d", cfg.Breaker.FailureThreshold)
	}

	if cfg.Election.HeartbeatInterval <= 0 {
		return fmt.Errorf("心跳间隔必须大于0: %s", cfg.Election.HeartbeatInterval)
	}
	if cfg.Election.ElectionTimeout <= 0 {
		return fmt.Errorf("选举超时必须大于0: %s", cfg.Election.ElectionTimeout)
	}

	// 心跳间隔必须小于心跳超时，否则成员永远来不及续约
	if cfg.Election.HeartbeatInterval >= cfg.Election.HeartbeatTimeout {
		return fmt.Errorf("心跳间隔(%s)必须小于心跳超时(%s)",
			cfg.Election.HeartbeatInterval, cfg.Election.HeartbeatTimeout)
	}

	return nil
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	// 按顺序检查不同位置的配置文件
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.tuskmesh/config.yaml",
		"/etc/tuskmesh/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
