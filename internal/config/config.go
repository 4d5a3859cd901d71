package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Router     RouterConfig     `yaml:"router"`
	Registry   RegistryConfig   `yaml:"registry"`
	Engine     EngineConfig     `yaml:"engine"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RouterConfig 消息路由配置
type RouterConfig struct {
	DefaultTimeout   time.Duration            `yaml:"default_timeout"`
	DispatchInterval time.Duration            `yaml:"dispatch_interval"` // outbox 扫描间隔
	Services         map[string]ServiceTarget `yaml:"services"`
	CircuitBreaker   CircuitBreakerConfig     `yaml:"circuit_breaker"`
}

// ServiceTarget 某个所属服务的访问端点
type ServiceTarget struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxFailures     int           `yaml:"max_failures"`
	ResetTimeout    time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `yaml:"half_open_max_requests"`
}

// RegistryConfig 类型注册表的启动数据
type RegistryConfig struct {
	// Types maps "service:entity" to its owning service and collection.
	Types map[string]TypeEntry `yaml:"types"`
	// Renames maps legacy identifiers to their current form.
	Renames map[string]string `yaml:"renames"`
}

type TypeEntry struct {
	Service    string `yaml:"service"`
	Collection string `yaml:"collection"`
}

// EngineConfig 触发评估/执行参数
type EngineConfig struct {
	ActionTimeout  time.Duration `yaml:"action_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"` // concurrent in-flight executions; 0 = unbounded
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC 端点
	Insecure    bool    `yaml:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name"` // 缺省 "bizflow"
}

type SecurityConfig struct {
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type RateLimitingConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	return &config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "bizflow",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Router: RouterConfig{
			DefaultTimeout:   10 * time.Second,
			DispatchInterval: 5 * time.Second,
			Services:         map[string]ServiceTarget{},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         false,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
		},
		Registry: RegistryConfig{
			Types:   map[string]TypeEntry{},
			Renames: map[string]string{},
		},
		Engine: EngineConfig{
			ActionTimeout:  10 * time.Second,
			MaxConcurrency: 0,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/bizflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "bizflow",
			},
		},
		Security: SecurityConfig{
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
	}
}
