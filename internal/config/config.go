// Package config 提供了压测平台的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如密码和密钥）。
// 配置包含了服务器、认证、存储、事件、任务编排、申请登记、限流、日志、指标和遥测等多个方面的设置。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口和关闭超时
	Server ServerConfig `yaml:"server"`
	// Auth 认证配置，包括 JWT 和初始管理员账号
	Auth AuthConfig `yaml:"auth"`
	// Storage 存储配置，包括 PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Orchestrator 任务编排配置，包括工作线程、容量上限和准入策略
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	// Registry 压测申请的可选参数配置
	Registry RegistryConfig `yaml:"registry"`
	// RateLimit 登录接口限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
type ServerConfig struct {
	// HTTPPort HTTP API 服务端口
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout 普通 API 请求的处理超时（日志流接口不受此限制）
	// 默认值：60 秒
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// CORSOrigins 允许跨域访问的来源列表，为空时允许全部
	CORSOrigins []string `yaml:"cors_origins"`
	// Debug 为 true 时错误响应附带调用栈
	Debug bool `yaml:"debug"`
}

// AuthConfig 认证配置结构体。
type AuthConfig struct {
	// JWTSecret JWT 签名密钥，可通过环境变量 SURGE_AUTH_JWT_SECRET 或
	// SURGE_AUTH_JWT_SECRET_FILE（文件路径）覆盖
	JWTSecret string `yaml:"jwt_secret"`
	// JWTExpiration 访问令牌过期时间
	// 默认值：24 小时
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	// RefreshExpiration 刷新令牌过期时间
	// 默认值：7 天
	RefreshExpiration time.Duration `yaml:"refresh_expiration"`
	// UserCacheTTL 认证中间件缓存用户状态的时间
	// 默认值：30 秒
	UserCacheTTL time.Duration `yaml:"user_cache_ttl"`
	// AdminUsername 启动时确保存在的管理员账号
	// 默认值：admin
	AdminUsername string `yaml:"admin_username"`
	// AdminEmail 初始管理员邮箱
	// 默认值：admin@surge.local
	AdminEmail string `yaml:"admin_email"`
	// AdminPassword 初始管理员密码，可通过 SURGE_ADMIN_PASSWORD(_FILE) 覆盖；为空时不创建
	AdminPassword string `yaml:"admin_password"`
}

// StorageConfig 存储配置结构体。
type StorageConfig struct {
	// Driver 存储驱动，可选值 postgres、memory
	// 默认值：postgres
	Driver string `yaml:"driver"`
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 配置，地址为空时使用进程内的任务锁和容量账本
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
type PostgresConfig struct {
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 SURGE_POSTGRES_PASSWORD 或
	// SURGE_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// SSLMode 连接 SSL 模式
	// 默认值：disable
	SSLMode string `yaml:"ssl_mode"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
	// AutoMigrate 启动时是否执行数据库迁移
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RedisConfig Redis 配置结构体。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 SURGE_REDIS_PASSWORD 或
	// SURGE_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
	// KeyPrefix 键前缀
	// 默认值：surge:
	KeyPrefix string `yaml:"key_prefix"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"，为空时不发布事件
	NatsURL string `yaml:"nats_url"`
}

// OrchestratorConfig 任务编排配置结构体。
type OrchestratorConfig struct {
	// Workers 工作协程数，即同时执行任务的上限
	// 默认值：max_concurrent_tasks
	Workers int `yaml:"workers"`
	// QueueSize 执行队列和准入等待队列的大小
	// 默认值：100
	QueueSize int `yaml:"queue_size"`
	// MaxConcurrentTasks 同时运行的任务数上限
	// 默认值：4
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	// MaxTotalClients 所有运行中任务的并发客户端总数上限
	// 默认值：20000
	MaxTotalClients int `yaml:"max_total_clients"`
	// AdmissionPolicy 容量耗尽时的准入策略，可选值 reject、queue
	// 默认值：reject
	AdmissionPolicy string `yaml:"admission_policy"`
	// CancelGracePeriod 取消后等待在途请求结束的时间
	// 默认值：5 秒
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`
	// DefaultThreads 由申请生成任务时使用的线程数
	// 默认值：4
	DefaultThreads int `yaml:"default_threads"`
	// RequestTimeout 单个压测请求的超时时间
	// 默认值：10 秒
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// SampleLimit 每次执行保留的延迟样本上限
	// 默认值：100000
	SampleLimit int `yaml:"sample_limit"`
	// ReaperSchedule 卡死任务巡检的 cron 表达式
	// 默认值：@every 1m
	ReaperSchedule string `yaml:"reaper_schedule"`
}

// RegistryConfig 压测申请可选参数配置结构体。
type RegistryConfig struct {
	// ConcurrencyOptions 可选的并发数
	// 默认值：[100, 500, 1000, 5000, 10000]
	ConcurrencyOptions []int `yaml:"concurrency_options"`
	// DurationOptions 可选的压测时长
	// 默认值：["30s", "60s", "300s", "600s"]
	DurationOptions []string `yaml:"duration_options"`
}

// RateLimitConfig 限流配置结构体。
type RateLimitConfig struct {
	// Login 登录接口限流规则，格式为 "<次数>-<周期>"，周期取 S/M/H/D
	// 默认值：10-M
	Login string `yaml:"login"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：surge
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：surge-gateway
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Default 返回只包含默认值的配置，用于没有配置文件的场景。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容。
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖。
// 该方法允许通过环境变量覆盖敏感配置项，支持两种方式：
// 1. 直接设置环境变量（如 SURGE_POSTGRES_PASSWORD）
// 2. 通过 _FILE 后缀指定包含密钥的文件路径（如 SURGE_POSTGRES_PASSWORD_FILE）
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	// 敏感配置项：支持通过 *_FILE（推荐）或直接环境变量设置

	if v := readEnvOrFileAny(
		[]string{"SURGE_POSTGRES_PASSWORD"},
		[]string{"SURGE_POSTGRES_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"SURGE_REDIS_PASSWORD"},
		[]string{"SURGE_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"SURGE_AUTH_JWT_SECRET"},
		[]string{"SURGE_AUTH_JWT_SECRET_FILE"},
	); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := readEnvOrFileAny(
		[]string{"SURGE_ADMIN_PASSWORD"},
		[]string{"SURGE_ADMIN_PASSWORD_FILE"},
	); v != "" {
		c.Auth.AdminPassword = v
	}

	// 非敏感的部署相关配置项
	if v := strings.TrimSpace(os.Getenv("SURGE_STORAGE_DRIVER")); v != "" {
		c.Storage.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("SURGE_POSTGRES_HOST")); v != "" {
		c.Storage.Postgres.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("SURGE_REDIS_ADDRESS")); v != "" {
		c.Storage.Redis.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("SURGE_NATS_URL")); v != "" {
		c.Events.NatsURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SURGE_ADMISSION_POLICY")); v != "" {
		c.Orchestrator.AdmissionPolicy = v
	}
	if v := strings.TrimSpace(os.Getenv("SURGE_HTTP_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
//
// 参数：
//   - envKeys: 直接存储值的环境变量名（按优先级从高到低）
//   - fileKeys: 存储文件路径的环境变量名（按优先级从高到低）
//
// 返回值：
//   - string: 读取到的配置值，如果都未设置则返回空字符串
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 应用默认配置值。
// 该方法为未设置的配置项填充合理的默认值，确保应用可以正常运行。
func (c *Config) applyDefaults() {
	// HTTP 端口默认为 8080
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	// 优雅关闭超时默认为 30 秒
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}
	// 访问令牌默认 24 小时过期，刷新令牌 7 天
	if c.Auth.JWTExpiration == 0 {
		c.Auth.JWTExpiration = 24 * time.Hour
	}
	if c.Auth.RefreshExpiration == 0 {
		c.Auth.RefreshExpiration = 7 * 24 * time.Hour
	}
	if c.Auth.UserCacheTTL == 0 {
		c.Auth.UserCacheTTL = 30 * time.Second
	}
	if c.Auth.AdminUsername == "" {
		c.Auth.AdminUsername = "admin"
	}
	if c.Auth.AdminEmail == "" {
		c.Auth.AdminEmail = "admin@surge.local"
	}
	// 存储驱动默认为 postgres
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 20
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "surge:"
	}
	// 容量上限：默认 4 个任务、20000 个客户端
	if c.Orchestrator.MaxConcurrentTasks <= 0 {
		c.Orchestrator.MaxConcurrentTasks = 4
	}
	if c.Orchestrator.MaxTotalClients <= 0 {
		c.Orchestrator.MaxTotalClients = 20000
	}
	// 工作协程数默认与并发任务上限相同
	if c.Orchestrator.Workers <= 0 {
		c.Orchestrator.Workers = c.Orchestrator.MaxConcurrentTasks
	}
	if c.Orchestrator.QueueSize <= 0 {
		c.Orchestrator.QueueSize = 100
	}
	// 准入策略只接受 reject 和 queue，其余取值回落到 reject
	c.Orchestrator.AdmissionPolicy = strings.ToLower(strings.TrimSpace(c.Orchestrator.AdmissionPolicy))
	if c.Orchestrator.AdmissionPolicy != "queue" {
		c.Orchestrator.AdmissionPolicy = "reject"
	}
	if c.Orchestrator.CancelGracePeriod == 0 {
		c.Orchestrator.CancelGracePeriod = 5 * time.Second
	}
	if c.Orchestrator.DefaultThreads <= 0 {
		c.Orchestrator.DefaultThreads = 4
	}
	if c.Orchestrator.RequestTimeout == 0 {
		c.Orchestrator.RequestTimeout = 10 * time.Second
	}
	if c.Orchestrator.SampleLimit <= 0 {
		c.Orchestrator.SampleLimit = 100000
	}
	if c.Orchestrator.ReaperSchedule == "" {
		c.Orchestrator.ReaperSchedule = "@every 1m"
	}
	if len(c.Registry.ConcurrencyOptions) == 0 {
		c.Registry.ConcurrencyOptions = []int{100, 500, 1000, 5000, 10000}
	}
	if len(c.Registry.DurationOptions) == 0 {
		c.Registry.DurationOptions = []string{"30s", "60s", "300s", "600s"}
	}
	if c.RateLimit.Login == "" {
		c.RateLimit.Login = "10-M"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "surge"
	}
	// 遥测服务名称默认为 surge-gateway
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "surge-gateway"
	}
	// OTLP 端点默认为 tempo:4317
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	// 环境标识默认为 development
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
