// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Host    string     `mapstructure:"host"`
	Port    int        `mapstructure:"port"`
	Timeout string     `mapstructure:"timeout"`
	CORS    CORSConfig `mapstructure:"cors"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// RuntimeConfig 运行时环境配置
type RuntimeConfig struct {
	Env                 string `mapstructure:"env"`                   // dev | production，对应 APP_ENV
	AllowInlineFallback bool   `mapstructure:"allow_inline_fallback"` // 对应 ALLOW_INLINE_FALLBACK_IN_PROD
}

// ChatConfig 会话核心配置；字段名与平台约定的 CHAT_* 环境变量一一对应
type ChatConfig struct {
	DataDir                string `mapstructure:"data_dir"`
	WorkerPoolSize         int    `mapstructure:"worker_pool_size"`
	LaneMaxQueue           int    `mapstructure:"lane_max_queue"`
	LaneDebounceMS         int    `mapstructure:"lane_debounce_ms"`
	JobClaimTTLSec         int    `mapstructure:"job_claim_ttl_sec"`
	StreamSignalMaxEntries int    `mapstructure:"stream_signal_max_entries"`
	StreamSignalTTLSec     int    `mapstructure:"stream_signal_ttl_sec"`
	MaxToolRounds          int    `mapstructure:"max_tool_rounds"`
	MaxToolCalls           int    `mapstructure:"max_tool_calls"`
	ScanInterval           string `mapstructure:"scan_interval"` // 崩溃恢复巡扫周期，如 "60s"
	JobRetention           string `mapstructure:"job_retention"` // 终态 Job 保留期，空或 0 表示不清理
}

// ClaimTTL claim 锁 TTL
func (c ChatConfig) ClaimTTL() time.Duration {
	return time.Duration(c.JobClaimTTLSec) * time.Second
}

// DebounceWindow 入口去抖窗口
func (c ChatConfig) DebounceWindow() time.Duration {
	return time.Duration(c.LaneDebounceMS) * time.Millisecond
}

// SignalTTL 信号条目 TTL
func (c ChatConfig) SignalTTL() time.Duration {
	return time.Duration(c.StreamSignalTTLSec) * time.Second
}

// ScanEvery 巡扫周期，解析失败回退 60s
func (c ChatConfig) ScanEvery() time.Duration {
	d, err := time.ParseDuration(c.ScanInterval)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// Retention 终态 Job 保留期；0 表示不清理
func (c ChatConfig) Retention() time.Duration {
	if c.JobRetention == "" {
		return 0
	}
	d, err := time.ParseDuration(c.JobRetention)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// QueueConfig 派发队列后端
type QueueConfig struct {
	Backend string `mapstructure:"backend"` // rq | inline，对应 JOB_QUEUE_BACKEND
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	URL string `mapstructure:"url"` // 对应 REDIS_URL，如 redis://:pass@host:6379/0
}

// PostgresConfig 终态 Job 归档库，可选
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"` // 对应 POSTGRES_DSN，空则不归档
}

// LLMConfig LLM 网关配置；Providers 按回退顺序排列
type LLMConfig struct {
	Providers []LLMProviderConfig `mapstructure:"providers"`
	Retry     LLMRetryConfig      `mapstructure:"retry"`
	Stream    bool                `mapstructure:"stream"`
}

// LLMProviderConfig 单个 OpenAI 兼容目标
type LLMProviderConfig struct {
	Name              string  `mapstructure:"name"`
	Model             string  `mapstructure:"model"`
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`        // 字面值或 ${ENV_VAR}
	APIKeySecret      string  `mapstructure:"api_key_secret"` // secret store 中的键名，优先于 api_key
	ConnectTimeout    string  `mapstructure:"connect_timeout"`
	ReadTimeout       string  `mapstructure:"read_timeout"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
	Temperature       float64 `mapstructure:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens"`
}

// ReadTimeoutD 读超时；零/负/非法值回退 120s
func (p LLMProviderConfig) ReadTimeoutD() time.Duration {
	d, err := time.ParseDuration(p.ReadTimeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// ConnectTimeoutD 连接超时；夹在 (0, min(read, 120s)] 内
func (p LLMProviderConfig) ConnectTimeoutD() time.Duration {
	read := p.ReadTimeoutD()
	max := read
	if max > 120*time.Second {
		max = 120 * time.Second
	}
	d, err := time.ParseDuration(p.ConnectTimeout)
	if err != nil || d <= 0 || d > max {
		return max
	}
	return d
}

// LLMRetryConfig 单目标重试策略；耗尽后按 Providers 顺序回退
type LLMRetryConfig struct {
	MaxAttempts int    `mapstructure:"max_attempts"`
	Backoff     string `mapstructure:"backoff"`     // 初始退避，如 "500ms"
	MaxBackoff  string `mapstructure:"max_backoff"` // 退避上限，如 "8s"
}

// BackoffD 初始退避，默认 500ms
func (r LLMRetryConfig) BackoffD() time.Duration {
	d, err := time.ParseDuration(r.Backoff)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// MaxBackoffD 退避上限，默认 8s
func (r LLMRetryConfig) MaxBackoffD() time.Duration {
	d, err := time.ParseDuration(r.MaxBackoff)
	if err != nil || d <= 0 {
		return 8 * time.Second
	}
	return d
}

// ToolsConfig 工具白名单与内置工具配置
type ToolsConfig struct {
	// Allowlists role -> skill -> 工具名列表；skill 缺省键 "default"
	Allowlists map[string]map[string][]string `mapstructure:"allowlists"`
	WebFetch   WebFetchConfig                 `mapstructure:"web_fetch"`
}

// WebFetchConfig 内置 web.fetch 工具配置
type WebFetchConfig struct {
	Timeout  string `mapstructure:"timeout"`
	MaxBytes int    `mapstructure:"max_bytes"`
}

// SecretsConfig Secret 解析配置
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | vault | memory
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 连接配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件；path 为空时仅用默认值与环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvAliases(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	normalize(&config)
	replaceEnvVars(&config)
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadFromEnv 仅从默认值与环境变量构建配置（Worker、测试用）
func LoadFromEnv() (*Config, error) {
	return LoadConfig("")
}

// setDefaults 所有键必须有默认值，否则环境变量覆盖不生效
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.cors.enable", false)

	v.SetDefault("runtime.env", "dev")
	v.SetDefault("runtime.allow_inline_fallback", false)

	v.SetDefault("chat.data_dir", "./data/chat")
	v.SetDefault("chat.worker_pool_size", 4)
	v.SetDefault("chat.lane_max_queue", 6)
	v.SetDefault("chat.lane_debounce_ms", 500)
	v.SetDefault("chat.job_claim_ttl_sec", 600)
	v.SetDefault("chat.stream_signal_max_entries", 4096)
	v.SetDefault("chat.stream_signal_ttl_sec", 1800)
	v.SetDefault("chat.max_tool_rounds", 5)
	v.SetDefault("chat.max_tool_calls", 12)
	v.SetDefault("chat.scan_interval", "60s")
	v.SetDefault("chat.job_retention", "")

	v.SetDefault("queue.backend", "inline")
	v.SetDefault("redis.url", "")
	v.SetDefault("postgres.dsn", "")

	v.SetDefault("llm.stream", false)
	v.SetDefault("llm.retry.max_attempts", 3)
	v.SetDefault("llm.retry.backoff", "500ms")
	v.SetDefault("llm.retry.max_backoff", "8s")

	v.SetDefault("tools.web_fetch.timeout", "10s")
	v.SetDefault("tools.web_fetch.max_bytes", 1<<20)

	v.SetDefault("secrets.provider", "env")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("monitoring.prometheus.enable", true)
	v.SetDefault("monitoring.tracing.enable", false)
	v.SetDefault("monitoring.tracing.service_name", "tutor-platform")
}

// bindEnvAliases 平台约定的环境变量名与配置键不同名时在此显式绑定
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("queue.backend", "JOB_QUEUE_BACKEND")
	_ = v.BindEnv("runtime.env", "APP_ENV")
	_ = v.BindEnv("runtime.allow_inline_fallback", "ALLOW_INLINE_FALLBACK_IN_PROD")
}

// normalize 非法数值回退默认
func normalize(c *Config) {
	if c.Chat.DataDir == "" {
		c.Chat.DataDir = "./data/chat"
	}
	if c.Chat.WorkerPoolSize <= 0 {
		c.Chat.WorkerPoolSize = 4
	}
	if c.Chat.LaneMaxQueue <= 0 {
		c.Chat.LaneMaxQueue = 6
	}
	if c.Chat.LaneDebounceMS < 0 {
		c.Chat.LaneDebounceMS = 500
	}
	if c.Chat.JobClaimTTLSec <= 0 {
		c.Chat.JobClaimTTLSec = 600
	}
	if c.Chat.StreamSignalMaxEntries <= 0 {
		c.Chat.StreamSignalMaxEntries = 4096
	}
	if c.Chat.StreamSignalTTLSec <= 0 {
		c.Chat.StreamSignalTTLSec = 1800
	}
	if c.Chat.MaxToolRounds <= 0 {
		c.Chat.MaxToolRounds = 5
	}
	if c.Chat.MaxToolCalls <= 0 {
		c.Chat.MaxToolCalls = 12
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "inline"
	}
}

// replaceEnvVars 替换 provider api_key 中的 ${ENV_VAR} 引用
func replaceEnvVars(c *Config) {
	for i, p := range c.LLM.Providers {
		if strings.HasPrefix(p.APIKey, "$") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(p.APIKey, "}"), "${")
			if val := os.Getenv(envVar); val != "" {
				c.LLM.Providers[i].APIKey = val
			}
		}
	}
}

// validate 启动期硬校验
func validate(c *Config) error {
	switch c.Queue.Backend {
	case "rq":
		if c.Redis.URL == "" {
			return fmt.Errorf("queue.backend=rq 需要配置 redis.url（REDIS_URL）")
		}
	case "inline":
		if isProduction(c.Runtime.Env) && !c.Runtime.AllowInlineFallback {
			return fmt.Errorf("生产环境禁用 inline 队列后端；如确需请设置 ALLOW_INLINE_FALLBACK_IN_PROD=true")
		}
	default:
		return fmt.Errorf("未知队列后端 %q，可选 rq | inline", c.Queue.Backend)
	}
	return nil
}

func isProduction(env string) bool {
	switch strings.ToLower(env) {
	case "prod", "production":
		return true
	}
	return false
}
