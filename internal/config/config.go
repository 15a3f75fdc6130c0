// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0" yaml:"key"`
//
// 优先级: 环境变量 > YAML 文件 (PROJECT_FILES_CONFIG) > default tag。
package config

import (
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
	"github.com/multi-agent/project-files-bridge/pkg/util"
)

// ConfigFileEnv 指向可选 YAML 配置文件的环境变量。
const ConfigFileEnv = "PROJECT_FILES_CONFIG"

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 远端 project-files 服务 (每个用户一条 WebSocket: {WSBaseURL}/{userID})
	WSBaseURL          string `env:"PROJECT_FILES_WS_URL" default:"ws://127.0.0.1:8765/ws" yaml:"ws_url"`
	RequestTimeoutMS   int    `env:"PROJECT_FILES_REQUEST_TIMEOUT_MS" default:"30000" min:"1" yaml:"request_timeout_ms"`
	ReconnectDelayMS   int    `env:"PROJECT_FILES_RECONNECT_DELAY_MS" default:"5000" min:"1" yaml:"reconnect_delay_ms"`
	DialTimeoutMS      int    `env:"PROJECT_FILES_DIAL_TIMEOUT_MS" default:"5000" min:"1" yaml:"dial_timeout_ms"`
	WriteTimeoutMS     int    `env:"PROJECT_FILES_WRITE_TIMEOUT_MS" default:"10000" min:"1" yaml:"write_timeout_ms"`
	PingIntervalMS     int    `env:"PROJECT_FILES_PING_INTERVAL_MS" default:"30000" min:"1" yaml:"ping_interval_ms"`
	ReadIdleTimeoutMS  int    `env:"PROJECT_FILES_READ_IDLE_TIMEOUT_MS" default:"90000" min:"1" yaml:"read_idle_timeout_ms"`
	AutoConnect        bool   `env:"PROJECT_FILES_AUTO_CONNECT" default:"true" yaml:"auto_connect"`
	ExtraHeaders       string `env:"PROJECT_FILES_HEADERS" yaml:"headers"` // "K=V;K2=V2"
	UserIDHeaderName   string `env:"PROJECT_FILES_USER_HEADER" default:"X-User-Id" yaml:"user_header"`
	EventBufferSize    int    `env:"PROJECT_FILES_EVENT_BUFFER" default:"64" min:"1" yaml:"event_buffer"`
	MaxInboundFrameKiB int    `env:"PROJECT_FILES_MAX_FRAME_KIB" default:"16384" min:"1" yaml:"max_frame_kib"`
	MaxSessions        int    `env:"PROJECT_FILES_MAX_SESSIONS" default:"1000" min:"0" yaml:"max_sessions"`          // 0 不限
	SessionIdleMS      int    `env:"PROJECT_FILES_SESSION_IDLE_MS" default:"1800000" min:"0" yaml:"session_idle_ms"` // 0 不回收

	// Tool server (gin)
	HTTPListen string `env:"HTTP_LISTEN" default:":8080" yaml:"http_listen"`

	// PostgreSQL (可选: 为空时不启用审计与日志落库)
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING" yaml:"postgres_connection_string"`
	PostgresSchema      string `env:"POSTGRES_SCHEMA" default:"public" yaml:"postgres_schema"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1" yaml:"postgres_pool_min_size"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1" yaml:"postgres_pool_max_size"`
	MigrationsDir       string `env:"MIGRATIONS_DIR" default:"./migrations" yaml:"migrations_dir"`
	ToolCallListLimit   int    `env:"TOOL_CALL_LIST_LIMIT" default:"100" min:"1" yaml:"tool_call_list_limit"`

	// 日志
	LogEnv   string `env:"LOG_ENV" default:"production" yaml:"log_env"`
	LogLevel string `env:"LOG_LEVEL" default:"INFO" yaml:"log_level"`

	// 本地 mock 远端
	MockRemoteListen string `env:"MOCK_REMOTE_LISTEN" default:"127.0.0.1:8765" yaml:"mock_remote_listen"`
	MockRemoteRoot   string `env:"MOCK_REMOTE_ROOT" default:"." yaml:"mock_remote_root"`
	MockRemotePath   string `env:"MOCK_REMOTE_PATH" default:"/ws" yaml:"mock_remote_path"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
//
// 若设置了 PROJECT_FILES_CONFIG 但文件不可读/非法, 返回错误。
func Load() (*Config, error) {
	var cfg Config
	util.ApplyDefaults(&cfg)

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrapf(err, "Config.Load", "read %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, apperrors.Wrapf(err, "Config.Load", "parse %s", path)
		}
	}

	util.ApplyEnv(&cfg)
	return &cfg, nil
}

// MustLoad 同 Load, 出错时记录警告并回退为纯环境变量配置。
func MustLoad() *Config { return mustLoad(logger.Warn) }

func mustLoad(warn func(msg string, args ...any)) *Config {
	cfg, err := Load()
	if err != nil {
		warn("config: load failed, falling back to environment only",
			logger.FieldPath, os.Getenv(ConfigFileEnv),
			logger.FieldError, err,
		)
		var fallback Config
		util.LoadFromEnv(&fallback)
		return &fallback
	}
	return cfg
}

// RequestTimeout 单次请求超时。
func (c *Config) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMS) }

// ReconnectDelay 断线后的固定重连间隔。
func (c *Config) ReconnectDelay() time.Duration { return ms(c.ReconnectDelayMS) }

// DialTimeout WebSocket 握手超时。
func (c *Config) DialTimeout() time.Duration { return ms(c.DialTimeoutMS) }

// WriteTimeout 单帧写入上限。
func (c *Config) WriteTimeout() time.Duration { return ms(c.WriteTimeoutMS) }

// PingInterval 心跳间隔。
func (c *Config) PingInterval() time.Duration { return ms(c.PingIntervalMS) }

// ReadIdleTimeout 无入站帧/pong 的断线判定时长。
func (c *Config) ReadIdleTimeout() time.Duration { return ms(c.ReadIdleTimeoutMS) }

// SessionIdle 会话空闲回收时长 (0 不回收)。
func (c *Config) SessionIdle() time.Duration { return ms(c.SessionIdleMS) }

// MaxInboundFrameBytes 单帧入站消息上限。
func (c *Config) MaxInboundFrameBytes() int64 { return int64(c.MaxInboundFrameKiB) * 1024 }

// Headers 解析 ExtraHeaders ("K=V;K2=V2") 为握手请求头。非法片段被忽略。
func (c *Config) Headers() http.Header {
	return ParseHeaders(c.ExtraHeaders)
}

// ParseHeaders 解析 "K=V;K2=V2" (也接受换行分隔)。
func ParseHeaders(raw string) http.Header {
	h := http.Header{}
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == '\n' }) {
		key, value, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		h.Add(key, strings.TrimSpace(value))
	}
	return h
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
