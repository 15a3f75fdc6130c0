// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 配置默认日志器 (JSON/Text + 级别)
//   - AttachDBHandler() 挂载 PostgreSQL 异步日志汇
//   - FromContext() 上下文感知日志
//   - 包级便捷方法 (Info/Error/Warn/Debug/Fatal)
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// defaultLogger 使用 atomic.Pointer 保证并发安全。
	defaultLogger atomic.Pointer[slog.Logger]

	// output/stderr 仅供测试替换。
	output io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func init() { defaultLogger.Store(newLogger(false, slog.LevelInfo)) }

// getLogger 原子读取当前默认日志器。
func getLogger() *slog.Logger { return defaultLogger.Load() }

// storeLogger 原子存储默认日志器并同步 slog.SetDefault。
func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// replaceTimeAttr 统一时间格式为 RFC3339 毫秒精度。
func replaceTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format("2006-01-02T15:04:05.000Z07:00"))
		}
	}
	return a
}

func newLogger(development bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   development,
		ReplaceAttr: replaceTimeAttr,
	}
	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(stderr, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	return slog.New(handler)
}

// ParseLevel 解析 LOG_LEVEL (DEBUG/INFO/WARN/ERROR), 无法识别时返回 INFO。
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init 初始化日志配置。env: "development"/"dev" 或 "production" (默认)。
func Init(env, level string) {
	dev := env == "development" || env == "dev"
	storeLogger(newLogger(dev, ParseLevel(level)))
}

// ========================================
// Context 感知日志
// ========================================

type ctxKey struct{}

// WithContext 将日志器注入 context。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 从 context 提取日志器，若不存在则返回默认日志器。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return getLogger()
}

// ========================================
// 包级便捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志。args 为 key-value 对。
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Fatal 记录致命错误并退出。
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	ShutdownDBHandler()
	os.Exit(1)
}

// With 返回带附加上下文的日志器。
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Get 返回底层 slog.Logger。
func Get() *slog.Logger { return getLogger() }

// Any 创建任意类型属性。
func Any(key string, value any) slog.Attr { return slog.Any(key, value) }

// 预留字段常量 — MUST 使用常量键名，勿硬编码。
const (
	FieldComponent  = "component"
	FieldError      = "error"
	FieldStatus     = "status"
	FieldState      = "state"
	FieldUserID     = "user_id"
	FieldURL        = "url"
	FieldAddr       = "addr"
	FieldListen     = "listen"
	FieldReqID      = "request_id"
	FieldType       = "type"
	FieldToolName   = "tool_name"
	FieldFunction   = "function"
	FieldProject    = "project_name"
	FieldFilePath   = "file_path"
	FieldDurationMS = "duration_ms"
	FieldDelayMS    = "delay_ms"
	FieldCount      = "count"
	FieldPending    = "pending"
	FieldBytes      = "bytes"
	FieldRawPrefix  = "raw_prefix"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldVersion    = "version"
)
