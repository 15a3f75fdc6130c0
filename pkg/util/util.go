// Package util 提供通用工具函数。
//
//   - ClampInt              区间限制
//   - EscapeLike            LIKE 通配符转义
//   - LoadFromEnv / ApplyDefaults / ApplyEnv  struct tag 驱动的配置加载
//   - SafeGo                panic 安全的 goroutine 启动器
package util

import (
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/multi-agent/project-files-bridge/pkg/logger"
)

// EscapeLike 转义 SQL LIKE 通配符 (配合 ESCAPE E'\\' 使用)。
func EscapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// ClampInt 将值限制在 [lo, hi] 范围内。
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// parseBool 接受: 1/true/yes/on → true, 0/false/no/off → false, 其余返回 def。
func parseBool(raw string, def bool) bool {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// LoadFromEnv 通过反射从 struct tag 加载环境变量。
//
// 支持的 tag:
//   - env:"VAR_NAME"   — 环境变量名
//   - default:"value"  — 默认值
//   - min:"N"          — 最小值 (int)
//
// 支持的字段类型: string, int, bool。
func LoadFromEnv(ptr any) {
	ApplyDefaults(ptr)
	ApplyEnv(ptr)
}

// ApplyDefaults 只写入 default tag, 不读取环境变量。
func ApplyDefaults(ptr any) {
	walkEnvFields(ptr, func(fv reflect.Value, envName, def, minStr string) {
		setField(fv, def, def, minStr)
	})
}

// ApplyEnv 只覆盖环境变量已设置 (非空) 的字段, 其余字段保持原值。
func ApplyEnv(ptr any) {
	walkEnvFields(ptr, func(fv reflect.Value, envName, def, minStr string) {
		raw, ok := os.LookupEnv(envName)
		if !ok || raw == "" {
			clampField(fv, minStr)
			return
		}
		setField(fv, raw, def, minStr)
	})
}

func walkEnvFields(ptr any, fn func(fv reflect.Value, envName, def, minStr string)) {
	if ptr == nil {
		logger.Error("util.LoadFromEnv: ptr must not be nil")
		return
	}
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		logger.Error("util.LoadFromEnv: ptr must be a non-nil pointer to struct")
		return
	}
	v := rv.Elem()
	t := v.Type()

	for i := range t.NumField() {
		field := t.Field(i)
		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}
		fn(v.Field(i), envName, field.Tag.Get("default"), field.Tag.Get("min"))
	}
}

func setField(fv reflect.Value, raw, def, minStr string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			n, _ = strconv.Atoi(def)
		}
		fv.SetInt(int64(n))
		clampField(fv, minStr)
	case reflect.Bool:
		fv.SetBool(parseBool(raw, parseBool(def, false)))
	}
}

func clampField(fv reflect.Value, minStr string) {
	if fv.Kind() != reflect.Int || minStr == "" {
		return
	}
	minInt, err := strconv.Atoi(minStr)
	if err != nil {
		return
	}
	if fv.Int() < int64(minInt) {
		fv.SetInt(int64(minInt))
	}
}
