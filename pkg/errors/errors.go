// Package errors 提供统一错误类型与哨兵错误。
//
// 两层错误体系:
//   - L1 哨兵错误: ErrInvalidInput / ErrNotConnected / ErrTimeout 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效 (工具参数缺失 / 未知操作)
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrNotConnected socket 不存在或未处于 OPEN 状态
	ErrNotConnected = errors.New("not connected")

	// ErrClosed 连接已被显式关闭 (teardown)
	ErrClosed = errors.New("connection closed")

	// ErrRemote 远端返回了显式 error 字段
	ErrRemote = errors.New("remote error")

	// ErrLimit 会话数达到上限
	ErrLimit = errors.New("limit exceeded")
)

// 错误码, 供 HTTP 层映射状态码。
const (
	CodeValidation   = "VALIDATION"
	CodeNotConnected = "NOT_CONNECTED"
	CodeTimeout      = "TIMEOUT"
	CodeRemote       = "REMOTE"
	CodeClosed       = "CLOSED"
	CodeLimit        = "LIMIT"
	CodeInternal     = "INTERNAL"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Correlator.Send"
	Code    string // 错误码，如 "VALIDATION"、"TIMEOUT"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode 包装错误并附加错误码。
func WithCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// CodeOf 返回错误链上第一个非空 Code; 无则根据哨兵推断, 最后回退 CodeInternal。
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if appErr, ok := e.(*AppError); ok && appErr.Code != "" {
			return appErr.Code
		}
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return CodeValidation
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrRemote):
		return CodeRemote
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrLimit):
		return CodeLimit
	default:
		return CodeInternal
	}
}

// MessageOf 返回面向调用方的错误文本: 错误链上第一个带 Code 的 AppError 的 Message,
// 否则为 err.Error()。
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if appErr, ok := e.(*AppError); ok && appErr.Code != "" && appErr.Message != "" {
			return appErr.Message
		}
	}
	return err.Error()
}
