package toolserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
)

// 统一响应辅助, 所有 handler 共用。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "internal server error"}})
}

// toolError 按错误码映射 HTTP 状态, 消息原样返回给调用方。
func toolError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status, apiCode := statusOf(code)
	if status == http.StatusInternalServerError {
		serverError(c, err)
		return
	}
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": apiCode, "message": apperrors.MessageOf(err)}})
}

func statusOf(code string) (int, string) {
	switch code {
	case apperrors.CodeValidation:
		return http.StatusBadRequest, "validation_error"
	case apperrors.CodeNotConnected:
		return http.StatusServiceUnavailable, "not_connected"
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout, "timeout"
	case apperrors.CodeRemote:
		return http.StatusBadGateway, "remote_error"
	case apperrors.CodeClosed:
		return http.StatusGone, "closed"
	case apperrors.CodeLimit:
		return http.StatusTooManyRequests, "session_limit"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// requestLogger 访问日志中间件。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("toolserver: request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.FullPath(),
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	}
}
