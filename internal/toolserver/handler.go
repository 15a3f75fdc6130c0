// handler.go — 工具 REST API handlers。
package toolserver

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/project-files-bridge/internal/projectfiles"
	"github.com/multi-agent/project-files-bridge/internal/store"
	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
)

const recordTimeout = 3 * time.Second

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthz)

	api := s.router.Group("/api")

	api.GET("/tools", s.listTools)
	api.POST("/tools/"+projectfiles.ToolName+"/invoke", s.invokeTool)

	api.GET("/sessions", s.listSessions)
	api.DELETE("/sessions/:user_id", s.closeSession)

	api.GET("/tool-calls", s.listToolCalls)

	api.GET("/events", s.sseHandler)
}

func queryLimit(c *gin.Context, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

func (s *Server) healthz(c *gin.Context) {
	success(c, gin.H{"status": "ok", "sessions": len(s.deps.Sessions.Snapshot())})
}

func (s *Server) listTools(c *gin.Context) {
	success(c, []projectfiles.Definition{projectfiles.Describe()})
}

// invokeRequest 工具调用请求体。
type invokeRequest struct {
	UserID      string `json:"user_id"`
	Function    string `json:"function"`
	ProjectName string `json:"project_name"`
	FilePath    string `json:"file_path"`
}

func (s *Server) invokeTool(c *gin.Context) {
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	in := projectfiles.Input{Function: req.Function, ProjectName: req.ProjectName, FilePath: req.FilePath}

	start := time.Now()
	out, err := s.deps.Sessions.Invoke(c.Request.Context(), req.UserID, in)
	elapsed := time.Since(start)

	s.record(c.Request.Context(), req.UserID, in, out, err, elapsed)
	s.bus.Publish(Event{Type: "tool_call", Data: gin.H{
		"user_id":     req.UserID,
		"function":    in.Function,
		"success":     err == nil,
		"duration_ms": elapsed.Milliseconds(),
	}})

	if err != nil {
		toolError(c, err)
		return
	}
	success(c, out)
}

// record 写入审计记录; 失败只记日志, 不影响调用结果。
func (s *Server) record(ctx context.Context, userID string, in projectfiles.Input, out string, callErr error, elapsed time.Duration) {
	if s.deps.Recorder == nil {
		return
	}
	row := &store.ToolCall{
		UserID:      userID,
		Function:    in.Function,
		ProjectName: in.ProjectName,
		FilePath:    in.FilePath,
		Success:     callErr == nil,
		DurationMS:  elapsed.Milliseconds(),
		ResultBytes: len(out),
	}
	if callErr != nil {
		row.ErrorCode = apperrors.CodeOf(callErr)
		row.Error = apperrors.MessageOf(callErr)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.deps.Recorder.Append(ctx, row); err != nil {
		logger.Warn("toolserver: record tool call failed",
			logger.FieldUserID, userID,
			logger.FieldFunction, in.Function,
			logger.FieldError, err,
		)
	}
}

func (s *Server) listSessions(c *gin.Context) {
	success(c, s.deps.Sessions.Snapshot())
}

func (s *Server) closeSession(c *gin.Context) {
	userID := c.Param("user_id")
	if !s.deps.Sessions.Close(userID) {
		notFound(c, "session not found: "+userID)
		return
	}
	s.bus.Publish(Event{Type: "session_closed", Data: gin.H{"user_id": userID}})
	success(c, gin.H{"user_id": userID, "closed": true})
}

func (s *Server) listToolCalls(c *gin.Context) {
	if s.deps.Lister == nil {
		notFound(c, "tool call audit is not configured")
		return
	}
	f := store.ToolCallFilter{
		UserID:   c.Query("user_id"),
		Function: c.Query("function"),
		Keyword:  c.Query("keyword"),
		Limit:    queryLimit(c, s.deps.ListLimit),
	}
	if raw := c.Query("success"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "invalid_request", "success must be a boolean")
			return
		}
		f.Success = &v
	}
	items, err := s.deps.Lister.List(c.Request.Context(), f)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}
