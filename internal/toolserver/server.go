// Package toolserver 提供 project_files 工具的 HTTP 入口 (gin)。
package toolserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/project-files-bridge/internal/projectfiles"
	"github.com/multi-agent/project-files-bridge/internal/store"
)

// Sessions 会话能力, *projectfiles.Manager 满足。
type Sessions interface {
	Invoke(ctx context.Context, userID string, in projectfiles.Input) (string, error)
	Snapshot() []projectfiles.SessionInfo
	Close(userID string) bool
}

// CallRecorder 记录每次工具调用。
type CallRecorder interface {
	Append(ctx context.Context, c *store.ToolCall) error
}

// CallLister 查询调用记录。
type CallLister interface {
	List(ctx context.Context, f store.ToolCallFilter) ([]store.ToolCall, error)
}

// Deps 服务依赖 (一次注入)。Recorder / Lister 可为 nil。
type Deps struct {
	Sessions     Sessions
	Recorder     CallRecorder
	Lister       CallLister
	ListLimit    int
	SSEKeepalive time.Duration // 0 使用默认 30s
}

// Server 工具 HTTP 服务。
type Server struct {
	router *gin.Engine
	deps   Deps
	bus    *EventBus
}

// NewServer 创建服务并注册路由。
func NewServer(deps Deps) *Server {
	if deps.ListLimit <= 0 {
		deps.ListLimit = 100
	}
	if deps.SSEKeepalive <= 0 {
		deps.SSEKeepalive = defaultKeepaliveInterval
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	s := &Server{router: r, deps: deps, bus: NewEventBus()}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回事件总线。
func (s *Server) Bus() *EventBus { return s.bus }
