// Package mockremote 提供 project-files 远端的本地实现 (gorilla/websocket 服务端)。
//
// 以 Root 下的一级子目录为项目, 应答 connection_verify / get_projects /
// get_project_tree / get_file。用于本地联调与集成测试。
package mockremote

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/project-files-bridge/internal/projectfiles"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
)

const writeTimeout = 10 * time.Second

// request 入站请求帧。
type request struct {
	RequestID   string `json:"request_id"`
	SenderRole  string `json:"sender_role"`
	Type        string `json:"type"`
	ProjectName string `json:"project_name"`
	FilePath    string `json:"file_path"`
}

// response 出站响应帧。
type response struct {
	RequestID string `json:"request_id"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Server 远端 mock。零值不可用, 使用 New 创建。
type Server struct {
	fs       *FS
	prefix   string
	upgrader websocket.Upgrader

	// 可选: 每次连接握手时被调用, 用于断言自定义请求头。
	OnConnect func(userID string, header http.Header)

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	connections atomic.Int64
	requests    atomic.Int64
}

// New 创建服务端; prefix 为路由前缀 (如 "/ws"), 用户 id 为其后一段路径。
func New(root, prefix string) *Server {
	return &Server{
		fs:     NewFS(root),
		prefix: "/" + strings.Trim(prefix, "/"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Connections 累计接受的连接数。
func (s *Server) Connections() int64 { return s.connections.Load() }

// Requests 累计处理的请求数 (含 connection_verify)。
func (s *Server) Requests() int64 { return s.requests.Load() }

// DropAll 强制断开全部连接 (测试重连用)。
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
}

// ServeHTTP 实现 http.Handler。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.OnConnect != nil {
		s.OnConnect(userID, r.Header.Clone())
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("mockremote: upgrade failed", logger.FieldError, err)
		return
	}
	s.connections.Add(1)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	log := logger.With(logger.FieldComponent, "mockremote", logger.FieldUserID, userID)
	log.Info("mockremote: client connected", logger.FieldAddr, r.RemoteAddr)
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		log.Info("mockremote: client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Warn("mockremote: bad frame", logger.FieldError, err)
			continue
		}
		s.requests.Add(1)
		resp := s.handle(userID, req)
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			log.Warn("mockremote: write failed", logger.FieldError, err)
			return
		}
	}
}

func (s *Server) userID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, s.prefix)
	if !ok && s.prefix != "/" {
		return "", false
	}
	rest = strings.Trim(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func (s *Server) handle(userID string, req request) response {
	resp := response{RequestID: req.RequestID}
	var err error
	switch req.Type {
	case projectfiles.TypeConnectionVerify:
		resp.Data = map[string]any{"status": "ok", "user_id": userID}
	case projectfiles.TypeGetProjects:
		resp.Data, err = s.fs.Projects()
	case projectfiles.TypeGetProjectTree:
		resp.Data, err = s.fs.Tree(req.ProjectName)
	case projectfiles.TypeGetFile:
		resp.Data, err = s.fs.File(req.ProjectName, req.FilePath)
	default:
		resp.Error = "unknown request type: " + req.Type
	}
	if err != nil {
		resp.Data = nil
		resp.Error = err.Error()
	}
	return resp
}
