// manager.go — 会话管理: 每个 userID 一个 Tool, 惰性创建; 显式拆除或空闲回收, 总数受上限约束。
package projectfiles

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
)

// SessionInfo 会话快照。
type SessionInfo struct {
	UserID   string `json:"user_id"`
	State    string `json:"state"`
	Endpoint string `json:"endpoint"`
	Pending  int    `json:"pending"`
	LastUsed string `json:"last_used"`
}

// ManagerLimits 会话数量与空闲回收策略。零值表示不限制。
type ManagerLimits struct {
	MaxSessions int           // 同时存在的会话上限
	IdleTimeout time.Duration // 超过该时长未被调用且无在途请求的会话被回收
}

// Manager 管理所有用户会话的 Tool。
type Manager struct {
	opts   Options
	limits ManagerLimits
	now    func() time.Time

	mu       sync.Mutex
	tools    map[string]*Tool
	lastUsed map[string]time.Time
	closed   bool
}

// NewManager 创建不限数量、不回收的会话管理器, opts 作为每个新 Tool 的模板。
func NewManager(opts Options) *Manager {
	return NewManagerWithLimits(opts, ManagerLimits{})
}

// NewManagerWithLimits 同 NewManager, 附带会话上限与空闲回收。
func NewManagerWithLimits(opts Options, limits ManagerLimits) *Manager {
	return &Manager{
		opts:     opts,
		limits:   limits,
		now:      time.Now,
		tools:    make(map[string]*Tool),
		lastUsed: make(map[string]time.Time),
	}
}

// Get 返回 userID 对应的 Tool, 不存在时创建。达到上限时先回收空闲会话, 仍满则返回 CodeLimit。
func (m *Manager) Get(userID string) (*Tool, error) {
	if userID == "" {
		return nil, validationError("Manager.Get", "user id is required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, closedError("Manager.Get", "session manager closed")
	}
	now := m.now()
	if t, ok := m.tools[userID]; ok {
		m.lastUsed[userID] = now
		m.mu.Unlock()
		return t, nil
	}
	var evicted map[string]*Tool
	if m.limits.MaxSessions > 0 && len(m.tools) >= m.limits.MaxSessions {
		evicted = m.takeIdleLocked(now)
		if len(m.tools) >= m.limits.MaxSessions {
			m.mu.Unlock()
			closeEvicted(evicted)
			return nil, apperrors.WithCode(apperrors.ErrLimit, "Manager.Get", apperrors.CodeLimit,
				"session limit reached")
		}
	}
	t := NewTool(userID, m.opts)
	m.tools[userID] = t
	m.lastUsed[userID] = now
	m.mu.Unlock()

	closeEvicted(evicted)
	logger.Info("projectfiles: session created",
		logger.FieldUserID, userID,
		logger.FieldURL, t.conn.Endpoint(),
	)
	return t, nil
}

// EvictIdle 回收所有空闲会话, 返回被回收的 userID (已排序)。IdleTimeout 为 0 时 no-op。
func (m *Manager) EvictIdle() []string {
	m.mu.Lock()
	evicted := m.takeIdleLocked(m.now())
	m.mu.Unlock()
	closeEvicted(evicted)

	ids := make([]string, 0, len(evicted))
	for id := range evicted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunReaper 每隔 every 调用一次 EvictIdle, 直到 ctx 结束。
func (m *Manager) RunReaper(ctx context.Context, every time.Duration) {
	if every <= 0 || m.limits.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// takeIdleLocked 摘除空闲会话。调用方必须持有 mu; 返回的 Tool 需在锁外 Close。
func (m *Manager) takeIdleLocked(now time.Time) map[string]*Tool {
	if m.limits.IdleTimeout <= 0 {
		return nil
	}
	var out map[string]*Tool
	for id, t := range m.tools {
		if now.Sub(m.lastUsed[id]) < m.limits.IdleTimeout || t.Pending() > 0 {
			continue
		}
		if out == nil {
			out = make(map[string]*Tool)
		}
		out[id] = t
		delete(m.tools, id)
		delete(m.lastUsed, id)
	}
	return out
}

func closeEvicted(evicted map[string]*Tool) {
	for id, t := range evicted {
		t.Close()
		logger.Info("projectfiles: idle session evicted", logger.FieldUserID, id)
	}
}

// Invoke 以 userID 的会话执行一次工具调用, 记录耗时日志。
func (m *Manager) Invoke(ctx context.Context, userID string, in Input) (string, error) {
	t, err := m.Get(userID)
	if err != nil {
		return "", err
	}
	start := time.Now()
	out, err := t.Call(ctx, in)
	m.touch(userID)
	fields := append(logFields(userID, in), logger.FieldDurationMS, time.Since(start).Milliseconds())
	if err != nil {
		logger.Warn("projectfiles: tool call failed", append(fields, logger.FieldError, err)...)
		return "", err
	}
	logger.Info("projectfiles: tool call succeeded", append(fields, logger.FieldBytes, len(out))...)
	return out, nil
}

// touch 刷新会话最近使用时间 (会话仍存在时)。
func (m *Manager) touch(userID string) {
	m.mu.Lock()
	if _, ok := m.tools[userID]; ok {
		m.lastUsed[userID] = m.now()
	}
	m.mu.Unlock()
}

// Close 拆除 userID 的会话; 返回是否存在。
func (m *Manager) Close(userID string) bool {
	m.mu.Lock()
	t, ok := m.tools[userID]
	delete(m.tools, userID)
	delete(m.lastUsed, userID)
	m.mu.Unlock()
	if ok {
		t.Close()
		logger.Info("projectfiles: session closed", logger.FieldUserID, userID)
	}
	return ok
}

// CloseAll 拆除全部会话, 此后 Get 失败。
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	tools := m.tools
	m.tools = make(map[string]*Tool)
	m.lastUsed = make(map[string]time.Time)
	m.mu.Unlock()

	for _, t := range tools {
		t.Close()
	}
	logger.Info("projectfiles: all sessions closed", logger.FieldCount, len(tools))
}

// Snapshot 返回按 userID 排序的会话快照。
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	infos := make([]SessionInfo, 0, len(m.tools))
	for id, t := range m.tools {
		infos = append(infos, SessionInfo{
			UserID:   id,
			State:    t.State().String(),
			Endpoint: t.conn.Endpoint(),
			Pending:  t.Pending(),
			LastUsed: m.lastUsed[id].UTC().Format(time.RFC3339),
		})
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return infos
}
