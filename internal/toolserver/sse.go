// sse.go — SSE 事件总线 + handler (工具调用 / 会话关闭通知)。
package toolserver

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/project-files-bridge/pkg/logger"
)

const defaultKeepaliveInterval = 30 * time.Second

// EventBus 事件总线 (SSE 推送)。
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	seq         atomic.Uint64
}

// Event SSE 事件。
type Event struct {
	Type string
	Data any
}

// NewEventBus 创建事件总线。
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]chan Event)}
}

// Publish 广播事件; 订阅者缓冲满时丢弃。
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe 订阅, 返回订阅 id 与事件通道。
func (b *EventBus) Subscribe() (string, <-chan Event) {
	id := fmt.Sprintf("sse-%d", b.seq.Add(1))
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe 取消订阅。不关闭通道, handler 通过请求 ctx 退出。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Subscribers 当前订阅数。
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// sseHandler Gin SSE handler。
func (s *Server) sseHandler(c *gin.Context) {
	clientID, ch := s.bus.Subscribe()
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("toolserver: SSE client disconnected", "client_id", clientID)
	}()
	logger.Info("toolserver: SSE client connected", "client_id", clientID)

	interval := s.deps.SSEKeepalive
	keepalive := time.NewTimer(interval)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Type, evt.Data)
		case <-keepalive.C:
			// SSE 注释行, 客户端 EventSource 不会派发
			_, _ = io.WriteString(w, ": keepalive\n\n")
		case <-c.Request.Context().Done():
			return false
		}
		if !keepalive.Stop() {
			select {
			case <-keepalive.C:
			default:
			}
		}
		keepalive.Reset(interval)
		return true
	})
}
