// conn.go — Connection Manager: 每个用户会话一条出站 WebSocket, 断线固定间隔重连。
//
// 状态机:
//
//	DISCONNECTED → CONNECTING → OPEN → DISCONNECTED (循环)
//	任意状态 --Teardown()--> CLOSED (吸收态, 不再重连)
//
// 入站消息、建连、断线以 Event 形式发布到 Events() 通道, 由 Correlator 顺序消费。
package projectfiles

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
	"github.com/multi-agent/project-files-bridge/pkg/util"
)

// State 连接状态。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventKind Conn 事件类型。
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event Conn 向消费者发布的事件。
type Event struct {
	Kind EventKind
	Data []byte // EventMessage: 原始文本帧
	Err  error  // EventClose: 断线原因
}

const (
	defaultReconnectDelay  = 5 * time.Second
	defaultDialTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultPingInterval    = 30 * time.Second
	defaultReadIdleTimeout = 90 * time.Second
	defaultEventBuffer     = 64
	closeWriteTimeout      = time.Second
)

// ConnOptions Conn 构造参数。零值字段使用默认值。
type ConnOptions struct {
	Dialer          Dialer
	Header          http.Header // per-user 握手请求头
	ReconnectDelay  time.Duration
	DialTimeout     time.Duration
	WriteTimeout    time.Duration // 单帧写入上限 (socket 支持 SetWriteDeadline 时生效)
	PingInterval    time.Duration // 心跳间隔 (socket 支持 keepalive 时生效)
	ReadIdleTimeout time.Duration // 无入站帧/pong 超过该时长视为断线
	EventBuffer     int
}

// Conn 单条 per-user socket 的所有者。
type Conn struct {
	endpoint       string
	userID         string
	dialer         Dialer
	header         http.Header
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	pingInterval   time.Duration
	readIdle       time.Duration
	log            *slog.Logger

	// ========================================
	// 锁职责说明
	// ========================================
	// mu:      保护 state / sock / gen / reconnectTimer
	// writeMu: 序列化数据帧写入 (gorilla 不支持并发写);
	//          控制帧 (ping / close) 走 WriteControl, 不获取 writeMu。
	// 获取顺序: 不允许持 mu 时获取 writeMu。
	// ========================================
	mu             sync.Mutex
	state          State
	sock           Socket
	gen            uint64 // 每次拨号 +1, 旧 goroutine 据此识别自己已过期
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn 创建处于 DISCONNECTED 状态的 Conn, 不会主动拨号。
func NewConn(endpoint, userID string, opts ConnOptions) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = &WSDialer{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadIdleTimeout <= 0 {
		opts.ReadIdleTimeout = defaultReadIdleTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		endpoint:       endpoint,
		userID:         userID,
		dialer:         opts.Dialer,
		header:         opts.Header.Clone(),
		reconnectDelay: opts.ReconnectDelay,
		dialTimeout:    opts.DialTimeout,
		writeTimeout:   opts.WriteTimeout,
		pingInterval:   opts.PingInterval,
		readIdle:       opts.ReadIdleTimeout,
		log: logger.With(
			logger.FieldComponent, "projectfiles.conn",
			logger.FieldUserID, userID,
		),
		state:  StateDisconnected,
		events: make(chan Event, opts.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Endpoint 返回目标地址。
func (c *Conn) Endpoint() string { return c.endpoint }

// State 返回当前状态。
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events 返回事件通道。Teardown 后不再投递, 通道不会被关闭; 消费者应同时监听 Done()。
func (c *Conn) Events() <-chan Event { return c.events }

// Done 在 Teardown 后关闭。
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Connect 发起异步拨号。已有 socket、正在拨号或已 CLOSED 时为 no-op。
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	util.SafeGo(func() { c.dial(gen) })
}

func (c *Conn) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	sock, err := c.dialer.Dial(ctx, c.endpoint, c.header)
	cancel()

	c.mu.Lock()
	if c.state == StateClosed || c.gen != gen {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil || sock == nil {
		if err == nil {
			err = apperrors.New("Conn.dial", "dialer returned nil socket")
		}
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.log.Warn("projectfiles: dial failed, reconnect scheduled",
			logger.FieldURL, c.endpoint,
			logger.FieldDelayMS, c.reconnectDelay.Milliseconds(),
			logger.FieldError, err,
		)
		return
	}
	c.sock = sock
	c.state = StateOpen
	c.mu.Unlock()

	ka, keepalive := sock.(keepaliveSocket)
	if keepalive {
		_ = ka.SetReadDeadline(time.Now().Add(c.readIdle))
		ka.SetPongHandler(func(string) error {
			return ka.SetReadDeadline(time.Now().Add(c.readIdle))
		})
		util.SafeGo(func() { c.pingLoop(gen, sock) })
	}

	c.log.Info("projectfiles: connection open", logger.FieldURL, c.endpoint)
	c.emit(Event{Kind: EventOpen})
	c.sendVerify()
	c.readLoop(gen, sock)
}

// current 报告 sock 是否仍是 gen 代的活跃 socket。
func (c *Conn) current(gen uint64, sock Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.gen == gen && c.sock == sock
}

// pingLoop 定期发送 ping; 发送失败按断线处理。pong 超时由 read deadline 触发。
func (c *Conn) pingLoop(gen uint64, sock Socket) {
	cw, ok := sock.(controlWriter)
	if !ok {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.current(gen, sock) {
				return
			}
			if err := cw.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout)); err != nil {
				c.handleClose(gen, sock, err)
				return
			}
		}
	}
}

// sendVerify 发送握手确认帧 (fire-and-forget)。
func (c *Conn) sendVerify() {
	frame, err := encodeRequest(VerifyRequestID, TypeConnectionVerify, nil)
	if err != nil {
		c.log.Warn("projectfiles: encode verify frame failed", logger.FieldError, err)
		return
	}
	if err := c.Send(frame); err != nil {
		c.log.Warn("projectfiles: send verify frame failed", logger.FieldError, err)
	}
}

func (c *Conn) readLoop(gen uint64, sock Socket) {
	ka, keepalive := sock.(keepaliveSocket)
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.handleClose(gen, sock, err)
			return
		}
		if keepalive {
			// 入站帧同样证明连接存活
			_ = ka.SetReadDeadline(time.Now().Add(c.readIdle))
		}
		c.emit(Event{Kind: EventMessage, Data: data})
	}
}

// handleClose 处理计划内/外的断线: 清空 socket → DISCONNECTED → 定时重连。
// 过期 generation 或已 CLOSED 时忽略。
func (c *Conn) handleClose(gen uint64, sock Socket, cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.gen != gen || c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	c.state = StateDisconnected
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = sock.Close()
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("projectfiles: connection closed by remote, reconnect scheduled",
			logger.FieldDelayMS, c.reconnectDelay.Milliseconds())
	} else {
		c.log.Warn("projectfiles: connection lost, reconnect scheduled",
			logger.FieldDelayMS, c.reconnectDelay.Milliseconds(),
			logger.FieldError, cause,
		)
	}
	c.emit(Event{Kind: EventClose, Err: cause})
}

// scheduleReconnectLocked 固定延迟后重连。调用方必须持有 mu。
func (c *Conn) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, c.Connect)
}

// Send 写入一帧文本消息。socket 不存在或非 OPEN 时立即返回 ErrNotConnected。
// 写入受 writeTimeout 限制; 写失败 (含超时) 视为断线。
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	sock, state, gen := c.sock, c.state, c.gen
	c.mu.Unlock()
	if sock == nil || state != StateOpen {
		return notConnectedError("Conn.Send", "socket is not open (state "+state.String()+")")
	}

	c.writeMu.Lock()
	if dw, ok := sock.(deadlineWriter); ok {
		_ = dw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := sock.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.handleClose(gen, sock, err)
		return notConnectedError("Conn.Send", "ws write: "+err.Error())
	}
	return nil
}

// Teardown 关闭 socket 并进入 CLOSED; 同时取消已排程的重连。可重复调用。
func (c *Conn) Teardown() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	sock := c.sock
	c.sock = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	c.cancel()
	if sock != nil {
		// 不获取 writeMu: 卡住的数据帧写入不能阻塞拆除, Close 会使其返回
		if cw, ok := sock.(controlWriter); ok {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "teardown")
			_ = cw.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeWriteTimeout))
		}
		_ = sock.Close()
	}
	c.log.Info("projectfiles: connection torn down")
}

// emit 投递事件; Teardown 后丢弃。
func (c *Conn) emit(ev Event) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
