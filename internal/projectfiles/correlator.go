// correlator.go — Request Correlator: 在单条连接上复用多路并发请求。
//
// 每个请求以 request_id 登记到 pending 表; 响应、超时、ctx 取消、显式放弃
// 四条路径都通过 take() 摘除表项, 谁先摘到谁负责 resolve, 其余路径为 no-op。
package projectfiles

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
	"github.com/multi-agent/project-files-bridge/pkg/util"
)

const defaultRequestTimeout = 30 * time.Second

// Sender Correlator 依赖的连接能力, *Conn 满足。
type Sender interface {
	State() State
	Send(data []byte) error
}

// pendingRequest 等待响应的请求。
type pendingRequest struct {
	id      string
	reqType string
	result  json.RawMessage
	err     error
	once    sync.Once
	done    chan struct{}
}

func (p *pendingRequest) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// CorrelatorOptions Correlator 构造参数。
type CorrelatorOptions struct {
	Timeout time.Duration
	NewID   func() string // 默认 uuid v4
	UserID  string        // 仅用于日志
}

// Correlator 请求/响应关联器。
type Correlator struct {
	conn    Sender
	timeout time.Duration
	newID   func() string
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// NewCorrelator 创建 Correlator。
func NewCorrelator(conn Sender, opts CorrelatorOptions) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	return &Correlator{
		conn:    conn,
		timeout: opts.Timeout,
		newID:   opts.NewID,
		log: logger.With(
			logger.FieldComponent, "projectfiles.correlator",
			logger.FieldUserID, opts.UserID,
		),
		pending: make(map[string]*pendingRequest),
	}
}

// Timeout 返回单请求超时。
func (r *Correlator) Timeout() time.Duration { return r.timeout }

// Pending 返回在途请求数。
func (r *Correlator) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Send 发送请求并等待对应响应的 data 字段。
//
// 连接非 OPEN 时立即失败 (不等待超时)。写入本身也受超时与 ctx 约束。
func (r *Correlator) Send(ctx context.Context, reqType string, payload map[string]any) (json.RawMessage, error) {
	const op = "Correlator.Send"
	if state := r.conn.State(); state != StateOpen {
		return nil, notConnectedError(op, "project files connection is not open (state "+state.String()+")")
	}

	id := r.newID()
	frame, err := encodeRequest(id, reqType, payload)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{id: id, reqType: reqType, done: make(chan struct{})}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, closedError(op, "correlator closed")
	}
	if _, dup := r.pending[id]; dup {
		r.mu.Unlock()
		return nil, apperrors.Newf(op, "duplicate request id %s", id)
	}
	r.pending[id] = p
	r.mu.Unlock()

	// 超时与 ctx 从写入前开始计算: 写入阻塞同样受其约束
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	sent := make(chan error, 1)
	util.SafeGo(func() { sent <- r.conn.Send(frame) })

	timeout, cancelled := timer.C, ctx.Done()
	for {
		select {
		case <-p.done:
			return p.result, p.err
		case err := <-sent:
			sent = nil
			if err != nil {
				if r.take(id) != nil {
					p.resolve(nil, err)
				}
				continue
			}
			r.log.Debug("projectfiles: request sent", logger.FieldReqID, id, logger.FieldType, reqType)
		case <-timeout:
			timeout = nil
			if r.take(id) != nil {
				r.log.Warn("projectfiles: request timed out",
					logger.FieldReqID, id,
					logger.FieldType, reqType,
					logger.FieldDurationMS, r.timeout.Milliseconds(),
				)
				p.resolve(nil, apperrors.WithCode(apperrors.ErrTimeout, op, apperrors.CodeTimeout,
					reqType+" timed out after "+r.timeout.String()))
			}
		case <-cancelled:
			cancelled = nil
			if r.take(id) != nil {
				p.resolve(nil, apperrors.Wrap(ctx.Err(), op, reqType+" cancelled"))
			}
		}
	}
}

// take 从 pending 表摘除并返回表项; 不存在返回 nil。
func (r *Correlator) take(id string) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return p
}

// HandleMessage 处理一条入站帧。解析失败只记录日志, 未知/缺失 request_id 忽略。
func (r *Correlator) HandleMessage(data []byte) {
	resp, err := decodeResponse(data)
	if err != nil {
		r.log.Warn("projectfiles: dropped unparseable message",
			logger.FieldError, err,
			logger.FieldBytes, len(data),
			logger.FieldRawPrefix, truncateBytes(data, 200),
		)
		return
	}
	if resp.RequestID == "" {
		r.log.Debug("projectfiles: ignored message without request_id")
		return
	}
	p := r.take(resp.RequestID)
	if p == nil {
		r.log.Debug("projectfiles: ignored message for unknown request", logger.FieldReqID, resp.RequestID)
		return
	}
	if resp.HasError() {
		remoteErr := &RemoteError{RequestID: p.id, Type: p.reqType, Message: resp.ErrorMessage()}
		r.log.Info("projectfiles: remote error response",
			logger.FieldReqID, p.id,
			logger.FieldType, p.reqType,
			logger.FieldError, remoteErr.Error(),
		)
		p.resolve(nil, remoteErr)
		return
	}
	p.resolve(resp.Data, nil)
}

// Run 顺序消费 Conn 事件, 直到 ctx 取消或 done 关闭。
func (r *Correlator) Run(ctx context.Context, events <-chan Event, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev := <-events:
			switch ev.Kind {
			case EventMessage:
				r.HandleMessage(ev.Data)
			case EventOpen:
				r.log.Debug("projectfiles: correlator observed open")
			case EventClose:
				// 在途请求不在断线时失败, 由各自的超时收尾。
				r.log.Debug("projectfiles: correlator observed close",
					logger.FieldPending, r.Pending(),
					logger.FieldError, ev.Err,
				)
			}
		}
	}
}

// Close 放弃所有在途请求 (ErrClosed), 此后 Send 立即失败。可重复调用。
func (r *Correlator) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	abandoned := r.pending
	r.pending = make(map[string]*pendingRequest)
	r.mu.Unlock()

	for _, p := range abandoned {
		p.resolve(nil, closedError("Correlator.Close", p.reqType+" abandoned: connection torn down"))
	}
	if len(abandoned) > 0 {
		r.log.Info("projectfiles: abandoned pending requests", logger.FieldCount, len(abandoned))
	}
}

func truncateBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
