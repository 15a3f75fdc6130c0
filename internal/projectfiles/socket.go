// socket.go — 可注入的 socket 抽象 + gorilla/websocket 实现 (支持自定义握手请求头)。
package projectfiles

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
)

// Socket 模拟 gorilla/websocket.Conn 的最小子集, *websocket.Conn 直接满足 (含全部可选能力)。
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// controlWriter 可选能力: 发送 ping / close 控制帧 (可与数据帧写入并发)。
type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// deadlineWriter 可选能力: 单帧写入期限。
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// keepaliveSocket 可选能力: 读期限 + pong 回调, 用于探测静默断开的对端。
type keepaliveSocket interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Dialer 建立到远端的 socket。
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Socket, error)
}

// DialerFunc 函数适配 Dialer。
type DialerFunc func(ctx context.Context, endpoint string, header http.Header) (Socket, error)

// Dial 实现 Dialer。
func (f DialerFunc) Dial(ctx context.Context, endpoint string, header http.Header) (Socket, error) {
	return f(ctx, endpoint, header)
}

// WSDialer gorilla/websocket 拨号器。
//
// Header 是每次握手都附带的自定义请求头 (如 Authorization),
// 与 Conn 传入的 per-user 请求头合并, 后者同名时覆盖前者。
type WSDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// Dial 实现 Dialer。
func (d *WSDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Socket, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext:   (&net.Dialer{Timeout: timeout}).DialContext,
		Proxy:            http.ProxyFromEnvironment,
	}

	merged := http.Header{}
	for k, vs := range d.Header {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	for k, vs := range header {
		merged.Del(k)
		for _, v := range vs {
			merged.Add(k, v)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, merged)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, apperrors.Wrapf(err, "WSDialer.Dial", "handshake status %d", resp.StatusCode)
		}
		return nil, apperrors.Wrap(err, "WSDialer.Dial", "ws connect")
	}
	if conn == nil {
		return nil, apperrors.New("WSDialer.Dial", "dial returned nil websocket connection")
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}

// Endpoint 拼接 per-user 连接地址: {base}/{url-escaped userID}。
// 不做合法性校验, 非法地址在拨号时失败并走重连流程。
func Endpoint(base, userID string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	return base + "/" + url.PathEscape(userID)
}
