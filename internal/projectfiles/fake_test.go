package projectfiles

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

var errFakeClosed = errors.New("fake socket closed")

// fakeSocket 内存 socket: 测试通过 push 注入入站帧, 通过 written 读取出站帧。
type fakeSocket struct {
	inbound chan []byte
	written chan []byte

	mu       sync.Mutex
	closed   bool
	closeErr error
	writeErr error
	done     chan struct{}
	controls int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.inbound:
		return 1, data, nil
	case <-s.done:
		s.mu.Lock()
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = errFakeClosed
		}
		return 0, nil, err
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	closed, werr := s.closed, s.writeErr
	s.mu.Unlock()
	if closed {
		return errFakeClosed
	}
	if werr != nil {
		return werr
	}
	cp := append([]byte(nil), data...)
	s.written <- cp
	return nil
}

func (s *fakeSocket) WriteControl(int, []byte, time.Time) error {
	s.mu.Lock()
	s.controls++
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// drop 模拟远端断开。
func (s *fakeSocket) drop(err error) {
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()
	_ = s.Close()
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) push(t *testing.T, v any) {
	t.Helper()
	var data []byte
	switch x := v.(type) {
	case string:
		data = []byte(x)
	case []byte:
		data = x
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal inbound: %v", err)
		}
	}
	s.inbound <- data
}

// nextFrame 读取下一条出站帧并解析为 map。
func (s *fakeSocket) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-s.written:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("outbound frame is not JSON: %v (%s)", err, data)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

// nextRequest 跳过握手帧, 返回下一条业务请求。
func (s *fakeSocket) nextRequest(t *testing.T) map[string]any {
	t.Helper()
	for {
		f := s.nextFrame(t)
		if f[FieldRequestID] != VerifyRequestID {
			return f
		}
	}
}

// fakeDialer 依次返回预置结果; 用尽后每次新建 fakeSocket。
type fakeDialer struct {
	mu      sync.Mutex
	fails   int // 前 fails 次拨号失败
	dials   int
	headers []http.Header
	sockets []*fakeSocket
	dialed  chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Socket, error) {
	d.mu.Lock()
	d.dials++
	d.headers = append(d.headers, header.Clone())
	if d.fails > 0 {
		d.fails--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	sock := newFakeSocket()
	d.sockets = append(d.sockets, sock)
	d.mu.Unlock()
	d.dialed <- sock
	return sock, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.headers) == 0 {
		return nil
	}
	return d.headers[len(d.headers)-1]
}

func (d *fakeDialer) waitSocket(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// waitState 轮询直到 get() == want。
func waitState(t *testing.T, get func() State, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", get(), want)
}

// fakeSender Correlator 的连接替身, 出站帧写入 frames。
type fakeSender struct {
	mu      sync.Mutex
	state   State
	sendErr error
	frames  chan map[string]any
}

func newFakeSender() *fakeSender {
	return &fakeSender{state: StateOpen, frames: make(chan map[string]any, 64)}
}

func (s *fakeSender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSender) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *fakeSender) Send(data []byte) error {
	s.mu.Lock()
	err := s.sendErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	var m map[string]any
	if jerr := json.Unmarshal(data, &m); jerr != nil {
		return jerr
	}
	s.frames <- m
	return nil
}

func (s *fakeSender) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request frame")
		return nil
	}
}

// reply 构造响应帧。
func reply(id string, fields map[string]any) []byte {
	m := map[string]any{FieldRequestID: id}
	for k, v := range fields {
		m[k] = v
	}
	data, _ := json.Marshal(m)
	return data
}
