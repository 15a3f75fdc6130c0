package projectfiles

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
)

type sendResult struct {
	data json.RawMessage
	err  error
}

func sendAsync(r *Correlator, ctx context.Context, reqType string, payload map[string]any) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		data, err := r.Send(ctx, reqType, payload)
		ch <- sendResult{data: data, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Send to return")
		return sendResult{}
	}
}

func TestCorrelatorRoundTrip(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Second})

	ch := sendAsync(r, context.Background(), TypeGetProjectTree, map[string]any{FieldProjectName: "proj1"})
	f := s.next(t)
	id, _ := f[FieldRequestID].(string)
	if id == "" {
		t.Fatal("missing request_id")
	}
	if f[FieldSenderRole] != SenderRole || f[FieldType] != TypeGetProjectTree || f[FieldProjectName] != "proj1" {
		t.Fatalf("unexpected frame: %v", f)
	}
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}

	r.HandleMessage(reply(id, map[string]any{"data": map[string]any{"name": "proj1"}}))
	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("Send: %v", res.err)
	}
	if string(res.data) != `{"name":"proj1"}` {
		t.Fatalf("data = %s", res.data)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r.Pending())
	}
}

func TestCorrelatorOutOfOrderResponses(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Second})

	const n = 5
	chans := make([]<-chan sendResult, n)
	ids := make(map[string]int, n)
	for i := 0; i < n; i++ {
		chans[i] = sendAsync(r, context.Background(), TypeGetFile, map[string]any{FieldFilePath: string(rune('a' + i))})
		f := s.next(t)
		ids[f[FieldRequestID].(string)] = i
	}
	if len(ids) != n {
		t.Fatalf("request ids not unique: %v", ids)
	}

	// 逆序应答, 每个调用方应拿到自己的 data。
	order := make([]string, 0, n)
	for id := range ids {
		order = append(order, id)
	}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		r.HandleMessage(reply(id, map[string]any{"data": ids[id]}))
	}
	for id, i := range ids {
		res := await(t, chans[i])
		if res.err != nil {
			t.Fatalf("request %s: %v", id, res.err)
		}
		var got int
		if err := json.Unmarshal(res.data, &got); err != nil || got != i {
			t.Fatalf("request %d got data %s", i, res.data)
		}
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: 30 * time.Millisecond})

	start := time.Now()
	ch := sendAsync(r, context.Background(), TypeGetProjects, nil)
	f := s.next(t)
	res := await(t, ch)
	if !errors.Is(res.err, apperrors.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", res.err)
	}
	if apperrors.CodeOf(res.err) != apperrors.CodeTimeout {
		t.Fatalf("code = %q", apperrors.CodeOf(res.err))
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("returned after %v, before timeout", elapsed)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r.Pending())
	}

	// 迟到响应被忽略。
	r.HandleMessage(reply(f[FieldRequestID].(string), map[string]any{"data": "late"}))
	if r.Pending() != 0 {
		t.Fatalf("pending = %d after late reply", r.Pending())
	}
}

func TestCorrelatorResponseBeatsTimeout(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: 200 * time.Millisecond})

	ch := sendAsync(r, context.Background(), TypeGetProjects, nil)
	f := s.next(t)
	r.HandleMessage(reply(f[FieldRequestID].(string), map[string]any{"data": []string{"a"}}))
	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("Send: %v", res.err)
	}
	time.Sleep(250 * time.Millisecond)
	if string(res.data) != `["a"]` {
		t.Fatalf("data = %s", res.data)
	}
}

func TestCorrelatorRemoteError(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Second})

	ch := sendAsync(r, context.Background(), TypeGetFile, nil)
	f := s.next(t)
	r.HandleMessage(reply(f[FieldRequestID].(string), map[string]any{"error": "not found"}))
	res := await(t, ch)

	if !errors.Is(res.err, apperrors.ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", res.err)
	}
	var remote *RemoteError
	if !errors.As(res.err, &remote) {
		t.Fatalf("err %T is not *RemoteError", res.err)
	}
	if remote.Error() != "not found" || remote.Type != TypeGetFile {
		t.Fatalf("remote error = %+v", remote)
	}
	if apperrors.CodeOf(res.err) != apperrors.CodeRemote {
		t.Fatalf("code = %q", apperrors.CodeOf(res.err))
	}
}

func TestCorrelatorErrorFieldVariants(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		wantErr bool
		data    string
	}{
		{"empty string error fails", `{"request_id":"%s","error":""}`, true, ""},
		{"object error fails", `{"request_id":"%s","error":{"code":1}}`, true, ""},
		{"null error succeeds", `{"request_id":"%s","error":null,"data":[1]}`, false, `[1]`},
		{"missing data succeeds", `{"request_id":"%s"}`, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newFakeSender()
			r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Second})
			ch := sendAsync(r, context.Background(), TypeGetProjects, nil)
			id := s.next(t)[FieldRequestID].(string)

			r.HandleMessage([]byte(strings.ReplaceAll(tc.frame, "%s", id)))
			res := await(t, ch)
			if (res.err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", res.err, tc.wantErr)
			}
			if !tc.wantErr && string(res.data) != tc.data {
				t.Fatalf("data = %q, want %q", res.data, tc.data)
			}
		})
	}
}

func TestCorrelatorDropsMalformedAndUnknown(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Second})

	ch := sendAsync(r, context.Background(), TypeGetProjects, nil)
	id := s.next(t)[FieldRequestID].(string)

	r.HandleMessage([]byte("not json at all"))
	r.HandleMessage([]byte(`{"data":"no id"}`))
	r.HandleMessage(reply("some-other-id", map[string]any{"data": 1}))
	r.HandleMessage(reply(VerifyRequestID, map[string]any{"data": "ok"}))
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}

	r.HandleMessage(reply(id, map[string]any{"data": "mine"}))
	res := await(t, ch)
	if res.err != nil || string(res.data) != `"mine"` {
		t.Fatalf("res = %s, %v", res.data, res.err)
	}
}

func TestCorrelatorDuplicateResponseResolvesOnce(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Second})

	ch := sendAsync(r, context.Background(), TypeGetProjects, nil)
	id := s.next(t)[FieldRequestID].(string)
	r.HandleMessage(reply(id, map[string]any{"data": "first"}))
	r.HandleMessage(reply(id, map[string]any{"data": "second"}))

	res := await(t, ch)
	if string(res.data) != `"first"` {
		t.Fatalf("data = %s, want first", res.data)
	}
}

func TestCorrelatorNotConnectedFailsFast(t *testing.T) {
	s := newFakeSender()
	s.setState(StateConnecting)
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Hour})

	start := time.Now()
	_, err := r.Send(context.Background(), TypeGetProjects, nil)
	if !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Send should fail immediately when not connected")
	}
	select {
	case f := <-s.frames:
		t.Fatalf("unexpected frame sent: %v", f)
	default:
	}
}

func TestCorrelatorSendErrorReleasesPending(t *testing.T) {
	s := newFakeSender()
	s.sendErr = notConnectedError("test", "write failed")
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Hour})

	_, err := r.Send(context.Background(), TypeGetProjects, nil)
	if !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r.Pending())
	}
}

func TestCorrelatorCloseAbandonsPending(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Hour})

	ch1 := sendAsync(r, context.Background(), TypeGetProjects, nil)
	ch2 := sendAsync(r, context.Background(), TypeGetProjectTree, map[string]any{FieldProjectName: "p"})
	s.next(t)
	s.next(t)

	r.Close()
	r.Close()
	for _, ch := range []<-chan sendResult{ch1, ch2} {
		res := await(t, ch)
		if !errors.Is(res.err, apperrors.ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", res.err)
		}
	}
	if _, err := r.Send(context.Background(), TypeGetProjects, nil); !errors.Is(err, apperrors.ErrClosed) {
		t.Fatalf("Send after Close err = %v, want ErrClosed", err)
	}
}

func TestCorrelatorContextCancel(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	ch := sendAsync(r, ctx, TypeGetProjects, nil)
	s.next(t)
	cancel()

	res := await(t, ch)
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r.Pending())
	}
}

func TestCorrelatorDuplicateID(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Hour, NewID: func() string { return "same" }})

	ch := sendAsync(r, context.Background(), TypeGetProjects, nil)
	s.next(t)
	if _, err := r.Send(context.Background(), TypeGetProjects, nil); err == nil {
		t.Fatal("expected duplicate id error")
	}
	r.HandleMessage(reply("same", map[string]any{"data": 1}))
	if res := await(t, ch); res.err != nil {
		t.Fatalf("first request: %v", res.err)
	}
}

func TestCorrelatorDefaultIDsAreUUIDs(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Hour})
	defer r.Close()

	var wg sync.WaitGroup
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Send(context.Background(), TypeGetProjects, nil)
		}()
	}
	for i := 0; i < 20; i++ {
		id := s.next(t)[FieldRequestID].(string)
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("request id %q is not a uuid: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
	r.Close()
	wg.Wait()
}

func TestCorrelatorRunConsumesEvents(t *testing.T) {
	s := newFakeSender()
	r := NewCorrelator(s, CorrelatorOptions{Timeout: time.Second})

	events := make(chan Event, 4)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		r.Run(context.Background(), events, done)
		close(stopped)
	}()

	ch := sendAsync(r, context.Background(), TypeGetProjects, nil)
	id := s.next(t)[FieldRequestID].(string)
	events <- Event{Kind: EventOpen}
	events <- Event{Kind: EventClose, Err: errors.New("blip")}
	events <- Event{Kind: EventMessage, Data: reply(id, map[string]any{"data": "ok"})}

	if res := await(t, ch); res.err != nil || string(res.data) != `"ok"` {
		t.Fatalf("res = %s, %v", res.data, res.err)
	}

	close(done)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after done closed")
	}
}

// blockedSender Send 阻塞直到 release 关闭。
type blockedSender struct{ release chan struct{} }

func (s *blockedSender) State() State { return StateOpen }

func (s *blockedSender) Send([]byte) error {
	<-s.release
	return nil
}

func TestCorrelatorTimeoutCoversBlockedSend(t *testing.T) {
	s := &blockedSender{release: make(chan struct{})}
	defer close(s.release)
	r := NewCorrelator(s, CorrelatorOptions{Timeout: 50 * time.Millisecond})

	res := await(t, sendAsync(r, context.Background(), TypeGetProjects, nil))
	if code := apperrors.CodeOf(res.err); code != apperrors.CodeTimeout {
		t.Fatalf("code = %q (err %v), want %q", code, res.err, apperrors.CodeTimeout)
	}

	r2 := NewCorrelator(s, CorrelatorOptions{Timeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	ch := sendAsync(r2, ctx, TypeGetProjects, nil)
	cancel()
	if res := await(t, ch); !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	if r2.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r2.Pending())
	}
}
