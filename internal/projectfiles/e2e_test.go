package projectfiles_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/multi-agent/project-files-bridge/internal/mockremote"
	"github.com/multi-agent/project-files-bridge/internal/projectfiles"
	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

type remoteFixture struct {
	srv     *mockremote.Server
	http    *httptest.Server
	baseURL string

	mu      sync.Mutex
	headers map[string]http.Header
}

func startRemote(t *testing.T) *remoteFixture {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "proj1", "main.go"), "package main\n")
	writeFile(t, filepath.Join(root, "proj1", "pkg", "util.go"), "package pkg\n")
	writeFile(t, filepath.Join(root, "proj2", "README.md"), "# proj2\n")

	f := &remoteFixture{srv: mockremote.New(root, "/ws"), headers: make(map[string]http.Header)}
	f.srv.OnConnect = func(userID string, h http.Header) {
		f.mu.Lock()
		f.headers[userID] = h
		f.mu.Unlock()
	}
	f.http = httptest.NewServer(f.srv)
	t.Cleanup(f.http.Close)
	f.baseURL = "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	return f
}

func (f *remoteFixture) header(userID string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[userID]
}

func openTool(t *testing.T, f *remoteFixture, userID string) *projectfiles.Tool {
	t.Helper()
	tool := projectfiles.NewTool(userID, projectfiles.Options{
		BaseURL:        f.baseURL,
		Dialer:         &projectfiles.WSDialer{Header: http.Header{"Authorization": []string{"Bearer test-token"}}},
		UserHeader:     "X-User-Id",
		RequestTimeout: 2 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
		AutoConnect:    true,
	})
	t.Cleanup(tool.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tool.WaitOpen(ctx); err != nil {
		t.Fatalf("WaitOpen: %v", err)
	}
	return tool
}

func TestE2EListProjects(t *testing.T) {
	f := startRemote(t)
	tool := openTool(t, f, "alice")

	out, err := tool.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if out != `["proj1","proj2"]` {
		t.Fatalf("out = %s", out)
	}

	h := f.header("alice")
	if h.Get("Authorization") != "Bearer test-token" || h.Get("X-User-Id") != "alice" {
		t.Fatalf("handshake headers = %v", h)
	}
}

func TestE2EProjectTreeAndFile(t *testing.T) {
	f := startRemote(t)
	tool := openTool(t, f, "alice")

	treeJSON, err := tool.GetProjectTree(context.Background(), "proj1")
	if err != nil {
		t.Fatalf("GetProjectTree: %v", err)
	}
	var tree mockremote.Node
	if err := json.Unmarshal([]byte(treeJSON), &tree); err != nil {
		t.Fatalf("tree JSON: %v", err)
	}
	if tree.Name != "proj1" || len(tree.Children) != 2 {
		t.Fatalf("tree = %+v", tree)
	}

	fileJSON, err := tool.GetProjectFile(context.Background(), "proj1", "pkg/util.go")
	if err != nil {
		t.Fatalf("GetProjectFile: %v", err)
	}
	var file mockremote.File
	if err := json.Unmarshal([]byte(fileJSON), &file); err != nil {
		t.Fatalf("file JSON: %v", err)
	}
	if file.Content != "package pkg\n" {
		t.Fatalf("content = %q", file.Content)
	}
}

func TestE2ERemoteErrors(t *testing.T) {
	f := startRemote(t)
	tool := openTool(t, f, "alice")

	_, err := tool.GetProjectFile(context.Background(), "proj1", "missing.go")
	if !errors.Is(err, apperrors.ErrRemote) || err.Error() != "file not found" {
		t.Fatalf("missing file err = %v", err)
	}
	_, err = tool.GetProjectTree(context.Background(), "nope")
	if !errors.Is(err, apperrors.ErrRemote) || err.Error() != "project not found" {
		t.Fatalf("missing project err = %v", err)
	}
	_, err = tool.GetProjectFile(context.Background(), "proj1", "../proj2/README.md")
	if !errors.Is(err, apperrors.ErrRemote) {
		t.Fatalf("traversal err = %v", err)
	}
}

func TestE2EConcurrentRequests(t *testing.T) {
	f := startRemote(t)
	tool := openTool(t, f, "alice")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = tool.ListProjects(context.Background())
			} else {
				_, err = tool.GetProjectFile(context.Background(), "proj2", "README.md")
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent request: %v", err)
		}
	}
	if tool.Pending() != 0 {
		t.Fatalf("pending = %d", tool.Pending())
	}
}

func TestE2EReconnectAfterDrop(t *testing.T) {
	f := startRemote(t)
	tool := openTool(t, f, "alice")

	f.srv.DropAll()

	deadline := time.Now().Add(3 * time.Second)
	for f.srv.Connections() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.srv.Connections() < 2 {
		t.Fatalf("connections = %d, want reconnect", f.srv.Connections())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tool.WaitOpen(ctx); err != nil {
		t.Fatalf("WaitOpen after reconnect: %v", err)
	}

	out, err := tool.ListProjects(context.Background())
	if err != nil || out != `["proj1","proj2"]` {
		t.Fatalf("after reconnect: out = %s, err = %v", out, err)
	}
}

func TestE2EManagerPerUserSessions(t *testing.T) {
	f := startRemote(t)
	m := projectfiles.NewManager(projectfiles.Options{
		BaseURL:        f.baseURL,
		Dialer:         &projectfiles.WSDialer{},
		UserHeader:     "X-User-Id",
		RequestTimeout: 2 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
		AutoConnect:    true,
	})
	defer m.CloseAll()

	for _, u := range []string{"alice", "bob"} {
		tool, err := m.Get(u)
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = tool.WaitOpen(ctx)
		cancel()
		if err != nil {
			t.Fatalf("WaitOpen(%s): %v", u, err)
		}
		out, err := m.Invoke(context.Background(), u, projectfiles.Input{Function: projectfiles.FuncGetProjects})
		if err != nil || out != `["proj1","proj2"]` {
			t.Fatalf("%s: out = %s, err = %v", u, out, err)
		}
	}
	if f.header("bob").Get("X-User-Id") != "bob" {
		t.Fatalf("bob headers = %v", f.header("bob"))
	}
}
