// tool.go — Operation Facade: 暴露给宿主 agent 的 project_files 工具。
//
// 三个远程操作 (getProjects / getProjectTree / getProjectFile) 均返回 JSON 文本,
// 适合直接嵌入对话响应。
package projectfiles

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
	"github.com/multi-agent/project-files-bridge/pkg/util"
)

// ToolName 工具注册名。
const ToolName = "project_files"

// 操作选择器 (输入 schema 的 function 枚举)。
const (
	FuncGetProjects    = "getProjects"
	FuncGetProjectTree = "getProjectTree"
	FuncGetProjectFile = "getProjectFile"
)

// Functions 全部合法的操作选择器。
var Functions = []string{FuncGetProjects, FuncGetProjectTree, FuncGetProjectFile}

// Input 工具调用参数。
type Input struct {
	Function    string `json:"function"`
	ProjectName string `json:"project_name,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
}

// Definition 工具描述, 供宿主注册。
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// requester Facade 依赖的请求能力, *Correlator 满足。
type requester interface {
	Send(ctx context.Context, reqType string, payload map[string]any) (json.RawMessage, error)
}

// Options Tool 构造参数。
type Options struct {
	BaseURL        string
	Dialer         Dialer
	Header         http.Header // 附加到每次握手的请求头
	UserHeader     string      // 非空时以此头名携带 userID
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadIdle       time.Duration
	EventBuffer    int
	AutoConnect    bool
	NewID          func() string
}

// Tool 单个用户会话的 project_files 工具 (Conn + Correlator + Facade)。
type Tool struct {
	userID string
	conn   *Conn
	corr   *Correlator
	req    requester
	cancel context.CancelFunc
}

// NewTool 创建工具; opts.AutoConnect 为 true 时立即发起连接。
func NewTool(userID string, opts Options) *Tool {
	header := opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if opts.UserHeader != "" {
		header.Set(opts.UserHeader, userID)
	}
	conn := NewConn(Endpoint(opts.BaseURL, userID), userID, ConnOptions{
		Dialer:          opts.Dialer,
		Header:          header,
		ReconnectDelay:  opts.ReconnectDelay,
		DialTimeout:     opts.DialTimeout,
		WriteTimeout:    opts.WriteTimeout,
		PingInterval:    opts.PingInterval,
		ReadIdleTimeout: opts.ReadIdle,
		EventBuffer:     opts.EventBuffer,
	})
	corr := NewCorrelator(conn, CorrelatorOptions{
		Timeout: opts.RequestTimeout,
		NewID:   opts.NewID,
		UserID:  userID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tool{userID: userID, conn: conn, corr: corr, req: corr, cancel: cancel}
	util.SafeGo(func() { corr.Run(ctx, conn.Events(), conn.Done()) })
	if opts.AutoConnect {
		conn.Connect()
	}
	return t
}

// UserID 返回会话用户。
func (t *Tool) UserID() string { return t.userID }

// State 返回底层连接状态。
func (t *Tool) State() State {
	if t.conn == nil {
		return StateClosed
	}
	return t.conn.State()
}

// Pending 返回在途请求数。
func (t *Tool) Pending() int {
	if t.corr == nil {
		return 0
	}
	return t.corr.Pending()
}

// Connect 手动发起连接 (AutoConnect=false 时使用)。
func (t *Tool) Connect() {
	if t.conn != nil {
		t.conn.Connect()
	}
}

// WaitOpen 阻塞直到连接进入 OPEN、进入 CLOSED 或 ctx 结束。
func (t *Tool) WaitOpen(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch t.State() {
		case StateOpen:
			return nil
		case StateClosed:
			return closedError("Tool.WaitOpen", "tool closed")
		}
		select {
		case <-ctx.Done():
			return apperrors.WithCode(ctx.Err(), "Tool.WaitOpen", apperrors.CodeNotConnected,
				"connection not open (state "+t.State().String()+")")
		case <-ticker.C:
		}
	}
}

// Close 拆除连接并放弃所有在途请求。
func (t *Tool) Close() {
	if t.conn != nil {
		t.conn.Teardown()
	}
	if t.corr != nil {
		t.corr.Close()
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// ListProjects 获取项目列表。
func (t *Tool) ListProjects(ctx context.Context) (string, error) {
	return t.request(ctx, TypeGetProjects, nil)
}

// GetProjectTree 获取项目目录树。
func (t *Tool) GetProjectTree(ctx context.Context, projectName string) (string, error) {
	if projectName == "" {
		return "", validationError("ProjectFiles.GetProjectTree", "project name required")
	}
	return t.request(ctx, TypeGetProjectTree, map[string]any{FieldProjectName: projectName})
}

// GetProjectFile 获取文件内容。先校验项目名, 再校验文件路径。
func (t *Tool) GetProjectFile(ctx context.Context, projectName, filePath string) (string, error) {
	if projectName == "" {
		return "", validationError("ProjectFiles.GetProjectFile", "project name required")
	}
	if filePath == "" {
		return "", validationError("ProjectFiles.GetProjectFile", "file path required")
	}
	return t.request(ctx, TypeGetFile, map[string]any{
		FieldProjectName: projectName,
		FieldFilePath:    filePath,
	})
}

// Call 按 function 分发到对应操作。
func (t *Tool) Call(ctx context.Context, in Input) (string, error) {
	switch in.Function {
	case FuncGetProjects:
		return t.ListProjects(ctx)
	case FuncGetProjectTree:
		return t.GetProjectTree(ctx, in.ProjectName)
	case FuncGetProjectFile:
		return t.GetProjectFile(ctx, in.ProjectName, in.FilePath)
	default:
		return "", validationError("ProjectFiles.Call", "invalid operation: "+quote(in.Function))
	}
}

// Invoke 解析原始 JSON 参数后调用 Call。
func (t *Tool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var in Input
	if len(bytes.TrimSpace(args)) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", apperrors.WithCode(apperrors.ErrInvalidInput, "ProjectFiles.Invoke", apperrors.CodeValidation,
				"invalid arguments: "+err.Error())
		}
	}
	return t.Call(ctx, in)
}

func (t *Tool) request(ctx context.Context, reqType string, payload map[string]any) (string, error) {
	if t.req == nil {
		return "", notConnectedError("ProjectFiles."+reqType, "tool has no connection")
	}
	data, err := t.req.Send(ctx, reqType, payload)
	if err != nil {
		return "", err
	}
	return serializeResult(data)
}

// serializeResult 将 data 规范化为紧凑 JSON 文本; 缺失 data 序列化为 "null"。
func serializeResult(data json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "null", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", apperrors.Wrap(err, "ProjectFiles.serializeResult", "invalid data payload")
	}
	return buf.String(), nil
}

// Describe 返回工具描述 (名称 + 输入 schema)。
func Describe() Definition {
	return Definition{
		Name: ToolName,
		Description: "Browse the user's project files through the project-files connection. " +
			"getProjects lists projects, getProjectTree returns a project's directory tree, " +
			"getProjectFile returns a file's contents.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"function": map[string]any{
					"type":        "string",
					"enum":        Functions,
					"description": "Operation to perform",
				},
				FieldProjectName: map[string]any{
					"type":        "string",
					"description": "Project name (required for getProjectTree and getProjectFile)",
				},
				FieldFilePath: map[string]any{
					"type":        "string",
					"description": "File path relative to the project root (required for getProjectFile)",
				},
			},
			"required": []string{"function"},
		},
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// logFields 工具调用日志公共字段。
func logFields(userID string, in Input) []any {
	return []any{
		logger.FieldToolName, ToolName,
		logger.FieldUserID, userID,
		logger.FieldFunction, in.Function,
		logger.FieldProject, in.ProjectName,
		logger.FieldFilePath, in.FilePath,
	}
}
