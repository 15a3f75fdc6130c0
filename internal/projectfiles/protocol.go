// protocol.go — project-files 远端的 JSON 文本帧协议。
//
//   - Client → Remote: {request_id, sender_role:"plugin", type, ...fields}
//   - Remote → Client: {request_id, data} 或 {request_id, error}
package projectfiles

import (
	"bytes"
	"encoding/json"

	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
)

// 请求类型。
const (
	TypeConnectionVerify = "connection_verify"
	TypeGetProjects      = "get_projects"
	TypeGetProjectTree   = "get_project_tree"
	TypeGetFile          = "get_file"
)

const (
	// SenderRole 所有出站帧的 sender_role。
	SenderRole = "plugin"

	// VerifyRequestID 连接建立后握手帧的固定 request_id, 其回复不被任何调用方等待。
	VerifyRequestID = "initial-connection"
)

// 信封字段名。
const (
	FieldRequestID   = "request_id"
	FieldSenderRole  = "sender_role"
	FieldType        = "type"
	FieldProjectName = "project_name"
	FieldFilePath    = "file_path"
)

// Response 入站响应信封。
//
// Error 保留原始 JSON 以区分 "缺失/null" 与 "存在但为空字符串"。
type Response struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// HasError error 字段存在且非 null 即视为失败 (含空字符串)。
func (r *Response) HasError() bool {
	trimmed := bytes.TrimSpace(r.Error)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// ErrorMessage 返回远端错误文本: JSON 字符串取其值, 其他类型原样返回 JSON 文本。
func (r *Response) ErrorMessage() string {
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(r.Error))
}

// encodeRequest 构造出站帧。信封字段优先于 payload 中的同名键, 避免 payload 改写 request_id。
func encodeRequest(requestID, reqType string, payload map[string]any) ([]byte, error) {
	frame := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		frame[k] = v
	}
	frame[FieldRequestID] = requestID
	frame[FieldSenderRole] = SenderRole
	frame[FieldType] = reqType

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, apperrors.Wrapf(err, "projectfiles.encodeRequest", "marshal %s", reqType)
	}
	return data, nil
}

// decodeResponse 解析入站帧。
func decodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
