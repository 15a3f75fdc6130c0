// Package store 提供 bridge 的持久化模型与存储。
//
// Go struct 的 db tag 直接对应 PostgreSQL 列名。
package store

import "time"

// ========================================
// 工具调用审计 — 表 tool_calls
// ========================================

// ToolCall 一次 project_files 工具调用记录。
type ToolCall struct {
	ID          int64     `db:"id" json:"id"`
	Ts          time.Time `db:"ts" json:"ts"`
	UserID      string    `db:"user_id" json:"user_id"`
	Function    string    `db:"function" json:"function"`
	ProjectName string    `db:"project_name" json:"project_name"`
	FilePath    string    `db:"file_path" json:"file_path"`
	Success     bool      `db:"success" json:"success"`
	ErrorCode   string    `db:"error_code" json:"error_code"`
	Error       string    `db:"error" json:"error"`
	DurationMS  int64     `db:"duration_ms" json:"duration_ms"`
	ResultBytes int       `db:"result_bytes" json:"result_bytes"`
	Extra       any       `db:"extra" json:"extra,omitempty"`
}

// ToolCallFilter List 过滤条件。零值字段不参与过滤。
type ToolCallFilter struct {
	UserID   string
	Function string
	Success  *bool
	Keyword  string // 匹配 project_name / file_path / error
	Limit    int
}
