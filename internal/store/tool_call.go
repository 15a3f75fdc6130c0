// tool_call.go — 工具调用审计 CRUD。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ToolCallStore 工具调用审计存储。
type ToolCallStore struct{ BaseStore }

// NewToolCallStore 创建工具调用审计存储。
func NewToolCallStore(pool *pgxpool.Pool) *ToolCallStore {
	return &ToolCallStore{NewBaseStore(pool)}
}

// Append 追加一条调用记录。
func (s *ToolCallStore) Append(ctx context.Context, c *ToolCall) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tool_calls (ts, user_id, function, project_name, file_path, success, error_code, error, duration_ms, result_bytes, extra)
		 VALUES (NOW(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)`,
		c.UserID, c.Function, c.ProjectName, c.FilePath, c.Success,
		c.ErrorCode, c.Error, c.DurationMS, c.ResultBytes, string(mustMarshalJSON(c.Extra)))
	return err
}

// List 按过滤条件查询, 最近的在前。
func (s *ToolCallStore) List(ctx context.Context, f ToolCallFilter) ([]ToolCall, error) {
	sql, params := listToolCallsQuery(f)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[ToolCall](rows)
}

func listToolCallsQuery(f ToolCallFilter) (string, []any) {
	q := NewQueryBuilder().
		Eq("user_id", f.UserID).
		Eq("function", f.Function).
		EqBool("success", f.Success).
		KeywordLike(f.Keyword, "project_name", "file_path", "error")
	return q.Build(
		"SELECT id, ts, user_id, function, project_name, file_path, success, error_code, error, duration_ms, result_bytes, extra FROM tool_calls",
		"ts DESC, id DESC", f.Limit)
}
