// helpers.go — Store 层通用工具。
//
//   - QueryBuilder:    动态 WHERE + LIKE 关键词搜索 + 分页
//   - collectRows:     pgx row → Go struct 泛型扫描
//   - mustMarshalJSON: jsonb 列序列化
package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/project-files-bridge/pkg/util"
)

// 单次查询返回行数上限。
const maxListLimit = 2000

// BaseStore 所有 Store 的嵌入基底，持有连接池。
type BaseStore struct{ pool *pgxpool.Pool }

// NewBaseStore 创建 BaseStore。
func NewBaseStore(pool *pgxpool.Pool) BaseStore { return BaseStore{pool: pool} }

// Pool 返回连接池。
func (b BaseStore) Pool() *pgxpool.Pool { return b.pool }

// ========================================
// QueryBuilder — 动态 WHERE 子句构造
// ========================================

// QueryBuilder 渐进式 SQL WHERE 拼接器。
type QueryBuilder struct {
	where  []string
	params []any
	n      int // $N 参数计数器 (pgx 用 $1, $2, ...)
}

// NewQueryBuilder 创建空构造器。
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// Eq 添加等值条件。空值跳过。
func (q *QueryBuilder) Eq(col, val string) *QueryBuilder {
	if val == "" {
		return q
	}
	q.n++
	q.where = append(q.where, fmt.Sprintf("%s = $%d", col, q.n))
	q.params = append(q.params, val)
	return q
}

// EqBool 添加布尔等值条件。nil 跳过。
func (q *QueryBuilder) EqBool(col string, val *bool) *QueryBuilder {
	if val == nil {
		return q
	}
	q.n++
	q.where = append(q.where, fmt.Sprintf("%s = $%d", col, q.n))
	q.params = append(q.params, *val)
	return q
}

// KeywordLike 添加多列 LIKE 关键词搜索 (大小写不敏感)。
func (q *QueryBuilder) KeywordLike(keyword string, cols ...string) *QueryBuilder {
	if keyword == "" || len(cols) == 0 {
		return q
	}
	kw := "%" + util.EscapeLike(strings.ToLower(keyword)) + "%"
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		q.n++
		parts = append(parts, fmt.Sprintf("LOWER(%s) LIKE $%d ESCAPE E'\\\\'", c, q.n))
		q.params = append(q.params, kw)
	}
	q.where = append(q.where, "("+strings.Join(parts, " OR ")+")")
	return q
}

// Build 构建完整 SQL: baseSql + WHERE + ORDER BY + LIMIT。
func (q *QueryBuilder) Build(baseSql, orderBy string, limit int) (string, []any) {
	limit = util.ClampInt(limit, 1, maxListLimit)
	sql := baseSql + q.WhereClause()
	if orderBy != "" {
		sql += " ORDER BY " + orderBy
	}
	q.n++
	sql += fmt.Sprintf(" LIMIT $%d", q.n)
	q.params = append(q.params, limit)
	return sql, q.params
}

// Params 返回当前参数列表。
func (q *QueryBuilder) Params() []any {
	return q.params
}

// WhereClause 仅返回 WHERE 子句 (含前导 " WHERE ")，空条件返回空字符串。
func (q *QueryBuilder) WhereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// collectRows 使用 pgx.CollectRows + RowToStructByName 扫描行到 struct slice。
func collectRows[T any](rows pgx.Rows) ([]T, error) {
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

// mustMarshalJSON 序列化 jsonb 列值; 不可序列化时回退 "{}"。
func mustMarshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
