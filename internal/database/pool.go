// Package database 提供 PostgreSQL 连接池与迁移。
//
// 使用 pgxpool 直接管理连接，裸写 SQL (不使用 ORM)。
package database

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/project-files-bridge/internal/config"
	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
)

// NewPool 创建 PostgreSQL 连接池并验证连通性。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.NewPool", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, "database.NewPool", "ping postgres")
	}

	logger.Info("postgres pool created",
		"min_conns", poolCfg.MinConns,
		"max_conns", poolCfg.MaxConns,
		"schema", cfg.PostgresSchema,
	)
	return pool, nil
}

// poolConfig 由配置构造 pgxpool.Config (不建连)。
func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	if cfg.PostgresConnStr == "" {
		return nil, apperrors.New("database.NewPool", "POSTGRES_CONNECTION_STRING is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnStr)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.NewPool", "parse postgres config")
	}

	poolCfg.MinConns = safeInt32(cfg.PostgresPoolMinSize, "PostgresPoolMinSize")
	poolCfg.MaxConns = safeInt32(cfg.PostgresPoolMaxSize, "PostgresPoolMaxSize")
	if poolCfg.MaxConns < 1 {
		poolCfg.MaxConns = 1
	}
	if poolCfg.MinConns > poolCfg.MaxConns {
		poolCfg.MinConns = poolCfg.MaxConns
	}

	// search_path 经 Identifier.Sanitize 转义
	if schema := cfg.PostgresSchema; schema != "" && schema != "public" {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			return err
		}
	}
	return poolCfg, nil
}

// safeInt32 将 int 安全转为 int32，超出范围时 clamp 并记录警告。
func safeInt32(v int, name string) int32 {
	if v > math.MaxInt32 {
		logger.Warn("pool config overflow, clamped to MaxInt32", "field", name, "value", v)
		return math.MaxInt32
	}
	if v < 0 {
		logger.Warn("pool config negative, clamped to 0", "field", name, "value", v)
		return 0
	}
	return int32(v)
}
