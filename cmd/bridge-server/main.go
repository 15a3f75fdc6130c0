// cmd/bridge-server — project_files 工具 HTTP 服务主入口。
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/project-files-bridge/internal/config"
	"github.com/multi-agent/project-files-bridge/internal/database"
	"github.com/multi-agent/project-files-bridge/internal/projectfiles"
	"github.com/multi-agent/project-files-bridge/internal/store"
	"github.com/multi-agent/project-files-bridge/internal/toolserver"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
	"github.com/multi-agent/project-files-bridge/pkg/util"
)

const shutdownTimeout = 10 * time.Second

// reaperInterval 空闲扫描间隔: 回收时长的 1/4, 不低于 1s。
func reaperInterval(idle time.Duration) time.Duration {
	return max(idle/4, time.Second)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.MustLoad()
	logger.Init(cfg.LogEnv, cfg.LogLevel)
	if cfg.LogEnv != "development" && cfg.LogEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := toolserver.Deps{ListLimit: cfg.ToolCallListLimit}

	// PostgreSQL 可选: 未配置时不落审计、不写 bridge_logs
	if cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
			logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
		}
		logger.AttachDBHandler(pool)
		defer logger.ShutdownDBHandler()

		calls := store.NewToolCallStore(pool)
		deps.Recorder = calls
		deps.Lister = calls
	} else {
		logger.Info("postgres not configured, tool call audit disabled")
	}

	limits := projectfiles.LimitsFromConfig(cfg)
	manager := projectfiles.NewManagerWithLimits(projectfiles.OptionsFromConfig(cfg), limits)
	defer manager.CloseAll()
	deps.Sessions = manager
	if limits.IdleTimeout > 0 {
		util.SafeGo(func() { manager.RunReaper(ctx, reaperInterval(limits.IdleTimeout)) })
	}

	srv := toolserver.NewServer(deps)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("bridge-server starting",
		logger.FieldListen, cfg.HTTPListen,
		logger.FieldURL, cfg.WSBaseURL,
	)
	util.SafeGo(func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logger.FieldError, err)
	}
}
