// cmd/mock-remote — 本地 project-files 远端 (以目录下的子目录为项目)。
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/multi-agent/project-files-bridge/internal/config"
	"github.com/multi-agent/project-files-bridge/internal/mockremote"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
	"github.com/multi-agent/project-files-bridge/pkg/util"
)

func main() {
	cfg := config.MustLoad()
	listen := flag.String("listen", cfg.MockRemoteListen, "监听地址")
	root := flag.String("root", cfg.MockRemoteRoot, "项目根目录 (一级子目录即项目)")
	path := flag.String("path", cfg.MockRemotePath, "WebSocket 路由前缀, 用户 id 为其后一段")
	flag.Parse()

	logger.Init(cfg.LogEnv, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := mockremote.New(*root, *path)
	httpSrv := &http.Server{Addr: *listen, Handler: srv, ReadHeaderTimeout: 10 * time.Second}

	logger.Info("mock-remote starting",
		logger.FieldListen, *listen,
		logger.FieldPath, *path,
		"root", *root,
	)
	util.SafeGo(func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("mock-remote failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("shutting down", logger.FieldCount, srv.Requests())
	srv.DropAll()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
}
