// cmd/bridge-call — 直接连接远端执行一次 project_files 调用并打印 JSON 结果。
//
// 用法:
//
//	bridge-call -user alice -function getProjects
//	bridge-call -user alice -function getProjectFile -project proj1 -file main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/multi-agent/project-files-bridge/internal/config"
	"github.com/multi-agent/project-files-bridge/internal/projectfiles"
	apperrors "github.com/multi-agent/project-files-bridge/pkg/errors"
	"github.com/multi-agent/project-files-bridge/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	url := flag.String("url", cfg.WSBaseURL, "远端 WebSocket 基地址")
	user := flag.String("user", "", "用户 id (必填)")
	function := flag.String("function", projectfiles.FuncGetProjects, "getProjects | getProjectTree | getProjectFile")
	project := flag.String("project", "", "项目名")
	file := flag.String("file", "", "文件路径 (相对项目根)")
	connectTimeout := flag.Duration("connect-timeout", 10*time.Second, "等待连接建立的上限")
	flag.Parse()

	logger.Init(cfg.LogEnv, cfg.LogLevel)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		flag.Usage()
		os.Exit(2)
	}

	opts := projectfiles.OptionsFromConfig(cfg)
	opts.BaseURL = *url
	opts.AutoConnect = true
	tool := projectfiles.NewTool(*user, opts)
	defer tool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *connectTimeout)
	err := tool.WaitOpen(ctx)
	cancel()
	if err != nil {
		fail(err)
	}

	out, err := tool.Call(context.Background(), projectfiles.Input{
		Function:    *function,
		ProjectName: *project,
		FilePath:    *file,
	})
	if err != nil {
		fail(err)
	}
	fmt.Println(out)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", apperrors.CodeOf(err), apperrors.MessageOf(err))
	os.Exit(1)
}
