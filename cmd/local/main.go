package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"liuproxy_resolver/internal/app"
	"liuproxy_resolver/internal/shared/config"
	"liuproxy_resolver/internal/shared/logger"
	"liuproxy_resolver/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "liuproxy.ini")

	// 1. 加载 .ini 行为配置
	cfg := types.Defaults()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建并运行服务器
	appServer, err := app.New(cfg, *configDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received.")
		appServer.Stop()
	}()

	appServer.Run()
}
