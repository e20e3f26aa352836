package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/koopa0/system-design/14-touch-sharing/internal"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "YAML 配置檔路徑（留空使用預設值）")
		envFile    = flag.String("env-file", ".env", ".env 檔路徑")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 命令列參數最後覆蓋
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// 設置日誌
	logger := internal.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	// 組裝：註冊表 → 廣播引擎 → 連線管理器 → HTTP
	registry := internal.NewRegistry(cfg.Registry.ClampPositions)
	broadcaster := internal.NewBroadcaster(registry, logger)
	wsHub := internal.NewWebSocketHub(registry, broadcaster, cfg.WebSocket, logger)
	handler := internal.NewHandler(registry, wsHub, cfg.WebSocket.Path, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 啟動服務器
	go func() {
		logger.Info("觸控分享服務器啟動",
			"port", cfg.Server.Port,
			"ws_path", cfg.WebSocket.Path,
			"sweep_interval", cfg.WebSocket.SweepInterval,
			"log_level", cfg.Log.Level)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接（被劫持的 WebSocket 連線不受 Shutdown 管理）
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 關閉所有 WebSocket 連線
	wsHub.Stop()

	logger.Info("服務器已關閉")
}

// loadConfig 預設值 → YAML → .env → 環境變數
func loadConfig(path, envFile string) (*internal.Config, error) {
	cfg, err := internal.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvFile(envFile); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}
