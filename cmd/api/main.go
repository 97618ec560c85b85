package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"inboxpilot/internal/app"
	"inboxpilot/internal/httpserver"
	"inboxpilot/internal/repository"
	"inboxpilot/internal/service/orchestrator"
	"inboxpilot/pkg/config"
	"inboxpilot/pkg/logger"
	"inboxpilot/pkg/mq"
)

func main() {
	logger := logger.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load(config.GetConfigEnv(), "config")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting triage API...", zap.String("port", cfg.Server.Port))

	ctx := context.Background()
	deps, closeDeps, err := app.Connect(ctx, cfg, false, logger)
	if err != nil {
		logger.Fatal("Dependency init failed", zap.Error(err))
	}
	defer closeDeps()

	pipeline, err := app.Build(ctx, cfg, deps, logger)
	if err != nil {
		logger.Fatal("Pipeline init failed", zap.Error(err))
	}

	// outcome sinks：有数据库就落库，开启 publish_results 就发事件
	var sinks orchestrator.MultiSink
	var results httpserver.ResultReader
	if deps.DB != nil {
		resultRepo := repository.NewResultRepository(deps.DB)
		sinks = append(sinks, resultRepo)
		results = resultRepo
	}
	if cfg.MQ.PublishResult {
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			logger.Fatal("Failed to init publisher", zap.Error(err))
		}
		defer publisher.Close()
		sinks = append(sinks, orchestrator.NewPublisherSink(publisher))
	}

	handler := httpserver.NewHandler(pipeline.Orchestrator, pipeline.Tickets, results, sinks, logger)
	srv := httpserver.NewServer(cfg.Server.Port, httpserver.NewRouter(handler))

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down triage API...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	logger.Info("Triage API stopped")
}
