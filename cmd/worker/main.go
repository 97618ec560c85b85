package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"inboxpilot/internal/app"
	"inboxpilot/internal/mqhandler"
	"inboxpilot/internal/repository"
	"inboxpilot/internal/service/orchestrator"
	"inboxpilot/pkg/config"
	"inboxpilot/pkg/logger"
	"inboxpilot/pkg/mq"
	"inboxpilot/pkg/outbox"
	"inboxpilot/pkg/util"
)

func main() {
	logger := logger.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load(config.GetConfigEnv(), "config")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting triage worker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis 总是需要：去重 + 重投计数
	deps, closeDeps, err := app.Connect(ctx, cfg, true, logger)
	if err != nil {
		logger.Fatal("Dependency init failed", zap.Error(err))
	}
	defer closeDeps()

	deduper := util.NewDeduper(deps.Redis, cfg.MQ.DedupTTL, logger).WithClaimTTL(cfg.MQ.ClaimTTL)
	retryCounter := util.NewRetryCounter(deps.Redis, cfg.MQ.DedupTTL)

	pipeline, err := app.Build(ctx, cfg, deps, logger)
	if err != nil {
		logger.Fatal("Pipeline init failed", zap.Error(err))
	}

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		logger.Fatal("Failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	var sinks orchestrator.MultiSink
	if deps.DB != nil {
		sinks = append(sinks, repository.NewResultRepository(deps.DB))
	}
	if cfg.MQ.PublishResult {
		sinks = append(sinks, orchestrator.NewPublisherSink(publisher))
	}

	// ticket.created / ticket.updated 写在 outbox 里，由 dispatcher 投递
	if cfg.Tickets.Store == "postgres" {
		dispatcher := outbox.NewDispatcher(outbox.NewRepository(deps.DB), publisher, logger).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		go dispatcher.Start(ctx)
	}

	handler := mqhandler.NewEmailReceivedHandler(
		pipeline.Orchestrator,
		sinks,
		deduper,
		retryCounter,
		cfg.MQ.MaxRedeliveries,
		logger,
	)

	logger.Info("Init consumer", zap.String("queue", cfg.MQ.EmailQueue))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.EmailQueue, cfg.MQ.EmailRouting, cfg.MQ.Prefetch, logger)
	if err != nil {
		logger.Fatal("Consumer init failed", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(handler.Handle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.StartConsuming(ctx); err != nil {
			logger.Fatal("Consumer crashed", zap.Error(err))
		}
	}()

	logger.Info("Worker running")

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	// 先停止接收新消息，等在处理的消息 ack/nack 完再断开
	consumer.Stop()
	<-done
	cancel()

	logger.Info("Worker stopped")
}
