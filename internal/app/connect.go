package app

import (
	"context"

	"go.uber.org/zap"

	"inboxpilot/pkg/config"
	"inboxpilot/pkg/db"
	"inboxpilot/pkg/redis"
)

// Connect opens the connections cfg needs. forceRedis opens Redis even when
// no pipeline component selects it (the worker deduper uses it).
// The returned close func is safe to call on partial results.
func Connect(ctx context.Context, cfg *config.Config, forceRedis bool, log *zap.Logger) (Deps, func(), error) {
	var deps Deps
	closeAll := func() {
		if deps.Redis != nil {
			_ = deps.Redis.Close()
		}
		if deps.DB != nil {
			deps.DB.Close()
		}
	}

	if NeedsDB(cfg) {
		pool, err := db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			return deps, closeAll, err
		}
		deps.DB = pool
	}

	if forceRedis || NeedsRedis(cfg) {
		rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return deps, closeAll, err
		}
		deps.Redis = rdb
		log.Info("Redis ready", zap.String("addr", cfg.Redis.Addr))
	}
	return deps, closeAll, nil
}
