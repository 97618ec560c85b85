package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClaimState is the result of Deduper.Claim.
type ClaimState int

const (
	// Claimed: this delivery owns the email and must Confirm or Release it.
	Claimed ClaimState = iota
	// InFlight: another delivery holds an unexpired processing lease.
	InFlight
	// Done: an outcome was already produced for this email.
	Done
)

const (
	claimProcessing = "processing"
	claimDone       = "done"

	defaultClaimTTL = 2 * time.Minute
)

// Deduper guards MQ handlers against redelivered events. Keys are per handler
// and per email so the same email can still flow through different handlers.
//
// A claim starts as a short processing lease (claimTTL) and only becomes a
// ttl-long done marker after Confirm, so a worker that dies mid-pipeline does
// not leave the email marked as handled.
type Deduper struct {
	rdb      *redis.Client
	ttl      time.Duration
	claimTTL time.Duration
	logger   *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	claimTTL := defaultClaimTTL
	if ttl > 0 && ttl < claimTTL {
		claimTTL = ttl
	}
	return &Deduper{rdb: rdb, ttl: ttl, claimTTL: claimTTL, logger: logger}
}

// WithClaimTTL sets the processing lease; it must outlast one pipeline run.
func (d *Deduper) WithClaimTTL(claimTTL time.Duration) *Deduper {
	if claimTTL > 0 {
		d.claimTTL = claimTTL
	}
	return d
}

// FormatDedupKey 生成去重 key
func FormatDedupKey(handler, emailID string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, emailID)
}

// Claim takes the processing lease for emailID.
func (d *Deduper) Claim(ctx context.Context, handler string, emailID string) ClaimState {
	key := FormatDedupKey(handler, emailID)

	ok, err := d.rdb.SetNX(ctx, key, claimProcessing, d.claimTTL).Result()
	if err != nil {
		// Redis 挂了？为了安全：当 redis 不可用时，不阻止处理
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("email_id", emailID),
			zap.Error(err),
		)
		return Claimed
	}
	if ok {
		return Claimed
	}

	state, err := d.rdb.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// 刚好过期，再抢一次
		return d.Claim(ctx, handler, emailID)
	case err != nil:
		d.logger.Warn("Redis dedup read failed, treating as in flight",
			zap.String("handler", handler),
			zap.String("email_id", emailID),
			zap.Error(err),
		)
		return InFlight
	case state == claimDone:
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("email_id", emailID),
			zap.String("dedup_key", key),
		)
		return Done
	default:
		return InFlight
	}
}

// Confirm marks emailID as handled for the full dedup ttl.
func (d *Deduper) Confirm(ctx context.Context, handler string, emailID string) {
	if err := d.rdb.Set(ctx, FormatDedupKey(handler, emailID), claimDone, d.ttl).Err(); err != nil {
		d.logger.Warn("Failed to confirm dedup key",
			zap.String("handler", handler),
			zap.String("email_id", emailID),
			zap.Error(err),
		)
	}
}

// Release drops the dedup marker so a redelivery is processed again.
// Used when the handler gives the message back to the broker for retry.
func (d *Deduper) Release(ctx context.Context, handler string, emailID string) {
	if err := d.rdb.Del(ctx, FormatDedupKey(handler, emailID)).Err(); err != nil {
		d.logger.Warn("Failed to release dedup key",
			zap.String("handler", handler),
			zap.String("email_id", emailID),
			zap.Error(err),
		)
	}
}
