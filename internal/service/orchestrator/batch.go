package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inboxpilot/internal/model"
	"inboxpilot/pkg/logger"
	"inboxpilot/pkg/metrics"
	"inboxpilot/pkg/trace"
)

// CancelledReason is the Failed reason of emails that never started because
// the batch was cancelled.
const CancelledReason = "batch cancelled"

// RunStats summarises one batch.
type RunStats struct {
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Degraded       int            `json:"degraded"`
	Cancelled      int            `json:"cancelled"`
	TicketsCreated int            `json:"tickets_created"`
	TicketsUpdated int            `json:"tickets_updated"`
	SinkErrors     int            `json:"sink_errors"`
	FailuresByType map[string]int `json:"failures_by_type,omitempty"`
	AvgLatencyMs   float64        `json:"avg_latency_ms"`
	MaxLatencyMs   int64          `json:"max_latency_ms"`
	Elapsed        time.Duration  `json:"elapsed"`
}

type statsCollector struct {
	mu           sync.Mutex
	stats        RunStats
	latencySum   int64
	latencyCount int
}

func (c *statsCollector) record(o model.Outcome, sinkErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.stats
	if sinkErr != nil {
		s.SinkErrors++
	}

	var latency int64
	switch {
	case o.Result != nil:
		s.Completed++
		latency = o.Result.LatencyMs
		if o.Result.Degraded {
			s.Degraded++
		}
		switch o.Result.TicketAction {
		case model.TicketActionCreated:
			s.TicketsCreated++
		case model.TicketActionUpdated:
			s.TicketsUpdated++
		}
	case o.Failure != nil:
		s.Failed++
		latency = o.Failure.LatencyMs
		if s.FailuresByType == nil {
			s.FailuresByType = make(map[string]int)
		}
		s.FailuresByType[o.Failure.ErrorType]++
		if o.Failure.Reason == CancelledReason {
			s.Cancelled++
			return
		}
	}

	c.latencySum += latency
	c.latencyCount++
	if latency > s.MaxLatencyMs {
		s.MaxLatencyMs = latency
	}
}

func (c *statsCollector) snapshot(total int, elapsed time.Duration) RunStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Total = total
	s.Elapsed = elapsed
	if c.latencyCount > 0 {
		s.AvgLatencyMs = float64(c.latencySum) / float64(c.latencyCount)
	}
	return s
}

// RunBatch processes emails on a bounded worker pool and emits exactly one
// outcome per input email to sink. A failed email never aborts the batch.
// When ctx is cancelled no new pipelines start; in-flight ones finish on a
// context detached from ctx and the rest are emitted as Failed(Ingested,
// "batch cancelled"). The returned error is ctx.Err() in that case.
func (o *Orchestrator) RunBatch(ctx context.Context, emails []model.Email, sink Sink) (RunStats, error) {
	if sink == nil {
		sink = Discard
	}
	start := o.now()
	detached := context.WithoutCancel(ctx)
	collector := &statsCollector{}
	log := logger.WithTrace(ctx, o.logger)

	emit := func(outcome model.Outcome) {
		err := sink.Emit(detached, outcome)
		if err != nil {
			log.Error("Failed to emit outcome",
				zap.String("email_id", outcome.EmailID()),
				zap.Error(err),
			)
		}
		collector.record(outcome, err)
	}
	cancelled := func(email model.Email) {
		emit(model.Outcome{Failure: &model.FailedRecord{
			EmailID:   email.ID,
			Stage:     model.StageIngested,
			Reason:    CancelledReason,
			ErrorType: "cancelled",
		}})
	}

	log.Info("Batch started",
		zap.Int("emails", len(emails)),
		zap.Int("workers", o.cfg.Workers),
	)

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, email := range emails {
		if ctx.Err() != nil {
			for _, rest := range emails[i:] {
				cancelled(rest)
			}
			break
		}
		g.Go(func() error {
			// a slot may free up only after cancellation
			if ctx.Err() != nil {
				cancelled(email)
				return nil
			}
			pctx := trace.WithContext(detached, trace.GenerateTraceID())
			emit(o.Process(pctx, email))
			return nil
		})
	}
	_ = g.Wait()

	stats := collector.snapshot(len(emails), o.now().Sub(start))
	metrics.IncrementBatchRun(stats.Completed, stats.Failed, stats.Cancelled)
	log.Info("Batch finished",
		zap.Int("total", stats.Total),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("degraded", stats.Degraded),
		zap.Int("cancelled", stats.Cancelled),
		zap.Int("tickets_created", stats.TicketsCreated),
		zap.Int("tickets_updated", stats.TicketsUpdated),
		zap.Duration("elapsed", stats.Elapsed),
	)
	return stats, ctx.Err()
}
