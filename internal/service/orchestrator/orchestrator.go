// Package orchestrator runs the per-email triage pipeline
// Ingested → Triaged → Retrieved → Ticketed → Drafted → Completed, with a
// terminal Failed(stage, reason) reachable from any state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"inboxpilot/internal/apperr"
	"inboxpilot/internal/model"
	"inboxpilot/internal/service/classifier"
	"inboxpilot/internal/service/knowledge"
	"inboxpilot/internal/service/reply"
	"inboxpilot/pkg/config"
	"inboxpilot/pkg/logger"
	"inboxpilot/pkg/metrics"
	"inboxpilot/pkg/trace"
)

// Retriever is the knowledge search capability.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]model.KnowledgeSnippet, error)
}

// TicketDecider applies the ticket policy and logs the ticket.
type TicketDecider interface {
	DecideAndLog(ctx context.Context, email model.Email, triage model.TriageResult) (*model.Ticket, model.TicketAction, error)
}

// Config bounds retries, timeouts and concurrency.
type Config struct {
	Workers         int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ClassifyTimeout time.Duration
	RetrieveTimeout time.Duration
	TicketTimeout   time.Duration
	ComposeTimeout  time.Duration
	TopK            int
}

// ConfigFrom maps the loaded configuration onto the pipeline.
func ConfigFrom(p config.PipelineConfig, k config.KnowledgeConfig) Config {
	return Config{
		Workers:         p.Workers,
		MaxAttempts:     p.MaxAttempts,
		BackoffBase:     p.BackoffBase,
		BackoffMax:      p.BackoffMax,
		ClassifyTimeout: p.ClassifyTimeout,
		RetrieveTimeout: p.RetrieveTimeout,
		TicketTimeout:   p.TicketTimeout,
		ComposeTimeout:  p.ComposeTimeout,
		TopK:            k.TopK,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 10 * c.BackoffBase
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = 5 * time.Second
	}
	if c.RetrieveTimeout <= 0 {
		c.RetrieveTimeout = 3 * time.Second
	}
	if c.TicketTimeout <= 0 {
		c.TicketTimeout = 3 * time.Second
	}
	if c.ComposeTimeout <= 0 {
		c.ComposeTimeout = 5 * time.Second
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	return c
}

type Orchestrator struct {
	classifier classifier.Classifier
	retriever  Retriever
	tickets    TicketDecider
	composer   reply.Composer
	cfg        Config
	logger     *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(c classifier.Classifier, r Retriever, t TicketDecider, comp reply.Composer, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		classifier: c,
		retriever:  r,
		tickets:    t,
		composer:   comp,
		cfg:        cfg.withDefaults(),
		logger:     log,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Process runs one email to a terminal state. It never panics and always
// returns exactly one of Result or Failure.
func (o *Orchestrator) Process(ctx context.Context, email model.Email) (out model.Outcome) {
	ctx, traceID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, o.logger).With(zap.String("email_id", email.ID))
	start := o.now()

	run := &pipelineRun{
		email:   email,
		traceID: traceID,
		stage:   model.StageIngested,
		timings: make(map[model.Stage]int64),
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Pipeline panic",
				zap.Any("panic", r),
				zap.String("stage", string(run.stage)),
				zap.ByteString("stack", debug.Stack()),
			)
			out = o.fail(run, fmt.Errorf("panic: %v", r), start, log)
		}
	}()

	if strings.TrimSpace(email.ID) == "" {
		return o.fail(run, apperr.Input("email id is required"), start, log)
	}

	// Ingested → Triaged
	t0 := o.now()
	triage, err := o.classify(ctx, run, log)
	o.observe(run, model.StageTriaged, t0)
	if err != nil {
		return o.fail(run, err, start, log)
	}
	run.stage = model.StageTriaged

	// Triaged → Retrieved; failure degrades, never fails
	t0 = o.now()
	snippets, err := o.retrieve(ctx, email, triage)
	o.observe(run, model.StageRetrieved, t0)
	if err != nil {
		reason := apperr.Kind(apperr.Wrap(apperr.ErrRetrievalUnavailable, err))
		run.degraded = append(run.degraded, reason)
		metrics.IncrementDegraded(reason)
		log.Warn("Retrieval unavailable, continuing without snippets", zap.Error(err))
		snippets = []model.KnowledgeSnippet{}
	}
	run.stage = model.StageRetrieved

	// Retrieved → Ticketed
	t0 = o.now()
	tctx, cancel := context.WithTimeout(ctx, o.cfg.TicketTimeout)
	ticket, action, err := o.tickets.DecideAndLog(tctx, email, triage)
	cancel()
	o.observe(run, model.StageTicketed, t0)
	if err != nil {
		return o.fail(run, asKind(err, apperr.ErrPersistence), start, log)
	}
	run.stage = model.StageTicketed

	// Ticketed → Drafted
	t0 = o.now()
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ComposeTimeout)
	draft, err := o.composer.Compose(cctx, email, triage, snippets, ticket)
	cancel()
	o.observe(run, model.StageDrafted, t0)
	if err == nil && strings.TrimSpace(draft) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		return o.fail(run, asKind(err, apperr.ErrCompositionUnavailable), start, log)
	}
	run.stage = model.StageDrafted

	// Drafted → Completed
	result := &model.PipelineResult{
		EmailID:          email.ID,
		TraceID:          traceID,
		Triage:           triage,
		Snippets:         snippets,
		Ticket:           ticket,
		TicketAction:     action,
		Reply:            draft,
		ReplySubject:     reply.Subject(email.Subject),
		Degraded:         len(run.degraded) > 0,
		DegradedReasons:  run.degraded,
		ClassifyAttempts: run.attempts,
		StageLatencyMs:   run.timings,
		LatencyMs:        o.now().Sub(start).Milliseconds(),
	}
	run.stage = model.StageCompleted

	metrics.IncrementEmailProcessed("completed")
	log.Info("Email processed",
		zap.String("category", string(triage.Category)),
		zap.String("priority", string(triage.Priority)),
		zap.Int("snippets", len(snippets)),
		zap.String("ticket_action", string(action)),
		zap.Bool("degraded", result.Degraded),
		zap.Int64("latency_ms", result.LatencyMs),
	)
	return model.Outcome{Result: result}
}

type pipelineRun struct {
	email    model.Email
	traceID  string
	stage    model.Stage
	attempts int
	degraded []string
	timings  map[model.Stage]int64
}

// classify retries ErrClassificationUnavailable with exponential backoff.
func (o *Orchestrator) classify(ctx context.Context, run *pipelineRun, log *zap.Logger) (model.TriageResult, error) {
	for attempt := 1; ; attempt++ {
		run.attempts = attempt

		cctx, cancel := context.WithTimeout(ctx, o.cfg.ClassifyTimeout)
		result, err := o.classifier.Classify(cctx, run.email)
		cancel()
		if err == nil {
			if verr := result.Validate(); verr != nil {
				err = apperr.Wrap(apperr.ErrClassificationUnavailable, verr)
			}
		}
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperr.Wrap(apperr.ErrClassificationUnavailable, err)
		}

		if !apperr.Retryable(err) || attempt >= o.cfg.MaxAttempts {
			return model.TriageResult{}, err
		}

		wait := o.backoff(attempt)
		metrics.IncrementClassifyRetry()
		log.Warn("Classification unavailable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := o.sleep(ctx, wait); serr != nil {
			return model.TriageResult{}, err
		}
	}
}

func (o *Orchestrator) retrieve(ctx context.Context, email model.Email, triage model.TriageResult) ([]model.KnowledgeSnippet, error) {
	if o.retriever == nil {
		return []model.KnowledgeSnippet{}, nil
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrieveTimeout)
	defer cancel()
	snippets, err := o.retriever.Search(rctx, knowledge.BuildQuery(email, triage.Category), o.cfg.TopK)
	if err != nil {
		return nil, err
	}
	if snippets == nil {
		snippets = []model.KnowledgeSnippet{}
	}
	return snippets, nil
}

// backoff is base·2^(attempt-1), capped at BackoffMax.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.cfg.BackoffMax {
			return o.cfg.BackoffMax
		}
	}
	return d
}

func (o *Orchestrator) observe(run *pipelineRun, stage model.Stage, since time.Time) {
	d := o.now().Sub(since)
	run.timings[stage] = d.Milliseconds()
	metrics.RecordStageLatency(string(stage), d)
}

func (o *Orchestrator) fail(run *pipelineRun, err error, start time.Time, log *zap.Logger) model.Outcome {
	kind := apperr.Kind(err)
	rec := &model.FailedRecord{
		EmailID:   run.email.ID,
		TraceID:   run.traceID,
		Stage:     run.stage,
		Reason:    err.Error(),
		ErrorType: kind,
		Attempts:  run.attempts,
		LatencyMs: o.now().Sub(start).Milliseconds(),
	}

	metrics.IncrementEmailProcessed("failed")
	metrics.IncrementPipelineFailure(string(run.stage), kind)
	log.Error("Email failed",
		zap.String("stage", string(run.stage)),
		zap.String("error_type", kind),
		zap.Int("attempts", run.attempts),
		zap.Error(err),
	)
	return model.Outcome{Failure: rec}
}

// asKind maps a bare timeout to kind and leaves already classified errors alone.
func asKind(err error, kind error) error {
	if errors.Is(err, apperr.ErrInput) || errors.Is(err, kind) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(kind, err)
	}
	if apperr.Kind(err) != "internal_error" {
		return err
	}
	return apperr.Wrap(kind, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
