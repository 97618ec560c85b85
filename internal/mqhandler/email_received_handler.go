package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	contractmq "inboxpilot/contracts/mq"
	"inboxpilot/internal/model"
	"inboxpilot/internal/service/orchestrator"
	"inboxpilot/pkg/logger"
	"inboxpilot/pkg/mq"
	"inboxpilot/pkg/trace"
	"inboxpilot/pkg/util"
)

const handlerName = "triage"

// Processor runs one email through the pipeline.
type Processor interface {
	Process(ctx context.Context, email model.Email) model.Outcome
}

// redeliverable 的失败交回 MQ 重投，其余直接输出 Failed
var redeliverable = map[string]bool{
	"classification_unavailable": true,
	"persistence_error":          true,
}

// EmailReceivedHandler consumes email.received, runs the pipeline and emits
// exactly one outcome per email to the sink.
type EmailReceivedHandler struct {
	processor       Processor
	sink            orchestrator.Sink
	deduper         *util.Deduper
	retryCounter    *util.RetryCounter
	maxRedeliveries int64
	logger          *zap.Logger
}

func NewEmailReceivedHandler(
	processor Processor,
	sink orchestrator.Sink,
	deduper *util.Deduper,
	retryCounter *util.RetryCounter,
	maxRedeliveries int,
	logger *zap.Logger,
) *EmailReceivedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailReceivedHandler{
		processor:       processor,
		sink:            sink,
		deduper:         deduper,
		retryCounter:    retryCounter,
		maxRedeliveries: int64(maxRedeliveries),
		logger:          logger,
	}
}

// Handle is an mq.MessageHandler. A nil return acks, mq.ErrDrop rejects
// without requeue, any other error requeues.
func (h *EmailReceivedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p contractmq.EmailReceivedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Invalid EmailReceivedPayload, dropping",
			zap.String("raw", truncate(string(raw), 200)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: bad payload: %v", mq.ErrDrop, err)
	}
	if p.EmailID == "" {
		return fmt.Errorf("%w: payload without email_id", mq.ErrDrop)
	}
	if p.TraceID != "" && trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger).With(zap.String("email_id", p.EmailID))

	// Redis 去重（避免重复投递导致重复工单）
	switch h.deduper.Claim(ctx, handlerName, p.EmailID) {
	case util.Done:
		return nil
	case util.InFlight:
		// 另一个投递持有处理租约；租约过期前交回 MQ，崩溃的 worker 不会吞掉邮件
		return fmt.Errorf("email %s is being processed by another delivery", p.EmailID)
	}

	retryKey := util.FormatRetryKey(handlerName, p.EmailID)
	delivery, err := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if err != nil {
		log.Warn("Retry counter unavailable", zap.Error(err))
		delivery = 1
	}

	outcome := h.processor.Process(ctx, emailFrom(p))

	if f := outcome.Failure; f != nil && redeliverable[f.ErrorType] && delivery <= h.maxRedeliveries {
		log.Warn("Pipeline failed, requeueing",
			zap.String("stage", string(f.Stage)),
			zap.String("error_type", f.ErrorType),
			zap.Int64("retry", delivery),
		)
		h.deduper.Release(ctx, handlerName, p.EmailID)
		return fmt.Errorf("email %s failed at %s: %s", p.EmailID, f.Stage, f.Reason)
	}

	if err := h.sink.Emit(ctx, outcome); err != nil {
		// 结果已经产生，重投只会重复处理，记录后 ack
		log.Error("Failed to emit outcome", zap.Error(err))
	}
	h.deduper.Confirm(ctx, handlerName, p.EmailID)
	if err := h.retryCounter.Reset(ctx, retryKey); err != nil {
		log.Warn("Failed to reset retry counter", zap.Error(err))
	}

	log.Info("Email triaged",
		zap.Bool("completed", outcome.Completed()),
		zap.Int64("deliveries", delivery),
	)
	return nil
}

func emailFrom(p contractmq.EmailReceivedPayload) model.Email {
	return model.Email{
		ID:         p.EmailID,
		ThreadID:   p.ThreadID,
		CreatorID:  p.CreatorID,
		Sender:     p.Sender,
		Subject:    p.Subject,
		Body:       p.Body,
		ReceivedAt: p.ReceivedAt,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
