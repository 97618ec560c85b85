package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractmq "inboxpilot/contracts/mq"
	"inboxpilot/internal/model"
	"inboxpilot/internal/service/orchestrator"
	"inboxpilot/pkg/mq"
	"inboxpilot/pkg/trace"
	"inboxpilot/pkg/util"
)

type mockProcessor struct {
	calls       atomic.Int32
	ProcessFunc func(ctx context.Context, email model.Email) model.Outcome
}

func (m *mockProcessor) Process(ctx context.Context, email model.Email) model.Outcome {
	m.calls.Add(1)
	return m.ProcessFunc(ctx, email)
}

func completed(email model.Email) model.Outcome {
	return model.Outcome{Result: &model.PipelineResult{
		EmailID: email.ID,
		Triage:  model.TriageResult{Category: model.CategoryFan, Priority: model.P4},
		Reply:   "thanks",
	}}
}

func newTestHandler(t *testing.T, proc Processor, sink orchestrator.Sink) (*EmailReceivedHandler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	h := NewEmailReceivedHandler(proc, sink, util.NewDeduper(rdb, time.Hour, nil), util.NewRetryCounter(rdb, time.Hour), 2, nil)
	return h, mr
}

func payload(t *testing.T, p contractmq.EmailReceivedPayload) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func TestHandle_ProcessesOnceAndEmits(t *testing.T) {
	var gotTrace string
	proc := &mockProcessor{ProcessFunc: func(ctx context.Context, email model.Email) model.Outcome {
		gotTrace = trace.FromContext(ctx)
		assert.Equal(t, "Love your content!", email.Subject)
		assert.Equal(t, "th-1", email.ThreadID)
		return completed(email)
	}}
	sink := orchestrator.NewMemorySink()
	h, _ := newTestHandler(t, proc, sink)

	raw := payload(t, contractmq.EmailReceivedPayload{EmailID: "e-1", ThreadID: "th-1", Sender: "fan@x.com", Subject: "Love your content!", Body: "hi", TraceID: "trace-9"})
	require.NoError(t, h.Handle(context.Background(), raw))
	// redelivery of the same email is acked without reprocessing
	require.NoError(t, h.Handle(context.Background(), raw))

	assert.Equal(t, int32(1), proc.calls.Load())
	assert.Equal(t, "trace-9", gotTrace)
	require.Len(t, sink.Outcomes(), 1)
	assert.Equal(t, "e-1", sink.Outcomes()[0].EmailID())
}

func TestHandle_BadPayloadIsDropped(t *testing.T) {
	proc := &mockProcessor{ProcessFunc: func(ctx context.Context, email model.Email) model.Outcome { return completed(email) }}
	h, _ := newTestHandler(t, proc, orchestrator.Discard)

	err := h.Handle(context.Background(), json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, mq.ErrDrop)

	err = h.Handle(context.Background(), json.RawMessage(`{"subject":"no id"}`))
	assert.ErrorIs(t, err, mq.ErrDrop)
	assert.Zero(t, proc.calls.Load())
}

func TestHandle_TransientFailureRequeuesThenGivesUp(t *testing.T) {
	proc := &mockProcessor{ProcessFunc: func(ctx context.Context, email model.Email) model.Outcome {
		return model.Outcome{Failure: &model.FailedRecord{
			EmailID: email.ID, Stage: model.StageIngested, Reason: "classifier down", ErrorType: "classification_unavailable", Attempts: 3,
		}}
	}}
	sink := orchestrator.NewMemorySink()
	h, mr := newTestHandler(t, proc, sink)
	raw := payload(t, contractmq.EmailReceivedPayload{EmailID: "e-2", Subject: "s", Body: "b"})

	// deliveries 1 and 2 go back to the broker
	assert.Error(t, h.Handle(context.Background(), raw))
	assert.Error(t, h.Handle(context.Background(), raw))
	assert.Empty(t, sink.Outcomes())

	// delivery 3 exceeds the limit, the failure becomes the outcome
	require.NoError(t, h.Handle(context.Background(), raw))
	require.Len(t, sink.Outcomes(), 1)
	assert.False(t, sink.Outcomes()[0].Completed())
	assert.Equal(t, int32(3), proc.calls.Load())
	assert.False(t, mr.Exists(util.FormatRetryKey(handlerName, "e-2")))
}

func TestHandle_PermanentFailureIsEmitted(t *testing.T) {
	proc := &mockProcessor{ProcessFunc: func(ctx context.Context, email model.Email) model.Outcome {
		return model.Outcome{Failure: &model.FailedRecord{EmailID: email.ID, Stage: model.StageIngested, ErrorType: "input_error"}}
	}}
	sink := orchestrator.NewMemorySink()
	h, _ := newTestHandler(t, proc, sink)

	require.NoError(t, h.Handle(context.Background(), payload(t, contractmq.EmailReceivedPayload{EmailID: "e-3"})))
	require.Len(t, sink.Outcomes(), 1)
	assert.Equal(t, "input_error", sink.Outcomes()[0].Failure.ErrorType)
}

func TestHandle_SinkErrorStillAcks(t *testing.T) {
	proc := &mockProcessor{ProcessFunc: func(ctx context.Context, email model.Email) model.Outcome { return completed(email) }}
	sink := orchestrator.SinkFunc(func(ctx context.Context, outcome model.Outcome) error { return errors.New("db down") })
	h, _ := newTestHandler(t, proc, sink)

	assert.NoError(t, h.Handle(context.Background(), payload(t, contractmq.EmailReceivedPayload{EmailID: "e-4", Body: "b"})))
}

func TestHandle_UnconfirmedClaimIsRedeliveredAfterLease(t *testing.T) {
	proc := &mockProcessor{ProcessFunc: func(ctx context.Context, email model.Email) model.Outcome { return completed(email) }}
	sink := orchestrator.NewMemorySink()
	h, mr := newTestHandler(t, proc, sink)
	raw := payload(t, contractmq.EmailReceivedPayload{EmailID: "e-5", Subject: "s", Body: "b"})

	// a previous worker claimed the email and died before emitting
	require.NoError(t, mr.Set(util.FormatDedupKey(handlerName, "e-5"), "processing"))
	mr.SetTTL(util.FormatDedupKey(handlerName, "e-5"), 2*time.Minute)

	assert.Error(t, h.Handle(context.Background(), raw))
	assert.Zero(t, proc.calls.Load())
	assert.Empty(t, sink.Outcomes())

	mr.FastForward(3 * time.Minute)
	require.NoError(t, h.Handle(context.Background(), raw))
	require.Len(t, sink.Outcomes(), 1)
	assert.Equal(t, int32(1), proc.calls.Load())
}
