package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	contractmq "inboxpilot/contracts/mq"
	"inboxpilot/internal/model"
	"inboxpilot/pkg/trace"
)

// Sink receives one outcome per email. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(ctx context.Context, outcome model.Outcome) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, outcome model.Outcome) error

func (f SinkFunc) Emit(ctx context.Context, outcome model.Outcome) error { return f(ctx, outcome) }

// Discard drops every outcome.
var Discard Sink = SinkFunc(func(context.Context, model.Outcome) error { return nil })

// MemorySink collects outcomes in emission order.
type MemorySink struct {
	mu       sync.Mutex
	outcomes []model.Outcome
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Emit(ctx context.Context, outcome model.Outcome) error {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, outcome)
	s.mu.Unlock()
	return nil
}

// Outcomes returns a copy of everything emitted so far.
func (s *MemorySink) Outcomes() []model.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Outcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

func (s *JSONLSink) Emit(ctx context.Context, outcome model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(outcome)
}

// Publisher is the event bus used by PublisherSink.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// PublisherSink publishes triage.completed / triage.failed events.
type PublisherSink struct {
	pub Publisher
	now func() time.Time
}

func NewPublisherSink(pub Publisher) *PublisherSink {
	return &PublisherSink{pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PublisherSink) Emit(ctx context.Context, outcome model.Outcome) error {
	switch {
	case outcome.Result != nil:
		r := outcome.Result
		payload := contractmq.TriageCompletedPayload{
			EmailID:      r.EmailID,
			Category:     string(r.Triage.Category),
			Priority:     string(r.Triage.Priority),
			Confidence:   r.Triage.Confidence,
			SnippetIDs:   make([]string, 0, len(r.Snippets)),
			TicketAction: string(r.TicketAction),
			Reply:        r.Reply,
			ReplySubject: r.ReplySubject,
			Degraded:     r.Degraded,
			LatencyMs:    r.LatencyMs,
			CompletedAt:  s.now(),
			TraceID:      r.TraceID,
		}
		for _, sn := range r.Snippets {
			payload.SnippetIDs = append(payload.SnippetIDs, sn.KBID)
		}
		if r.Ticket != nil {
			payload.TicketID = r.Ticket.ID
		}
		return s.pub.PublishWithContext(withTrace(ctx, r.TraceID), contractmq.RoutingTriageCompleted, payload)
	case outcome.Failure != nil:
		f := outcome.Failure
		return s.pub.PublishWithContext(withTrace(ctx, f.TraceID), contractmq.RoutingTriageFailed, contractmq.TriageFailedPayload{
			EmailID:   f.EmailID,
			Stage:     string(f.Stage),
			Reason:    f.Reason,
			ErrorType: f.ErrorType,
			Attempts:  f.Attempts,
			FailedAt:  s.now(),
			TraceID:   f.TraceID,
		})
	default:
		return errors.New("empty outcome")
	}
}

func withTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return trace.WithContext(ctx, traceID)
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, outcome model.Outcome) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
