package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxpilot/internal/apperr"
	"inboxpilot/internal/model"
	"inboxpilot/internal/service/classifier"
	"inboxpilot/internal/service/knowledge"
	"inboxpilot/internal/service/reply"
	"inboxpilot/internal/service/ticket"
)

var kb = []model.KnowledgeEntry{
	{KBID: "KB-001", Text: "Sponsorship inquiries need brand name, deliverables, timeline and budget before we quote a rate card."},
	{KBID: "KB-002", Text: "Sponsorship deadlines under 48 hours are escalated to the manager; never confirm terms in the first reply."},
	{KBID: "KB-004", Text: "Payment disputes and chargebacks are handled by the manager."},
	{KBID: "KB-006", Text: "Fan mail receives a short thank-you; we do not share personal contact details."},
}

type mockClassifier struct {
	ClassifyFunc func(ctx context.Context, email model.Email) (model.TriageResult, error)
}

func (m *mockClassifier) Classify(ctx context.Context, email model.Email) (model.TriageResult, error) {
	return m.ClassifyFunc(ctx, email)
}

type mockRetriever struct {
	SearchFunc func(ctx context.Context, query string, topK int) ([]model.KnowledgeSnippet, error)
}

func (m *mockRetriever) Search(ctx context.Context, query string, topK int) ([]model.KnowledgeSnippet, error) {
	return m.SearchFunc(ctx, query, topK)
}

type mockDecider struct {
	DecideAndLogFunc func(ctx context.Context, email model.Email, triage model.TriageResult) (*model.Ticket, model.TicketAction, error)
}

func (m *mockDecider) DecideAndLog(ctx context.Context, email model.Email, triage model.TriageResult) (*model.Ticket, model.TicketAction, error) {
	return m.DecideAndLogFunc(ctx, email, triage)
}

type mockComposer struct {
	ComposeFunc func(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, t *model.Ticket) (string, error)
}

func (m *mockComposer) Compose(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, t *model.Ticket) (string, error) {
	return m.ComposeFunc(ctx, email, triage, snippets, t)
}

func testConfig() Config {
	return Config{
		Workers:         4,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffMax:      4 * time.Millisecond,
		ClassifyTimeout: time.Second,
		RetrieveTimeout: time.Second,
		TicketTimeout:   time.Second,
		ComposeTimeout:  time.Second,
		TopK:            3,
	}
}

// newRealPipeline wires the default components over an in-memory store.
func newRealPipeline(t *testing.T) (*Orchestrator, *ticket.Service) {
	t.Helper()
	corpus := make([]string, len(kb))
	for i, e := range kb {
		corpus[i] = e.Text
	}
	retriever, err := knowledge.NewRetriever(context.Background(), kb, knowledge.NewTFIDF(corpus), knowledge.Options{MinScore: 0.05}, nil)
	require.NoError(t, err)
	tickets := ticket.NewService(ticket.NewMemoryStore(nil), nil)
	o := New(classifier.NewRuleClassifier(nil), retriever, tickets, reply.NewTemplateComposer(), testConfig(), nil)
	return o, tickets
}

// stubPipeline has every stage succeed; tests override one stage.
type stubPipeline struct {
	classifier *mockClassifier
	retriever  *mockRetriever
	decider    *mockDecider
	composer   *mockComposer
	sleeps     []time.Duration
}

func newStubPipeline() *stubPipeline {
	return &stubPipeline{
		classifier: &mockClassifier{ClassifyFunc: func(ctx context.Context, email model.Email) (model.TriageResult, error) {
			return model.TriageResult{Category: model.CategoryDispute, Priority: model.P1, Confidence: 0.9}, nil
		}},
		retriever: &mockRetriever{SearchFunc: func(ctx context.Context, query string, topK int) ([]model.KnowledgeSnippet, error) {
			return []model.KnowledgeSnippet{{KBID: "KB-004", Text: "disputes", RelevanceScore: 0.4}}, nil
		}},
		decider: &mockDecider{DecideAndLogFunc: func(ctx context.Context, email model.Email, triage model.TriageResult) (*model.Ticket, model.TicketAction, error) {
			return &model.Ticket{ID: 7, EmailID: email.ID, Status: model.TicketOpen}, model.TicketActionCreated, nil
		}},
		composer: &mockComposer{ComposeFunc: func(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, t *model.Ticket) (string, error) {
			return "reply", nil
		}},
	}
}

func (s *stubPipeline) build(cfg Config) *Orchestrator {
	o := New(s.classifier, s.retriever, s.decider, s.composer, cfg, nil)
	var mu sync.Mutex
	o.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		s.sleeps = append(s.sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return o
}

func msg(id, subject, body string) model.Email {
	return model.Email{ID: id, Sender: "sender@example.com", Subject: subject, Body: body}
}

func TestProcess_SponsorshipScenario(t *testing.T) {
	o, tickets := newRealPipeline(t)

	out := o.Process(context.Background(), msg("e-1", "Sponsorship deadline tomorrow!", "Can you confirm the campaign terms?"))
	require.True(t, out.Completed(), "failure: %+v", out.Failure)
	r := out.Result

	assert.Equal(t, model.CategorySponsorship, r.Triage.Category)
	assert.Equal(t, model.P1, r.Triage.Priority)
	require.NotNil(t, r.Ticket)
	assert.Equal(t, model.TicketActionCreated, r.TicketAction)
	assert.Equal(t, model.TicketOpen, r.Ticket.Status)
	assert.Contains(t, r.Reply, r.Ticket.Reference())
	assert.Equal(t, "Re: Sponsorship deadline tomorrow!", r.ReplySubject)
	assert.NotEmpty(t, r.Snippets)
	assert.False(t, r.Degraded)
	assert.Equal(t, 1, r.ClassifyAttempts)
	assert.NotEmpty(t, r.TraceID)
	assert.Contains(t, r.StageLatencyMs, model.StageDrafted)

	all, err := tickets.List(context.Background(), ticket.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProcess_FanScenario(t *testing.T) {
	o, tickets := newRealPipeline(t)

	out := o.Process(context.Background(), msg("e-2", "Re: Love your content!", "Your videos got me through the winter."))
	require.True(t, out.Completed())
	r := out.Result
	assert.Equal(t, "Re: Love your content!", r.ReplySubject)

	assert.Equal(t, model.CategoryFan, r.Triage.Category)
	assert.Equal(t, model.P4, r.Triage.Priority)
	assert.Nil(t, r.Ticket)
	assert.Equal(t, model.TicketActionNone, r.TicketAction)
	assert.Contains(t, r.Reply, reply.Acknowledgement)
	assert.NotContains(t, r.Reply, "TCK-")

	all, err := tickets.List(context.Background(), ticket.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestProcess_RetriesClassification(t *testing.T) {
	s := newStubPipeline()
	var calls atomic.Int32
	s.classifier.ClassifyFunc = func(ctx context.Context, email model.Email) (model.TriageResult, error) {
		if calls.Add(1) < 3 {
			return model.TriageResult{}, apperr.Wrap(apperr.ErrClassificationUnavailable, errors.New("503"))
		}
		return model.TriageResult{Category: model.CategoryFan, Priority: model.P4, Confidence: 0.6}, nil
	}
	o := s.build(testConfig())

	out := o.Process(context.Background(), msg("e-1", "hi", "body"))
	require.True(t, out.Completed())
	assert.Equal(t, 3, out.Result.ClassifyAttempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, s.sleeps)
}

func TestProcess_ClassificationExhausted(t *testing.T) {
	s := newStubPipeline()
	s.classifier.ClassifyFunc = func(ctx context.Context, email model.Email) (model.TriageResult, error) {
		return model.TriageResult{}, apperr.Wrap(apperr.ErrClassificationUnavailable, errors.New("503"))
	}
	cfg := testConfig()
	cfg.MaxAttempts = 4
	o := s.build(cfg)

	out := o.Process(context.Background(), msg("e-1", "hi", "body"))
	require.NotNil(t, out.Failure)
	assert.Nil(t, out.Result)
	assert.Equal(t, model.StageIngested, out.Failure.Stage)
	assert.Equal(t, "classification_unavailable", out.Failure.ErrorType)
	assert.Equal(t, 4, out.Failure.Attempts)
	// backoff is capped at BackoffMax
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, s.sleeps)
}

func TestProcess_InputErrorNotRetried(t *testing.T) {
	o, _ := newRealPipeline(t)

	out := o.Process(context.Background(), msg("e-1", "Sponsorship", ""))
	require.NotNil(t, out.Failure)
	assert.Equal(t, "input_error", out.Failure.ErrorType)
	assert.Equal(t, 1, out.Failure.Attempts)

	missingID := o.Process(context.Background(), msg("", "x", "y"))
	require.NotNil(t, missingID.Failure)
	assert.Equal(t, "input_error", missingID.Failure.ErrorType)
}

func TestProcess_ClassifyTimeoutIsRetryable(t *testing.T) {
	s := newStubPipeline()
	var calls atomic.Int32
	s.classifier.ClassifyFunc = func(ctx context.Context, email model.Email) (model.TriageResult, error) {
		calls.Add(1)
		<-ctx.Done()
		return model.TriageResult{}, ctx.Err()
	}
	cfg := testConfig()
	cfg.ClassifyTimeout = 5 * time.Millisecond
	cfg.MaxAttempts = 2
	o := s.build(cfg)

	out := o.Process(context.Background(), msg("e-1", "x", "y"))
	require.NotNil(t, out.Failure)
	assert.Equal(t, "classification_unavailable", out.Failure.ErrorType)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcess_InvalidTriageIsRetried(t *testing.T) {
	s := newStubPipeline()
	var calls atomic.Int32
	s.classifier.ClassifyFunc = func(ctx context.Context, email model.Email) (model.TriageResult, error) {
		if calls.Add(1) == 1 {
			return model.TriageResult{Category: model.CategoryFan}, nil // no priority
		}
		return model.TriageResult{Category: model.CategoryFan, Priority: model.P4}, nil
	}
	o := s.build(testConfig())

	out := o.Process(context.Background(), msg("e-1", "x", "y"))
	require.True(t, out.Completed())
	assert.Equal(t, 2, out.Result.ClassifyAttempts)
}

func TestProcess_DegradedRetrieval(t *testing.T) {
	s := newStubPipeline()
	s.retriever.SearchFunc = func(ctx context.Context, query string, topK int) ([]model.KnowledgeSnippet, error) {
		return nil, apperr.Wrap(apperr.ErrRetrievalUnavailable, errors.New("embedding down"))
	}
	var composedWith []model.KnowledgeSnippet
	s.composer.ComposeFunc = func(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, t *model.Ticket) (string, error) {
		composedWith = snippets
		return "ack", nil
	}
	o := s.build(testConfig())

	out := o.Process(context.Background(), msg("e-1", "x", "y"))
	require.True(t, out.Completed())
	assert.True(t, out.Result.Degraded)
	assert.Equal(t, []string{"retrieval_unavailable"}, out.Result.DegradedReasons)
	assert.NotNil(t, out.Result.Snippets)
	assert.Empty(t, out.Result.Snippets)
	assert.NotNil(t, composedWith)
	assert.Empty(t, composedWith)
}

func TestProcess_RetrievalTimeoutDegrades(t *testing.T) {
	s := newStubPipeline()
	s.retriever.SearchFunc = func(ctx context.Context, query string, topK int) ([]model.KnowledgeSnippet, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	cfg := testConfig()
	cfg.RetrieveTimeout = 5 * time.Millisecond
	o := s.build(cfg)

	out := o.Process(context.Background(), msg("e-1", "x", "y"))
	require.True(t, out.Completed())
	assert.True(t, out.Result.Degraded)
}

func TestProcess_RetrievalQueryAndTopK(t *testing.T) {
	s := newStubPipeline()
	s.retriever.SearchFunc = func(ctx context.Context, query string, topK int) ([]model.KnowledgeSnippet, error) {
		assert.Contains(t, query, "Chargeback on order")
		assert.Contains(t, query, "Dispute")
		assert.Equal(t, 3, topK)
		return nil, nil
	}
	o := s.build(testConfig())

	out := o.Process(context.Background(), msg("e-1", "Chargeback on order", "y"))
	require.True(t, out.Completed())
	assert.NotNil(t, out.Result.Snippets)
	assert.False(t, out.Result.Degraded)
}

func TestProcess_TicketFailureIsFatal(t *testing.T) {
	s := newStubPipeline()
	s.decider.DecideAndLogFunc = func(ctx context.Context, email model.Email, triage model.TriageResult) (*model.Ticket, model.TicketAction, error) {
		return nil, model.TicketActionNone, errors.New("db down")
	}
	composed := false
	s.composer.ComposeFunc = func(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, t *model.Ticket) (string, error) {
		composed = true
		return "x", nil
	}
	o := s.build(testConfig())

	out := o.Process(context.Background(), msg("e-1", "x", "y"))
	require.NotNil(t, out.Failure)
	assert.Equal(t, model.StageRetrieved, out.Failure.Stage)
	assert.Equal(t, "persistence_error", out.Failure.ErrorType)
	assert.False(t, composed)
}

func TestProcess_CompositionFailureIsFatal(t *testing.T) {
	s := newStubPipeline()
	s.composer.ComposeFunc = func(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, t *model.Ticket) (string, error) {
		return "", errors.New("model overloaded")
	}
	o := s.build(testConfig())

	out := o.Process(context.Background(), msg("e-1", "x", "y"))
	require.NotNil(t, out.Failure)
	assert.Equal(t, model.StageTicketed, out.Failure.Stage)
	assert.Equal(t, "composition_unavailable", out.Failure.ErrorType)

	s.composer.ComposeFunc = func(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, t *model.Ticket) (string, error) {
		return "  ", nil
	}
	out = o.Process(context.Background(), msg("e-2", "x", "y"))
	require.NotNil(t, out.Failure)
	assert.Equal(t, "composition_unavailable", out.Failure.ErrorType)
}

func TestProcess_PanicBecomesFailure(t *testing.T) {
	s := newStubPipeline()
	s.composer.ComposeFunc = func(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, t *model.Ticket) (string, error) {
		panic("nil map")
	}
	o := s.build(testConfig())

	out := o.Process(context.Background(), msg("e-1", "x", "y"))
	require.NotNil(t, out.Failure)
	assert.Equal(t, model.StageTicketed, out.Failure.Stage)
	assert.Equal(t, "internal_error", out.Failure.ErrorType)
	assert.Contains(t, out.Failure.Reason, "nil map")
}

func TestRunBatch_ExactlyOneOutcomePerEmail(t *testing.T) {
	s := newStubPipeline()
	s.classifier.ClassifyFunc = func(ctx context.Context, email model.Email) (model.TriageResult, error) {
		if email.Body == "" {
			return model.TriageResult{}, apperr.Input("empty body")
		}
		return model.TriageResult{Category: model.CategoryDispute, Priority: model.P1, Confidence: 0.9}, nil
	}
	s.decider.DecideAndLogFunc = func(ctx context.Context, email model.Email, triage model.TriageResult) (*model.Ticket, model.TicketAction, error) {
		if email.Subject == "fail-ticket" {
			return nil, model.TicketActionNone, errors.New("db down")
		}
		return &model.Ticket{ID: 1}, model.TicketActionCreated, nil
	}
	o := s.build(testConfig())

	const n = 100
	emails := make([]model.Email, n)
	for i := range emails {
		emails[i] = msg(fmt.Sprintf("e-%03d", i), "ok", "body")
		switch i % 10 {
		case 3:
			emails[i].Body = ""
		case 7:
			emails[i].Subject = "fail-ticket"
		}
	}

	sink := NewMemorySink()
	stats, err := o.RunBatch(context.Background(), emails, sink)
	require.NoError(t, err)

	outcomes := sink.Outcomes()
	require.Len(t, outcomes, n)
	seen := make(map[string]int)
	for _, oc := range outcomes {
		assert.True(t, (oc.Result == nil) != (oc.Failure == nil), "exactly one side must be set")
		seen[oc.EmailID()]++
	}
	for _, e := range emails {
		assert.Equal(t, 1, seen[e.ID], e.ID)
	}

	assert.Equal(t, n, stats.Total)
	assert.Equal(t, 80, stats.Completed)
	assert.Equal(t, 20, stats.Failed)
	assert.Equal(t, 10, stats.FailuresByType["input_error"])
	assert.Equal(t, 10, stats.FailuresByType["persistence_error"])
	assert.Equal(t, 80, stats.TicketsCreated)
	assert.Zero(t, stats.Cancelled)
}

func TestRunBatch_BoundedConcurrency(t *testing.T) {
	s := newStubPipeline()
	var inFlight, peak atomic.Int32
	s.classifier.ClassifyFunc = func(ctx context.Context, email model.Email) (model.TriageResult, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return model.TriageResult{Category: model.CategoryFan, Priority: model.P4}, nil
	}
	cfg := testConfig()
	cfg.Workers = 3
	o := s.build(cfg)

	emails := make([]model.Email, 30)
	for i := range emails {
		emails[i] = msg(fmt.Sprintf("e-%d", i), "x", "y")
	}
	stats, err := o.RunBatch(context.Background(), emails, nil)
	require.NoError(t, err)
	assert.Equal(t, 30, stats.Completed)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunBatch_CancellationLetsInFlightFinish(t *testing.T) {
	s := newStubPipeline()
	started := make(chan struct{})
	release := make(chan struct{})
	s.classifier.ClassifyFunc = func(ctx context.Context, email model.Email) (model.TriageResult, error) {
		if email.ID == "e-0" {
			close(started)
			<-release
			// in-flight work runs detached from the batch context
			if err := ctx.Err(); err != nil {
				return model.TriageResult{}, err
			}
		}
		return model.TriageResult{Category: model.CategorySponsorship, Priority: model.P1}, nil
	}
	cfg := testConfig()
	cfg.Workers = 1
	o := s.build(cfg)

	emails := make([]model.Email, 5)
	for i := range emails {
		emails[i] = msg(fmt.Sprintf("e-%d", i), "x", "y")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := NewMemorySink()
	var stats RunStats
	var runErr error
	done := make(chan struct{})
	go func() {
		stats, runErr = o.RunBatch(ctx, emails, sink)
		close(done)
	}()

	<-started
	cancel()
	close(release)
	<-done

	assert.ErrorIs(t, runErr, context.Canceled)
	outcomes := sink.Outcomes()
	require.Len(t, outcomes, 5)

	byID := make(map[string]model.Outcome)
	for _, oc := range outcomes {
		byID[oc.EmailID()] = oc
	}
	require.True(t, byID["e-0"].Completed(), "in-flight email must complete")
	for i := 1; i < 5; i++ {
		f := byID[fmt.Sprintf("e-%d", i)].Failure
		require.NotNil(t, f)
		assert.Equal(t, model.StageIngested, f.Stage)
		assert.Equal(t, CancelledReason, f.Reason)
	}
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 4, stats.Cancelled)
	assert.Equal(t, 4, stats.Failed)
}

func TestRunBatch_TicketIdempotenceAcrossEmails(t *testing.T) {
	o, tickets := newRealPipeline(t)

	emails := []model.Email{
		msg("e-1", "Sponsorship deadline tomorrow!", "Please confirm by tonight."),
		msg("e-2", "Re: Sponsorship deadline tomorrow!", "Following up, urgent."),
	}
	stats, err := o.RunBatch(context.Background(), emails, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TicketsCreated)
	assert.Equal(t, 1, stats.TicketsUpdated)

	all, err := tickets.List(context.Background(), ticket.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.TicketUpdated, all[0].Status)
}

func TestRunBatch_SinkErrorsCounted(t *testing.T) {
	s := newStubPipeline()
	o := s.build(testConfig())
	failing := SinkFunc(func(ctx context.Context, outcome model.Outcome) error {
		return errors.New("disk full")
	})

	stats, err := o.RunBatch(context.Background(), []model.Email{msg("e-1", "x", "y"), msg("e-2", "x", "y")}, failing)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SinkErrors)
	assert.Equal(t, 2, stats.Completed)
}

func TestBackoff(t *testing.T) {
	o := New(nil, nil, nil, nil, Config{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}, nil)
	assert.Equal(t, 100*time.Millisecond, o.backoff(1))
	assert.Equal(t, 200*time.Millisecond, o.backoff(2))
	assert.Equal(t, 800*time.Millisecond, o.backoff(4))
	assert.Equal(t, time.Second, o.backoff(5))
	assert.Equal(t, time.Second, o.backoff(10))
}
