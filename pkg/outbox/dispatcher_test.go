package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxpilot/pkg/trace"
)

type fakeStore struct {
	mu       sync.Mutex
	events   map[int64]*Event
	failedOn map[int64]int
}

func newFakeStore(events ...*Event) *fakeStore {
	s := &fakeStore{events: map[int64]*Event{}, failedOn: map[int64]int{}}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *fakeStore) byStatus(status string) []*Event {
	var out []*Event
	for id := int64(1); id <= int64(len(s.events)); id++ {
		if e, ok := s.events[id]; ok && e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeStore) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byStatus(StatusPending), nil
}

func (s *fakeStore) GetFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byStatus(StatusFailed), nil
}

func (s *fakeStore) MarkAsSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = StatusSent
	return nil
}

func (s *fakeStore) MarkAsFailed(ctx context.Context, id int64, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.RetryCount++
	s.failedOn[id]++
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
	}
	return nil
}

func (s *fakeStore) ReplayEvent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = StatusPending
	e.RetryCount = 0
	return nil
}

type sentMsg struct {
	routingKey string
	body       json.RawMessage
	traceID    string
}

type fakePublisher struct {
	PublishFunc func(routingKey string) error
	sent        []sentMsg
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	if p.PublishFunc != nil {
		if err := p.PublishFunc(routingKey); err != nil {
			return err
		}
	}
	body, _ := payload.(json.RawMessage)
	p.sent = append(p.sent, sentMsg{routingKey: routingKey, body: body, traceID: trace.FromContext(ctx)})
	return nil
}

func ticketEvent(id int64, routingKey string, payload string) *Event {
	return &Event{ID: id, AggregateType: "ticket", RoutingKey: routingKey, Payload: json.RawMessage(payload), Status: StatusPending}
}

func TestDispatcher_PublishesPendingWithTrace(t *testing.T) {
	store := newFakeStore(
		ticketEvent(1, "ticket.created", `{"ticket_id":1,"trace_id":"t-1"}`),
		ticketEvent(2, "ticket.updated", `{"ticket_id":1}`),
	)
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, nil)

	assert.Equal(t, 2, d.DispatchOnce(context.Background()))
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "ticket.created", pub.sent[0].routingKey)
	assert.Equal(t, "t-1", pub.sent[0].traceID)
	assert.JSONEq(t, `{"ticket_id":1,"trace_id":"t-1"}`, string(pub.sent[0].body))
	assert.Empty(t, pub.sent[1].traceID)

	assert.Equal(t, StatusSent, store.events[1].Status)
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
}

func TestDispatcher_FailureRetriesThenGivesUp(t *testing.T) {
	store := newFakeStore(ticketEvent(1, "ticket.created", `{"ticket_id":1}`))
	pub := &fakePublisher{PublishFunc: func(string) error { return errors.New("channel closed") }}
	d := NewDispatcher(store, pub, nil).WithMaxRetries(2)

	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	assert.Equal(t, StatusPending, store.events[1].Status)
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	assert.Equal(t, StatusFailed, store.events[1].Status)
	assert.Equal(t, 2, store.failedOn[1])

	// 已放弃的事件不会再被扫描到
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	assert.Equal(t, 2, store.failedOn[1])

	pub.PublishFunc = nil
	n, err := d.ReplayFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, d.DispatchOnce(context.Background()))
	assert.Equal(t, StatusSent, store.events[1].Status)
}

func TestDispatcher_InvalidPayloadIsNotPublished(t *testing.T) {
	store := newFakeStore(ticketEvent(1, "ticket.created", `{broken`))
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, nil).WithMaxRetries(1)

	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	assert.Empty(t, pub.sent)
	assert.Equal(t, StatusFailed, store.events[1].Status)
}
