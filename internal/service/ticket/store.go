// Package ticket decides whether a triaged email needs a follow-up ticket and
// keeps the ticket log deduplicated per (thread, category) group.
package ticket

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"inboxpilot/internal/model"
)

var ErrNotFound = errors.New("ticket not found")

// Mutation receives a copy of the group's active ticket (nil if none) and
// returns the ticket to store. A returned ticket with ID 0 is created and gets
// the next id. Returning a nil ticket leaves the store unchanged.
type Mutation func(active *model.Ticket) (*model.Ticket, model.TicketAction, error)

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status   model.TicketStatus
	Category model.Category
	Limit    int
}

func (f ListFilter) match(t *model.Ticket) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	return true
}

// Store is the persisted ticket log. Apply runs fn atomically with respect to
// every other Apply on the same group; unrelated groups do not serialise.
type Store interface {
	Apply(ctx context.Context, key GroupKey, fn Mutation) (*model.Ticket, model.TicketAction, error)
	Get(ctx context.Context, id int64) (*model.Ticket, error)
	List(ctx context.Context, filter ListFilter) ([]model.Ticket, error)
	// Close is the operator action; closing frees the group for a new ticket.
	Close(ctx context.Context, id int64) (*model.Ticket, error)
}

// MemoryStore keeps tickets in process memory.
type MemoryStore struct {
	locker Locker
	nextID atomic.Int64

	// mu guards the maps only; group serialisation is the locker's job.
	mu     sync.RWMutex
	byID   map[int64]*model.Ticket
	active map[string]int64
}

// NewMemoryStore uses locker for group serialisation; nil means a KeyedMutex.
func NewMemoryStore(locker Locker) *MemoryStore {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &MemoryStore{
		locker: locker,
		byID:   make(map[int64]*model.Ticket),
		active: make(map[string]int64),
	}
}

func (s *MemoryStore) Apply(ctx context.Context, key GroupKey, fn Mutation) (*model.Ticket, model.TicketAction, error) {
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, model.TicketActionNone, err
	}
	defer unlock()

	s.mu.RLock()
	var current *model.Ticket
	if id, ok := s.active[key.String()]; ok {
		cp := *s.byID[id]
		current = &cp
	}
	s.mu.RUnlock()

	next, action, err := fn(current)
	if err != nil || next == nil {
		return nil, model.TicketActionNone, err
	}

	stored := *next
	if stored.ID == 0 {
		stored.ID = s.nextID.Add(1)
	}

	s.mu.Lock()
	s.byID[stored.ID] = &stored
	if stored.Status.Active() {
		s.active[key.String()] = stored.ID
	} else if s.active[key.String()] == stored.ID {
		delete(s.active, key.String())
	}
	s.mu.Unlock()

	out := stored
	return &out, action, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]model.Ticket, error) {
	s.mu.RLock()
	out := make([]model.Ticket, 0, len(s.byID))
	for _, t := range s.byID {
		if filter.match(t) {
			out = append(out, *t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close(ctx context.Context, id int64) (*model.Ticket, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	key := GroupKey{ThreadKey: t.ThreadKey, Category: t.Category}

	closed, _, err := s.Apply(ctx, key, func(active *model.Ticket) (*model.Ticket, model.TicketAction, error) {
		// re-read under the group lock
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, model.TicketActionNone, err
		}
		if cur.Status == model.TicketClosed {
			return cur, model.TicketActionNone, nil
		}
		cur.Status = model.TicketClosed
		cur.UpdatedAt = now()
		return cur, model.TicketActionNone, nil
	})
	return closed, err
}
