package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"inboxpilot/internal/apperr"
	"inboxpilot/internal/model"
	"inboxpilot/pkg/logger"
	"inboxpilot/pkg/metrics"
)

var now = func() time.Time { return time.Now().UTC() }

type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// DecideAndLog applies the ticket policy and, when a ticket is required,
// creates one or updates the group's active ticket. Either exactly one ticket
// is created/updated or the store is left unchanged.
func (s *Service) DecideAndLog(ctx context.Context, email model.Email, triage model.TriageResult) (*model.Ticket, model.TicketAction, error) {
	if !Required(triage) {
		return nil, model.TicketActionNone, nil
	}

	key := KeyFor(email, triage.Category)
	t, action, err := s.store.Apply(ctx, key, func(active *model.Ticket) (*model.Ticket, model.TicketAction, error) {
		ts := now()
		if active != nil {
			active.Status = model.TicketUpdated
			active.LastEmailID = email.ID
			active.UpdatedAt = ts
			if triage.Priority.MoreUrgentThan(active.Priority) {
				active.Priority = triage.Priority
			}
			return active, model.TicketActionUpdated, nil
		}
		return &model.Ticket{
			EmailID:     email.ID,
			LastEmailID: email.ID,
			ThreadKey:   key.ThreadKey,
			Sender:      email.Sender,
			CreatorID:   email.CreatorID,
			Category:    triage.Category,
			Priority:    triage.Priority,
			Status:      model.TicketOpen,
			Title:       title(email, triage.Category),
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}, model.TicketActionCreated, nil
	})
	if err != nil {
		return nil, model.TicketActionNone, apperr.Wrap(apperr.ErrPersistence, err)
	}

	metrics.IncrementTicketAction(string(action), string(t.Category))
	logger.WithTrace(ctx, s.logger).Info("Ticket logged",
		zap.String("email_id", email.ID),
		zap.String("ticket", t.Reference()),
		zap.String("action", string(action)),
		zap.String("group", key.String()),
		zap.String("priority", string(t.Priority)),
	)
	return t, action, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*model.Ticket, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, apperr.Wrap(apperr.ErrPersistence, err)
	}
	return t, err
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]model.Ticket, error) {
	out, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistence, err)
	}
	return out, nil
}

// Close transitions a ticket to Closed. Closing twice is a no-op.
func (s *Service) Close(ctx context.Context, id int64) (*model.Ticket, error) {
	t, err := s.store.Close(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.ErrPersistence, err)
	}
	s.logger.Info("Ticket closed", zap.String("ticket", t.Reference()))
	return t, nil
}

func title(email model.Email, category model.Category) string {
	subject := strings.TrimSpace(email.Subject)
	if subject == "" {
		subject = "(no subject)"
	}
	return fmt.Sprintf("[%s] %s", category, subject)
}
