package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	contractmq "inboxpilot/contracts/mq"
	"inboxpilot/internal/model"
	"inboxpilot/internal/service/ticket"
	"inboxpilot/pkg/metrics"
	"inboxpilot/pkg/outbox"
	"inboxpilot/pkg/trace"
)

const ticketColumns = `id, email_id, last_email_id, thread_key, sender, creator_id, category, priority,
	status, title, created_at, updated_at`

// TicketRepository is the PostgreSQL ticket.Store. Each Apply is one
// transaction holding a transaction-scoped advisory lock on the group key, so
// only calls for the same group serialise. Ticket events go to the outbox in
// the same transaction.
type TicketRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTicketRepository(db *pgxpool.Pool, logger *zap.Logger) *TicketRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketRepository{db: db, logger: logger}
}

var _ ticket.Store = (*TicketRepository)(nil)

func (r *TicketRepository) Apply(ctx context.Context, key ticket.GroupKey, fn ticket.Mutation) (*model.Ticket, model.TicketAction, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("apply", "tickets", time.Since(start)) }()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, model.TicketActionNone, fmt.Errorf("failed to begin ticket tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockGroup(ctx, tx, key.String()); err != nil {
		return nil, model.TicketActionNone, err
	}

	current, err := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE group_key = $1 AND status IN ('Open', 'Updated')
		LIMIT 1
	`, key.String()))
	if err != nil && !errors.Is(err, ticket.ErrNotFound) {
		return nil, model.TicketActionNone, err
	}

	next, action, err := fn(current)
	if err != nil || next == nil {
		return nil, model.TicketActionNone, err
	}

	if next.ID == 0 {
		err = tx.QueryRow(ctx, `
			INSERT INTO tickets (email_id, last_email_id, thread_key, group_key, sender, creator_id,
			                     category, priority, status, title, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id
		`, next.EmailID, next.LastEmailID, next.ThreadKey, key.String(), next.Sender, next.CreatorID, string(next.Category),
			string(next.Priority), string(next.Status), next.Title, next.CreatedAt, next.UpdatedAt,
		).Scan(&next.ID)
		if err != nil {
			return nil, model.TicketActionNone, fmt.Errorf("failed to insert ticket: %w", err)
		}
	} else if err := updateTicket(ctx, tx, next); err != nil {
		return nil, model.TicketActionNone, err
	}

	if routingKey := routingFor(action); routingKey != "" {
		if _, err := outbox.InsertEventInTx(ctx, tx, "ticket", &next.ID, routingKey, ticketEvent(ctx, next)); err != nil {
			return nil, model.TicketActionNone, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, model.TicketActionNone, fmt.Errorf("failed to commit ticket tx: %w", err)
	}
	return next, action, nil
}

func (r *TicketRepository) Get(ctx context.Context, id int64) (*model.Ticket, error) {
	return scanTicket(r.db.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
}

func (r *TicketRepository) List(ctx context.Context, filter ticket.ListFilter) ([]model.Ticket, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR category = $2)
		ORDER BY id ASC
		LIMIT $3
	`, string(filter.Status), string(filter.Category), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	out := make([]model.Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Close takes the same group lock as Apply so it cannot race an update of the
// ticket back to Updated.
func (r *TicketRepository) Close(ctx context.Context, id int64) (*model.Ticket, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin ticket tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var groupKey string
	if err := tx.QueryRow(ctx, `SELECT group_key FROM tickets WHERE id = $1`, id).Scan(&groupKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ticket.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load ticket %d: %w", id, err)
	}
	if err := lockGroup(ctx, tx, groupKey); err != nil {
		return nil, err
	}

	t, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if t.Status != model.TicketClosed {
		t.Status = model.TicketClosed
		t.UpdatedAt = time.Now().UTC()
		if err := updateTicket(ctx, tx, t); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ticket close: %w", err)
	}
	return t, nil
}

func lockGroup(ctx context.Context, tx pgx.Tx, groupKey string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, groupKey); err != nil {
		return fmt.Errorf("failed to lock ticket group: %w", err)
	}
	return nil
}

func updateTicket(ctx context.Context, tx pgx.Tx, t *model.Ticket) error {
	_, err := tx.Exec(ctx, `
		UPDATE tickets
		SET last_email_id = $2, priority = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, t.ID, t.LastEmailID, string(t.Priority), string(t.Status), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update ticket %d: %w", t.ID, err)
	}
	return nil
}

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	var (
		t                          model.Ticket
		category, priority, status string
	)
	err := row.Scan(
		&t.ID,
		&t.EmailID,
		&t.LastEmailID,
		&t.ThreadKey,
		&t.Sender,
		&t.CreatorID,
		&category,
		&priority,
		&status,
		&t.Title,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ticket.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	t.Category = model.Category(category)
	t.Priority = model.Priority(priority)
	t.Status = model.TicketStatus(status)
	return &t, nil
}

func routingFor(action model.TicketAction) string {
	switch action {
	case model.TicketActionCreated:
		return contractmq.RoutingTicketCreated
	case model.TicketActionUpdated:
		return contractmq.RoutingTicketUpdated
	default:
		return ""
	}
}

func ticketEvent(ctx context.Context, t *model.Ticket) contractmq.TicketEventPayload {
	return contractmq.TicketEventPayload{
		TicketID:  t.ID,
		EmailID:   t.LastEmailID,
		ThreadKey: t.ThreadKey,
		Category:  string(t.Category),
		Priority:  string(t.Priority),
		Status:    string(t.Status),
		UpdatedAt: t.UpdatedAt,
		TraceID:   trace.FromContext(ctx),
	}
}
