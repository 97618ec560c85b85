package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inboxpilot/internal/model"
	"inboxpilot/pkg/metrics"
)

// ErrResultNotFound is returned by ResultRepository.Get.
var ErrResultNotFound = errors.New("pipeline result not found")

// ResultRepository persists one row per email outcome in pipeline_results.
// It is an orchestrator sink; re-processing an email overwrites its row.
type ResultRepository struct {
	db *pgxpool.Pool
}

func NewResultRepository(db *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{db: db}
}

type resultRow struct {
	emailID   string
	traceID   string
	status    string
	stage     string
	category  *string
	priority  *string
	ticketID  *int64
	degraded  bool
	errorType *string
	latencyMs int64
}

func rowFor(outcome model.Outcome) (resultRow, error) {
	switch {
	case outcome.Result != nil:
		res := outcome.Result
		category, priority := string(res.Triage.Category), string(res.Triage.Priority)
		row := resultRow{
			emailID:   res.EmailID,
			traceID:   res.TraceID,
			status:    "completed",
			stage:     string(model.StageCompleted),
			category:  &category,
			priority:  &priority,
			degraded:  res.Degraded,
			latencyMs: res.LatencyMs,
		}
		if res.Ticket != nil {
			id := res.Ticket.ID
			row.ticketID = &id
		}
		return row, nil
	case outcome.Failure != nil:
		f := outcome.Failure
		errType := f.ErrorType
		return resultRow{
			emailID:   f.EmailID,
			traceID:   f.TraceID,
			status:    "failed",
			stage:     string(f.Stage),
			errorType: &errType,
			latencyMs: f.LatencyMs,
		}, nil
	default:
		return resultRow{}, fmt.Errorf("outcome has neither result nor failure")
	}
}

func (r *ResultRepository) Emit(ctx context.Context, outcome model.Outcome) error {
	row, err := rowFor(outcome)
	if err != nil {
		return err
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	start := time.Now()
	_, err = r.db.Exec(ctx, `
		INSERT INTO pipeline_results (email_id, trace_id, status, stage, category, priority,
		                              ticket_id, degraded, error_type, latency_ms, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (email_id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			status = EXCLUDED.status,
			stage = EXCLUDED.stage,
			category = EXCLUDED.category,
			priority = EXCLUDED.priority,
			ticket_id = EXCLUDED.ticket_id,
			degraded = EXCLUDED.degraded,
			error_type = EXCLUDED.error_type,
			latency_ms = EXCLUDED.latency_ms,
			outcome = EXCLUDED.outcome,
			updated_at = NOW()
	`, row.emailID, row.traceID, row.status, row.stage, row.category, row.priority,
		row.ticketID, row.degraded, row.errorType, row.latencyMs, body)
	metrics.RecordDBQueryDuration("upsert", "pipeline_results", time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to save outcome for %s: %w", row.emailID, err)
	}
	return nil
}

// Get returns the stored outcome of an email.
func (r *ResultRepository) Get(ctx context.Context, emailID string) (*model.Outcome, error) {
	var body []byte
	err := r.db.QueryRow(ctx, `SELECT outcome FROM pipeline_results WHERE email_id = $1`, emailID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to load outcome for %s: %w", emailID, err)
	}

	var outcome model.Outcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return nil, fmt.Errorf("failed to decode outcome for %s: %w", emailID, err)
	}
	return &outcome, nil
}
