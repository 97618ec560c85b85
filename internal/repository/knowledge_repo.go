package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inboxpilot/internal/model"
	"inboxpilot/pkg/metrics"
)

// KnowledgeRepository reads the knowledge base from knowledge_entries.
// It implements knowledge.Source.
type KnowledgeRepository struct {
	db *pgxpool.Pool
}

func NewKnowledgeRepository(db *pgxpool.Pool) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

func (r *KnowledgeRepository) Entries(ctx context.Context) ([]model.KnowledgeEntry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("select", "knowledge_entries", time.Since(start)) }()

	rows, err := r.db.Query(ctx, `SELECT kb_id, text FROM knowledge_entries ORDER BY kb_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []model.KnowledgeEntry
	for rows.Next() {
		var e model.KnowledgeEntry
		if err := rows.Scan(&e.KBID, &e.Text); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Upsert writes entries in one batch, replacing the text of existing ids.
func (r *KnowledgeRepository) Upsert(ctx context.Context, entries []model.KnowledgeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO knowledge_entries (kb_id, text, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (kb_id) DO UPDATE SET text = EXCLUDED.text, updated_at = NOW()
		`, e.KBID, e.Text)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert knowledge entries: %w", err)
	}
	return nil
}
