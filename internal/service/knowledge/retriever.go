// Package knowledge retrieves ranked knowledge base snippets for a query.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inboxpilot/internal/apperr"
	"inboxpilot/internal/model"
	"inboxpilot/pkg/logger"
)

// Options tunes a Retriever.
type Options struct {
	// MinScore is the relevance threshold; entries scoring below it, or at zero, are dropped.
	MinScore float64
	// IndexConcurrency bounds concurrent Represent calls while building the index.
	IndexConcurrency int
}

type indexedEntry struct {
	entry model.KnowledgeEntry
	vec   []float32
	norm  float64
}

// Retriever ranks a fixed knowledge base against queries by cosine similarity.
// Safe for concurrent use; the index is read-only after construction.
type Retriever struct {
	rep      Representer
	entries  []indexedEntry
	minScore float64
	logger   *zap.Logger
}

// NewRetriever represents every entry up front.
func NewRetriever(ctx context.Context, entries []model.KnowledgeEntry, rep Representer, opts Options, log *zap.Logger) (*Retriever, error) {
	if log == nil {
		log = zap.NewNop()
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.KBID) == "" {
			return nil, apperr.Input("knowledge entry with empty kb_id")
		}
		if seen[e.KBID] {
			return nil, apperr.Input("duplicate kb_id %q", e.KBID)
		}
		seen[e.KBID] = true
	}

	limit := opts.IndexConcurrency
	if limit <= 0 {
		limit = 4
	}

	indexed := make([]indexedEntry, len(entries))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, e := range entries {
		g.Go(func() error {
			vec, err := rep.Represent(gCtx, e.Text)
			if err != nil {
				return fmt.Errorf("representing %s: %w", e.KBID, err)
			}
			indexed[i] = indexedEntry{entry: e, vec: vec, norm: l2(vec)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperr.Wrap(apperr.ErrRetrievalUnavailable, err)
	}

	log.Info("Knowledge index built",
		zap.Int("entries", len(indexed)),
		zap.Float64("min_score", opts.MinScore),
	)
	return &Retriever{rep: rep, entries: indexed, minScore: opts.MinScore, logger: log}, nil
}

// Len is the number of indexed entries.
func (r *Retriever) Len() int { return len(r.entries) }

// Search returns at most topK snippets ordered by descending relevance, kb_id
// ascending on ties. No entry clearing the threshold yields an empty slice.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]model.KnowledgeSnippet, error) {
	if topK <= 0 {
		return nil, apperr.Input("top_k must be positive, got %d", topK)
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperr.Input("empty query")
	}

	qv, err := r.rep.Represent(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrRetrievalUnavailable, err)
	}
	qn := l2(qv)

	snippets := make([]model.KnowledgeSnippet, 0, topK)
	if qn == 0 {
		return snippets, nil
	}
	for _, e := range r.entries {
		if len(e.vec) != len(qv) {
			return nil, apperr.Wrap(apperr.ErrRetrievalUnavailable,
				fmt.Errorf("dimension mismatch for %s: %d != %d", e.entry.KBID, len(e.vec), len(qv)))
		}
		score := cosine(qv, qn, e.vec, e.norm)
		if score <= 0 || score < r.minScore {
			continue
		}
		snippets = append(snippets, model.KnowledgeSnippet{
			KBID:           e.entry.KBID,
			Text:           e.entry.Text,
			RelevanceScore: score,
		})
	}

	SortSnippets(snippets)
	if len(snippets) > topK {
		snippets = snippets[:topK]
	}

	logger.WithTrace(ctx, r.logger).Debug("Knowledge search",
		zap.String("query", query),
		zap.Int("hits", len(snippets)),
	)
	return snippets, nil
}

// SortSnippets orders by descending score, kb_id ascending on ties.
func SortSnippets(s []model.KnowledgeSnippet) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].RelevanceScore != s[j].RelevanceScore {
			return s[i].RelevanceScore > s[j].RelevanceScore
		}
		return s[i].KBID < s[j].KBID
	})
}

// cosine computes dot(a,b) / (aNorm * bNorm).
func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float64 {
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (aNorm * bNorm)
}

func l2(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

