package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxpilot/internal/apperr"
	"inboxpilot/internal/model"
)

var testEntries = []model.KnowledgeEntry{
	{KBID: "KB-001", Text: "Sponsorship inquiries need brand name, deliverables and budget."},
	{KBID: "KB-002", Text: "Sponsorship deadlines under 48 hours are escalated to the manager."},
	{KBID: "KB-003", Text: "Invoices are paid net 30 with the invoice number."},
	{KBID: "KB-006", Text: "Fan mail receives a short thank-you."},
}

func newTFIDFRetriever(t *testing.T, entries []model.KnowledgeEntry, minScore float64) *Retriever {
	t.Helper()
	corpus := make([]string, len(entries))
	for i, e := range entries {
		corpus[i] = e.Text
	}
	r, err := NewRetriever(context.Background(), entries, NewTFIDF(corpus), Options{MinScore: minScore}, nil)
	require.NoError(t, err)
	return r
}

// mockRepresenter returns fixed vectors per text.
type mockRepresenter struct {
	RepresentFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockRepresenter) Represent(ctx context.Context, text string) ([]float32, error) {
	return m.RepresentFunc(ctx, text)
}

func TestSearch_RanksByRelevance(t *testing.T) {
	r := newTFIDFRetriever(t, testEntries, 0.05)

	got, err := r.Search(context.Background(), "sponsorship deadline manager", 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "KB-002", got[0].KBID)
	for _, s := range got {
		assert.NotEqual(t, "KB-006", s.KBID)
	}
}

func TestSearch_OrderingAndTieBreak(t *testing.T) {
	vectors := map[string][]float32{
		"query": {1, 0},
		"b":     {1, 0},
		"a":     {1, 0},
		"c":     {1, 1},
		"d":     {0, 1},
	}
	rep := &mockRepresenter{RepresentFunc: func(ctx context.Context, text string) ([]float32, error) {
		return vectors[text], nil
	}}
	entries := []model.KnowledgeEntry{
		{KBID: "KB-B", Text: "b"},
		{KBID: "KB-C", Text: "c"},
		{KBID: "KB-A", Text: "a"},
		{KBID: "KB-D", Text: "d"},
	}
	r, err := NewRetriever(context.Background(), entries, rep, Options{}, nil)
	require.NoError(t, err)

	got, err := r.Search(context.Background(), "query", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"KB-A", "KB-B", "KB-C"}, []string{got[0].KBID, got[1].KBID, got[2].KBID})
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		assert.True(t, prev.RelevanceScore > cur.RelevanceScore ||
			(prev.RelevanceScore == cur.RelevanceScore && prev.KBID < cur.KBID))
	}

	top, err := r.Search(context.Background(), "query", 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestSearch_NothingClearsThreshold(t *testing.T) {
	r := newTFIDFRetriever(t, testEntries, 0.05)

	got, err := r.Search(context.Background(), "zebra xylophone", 3)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSearch_InvalidInput(t *testing.T) {
	r := newTFIDFRetriever(t, testEntries, 0)

	_, err := r.Search(context.Background(), "sponsorship", 0)
	assert.ErrorIs(t, err, apperr.ErrInput)
	_, err = r.Search(context.Background(), "  ", 3)
	assert.ErrorIs(t, err, apperr.ErrInput)
}

func TestSearch_RepresenterFailure(t *testing.T) {
	rep := &mockRepresenter{RepresentFunc: func(ctx context.Context, text string) ([]float32, error) {
		if text == "query" {
			return nil, errors.New("embedding service down")
		}
		return []float32{1}, nil
	}}
	r, err := NewRetriever(context.Background(), []model.KnowledgeEntry{{KBID: "KB-1", Text: "x"}}, rep, Options{}, nil)
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "query", 1)
	assert.ErrorIs(t, err, apperr.ErrRetrievalUnavailable)
}

func TestNewRetriever_RejectsDuplicateIDs(t *testing.T) {
	entries := []model.KnowledgeEntry{{KBID: "KB-1", Text: "a"}, {KBID: "KB-1", Text: "b"}}
	_, err := NewRetriever(context.Background(), entries, NewTFIDF(nil), Options{}, nil)
	assert.ErrorIs(t, err, apperr.ErrInput)
}

func TestNewRetriever_IndexFailure(t *testing.T) {
	rep := &mockRepresenter{RepresentFunc: func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("boom")
	}}
	_, err := NewRetriever(context.Background(), testEntries, rep, Options{IndexConcurrency: 2}, nil)
	assert.ErrorIs(t, err, apperr.ErrRetrievalUnavailable)
}

func TestTFIDF_NormalisedAndDeterministic(t *testing.T) {
	m := NewTFIDF([]string{"sponsorship deadline", "invoice payment", "fan mail"})

	v1, err := m.Represent(context.Background(), "Sponsorship DEADLINE, sponsorship!")
	require.NoError(t, err)
	v2, err := m.Represent(context.Background(), "sponsorship deadline sponsorship")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.InDelta(t, 1.0, l2(v1), 1e-6)

	empty, err := m.Represent(context.Background(), "the and of")
	require.NoError(t, err)
	assert.Zero(t, l2(empty))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"sponsorship", "deadline", "tomorrow"},
		Tokenize("The Sponsorship deadline is tomorrow!"))
}

func TestBuildQuery(t *testing.T) {
	q := BuildQuery(model.Email{Subject: "  Deal   for Q3 "}, model.CategorySponsorship)
	assert.Contains(t, q, "Deal for Q3")
	assert.Contains(t, q, "Sponsorship")

	assert.Equal(t, "generic email", BuildQuery(model.Email{}, model.CategoryOther))
	assert.Equal(t, "Hello", BuildQuery(model.Email{Subject: "Hello"}, model.CategoryOther))
}

func TestParseEntries(t *testing.T) {
	yamlEntries, err := ParseEntries([]byte("- kb_id: KB-1\n  text: hello\n"))
	require.NoError(t, err)
	assert.Equal(t, []model.KnowledgeEntry{{KBID: "KB-1", Text: "hello"}}, yamlEntries)

	jsonEntries, err := ParseEntries([]byte(`[{"kb_id":"KB-2","text":"world"}]`))
	require.NoError(t, err)
	assert.Equal(t, []model.KnowledgeEntry{{KBID: "KB-2", Text: "world"}}, jsonEntries)
}
