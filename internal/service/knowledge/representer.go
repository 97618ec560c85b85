package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Representer turns text into a vector. Scores are only comparable between
// vectors produced by the same Representer.
type Representer interface {
	Represent(ctx context.Context, text string) ([]float32, error)
}

// Embedder is the embedding capability of the inference service.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingRepresenter represents text through an external embedding model.
type EmbeddingRepresenter struct {
	embedder Embedder
}

func NewEmbeddingRepresenter(e Embedder) *EmbeddingRepresenter {
	return &EmbeddingRepresenter{embedder: e}
}

func (r *EmbeddingRepresenter) Represent(ctx context.Context, text string) ([]float32, error) {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// TFIDF is a term-frequency / inverse-document-frequency model fitted on the
// knowledge base corpus. Output vectors are L2-normalised; terms outside the
// fitted vocabulary are ignored.
type TFIDF struct {
	vocab map[string]int
	idf   []float64
}

// NewTFIDF fits the vocabulary and smoothed idf weights on corpus:
// idf(t) = ln((1+n)/(1+df(t))) + 1.
func NewTFIDF(corpus []string) *TFIDF {
	df := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]bool)
		for _, tok := range Tokenize(doc) {
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	// 词表按字典序编号，保证同一语料得到相同向量
	terms := make([]string, 0, len(df))
	for t := range df {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	n := float64(len(corpus))
	m := &TFIDF{vocab: make(map[string]int, len(terms)), idf: make([]float64, len(terms))}
	for i, t := range terms {
		m.vocab[t] = i
		m.idf[i] = math.Log((1+n)/(1+float64(df[t]))) + 1
	}
	return m
}

// Dimensions is the vocabulary size.
func (m *TFIDF) Dimensions() int { return len(m.idf) }

func (m *TFIDF) Represent(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	weights := make([]float64, len(m.idf))
	for _, tok := range Tokenize(text) {
		if i, ok := m.vocab[tok]; ok {
			weights[i] += m.idf[i]
		}
	}

	var sum float64
	for _, w := range weights {
		sum += w * w
	}
	vec := make([]float32, len(weights))
	if sum == 0 {
		return vec, nil
	}
	norm := math.Sqrt(sum)
	for i, w := range weights {
		vec[i] = float32(w / norm)
	}
	return vec, nil
}

// Tokenize lowercases text, splits on anything that is not a letter or digit,
// and drops one-character tokens and English stop words.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

var stopWords = func() map[string]bool {
	words := strings.Fields(`a about above after again against all am an and any are as at be because
		been before being below between both but by can could did do does doing down during each few
		for from further had has have having he her here hers herself him himself his how i if in into
		is it its itself just me more most my myself no nor not now of off on once only or other our
		ours ourselves out over own same she should so some such than that the their theirs them
		themselves then there these they this those through to too under until up very was we were
		what when where which while who whom why will with would you your yours yourself yourselves
		hi hello dear regards thanks please`)
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()
