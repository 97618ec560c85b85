package model

import (
	"fmt"
	"strings"
)

// Category is the closed set of triage categories.
type Category string

const (
	CategorySponsorship   Category = "Sponsorship"
	CategoryCollaboration Category = "Collaboration"
	CategoryPress         Category = "Press"
	CategoryFan           Category = "Fan"
	CategoryPlatform      Category = "Platform"
	CategoryInvoice       Category = "Invoice"
	CategoryDispute       Category = "Dispute"
	CategorySpam          Category = "Spam"
	CategoryOther         Category = "Other"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategorySponsorship,
	CategoryCollaboration,
	CategoryPress,
	CategoryFan,
	CategoryPlatform,
	CategoryInvoice,
	CategoryDispute,
	CategorySpam,
	CategoryOther,
}

// Valid reports whether c is a member of the closed set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory maps a free-form label onto the closed set. Unknown labels map
// to CategoryOther rather than failing.
func ParseCategory(label string) Category {
	label = strings.TrimSpace(label)
	for _, known := range Categories {
		if strings.EqualFold(label, string(known)) {
			return known
		}
	}
	return CategoryOther
}

// Priority is P1 (most urgent) through P4.
type Priority string

const (
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
	P4 Priority = "P4"
)

var Priorities = []Priority{P1, P2, P3, P4}

// Rank returns 1 for P1 ... 4 for P4, 0 for an invalid value.
func (p Priority) Rank() int {
	for i, known := range Priorities {
		if p == known {
			return i + 1
		}
	}
	return 0
}

func (p Priority) Valid() bool { return p.Rank() > 0 }

// MoreUrgentThan reports whether p outranks other.
func (p Priority) MoreUrgentThan(other Priority) bool {
	return p.Valid() && (!other.Valid() || p.Rank() < other.Rank())
}

// ParsePriority accepts "P1".."P4" case-insensitively.
func ParsePriority(label string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(label)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", label)
	}
	return p, nil
}

// TriageResult is produced once per email by the classifier and never mutated.
type TriageResult struct {
	Category   Category `json:"category"`
	Priority   Priority `json:"priority"`
	Confidence float64  `json:"confidence"`
	// Signals are the keyword/intent cues behind the decision, for audit.
	Signals []string `json:"signals,omitempty"`
}

// Validate enforces "no partial triage".
func (t TriageResult) Validate() error {
	if !t.Category.Valid() {
		return fmt.Errorf("invalid category %q", t.Category)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", t.Confidence)
	}
	return nil
}

// KnowledgeEntry is a read-only knowledge base row.
type KnowledgeEntry struct {
	KBID string `json:"kb_id" yaml:"kb_id"`
	Text string `json:"text" yaml:"text"`
}

// KnowledgeSnippet is a retrieved entry with its relevance to a query.
type KnowledgeSnippet struct {
	KBID           string  `json:"kb_id"`
	Text           string  `json:"text"`
	RelevanceScore float64 `json:"relevance_score"`
}
