// Package model holds the data contracts shared by every pipeline stage.
package model

import (
	"strings"
	"time"
)

// Email is an ingested inbox message. Immutable once ingested.
type Email struct {
	ID         string    `json:"id" yaml:"id"`
	ThreadID   string    `json:"thread_id,omitempty" yaml:"thread_id"`
	CreatorID  string    `json:"creator_id,omitempty" yaml:"creator_id"`
	Sender     string    `json:"sender" yaml:"sender"`
	Subject    string    `json:"subject" yaml:"subject"`
	Body       string    `json:"body" yaml:"body"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
}

// Text is the subject and body joined, used by keyword heuristics.
func (e Email) Text() string {
	return strings.TrimSpace(e.Subject + "\n" + e.Body)
}
