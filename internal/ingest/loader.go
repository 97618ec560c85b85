// Package ingest loads inbox snapshots for offline batch runs.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"inboxpilot/internal/model"
)

// LoadEmails reads a YAML/JSON list of emails, or JSON Lines when the file
// ends in .jsonl.
func LoadEmails(path string) ([]model.Email, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read emails %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return ParseJSONL(bytes.NewReader(data))
	}
	return ParseEmails(data)
}

// ParseEmails decodes a YAML (or JSON) list of emails.
func ParseEmails(data []byte) ([]model.Email, error) {
	var emails []model.Email
	if err := yaml.Unmarshal(data, &emails); err != nil {
		return nil, fmt.Errorf("failed to parse emails: %w", err)
	}
	return emails, nil
}

// ParseJSONL decodes one email per line; blank lines are skipped.
func ParseJSONL(r io.Reader) ([]model.Email, error) {
	dec := json.NewDecoder(r)
	var emails []model.Email
	for {
		var e model.Email
		err := dec.Decode(&e)
		if err == io.EOF {
			return emails, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse email #%d: %w", len(emails)+1, err)
		}
		emails = append(emails, e)
	}
}
