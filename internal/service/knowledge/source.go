package knowledge

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"inboxpilot/internal/model"
)

// Source supplies the read-only knowledge base.
type Source interface {
	Entries(ctx context.Context) ([]model.KnowledgeEntry, error)
}

// FileSource reads a YAML or JSON list of {kb_id, text} entries.
type FileSource struct {
	Path string
}

func (s FileSource) Entries(ctx context.Context) ([]model.KnowledgeEntry, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base %s: %w", s.Path, err)
	}
	return ParseEntries(data)
}

// ParseEntries decodes YAML; JSON input parses too since it is a YAML subset.
func ParseEntries(data []byte) ([]model.KnowledgeEntry, error) {
	var entries []model.KnowledgeEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}
	return entries, nil
}
