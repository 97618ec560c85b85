package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"inboxpilot/internal/apperr"
	"inboxpilot/internal/model"
	"inboxpilot/internal/service/inference"
	"inboxpilot/pkg/logger"
)

// Inferencer is the structured-output capability of the inference service.
type Inferencer interface {
	Infer(ctx context.Context, task, prompt string, schema *inference.Schema) (json.RawMessage, error)
}

var triageSchema = inference.MustCompileSchema(`{
	"type": "object",
	"properties": {
		"category": {"type": "string", "enum": ["Sponsorship", "Collaboration", "Press", "Fan", "Platform", "Invoice", "Dispute", "Spam", "Other"]},
		"priority": {"type": "string", "enum": ["P1", "P2", "P3", "P4"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"signals": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["category", "priority", "confidence"]
}`)

type modelOutput struct {
	Category   string   `json:"category"`
	Priority   string   `json:"priority"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals"`
}

// ModelClassifier asks the inference service for a triage decision.
type ModelClassifier struct {
	client Inferencer
	logger *zap.Logger
}

func NewModelClassifier(client Inferencer, logger *zap.Logger) *ModelClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelClassifier{client: client, logger: logger}
}

func (c *ModelClassifier) Classify(ctx context.Context, email model.Email) (model.TriageResult, error) {
	if strings.TrimSpace(email.Body) == "" {
		return model.TriageResult{}, apperr.Input("email %s has an empty body", email.ID)
	}

	raw, err := c.client.Infer(ctx, "classify_email", buildPrompt(email), triageSchema)
	if err != nil {
		return model.TriageResult{}, apperr.Wrap(apperr.ErrClassificationUnavailable, err)
	}

	var out modelOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.TriageResult{}, apperr.Wrap(apperr.ErrClassificationUnavailable, err)
	}
	priority, err := model.ParsePriority(out.Priority)
	if err != nil {
		return model.TriageResult{}, apperr.Wrap(apperr.ErrClassificationUnavailable, err)
	}

	result := model.TriageResult{
		Category:   model.ParseCategory(out.Category),
		Priority:   priority,
		Confidence: out.Confidence,
		Signals:    out.Signals,
	}
	if err := result.Validate(); err != nil {
		return model.TriageResult{}, apperr.Wrap(apperr.ErrClassificationUnavailable, err)
	}

	logger.WithTrace(ctx, c.logger).Debug("Model classification",
		zap.String("email_id", email.ID),
		zap.String("category", string(result.Category)),
		zap.String("priority", string(result.Priority)),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}

func buildPrompt(email model.Email) string {
	return fmt.Sprintf(`Classify this email sent to a content creator.
P1 is reserved for disputes and urgent sponsorship deadlines, P4 for spam and low-value fan mail.

From: %s
Subject: %s

%s`, email.Sender, email.Subject, email.Body)
}
