package reply

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"inboxpilot/internal/apperr"
	"inboxpilot/internal/model"
	"inboxpilot/pkg/logger"
)

// TextGenerator is the free-text capability of the inference service.
type TextGenerator interface {
	InferText(ctx context.Context, task, prompt string) (string, error)
}

// ModelComposer drafts with the inference service and then enforces the same
// guarantees as the template composer. Without snippets, or for P4 mail, it
// uses the template so that no knowledge base content is invented.
type ModelComposer struct {
	client   TextGenerator
	fallback *TemplateComposer
	logger   *zap.Logger
}

func NewModelComposer(client TextGenerator, logger *zap.Logger) *ModelComposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelComposer{client: client, fallback: NewTemplateComposer(), logger: logger}
}

func (c *ModelComposer) Compose(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, ticket *model.Ticket) (string, error) {
	if acknowledgeOnly(triage, snippets) {
		return c.fallback.Compose(ctx, email, triage, snippets, ticket)
	}

	text, err := c.client.InferText(ctx, "draft_reply", buildPrompt(email, triage, snippets, ticket))
	if err != nil {
		return "", apperr.Wrap(apperr.ErrCompositionUnavailable, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Wrap(apperr.ErrCompositionUnavailable, fmt.Errorf("empty draft"))
	}

	// 模型输出不可信，缺什么补什么
	if !strings.Contains(strings.ToLower(text), strings.ToLower(string(triage.Category))) {
		text = categoryLine(triage.Category) + "\n\n" + text
	}
	if ticket != nil && !strings.Contains(text, ticket.Reference()) {
		text += "\n\n" + followUpLine(ticket)
	}

	logger.WithTrace(ctx, c.logger).Debug("Model reply drafted",
		zap.String("email_id", email.ID),
		zap.Int("length", len(text)),
	)
	return text, nil
}

func buildPrompt(email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, ticket *model.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft a short, polite reply to this %s email (priority %s).\n", triage.Category, triage.Priority)
	b.WriteString("Use only the notes below; do not invent policies.\n\nNotes:\n")
	for _, s := range snippets {
		fmt.Fprintf(&b, "- [%s] %s\n", s.KBID, s.Text)
	}
	if ticket != nil {
		fmt.Fprintf(&b, "\nMention follow-up reference %s.\n", ticket.Reference())
	}
	fmt.Fprintf(&b, "\nFrom: %s\nSubject: %s\n\n%s", email.Sender, email.Subject, email.Body)
	return b.String()
}
