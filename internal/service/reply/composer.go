// Package reply drafts the response to a triaged email.
package reply

import (
	"context"
	"fmt"
	"strings"

	"inboxpilot/internal/apperr"
	"inboxpilot/internal/model"
)

// Composer drafts a reply. The draft is never empty, always names the
// category, quotes the ticket reference when a ticket exists, and falls back to
// a generic acknowledgement when there are no snippets. P4 mail (spam, fan
// mail) always gets the acknowledgement.
type Composer interface {
	Compose(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, ticket *model.Ticket) (string, error)
}

var openings = map[model.Category]string{
	model.CategorySponsorship:   "Thanks for thinking of us for a sponsorship.",
	model.CategoryCollaboration: "Thanks for the collaboration idea.",
	model.CategoryPress:         "Thanks for the press request.",
	model.CategoryFan:           "Thank you so much for the kind words.",
	model.CategoryPlatform:      "Thanks for the platform notice.",
	model.CategoryInvoice:       "Thanks for sending the invoice details.",
	model.CategoryDispute:       "We have received your message about this dispute.",
	model.CategorySpam:          "We received your message.",
	model.CategoryOther:         "Thanks for getting in touch.",
}

// Subject is the reply's subject line: "Re: " plus the original subject,
// without stacking a second prefix.
func Subject(original string) string {
	s := strings.TrimSpace(original)
	if s == "" {
		return "Re: (no subject)"
	}
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	return "Re: " + s
}

// TemplateComposer renders deterministic replies from fixed templates.
type TemplateComposer struct {
	// MaxSnippets caps how many knowledge snippets are quoted; zero means 3.
	MaxSnippets int
}

func NewTemplateComposer() *TemplateComposer {
	return &TemplateComposer{MaxSnippets: 3}
}

func (c *TemplateComposer) Compose(ctx context.Context, email model.Email, triage model.TriageResult, snippets []model.KnowledgeSnippet, ticket *model.Ticket) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.Wrap(apperr.ErrCompositionUnavailable, err)
	}
	if !triage.Category.Valid() {
		return "", apperr.Input("cannot compose reply for category %q", triage.Category)
	}

	var b strings.Builder
	b.WriteString(greeting(email))
	b.WriteString("\n\n")
	b.WriteString(categoryLine(triage.Category))
	b.WriteString("\n\n")

	if acknowledgeOnly(triage, snippets) {
		b.WriteString(Acknowledgement)
	} else {
		limit := c.MaxSnippets
		if limit <= 0 {
			limit = 3
		}
		b.WriteString("A few notes that may help:\n")
		for i, s := range snippets {
			if i == limit {
				break
			}
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(s.Text))
		}
	}

	if ticket != nil {
		b.WriteString("\n\n")
		b.WriteString(followUpLine(ticket))
	}
	b.WriteString("\n\nBest regards,\nThe team")
	return b.String(), nil
}

// Acknowledgement is the generic body used when no knowledge applies.
const Acknowledgement = "We have received your email and will get back to you as soon as we can."

func acknowledgeOnly(triage model.TriageResult, snippets []model.KnowledgeSnippet) bool {
	return len(snippets) == 0 || triage.Priority == model.P4
}

func greeting(email model.Email) string {
	name := strings.TrimSpace(email.Sender)
	if i := strings.Index(name, "<"); i > 0 {
		name = strings.TrimSpace(name[:i])
	} else if i := strings.Index(name, "@"); i > 0 {
		name = name[:i]
	}
	if name == "" {
		return "Hi,"
	}
	return fmt.Sprintf("Hi %s,", name)
}

func categoryLine(c model.Category) string {
	return fmt.Sprintf("%s (%s)", openings[c], c)
}

func followUpLine(t *model.Ticket) string {
	return fmt.Sprintf("We have opened follow-up %s for this; please quote it in any reply.", t.Reference())
}
