package ticket

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"inboxpilot/internal/model"
)

// Required is the ticket policy, first match wins:
//  1. P1/P2 Sponsorship, Dispute or Invoice
//  2. P1 Platform
//  3. otherwise no ticket
func Required(t model.TriageResult) bool {
	switch {
	case (t.Priority == model.P1 || t.Priority == model.P2) &&
		(t.Category == model.CategorySponsorship || t.Category == model.CategoryDispute || t.Category == model.CategoryInvoice):
		return true
	case t.Category == model.CategoryPlatform && t.Priority == model.P1:
		return true
	default:
		return false
	}
}

// GroupKey identifies the dedup group: at most one active ticket per group.
type GroupKey struct {
	ThreadKey string
	Category  model.Category
}

func (k GroupKey) String() string {
	return k.ThreadKey + "#" + string(k.Category)
}

// KeyFor builds the group key of an email under a category.
func KeyFor(email model.Email, category model.Category) GroupKey {
	return GroupKey{ThreadKey: ThreadKey(email), Category: category}
}

var replyPrefix = regexp.MustCompile(`^(?i)\s*(re|fw|fwd|aw|wg)\s*(\[\d+\])?\s*:\s*`)

// NormalizeSubject strips reply/forward prefixes, collapses whitespace and lowercases.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// senderAddress extracts the bare lowercased address from "Name <addr>".
func senderAddress(sender string) string {
	if addr, err := mail.ParseAddress(sender); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(sender))
}

// ThreadKey is the sender address plus the provider thread id when the email
// carries one, else the normalised subject.
func ThreadKey(email model.Email) string {
	if id := strings.TrimSpace(email.ThreadID); id != "" {
		return fmt.Sprintf("%s|thread:%s", senderAddress(email.Sender), id)
	}
	return fmt.Sprintf("%s|%s", senderAddress(email.Sender), NormalizeSubject(email.Subject))
}
