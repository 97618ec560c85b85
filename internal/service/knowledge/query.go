package knowledge

import (
	"strings"

	"inboxpilot/internal/model"
)

const fallbackQuery = "generic email"

// categoryHints widen the query toward the vocabulary the knowledge base uses
// for each category.
var categoryHints = map[model.Category]string{
	model.CategorySponsorship:   "sponsorship brand deal rate deadline",
	model.CategoryCollaboration: "collaboration creators channel",
	model.CategoryPress:         "press interview podcast outlet",
	model.CategoryFan:           "fan mail thank-you",
	model.CategoryPlatform:      "platform account copyright suspension login",
	model.CategoryInvoice:       "invoice payment payout finance",
	model.CategoryDispute:       "dispute chargeback contract manager",
	model.CategorySpam:          "lottery crypto wire transfer links",
}

// BuildQuery derives the retrieval query from the subject and the triaged category.
func BuildQuery(email model.Email, category model.Category) string {
	parts := []string{strings.TrimSpace(email.Subject)}
	if category.Valid() && category != model.CategoryOther {
		parts = append(parts, string(category), categoryHints[category])
	}

	q := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if q == "" {
		return fallbackQuery
	}
	return q
}
