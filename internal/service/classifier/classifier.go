// Package classifier maps an email to a category and priority.
package classifier

import (
	"context"

	"inboxpilot/internal/model"
)

// Classifier is the triage leaf of the pipeline. Implementations must return a
// result whose category and priority are both set, or an error wrapping one of
// apperr.ErrInput / apperr.ErrClassificationUnavailable.
type Classifier interface {
	Classify(ctx context.Context, email model.Email) (model.TriageResult, error)
}

// PriorityFor is the priority policy shared by every classifier: category plus
// whether an urgency signal was seen.
func PriorityFor(category model.Category, urgent bool) model.Priority {
	switch category {
	case model.CategoryDispute:
		return model.P1
	case model.CategorySponsorship, model.CategoryPlatform:
		if urgent {
			return model.P1
		}
		return model.P2
	case model.CategoryInvoice:
		return model.P2
	case model.CategoryCollaboration, model.CategoryPress:
		if urgent {
			return model.P2
		}
		return model.P3
	case model.CategoryFan, model.CategorySpam:
		return model.P4
	default:
		return model.P3
	}
}
