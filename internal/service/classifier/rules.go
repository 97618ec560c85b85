package classifier

import (
	"context"
	"math"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"inboxpilot/internal/apperr"
	"inboxpilot/internal/model"
)

type rule struct {
	category model.Category
	pattern  *regexp.Regexp
}

// 检查顺序即优先级：spam 最先，避免钓鱼邮件被当成商务合作；
// sponsorship 在 platform/invoice 之前，合作邮件常提到 "your account"、"payment"
var defaultRules = []struct {
	category model.Category
	keywords []string
}{
	{model.CategorySpam, []string{
		"lottery", "wire transfer", "prince", "nigerian prince", "crypto double", "earn $$$ fast",
		"you have won", "claim your prize", "free money", "gift card", "gift cards",
	}},
	{model.CategoryDispute, []string{
		"dispute", "disputes", "disputed", "chargeback", "chargebacks", "copyright claim",
		"copyright strike", "takedown", "legal action", "lawsuit", "breach of contract",
		"cease and desist", "refund demand",
	}},
	{model.CategorySponsorship, []string{
		"sponsor", "sponsors", "sponsoring", "sponsored", "sponsorship", "sponsorships",
		"brand deal", "brand deals", "partnership", "partnerships", "campaign", "campaigns",
		"integration", "integrations", "paid promotion",
	}},
	{model.CategoryPlatform, []string{
		"your account", "suspicious login", "password reset", "policy violation",
		"community guidelines", "monetization", "verification", "login attempt", "login attempts",
	}},
	{model.CategoryInvoice, []string{
		"invoice", "invoices", "payment", "payments", "payout", "payouts", "billing",
		"tax form", "w9", "remittance",
	}},
	{model.CategoryCollaboration, []string{
		"collab", "collabs", "collaboration", "collaborate", "collaborating", "duet",
		"co-create", "feature together",
	}},
	{model.CategoryPress, []string{
		"interview", "interviews", "press", "press release", "media request", "podcast",
		"journalist", "article about you", "feature you",
	}},
	{model.CategoryFan, []string{
		"love your", "big fan", "fan of", "your content", "your videos",
		"inspired", "inspiring", "thank you for", "thanks for making",
	}},
}

var defaultUrgency = []string{
	"urgent", "asap", "deadline", "deadlines", "tomorrow", "today", "24 hours",
	"immediately", "final notice", "hacked", "suspended", "compromised",
}

// phrasePattern matches whole phrases only: "press" does not match
// "pressure", "prince" does not match "princess". Inflected forms are
// listed explicitly in the keyword tables. Input is lowercased by the caller.
func phrasePattern(phrases []string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(p))
	}
	return regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
}

// RuleClassifier is the deterministic keyword/intent classifier.
type RuleClassifier struct {
	rules   []rule
	urgency *regexp.Regexp
	logger  *zap.Logger
}

func NewRuleClassifier(logger *zap.Logger) *RuleClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	rules := make([]rule, 0, len(defaultRules))
	for _, r := range defaultRules {
		rules = append(rules, rule{
			category: r.category,
			pattern:  phrasePattern(r.keywords),
		})
	}
	return &RuleClassifier{
		rules:   rules,
		urgency: phrasePattern(defaultUrgency),
		logger:  logger,
	}
}

func (c *RuleClassifier) Classify(ctx context.Context, email model.Email) (model.TriageResult, error) {
	if strings.TrimSpace(email.Body) == "" {
		return model.TriageResult{}, apperr.Input("email %s has an empty body", email.ID)
	}
	if err := ctx.Err(); err != nil {
		return model.TriageResult{}, apperr.Wrap(apperr.ErrClassificationUnavailable, err)
	}

	text := strings.ToLower(email.Text())

	category := model.CategoryOther
	var signals []string
	for _, r := range c.rules {
		hits := matches(r.pattern, text)
		if len(hits) == 0 {
			continue
		}
		category = r.category
		for _, h := range hits {
			signals = append(signals, strings.ToLower(string(r.category))+":"+h)
		}
		break
	}

	urgentHits := matches(c.urgency, text)
	for _, h := range urgentHits {
		signals = append(signals, "urgency:"+h)
	}

	result := model.TriageResult{
		Category:   category,
		Priority:   PriorityFor(category, len(urgentHits) > 0),
		Confidence: confidence(category, len(signals)),
		Signals:    signals,
	}

	c.logger.Debug("Rule classification",
		zap.String("email_id", email.ID),
		zap.String("category", string(result.Category)),
		zap.String("priority", string(result.Priority)),
		zap.Strings("signals", signals),
	)
	return result, nil
}

// matches returns the distinct phrases found, in first-seen order.
func matches(re *regexp.Regexp, text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

func confidence(category model.Category, hits int) float64 {
	if category == model.CategoryOther {
		return 0.3
	}
	return math.Min(0.9, 0.5+0.1*float64(hits))
}
