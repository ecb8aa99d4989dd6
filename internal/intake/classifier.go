package intake

import (
	"path"
	"strings"

	"github.com/batchline-systems/batchline/internal/models"
)

// Rule maps a filename glob to a payload type. Matching is case-insensitive
// on the base name.
type Rule struct {
	Pattern string
	Type    string
}

// DefaultRules returns the filename conventions the legacy batch producers
// follow.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "settlements_*.csv", Type: models.PayloadTypeSettlement},
		{Pattern: "settlement_*.csv", Type: models.PayloadTypeSettlement},
		{Pattern: "disputes_*.ndjson", Type: models.PayloadTypeDispute},
		{Pattern: "disputes_*.jsonl", Type: models.PayloadTypeDispute},
		{Pattern: "config_*.json", Type: models.PayloadTypeConfig},
	}
}

// Classifier assigns a payload type to a filename. First matching rule wins;
// no match classifies as unknown. Unknown files are still ingested so nothing
// dropped at the source disappears silently.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier with the given ordered rules.
func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns the payload type for a filename.
func (c *Classifier) Classify(filename string) string {
	name := strings.ToLower(path.Base(filename))
	for _, rule := range c.rules {
		if ok, err := path.Match(rule.Pattern, name); err == nil && ok {
			return rule.Type
		}
	}
	return models.PayloadTypeUnknown
}
