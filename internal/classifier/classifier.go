// Package classifier scores free text for market hype by counting keyword
// hits and bucketing the count into a Level.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"futflow/models"
)

// DefaultKeywords are regular expression fragments matched case-insensitively.
var DefaultKeywords = []string{
	`\bSBC\b`,
	`\bLeak`,
	`Upgrade`,
	`Player\s*Pick`,
	`Objective`,
	`\bPromo\b`,
	`\bTOTW\b`,
	`End of an Era`,
	`Flash`,
	`Loan`,
	`Icon`,
	`Repeatable`,
	`Party\s*Bag`,
	`Evolutions?`,
}

// Classifier is safe for concurrent use once built.
type Classifier struct {
	re *regexp.Regexp
}

// New compiles keywords into a single alternation. An empty list falls back
// to DefaultKeywords.
func New(keywords []string) (*Classifier, error) {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	parts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, err := regexp.Compile(k); err != nil {
			return nil, fmt.Errorf("invalid keyword pattern %q: %w", k, err)
		}
		parts = append(parts, "(?:"+k+")")
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no usable keyword patterns")
	}
	re, err := regexp.Compile("(?i)" + strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("compile keyword set: %w", err)
	}
	return &Classifier{re: re}, nil
}

// MustNew is New for static keyword sets.
func MustNew(keywords []string) *Classifier {
	c, err := New(keywords)
	if err != nil {
		panic(err)
	}
	return c
}

// Hits counts non-overlapping keyword matches in text.
func (c *Classifier) Hits(text string) int {
	if text == "" {
		return 0
	}
	return len(c.re.FindAllStringIndex(text, -1))
}

// Classify maps the hit count onto a Level: three or more is high, exactly
// two is medium, anything else is low.
func (c *Classifier) Classify(text string) models.Level {
	switch n := c.Hits(text); {
	case n >= 3:
		return models.LevelHigh
	case n == 2:
		return models.LevelMedium
	default:
		return models.LevelLow
	}
}
