package models

import (
	"fmt"
	"strings"
	"time"
)

// Level is the hype classification of a piece of text.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseLevel converts a configuration string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	default:
		return LevelLow, fmt.Errorf("unknown hype level %q", s)
	}
}

// HypeItem is a headline from a news, leak or SBC source. Link is the
// identity used for de-duplication across cycles.
type HypeItem struct {
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published_at"`
	Level       Level     `json:"level"`
	Kind        Kind      `json:"kind"`
}
