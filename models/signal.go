package models

import "fmt"

// Kind identifies the rule family that produced a signal.
type Kind string

const (
	KindFodder    Kind = "FODDER"
	KindSBCHype   Kind = "SBC_HYPE"
	KindLeak      Kind = "LEAK"
	KindPriceMove Kind = "PRICE_MOVE"
	KindTrade     Kind = "TRADE"
	KindInfo      Kind = "INFO"
)

// Confidence is the coarse confidence attached to every signal.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConfidenceFromLevel maps a hype level onto a signal confidence.
func ConfidenceFromLevel(l Level) Confidence {
	switch l {
	case LevelHigh:
		return ConfidenceHigh
	case LevelMedium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// ConfidenceFromScore buckets a 0-100 score.
func ConfidenceFromScore(score int) Confidence {
	switch {
	case score >= 85:
		return ConfidenceHigh
	case score >= 70:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Action is the trade direction of a TRADE or FODDER signal.
type Action string

const (
	ActionNone Action = ""
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// SignalRecord is one actionable (or informational) output of a cycle.
type SignalRecord struct {
	Kind       Kind       `json:"kind"`
	Subject    string     `json:"subject"`
	Message    string     `json:"message"`
	Confidence Confidence `json:"confidence"`

	Action   Action  `json:"action,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Target   float64 `json:"target,omitempty"`
	StopLoss float64 `json:"stop_loss,omitempty"`
	Score    int     `json:"score,omitempty"`
	Link     string  `json:"link,omitempty"`
	Source   string  `json:"source,omitempty"`
}

// DedupKey identifies signals that carry the same information. Signals
// pointing at different links are distinct even when their text matches.
func (s SignalRecord) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", s.Kind, s.Subject, s.Message, s.Link)
}
