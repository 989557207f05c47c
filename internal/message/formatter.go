// Package message renders analyzer output into chat text. Everything here is
// pure and safe to call from any goroutine.
package message

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"futflow/models"
)

const syntheticNotice = "(simulated data, not live prices)"

// FormatSignal renders a single signal as one block of text.
func FormatSignal(s models.SignalRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s | conf. %s]", s.Kind, s.Confidence)
	if s.Subject != "" {
		fmt.Fprintf(&b, " %s", s.Subject)
	}
	if s.Message != "" {
		fmt.Fprintf(&b, "\n%s", s.Message)
	}
	if s.Action != models.ActionNone && s.Price > 0 {
		fmt.Fprintf(&b, "\n%s @ %s", s.Action, formatCoins(s.Price))
		if s.Target > 0 {
			fmt.Fprintf(&b, " | target %s", formatCoins(s.Target))
		}
		if s.StopLoss > 0 {
			fmt.Fprintf(&b, " | stop %s", formatCoins(s.StopLoss))
		}
		if s.Score > 0 {
			fmt.Fprintf(&b, " | score %d", s.Score)
		}
	}
	if s.Link != "" {
		fmt.Fprintf(&b, "\n%s", s.Link)
	}
	return b.String()
}

// Report is the formatter's view of one analysis cycle.
type Report struct {
	GeneratedAt time.Time
	Hype        bool
	Synthetic   bool
	OnDemand    bool
	Signals     []models.SignalRecord
}

// FormatReport renders a full cycle for delivery.
func FormatReport(r Report) string {
	var b strings.Builder
	title := "Market scan"
	if r.OnDemand {
		title = "On-demand scan"
	}
	fmt.Fprintf(&b, "%s %s UTC", title, r.GeneratedAt.UTC().Format("2006-01-02 15:04"))
	if r.Hype {
		b.WriteString("\nHype detected in news/leak sources")
	}
	if r.Synthetic {
		b.WriteString("\n" + syntheticNotice)
	}
	for _, s := range r.Signals {
		b.WriteString("\n\n")
		b.WriteString(FormatSignal(s))
	}
	return b.String()
}

// TrendRow is one key of the trend table.
type TrendRow struct {
	Key       string
	Price     float64
	Change1h  float64
	Change24h float64
	Series    []float64
}

// FormatTrend renders a price table with 1h/24h change and a sparkline.
func FormatTrend(rows []TrendRow, synthetic bool, width int) string {
	if len(rows) == 0 {
		return "No price history yet."
	}
	sorted := append([]TrendRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var b strings.Builder
	b.WriteString("Price trends")
	if synthetic {
		b.WriteString(" " + syntheticNotice)
	}
	for _, r := range sorted {
		fmt.Fprintf(&b, "\n%s: %s (1h %s, 24h %s) %s",
			r.Key, formatCoins(r.Price), formatPercent(r.Change1h), formatPercent(r.Change24h), Sparkline(r.Series, width))
	}
	return b.String()
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%+.2f%%", v)
}

// formatCoins prints whole coins with thousands separators.
func formatCoins(v float64) string {
	n := int64(v + 0.5)
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
