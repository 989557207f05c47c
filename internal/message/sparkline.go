package message

import "strings"

const (
	// DefaultSparkWidth is the number of buckets values are spread over.
	DefaultSparkWidth = 20

	glyphTop  = "|"
	glyphLow  = "_"
	glyphFlat = "-"
)

// Sparkline renders one glyph per value. Values falling in the top bucket of
// the [min,max] range render as "|", all others as "_". A constant series
// renders as "-" and an empty one as "".
func Sparkline(series []float64, width int) string {
	if len(series) == 0 {
		return ""
	}
	if width <= 0 {
		width = DefaultSparkWidth
	}
	lo, hi := series[0], series[0]
	for _, v := range series[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		return strings.Repeat(glyphFlat, len(series))
	}

	step := (hi - lo) / float64(width)
	var b strings.Builder
	b.Grow(len(series))
	for _, v := range series {
		pos := int((v - lo) / step)
		if pos < 0 {
			pos = 0
		}
		if pos > width-1 {
			pos = width - 1
		}
		if pos == width-1 {
			b.WriteString(glyphTop)
		} else {
			b.WriteString(glyphLow)
		}
	}
	return b.String()
}
