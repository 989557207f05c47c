package processor

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"futflow/config"
	"futflow/internal/snapshot"
	"futflow/models"
)

// fodderSignals flags rating buckets whose average over the window is above
// the band floor. The current reading counts as one sample.
func fodderSignals(cfg config.FodderConfig, store *snapshot.Store, current models.Snapshot, now time.Time) []models.SignalRecord {
	var out []models.SignalRecord
	since := time.Time{}
	if cfg.Window > 0 {
		since = now.Add(-cfg.Window)
	}
	for _, key := range current.Keys() {
		rating, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		band, ok := bandFor(cfg.Bands, rating)
		if !ok {
			continue
		}
		samples := filterRange(append(store.Series(key, since), current.Prices[key]), cfg.MinPrice, cfg.MaxPrice)
		if len(samples) < cfg.MinSamples {
			continue
		}
		avg, _ := snapshot.Mean(samples)
		if avg < band.Floor {
			continue
		}
		buy := math.Round(avg * cfg.BuyMultiplier)
		sell := math.Round(avg * band.SellMultiplier)
		out = append(out, models.SignalRecord{
			Kind:       models.KindFodder,
			Subject:    fmt.Sprintf("Rating %d", rating),
			Message:    fmt.Sprintf("avg %.0f over %d samples: buy under %.0f, sell around %.0f", avg, len(samples), buy, sell),
			Confidence: models.ConfidenceMedium,
			Action:     models.ActionBuy,
			Price:      buy,
			Target:     sell,
			Source:     current.Source,
		})
	}
	return out
}

func bandFor(bands []config.FodderBand, rating int) (config.FodderBand, bool) {
	for _, b := range bands {
		if rating >= b.MinRating && rating <= b.MaxRating {
			return b, true
		}
	}
	return config.FodderBand{}, false
}

// filterRange keeps values strictly inside (lo, hi); a zero bound is open.
func filterRange(values []float64, lo, hi float64) []float64 {
	out := values[:0:0]
	for _, v := range values {
		if lo > 0 && v <= lo {
			continue
		}
		if hi > 0 && v >= hi {
			continue
		}
		out = append(out, v)
	}
	return out
}

// priceMoveSignals reports keys whose change over the configured window
// exceeds the threshold.
func priceMoveSignals(cfg config.PriceMoveConfig, current models.Snapshot, changes map[string]float64) []models.SignalRecord {
	var out []models.SignalRecord
	for _, key := range sortedKeys(changes) {
		pct := changes[key]
		if pct <= cfg.ThresholdPct {
			continue
		}
		conf := models.ConfidenceMedium
		if pct > 2*cfg.ThresholdPct {
			conf = models.ConfidenceHigh
		}
		out = append(out, models.SignalRecord{
			Kind:       models.KindPriceMove,
			Subject:    key,
			Message:    fmt.Sprintf("%+.2f%% in %s to %.0f (%s)", pct, cfg.Window, current.Prices[key], current.Source),
			Confidence: conf,
			Price:      current.Prices[key],
			Source:     current.Source,
		})
	}
	return out
}

// tradeSignals combines the hype flag with each key's deviation from its
// rolling mean: hype plus a discount suggests buying, no hype plus a premium
// suggests selling.
func tradeSignals(cfg config.TradeConfig, hype bool, store *snapshot.Store, current models.Snapshot, now time.Time) []models.SignalRecord {
	var out []models.SignalRecord
	since := time.Time{}
	if cfg.MeanWindow > 0 {
		since = now.Add(-cfg.MeanWindow)
	}
	for _, key := range current.Keys() {
		history := store.Series(key, since)
		if len(history) < cfg.MinSamples {
			continue
		}
		mean, ok := snapshot.Mean(history)
		if !ok || mean <= 0 {
			continue
		}
		price := current.Prices[key]
		dev := snapshot.PercentChange(mean, price)

		switch {
		case hype && price < mean*cfg.BuyBelow:
			score := min(cfg.BuyMaxScore, cfg.BuyBaseScore+int(math.Abs(dev)))
			out = append(out, tradeSignal(key, models.ActionBuy, price, price*cfg.BuyTarget, price*cfg.BuyStop, score, dev, current.Source))
		case !hype && price > mean*cfg.SellAbove:
			score := min(cfg.SellMaxScore, cfg.SellBaseScore+int(math.Abs(dev)))
			out = append(out, tradeSignal(key, models.ActionSell, price, price*cfg.SellTarget, price*cfg.SellStop, score, dev, current.Source))
		}
	}
	return out
}

func tradeSignal(key string, action models.Action, price, target, stop float64, score int, dev float64, source string) models.SignalRecord {
	reason := "hype with price under rolling mean"
	if action == models.ActionSell {
		reason = "no hype and price over rolling mean"
	}
	return models.SignalRecord{
		Kind:       models.KindTrade,
		Subject:    key,
		Message:    fmt.Sprintf("%s (%+.2f%%)", reason, dev),
		Confidence: models.ConfidenceFromScore(score),
		Action:     action,
		Price:      math.Round(price),
		Target:     math.Round(target),
		StopLoss:   math.Round(stop),
		Score:      score,
		Source:     source,
	}
}

func hypeItemSignals(items []models.HypeItem) []models.SignalRecord {
	out := make([]models.SignalRecord, 0, len(items))
	for _, it := range items {
		kind := it.Kind
		if kind == "" {
			kind = models.KindSBCHype
		}
		out = append(out, models.SignalRecord{
			Kind:       kind,
			Subject:    it.Source,
			Message:    it.Title,
			Confidence: models.ConfidenceFromLevel(it.Level),
			Link:       it.Link,
			Source:     it.Source,
		})
	}
	return out
}
