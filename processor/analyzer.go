// Package processor turns one round of adapter results into signals.
package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"futflow/config"
	"futflow/internal/message"
	"futflow/internal/snapshot"
	"futflow/logger"
	"futflow/models"
	"futflow/reader"
)

// Mode separates scheduled cycles, which write state, from on-demand scans,
// which only read it.
type Mode int

const (
	ModeScheduled Mode = iota
	ModeOnDemand
)

func (m Mode) String() string {
	if m == ModeOnDemand {
		return "on_demand"
	}
	return "scheduled"
}

const defaultFetchConcurrency = 4

// SeenSet remembers hype links that were already emitted.
type SeenSet interface {
	Contains(ctx context.Context, link string) (bool, error)
	Add(ctx context.Context, link string) error
}

// Report is the outcome of one cycle. Signals is never empty.
type Report struct {
	CycleID     string
	Mode        Mode
	StartedAt   time.Time
	FinishedAt  time.Time
	Signals     []models.SignalRecord
	Hype        bool
	Synthetic   bool
	Prices      map[string]float64
	Change1h    map[string]float64
	Change24h   map[string]float64
	NewItems    []models.HypeItem
	Diagnostics []string
}

// Message converts the report into the formatter's view.
func (r Report) Message() message.Report {
	return message.Report{
		GeneratedAt: r.StartedAt,
		Hype:        r.Hype,
		Synthetic:   r.Synthetic,
		OnDemand:    r.Mode == ModeOnDemand,
		Signals:     r.Signals,
	}
}

// Analyzer runs the rule engine over adapter output.
type Analyzer struct {
	cfg      config.ProcessorConfig
	hypeMin  models.Level
	adapters []reader.Adapter
	store    *snapshot.Store
	seen     SeenSet
	log      *logger.Log
	now      func() time.Time
}

func NewAnalyzer(cfg config.ProcessorConfig, hypeMin models.Level, adapters []reader.Adapter, store *snapshot.Store, seen SeenSet) *Analyzer {
	return &Analyzer{
		cfg:      cfg,
		hypeMin:  hypeMin,
		adapters: adapters,
		store:    store,
		seen:     seen,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// Store exposes the snapshot history for read-only views.
func (a *Analyzer) Store() *snapshot.Store {
	return a.store
}

// RunCycle fetches every adapter, evaluates the rules and returns the
// resulting report. In scheduled mode the snapshot is recorded and new hype
// links are marked seen before returning; on-demand mode writes nothing.
func (a *Analyzer) RunCycle(ctx context.Context, mode Mode) Report {
	now := a.now()
	rep := Report{CycleID: uuid.New().String(), Mode: mode, StartedAt: now}
	log := a.log.WithComponent("analyzer").WithFields(logger.Fields{"cycle_id": rep.CycleID, "mode": mode.String()})

	results := a.fetchAll(ctx)

	var points []models.PricePoint
	var items []models.HypeItem
	var sources []string
	for _, r := range results {
		if r.Diagnostic != "" {
			rep.Diagnostics = append(rep.Diagnostics, r.Diagnostic)
		}
		if len(r.Points) > 0 {
			points = append(points, r.Points...)
			sources = append(sources, r.Source)
			rep.Synthetic = rep.Synthetic || r.Synthetic
		}
		items = append(items, r.Items...)
	}

	current := mergeSnapshot(points, sources, rep.Synthetic, now)

	var signals []models.SignalRecord

	// hype
	rep.Hype = hypeDetected(items, a.hypeMin)
	rep.NewItems = a.filterNew(ctx, items, log)
	if mode == ModeScheduled {
		a.markSeen(ctx, rep.NewItems, log)
	}

	// rules that compare against history are evaluated before recording
	signals = append(signals, fodderSignals(a.cfg.Fodder, a.store, current, now)...)
	signals = append(signals, tradeSignals(a.cfg.Trade, rep.Hype, a.store, current, now)...)

	if mode == ModeScheduled {
		rep.Prices, rep.Change1h, rep.Change24h = a.store.RecordAndVariations(current, now)
	} else {
		rep.Prices, rep.Change1h, rep.Change24h = a.store.Variations(current, now)
	}

	changes := rep.Change1h
	if a.cfg.PriceMove.Window == "24h" {
		changes = rep.Change24h
	}
	signals = append(signals, priceMoveSignals(a.cfg.PriceMove, current, changes)...)
	signals = append(signals, hypeItemSignals(rep.NewItems)...)

	rep.Signals = finalize(signals, rep.NewItems, rep.Diagnostics)
	rep.FinishedAt = a.now()

	log.WithFields(logger.Fields{
		"signals":     len(rep.Signals),
		"new_items":   len(rep.NewItems),
		"prices":      len(rep.Prices),
		"hype":        rep.Hype,
		"synthetic":   rep.Synthetic,
		"diagnostics": len(rep.Diagnostics),
	}).Info("cycle complete")
	logger.LogPerformanceEntry(log, "analyzer", "run_cycle", rep.FinishedAt.Sub(rep.StartedAt), nil)
	return rep
}

func (a *Analyzer) fetchAll(ctx context.Context) []models.SourceResult {
	results := make([]models.SourceResult, len(a.adapters))
	var g errgroup.Group
	limit := a.cfg.FetchConcurrency
	if limit <= 0 {
		limit = defaultFetchConcurrency
	}
	g.SetLimit(limit)
	for i, ad := range a.adapters {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					a.log.WithComponent("analyzer").WithFields(logger.Fields{"source": ad.Name(), "panic": r}).Error("adapter panicked")
					results[i] = models.SourceResult{
						Source:     ad.Name(),
						Capability: ad.Capability(),
						Diagnostic: fmt.Sprintf("%s: panic: %v", ad.Name(), r),
					}
				}
			}()
			results[i] = ad.Fetch(ctx)
			if results[i].Source == "" {
				results[i].Source = ad.Name()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// filterNew drops items already in the seen set and duplicate links within
// the cycle. A seen-store error treats the link as unseen.
func (a *Analyzer) filterNew(ctx context.Context, items []models.HypeItem, log *logger.Entry) []models.HypeItem {
	var out []models.HypeItem
	inCycle := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := inCycle[it.Link]; dup {
			continue
		}
		inCycle[it.Link] = struct{}{}
		if a.seen != nil {
			seen, err := a.seen.Contains(ctx, it.Link)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"link": it.Link}).Warn("seen lookup failed")
			}
			if seen {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func (a *Analyzer) markSeen(ctx context.Context, items []models.HypeItem, log *logger.Entry) {
	if a.seen == nil {
		return
	}
	for _, it := range items {
		if err := a.seen.Add(ctx, it.Link); err != nil {
			log.WithError(err).WithFields(logger.Fields{"link": it.Link}).Warn("failed to mark link seen")
		}
	}
}

// Trend builds the price table for the latest recorded snapshot.
func (a *Analyzer) Trend() ([]message.TrendRow, bool) {
	latest, ok := a.store.Latest()
	if !ok {
		return nil, false
	}
	_, ch1, ch24 := a.store.Variations(latest, a.now())
	rows := make([]message.TrendRow, 0, len(latest.Prices))
	for _, k := range latest.Keys() {
		rows = append(rows, message.TrendRow{
			Key:       k,
			Price:     latest.Prices[k],
			Change1h:  ch1[k],
			Change24h: ch24[k],
			Series:    a.store.Series(k, time.Time{}),
		})
	}
	return rows, latest.Synthetic
}

func mergeSnapshot(points []models.PricePoint, sources []string, synthetic bool, now time.Time) models.Snapshot {
	sum := make(map[string]float64)
	count := make(map[string]int)
	for _, p := range points {
		sum[p.Key] += p.Price
		count[p.Key]++
	}
	prices := make(map[string]float64, len(sum))
	for k, s := range sum {
		prices[k] = s / float64(count[k])
	}
	return models.Snapshot{
		ObservedAt: now,
		Prices:     prices,
		Source:     strings.Join(sources, ","),
		Synthetic:  synthetic,
	}
}

func hypeDetected(items []models.HypeItem, min models.Level) bool {
	for _, it := range items {
		if it.Level >= min {
			return true
		}
	}
	return false
}

// finalize de-duplicates signals and guarantees a non-empty result.
func finalize(signals []models.SignalRecord, newItems []models.HypeItem, diags []string) []models.SignalRecord {
	seen := make(map[string]struct{}, len(signals))
	out := make([]models.SignalRecord, 0, len(signals)+1)
	for _, s := range signals {
		k := s.DedupKey()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}

	if len(out) == 0 && len(newItems) == 0 {
		msg := "no strong signal"
		if len(diags) > 0 {
			msg += "; sources degraded: " + strings.Join(diags, " | ")
		}
		return []models.SignalRecord{{Kind: models.KindInfo, Message: msg, Confidence: models.ConfidenceLow}}
	}
	if len(diags) > 0 {
		out = append(out, models.SignalRecord{
			Kind:       models.KindInfo,
			Message:    fmt.Sprintf("sources degraded: %s", strings.Join(diags, " | ")),
			Confidence: models.ConfidenceLow,
		})
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
