// Package snapshot keeps a bounded in-memory history of price snapshots and
// derives trend windows from it.
package snapshot

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futflow/models"
)

// DefaultCapacity bounds the history; at a 10 minute cadence it covers
// roughly 33 hours, enough for the 24h window.
const DefaultCapacity = 200

// Store is a FIFO of snapshots ordered by insertion. One writer (the
// scheduled cycle) and many readers are expected.
type Store struct {
	mu       sync.RWMutex
	items    []models.Snapshot
	capacity int
	onRecord func(models.Snapshot)
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity}
}

// OnRecord registers a callback invoked after every successful Record. It is
// used to feed the archive writer.
func (s *Store) OnRecord(fn func(models.Snapshot)) {
	s.mu.Lock()
	s.onRecord = fn
	s.mu.Unlock()
}

// Record appends a snapshot, evicting the oldest entries beyond capacity.
func (s *Store) Record(snap models.Snapshot) {
	snap = snap.Clone()
	s.mu.Lock()
	s.items = append(s.items, snap)
	if len(s.items) > s.capacity {
		s.items = append([]models.Snapshot(nil), s.items[len(s.items)-s.capacity:]...)
	}
	cb := s.onRecord
	s.mu.Unlock()

	if cb != nil {
		cb(snap.Clone())
	}
}

// Len returns the number of retained snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// All returns a copy of the retained history, oldest first.
func (s *Store) All() []models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Snapshot, len(s.items))
	for i, it := range s.items {
		out[i] = it.Clone()
	}
	return out
}

// Latest returns the most recently recorded snapshot.
func (s *Store) Latest() (models.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.items) == 0 {
		return models.Snapshot{}, false
	}
	return s.items[len(s.items)-1].Clone(), true
}

// ClosestTo returns the snapshot whose ObservedAt is nearest to target. The
// first one encountered wins ties.
func (s *Store) ClosestTo(target time.Time) (models.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := closest(s.items, target)
	if !ok {
		return models.Snapshot{}, false
	}
	return snap.Clone(), true
}

func closest(items []models.Snapshot, target time.Time) (models.Snapshot, bool) {
	if len(items) == 0 {
		return models.Snapshot{}, false
	}
	best := 0
	bestDiff := absDuration(items[0].ObservedAt.Sub(target))
	for i := 1; i < len(items); i++ {
		if d := absDuration(items[i].ObservedAt.Sub(target)); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return items[best], true
}

// Series returns the known values for key observed at or after since, oldest
// first. A zero since returns the full history.
func (s *Store) Series(key string, since time.Time) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, 0, len(s.items))
	for _, it := range s.items {
		if !since.IsZero() && it.ObservedAt.Before(since) {
			continue
		}
		if v, ok := it.Prices[key]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Variations computes the 1h and 24h changes of current against the history
// without recording it.
func (s *Store) Variations(current models.Snapshot, now time.Time) (map[string]float64, map[string]float64, map[string]float64) {
	if current.Empty() {
		return map[string]float64{}, map[string]float64{}, map[string]float64{}
	}
	s.mu.RLock()
	items := append(append([]models.Snapshot(nil), s.items...), current)
	s.mu.RUnlock()
	return variations(items, current, now)
}

// RecordAndVariations records current and returns it together with the 1h
// and 24h percent changes per key. An empty current records nothing.
func (s *Store) RecordAndVariations(current models.Snapshot, now time.Time) (map[string]float64, map[string]float64, map[string]float64) {
	if current.Empty() {
		return map[string]float64{}, map[string]float64{}, map[string]float64{}
	}
	s.Record(current)
	s.mu.RLock()
	items := append([]models.Snapshot(nil), s.items...)
	s.mu.RUnlock()
	return variations(items, current, now)
}

func variations(items []models.Snapshot, current models.Snapshot, now time.Time) (map[string]float64, map[string]float64, map[string]float64) {
	h1, _ := closest(items, now.Add(-time.Hour))
	h24, _ := closest(items, now.Add(-24*time.Hour))

	prices := make(map[string]float64, len(current.Prices))
	ch1 := make(map[string]float64, len(current.Prices))
	ch24 := make(map[string]float64, len(current.Prices))
	for k, v := range current.Prices {
		prices[k] = v
		ch1[k] = PercentChange(h1.Prices[k], v)
		ch24[k] = PercentChange(h24.Prices[k], v)
	}
	return prices, ch1, ch24
}

// PercentChange returns (new-old)/old*100 rounded to two decimals, or 0 when
// old is zero or unknown.
func PercentChange(old, new float64) float64 {
	if old == 0 {
		return 0
	}
	o := decimal.NewFromFloat(old)
	n := decimal.NewFromFloat(new)
	pct, _ := n.Sub(o).Div(o).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	return pct
}

// Mean returns the arithmetic mean of values, or false when empty.
func Mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
