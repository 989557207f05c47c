package models

import (
	"sort"
	"time"
)

// PricePoint is a single price observation for one tracked key. Keys are
// either rating buckets ("84") or named items ("Haaland").
type PricePoint struct {
	Key        string    `json:"key"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

// Snapshot is the set of prices observed during one cycle. A key that is
// absent is unknown, never zero.
type Snapshot struct {
	ObservedAt time.Time          `json:"observed_at"`
	Prices     map[string]float64 `json:"prices"`
	Source     string             `json:"source"`
	Synthetic  bool               `json:"synthetic"`
}

// Empty reports whether the snapshot carries no prices.
func (s Snapshot) Empty() bool {
	return len(s.Prices) == 0
}

// Keys returns the snapshot keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Prices))
	for k := range s.Prices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy so stored snapshots are never shared with callers.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Prices = make(map[string]float64, len(s.Prices))
	for k, v := range s.Prices {
		out.Prices[k] = v
	}
	return out
}

// Capability describes what kind of data an adapter produces.
type Capability string

const (
	CapabilityPrices Capability = "prices"
	CapabilityHype   Capability = "hype"
)

// SourceResult is what every adapter returns from one fetch. Failures are
// carried in Diagnostic instead of an error so a cycle can always proceed.
type SourceResult struct {
	Source     string
	Capability Capability
	Points     []PricePoint
	Items      []HypeItem
	Synthetic  bool
	Diagnostic string
	FetchedAt  time.Time
}

// Failed reports whether the adapter produced nothing and left a diagnostic.
func (r SourceResult) Failed() bool {
	return r.Diagnostic != "" && len(r.Points) == 0 && len(r.Items) == 0
}
