package reader

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"futflow/config"
	"futflow/models"
)

var defaultMockItems = []config.MockItem{
	{Key: "Vinicius", Min: 8000, Max: 24000},
	{Key: "Saka", Min: 9000, Max: 20000},
	{Key: "Haaland", Min: 15000, Max: 28000},
}

// MockAdapter produces synthetic prices. Results are tagged Synthetic so
// messages built from them say so.
type MockAdapter struct {
	mu    sync.Mutex
	rng   *rand.Rand
	items []config.MockItem
	now   func() time.Time
}

func NewMockAdapter(cfg config.MockConfig) *MockAdapter {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	items := cfg.Items
	if len(items) == 0 {
		items = defaultMockItems
	}
	return &MockAdapter{rng: rand.New(rand.NewSource(seed)), items: items, now: time.Now}
}

func (a *MockAdapter) Name() string                  { return "mock" }
func (a *MockAdapter) Capability() models.Capability { return models.CapabilityPrices }

func (a *MockAdapter) Fetch(ctx context.Context) models.SourceResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	res := models.SourceResult{Source: a.Name(), Capability: models.CapabilityPrices, Synthetic: true, FetchedAt: now}
	for _, it := range a.items {
		lo, hi := it.Min, it.Max
		if hi < lo {
			lo, hi = hi, lo
		}
		price := math.Round(lo + a.rng.Float64()*(hi-lo))
		res.Points = append(res.Points, models.PricePoint{Key: it.Key, Price: price, ObservedAt: now})
	}
	return res
}
