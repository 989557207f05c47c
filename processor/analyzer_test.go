package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futflow/config"
	"futflow/internal/snapshot"
	"futflow/models"
	"futflow/reader"
)

type stubAdapter struct {
	name   string
	cap    models.Capability
	result func() models.SourceResult
}

func (s *stubAdapter) Name() string                  { return s.name }
func (s *stubAdapter) Capability() models.Capability { return s.cap }
func (s *stubAdapter) Fetch(context.Context) models.SourceResult {
	r := s.result()
	r.Source = s.name
	r.Capability = s.cap
	return r
}

func priceAdapter(prices map[string]float64) *stubAdapter {
	return &stubAdapter{name: "stc", cap: models.CapabilityPrices, result: func() models.SourceResult {
		var pts []models.PricePoint
		for k, v := range prices {
			pts = append(pts, models.PricePoint{Key: k, Price: v})
		}
		return models.SourceResult{Points: pts}
	}}
}

func failingAdapter(name string, cap models.Capability) *stubAdapter {
	return &stubAdapter{name: name, cap: cap, result: func() models.SourceResult {
		return models.SourceResult{Diagnostic: name + ": connection refused"}
	}}
}

type memSeen struct {
	mu    sync.Mutex
	links map[string]bool
}

func newMemSeen() *memSeen { return &memSeen{links: map[string]bool{}} }

func (m *memSeen) Contains(_ context.Context, link string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[link], nil
}

func (m *memSeen) Add(_ context.Context, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link] = true
	return nil
}

func defaultProcessorConfig() config.ProcessorConfig {
	return config.ProcessorConfig{
		Fodder: config.FodderConfig{
			MinSamples: 5, Window: 24 * time.Hour, MinPrice: 300, MaxPrice: 6000, BuyMultiplier: 0.9,
			Bands: []config.FodderBand{
				{MinRating: 84, MaxRating: 99, Floor: 3500, SellMultiplier: 1.12},
				{MinRating: 83, MaxRating: 83, Floor: 1500, SellMultiplier: 1.15},
			},
		},
		PriceMove: config.PriceMoveConfig{ThresholdPct: 8, Window: "1h"},
		Trade: config.TradeConfig{
			MeanWindow: 24 * time.Hour, MinSamples: 3,
			BuyBelow: 0.96, SellAbove: 1.07,
			BuyTarget: 1.18, BuyStop: 0.90, SellTarget: 0.92, SellStop: 1.10,
			BuyBaseScore: 70, BuyMaxScore: 95, SellBaseScore: 65, SellMaxScore: 93,
		},
	}
}

// newTestAnalyzer returns an analyzer whose clock advances 10 minutes per call
// to RunCycle.
func newTestAnalyzer(adapters []reader.Adapter, seen SeenSet) (*Analyzer, *time.Time) {
	a := NewAnalyzer(defaultProcessorConfig(), models.LevelMedium, adapters, snapshot.NewStore(200), seen)
	clock := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }
	return a, &clock
}

func kinds(signals []models.SignalRecord) []models.Kind {
	out := make([]models.Kind, len(signals))
	for i, s := range signals {
		out[i] = s.Kind
	}
	return out
}

func TestHypeItemsEmittedOnce(t *testing.T) {
	feed := &stubAdapter{name: "feeds", cap: models.CapabilityHype, result: func() models.SourceResult {
		return models.SourceResult{Items: []models.HypeItem{
			{Source: "leaks", Title: "TOTW leak SBC upgrade", Link: "https://x/1", Level: models.LevelHigh, Kind: models.KindLeak},
			{Source: "news", Title: "Flash SBC objective promo", Link: "https://x/2", Level: models.LevelHigh},
			{Source: "news", Title: "Flash SBC objective promo", Link: "https://x/2", Level: models.LevelHigh},
		}}
	}}
	seen := newMemSeen()
	a, _ := newTestAnalyzer([]reader.Adapter{feed}, seen)

	first := a.RunCycle(context.Background(), ModeScheduled)
	assert.Equal(t, []models.Kind{models.KindLeak, models.KindSBCHype}, kinds(first.Signals))
	assert.True(t, first.Hype)
	assert.Equal(t, "https://x/1", first.Signals[0].Link)
	assert.True(t, seen.links["https://x/1"], "links are marked before delivery")

	second := a.RunCycle(context.Background(), ModeScheduled)
	require.Len(t, second.Signals, 1)
	assert.Equal(t, models.KindInfo, second.Signals[0].Kind)
	assert.Equal(t, "no strong signal", second.Signals[0].Message)
}

func TestSameTitleDistinctLinksEmitEach(t *testing.T) {
	feed := &stubAdapter{name: "feeds", cap: models.CapabilityHype, result: func() models.SourceResult {
		return models.SourceResult{Items: []models.HypeItem{
			{Source: "leaks", Title: "New SBC upgrade leak", Link: "https://x/a", Level: models.LevelHigh, Kind: models.KindLeak},
			{Source: "leaks", Title: "New SBC upgrade leak", Link: "https://x/b", Level: models.LevelHigh, Kind: models.KindLeak},
		}}
	}}
	seen := newMemSeen()
	a, _ := newTestAnalyzer([]reader.Adapter{feed}, seen)

	rep := a.RunCycle(context.Background(), ModeScheduled)
	require.Len(t, rep.NewItems, 2)
	var links []string
	for _, s := range rep.Signals {
		if s.Kind == models.KindLeak {
			links = append(links, s.Link)
		}
	}
	assert.ElementsMatch(t, []string{"https://x/a", "https://x/b"}, links)
	assert.True(t, seen.links["https://x/a"])
	assert.True(t, seen.links["https://x/b"])
}

func TestFodderNeedsFiveSamples(t *testing.T) {
	a, clock := newTestAnalyzer([]reader.Adapter{priceAdapter(map[string]float64{"84": 3600})}, newMemSeen())

	for cycle := 1; cycle <= 6; cycle++ {
		rep := a.RunCycle(context.Background(), ModeScheduled)
		var fodder []models.SignalRecord
		for _, s := range rep.Signals {
			if s.Kind == models.KindFodder {
				fodder = append(fodder, s)
			}
		}
		if cycle < 5 {
			assert.Empty(t, fodder, "cycle %d", cycle)
		} else {
			require.Len(t, fodder, 1, "cycle %d", cycle)
			assert.Equal(t, "Rating 84", fodder[0].Subject)
			assert.Equal(t, models.ConfidenceMedium, fodder[0].Confidence)
			assert.Equal(t, 3240.0, fodder[0].Price)
			assert.Equal(t, 4032.0, fodder[0].Target)
		}
		*clock = clock.Add(10 * time.Minute)
	}
}

func TestFodderBelowFloorIsSilent(t *testing.T) {
	a, clock := newTestAnalyzer([]reader.Adapter{priceAdapter(map[string]float64{"83": 1200, "82": 5000})}, nil)
	for i := 0; i < 6; i++ {
		rep := a.RunCycle(context.Background(), ModeScheduled)
		assert.NotContains(t, kinds(rep.Signals), models.KindFodder)
		*clock = clock.Add(10 * time.Minute)
	}
}

func TestAllAdaptersFailingYieldsSingleInfo(t *testing.T) {
	a, _ := newTestAnalyzer([]reader.Adapter{
		failingAdapter("stc", models.CapabilityPrices),
		failingAdapter("feeds", models.CapabilityHype),
	}, newMemSeen())

	rep := a.RunCycle(context.Background(), ModeScheduled)
	require.Len(t, rep.Signals, 1)
	assert.Equal(t, models.KindInfo, rep.Signals[0].Kind)
	assert.Equal(t, models.ConfidenceLow, rep.Signals[0].Confidence)
	assert.Contains(t, rep.Signals[0].Message, "stc: connection refused")
	assert.Equal(t, 0, a.Store().Len())
}

func TestPanickingAdapterDegradesToDiagnostic(t *testing.T) {
	broken := &stubAdapter{name: "feeds", cap: models.CapabilityHype, result: func() models.SourceResult {
		panic("parser bug")
	}}
	a, _ := newTestAnalyzer([]reader.Adapter{priceAdapter(map[string]float64{"84": 3600}), broken}, newMemSeen())

	var rep Report
	require.NotPanics(t, func() { rep = a.RunCycle(context.Background(), ModeScheduled) })
	assert.Equal(t, 3600.0, rep.Prices["84"])
	require.Len(t, rep.Diagnostics, 1)
	assert.Contains(t, rep.Diagnostics[0], "feeds: panic: parser bug")

	last := rep.Signals[len(rep.Signals)-1]
	assert.Equal(t, models.KindInfo, last.Kind)
	assert.Contains(t, last.Message, "panic: parser bug")
}

func TestAdapterFetchConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak int32
	var adapters []reader.Adapter
	for i := 0; i < 6; i++ {
		adapters = append(adapters, &stubAdapter{name: "slow", cap: models.CapabilityHype, result: func() models.SourceResult {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return models.SourceResult{}
		}})
	}
	a, _ := newTestAnalyzer(adapters, nil)
	a.cfg.FetchConcurrency = 2

	a.RunCycle(context.Background(), ModeScheduled)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Positive(t, atomic.LoadInt32(&peak))
}

func TestNoAdaptersStillReturnsInfo(t *testing.T) {
	a, _ := newTestAnalyzer(nil, nil)
	rep := a.RunCycle(context.Background(), ModeScheduled)
	require.Len(t, rep.Signals, 1)
	assert.Equal(t, models.KindInfo, rep.Signals[0].Kind)
}

func TestOnDemandDoesNotWrite(t *testing.T) {
	feed := &stubAdapter{name: "feeds", cap: models.CapabilityHype, result: func() models.SourceResult {
		return models.SourceResult{Items: []models.HypeItem{{Source: "n", Title: "SBC", Link: "https://x/9"}}}
	}}
	seen := newMemSeen()
	a, _ := newTestAnalyzer([]reader.Adapter{priceAdapter(map[string]float64{"84": 3600}), feed}, seen)

	rep := a.RunCycle(context.Background(), ModeOnDemand)
	assert.Equal(t, ModeOnDemand, rep.Mode)
	assert.Equal(t, 3600.0, rep.Prices["84"])
	assert.Equal(t, 0, a.Store().Len())
	assert.Empty(t, seen.links)
	assert.Contains(t, kinds(rep.Signals), models.KindSBCHype)
	assert.True(t, rep.Message().OnDemand)
}

func TestPriceMove(t *testing.T) {
	prices := map[string]float64{"Saka": 10000}
	a, clock := newTestAnalyzer([]reader.Adapter{priceAdapter(prices)}, nil)

	a.RunCycle(context.Background(), ModeScheduled)
	*clock = clock.Add(time.Hour)
	prices["Saka"] = 11000

	rep := a.RunCycle(context.Background(), ModeScheduled)
	require.Contains(t, kinds(rep.Signals), models.KindPriceMove)
	for _, s := range rep.Signals {
		if s.Kind == models.KindPriceMove {
			assert.Equal(t, "Saka", s.Subject)
			assert.Contains(t, s.Message, "+10.00% in 1h")
			assert.Equal(t, "stc", s.Source)
		}
	}
	assert.Equal(t, 10.0, rep.Change1h["Saka"])
}

func TestPriceMoveAtThresholdIsSilent(t *testing.T) {
	prices := map[string]float64{"Saka": 10000}
	a, clock := newTestAnalyzer([]reader.Adapter{priceAdapter(prices)}, nil)
	a.RunCycle(context.Background(), ModeScheduled)
	*clock = clock.Add(time.Hour)
	prices["Saka"] = 10800

	rep := a.RunCycle(context.Background(), ModeScheduled)
	assert.NotContains(t, kinds(rep.Signals), models.KindPriceMove)
}

func seedHistory(a *Analyzer, key string, price float64, n int, clock *time.Time) {
	for i := 0; i < n; i++ {
		a.store.Record(models.Snapshot{ObservedAt: clock.Add(time.Duration(-n+i) * 10 * time.Minute), Prices: map[string]float64{key: price}})
	}
}

func TestTradeBuyOnHypeDiscount(t *testing.T) {
	feed := &stubAdapter{name: "feeds", cap: models.CapabilityHype, result: func() models.SourceResult {
		return models.SourceResult{Items: []models.HypeItem{{Source: "n", Title: "x", Link: "l", Level: models.LevelHigh}}}
	}}
	a, clock := newTestAnalyzer([]reader.Adapter{priceAdapter(map[string]float64{"Saka": 9000}), feed}, newMemSeen())
	seedHistory(a, "Saka", 10000, 3, clock)

	rep := a.RunCycle(context.Background(), ModeScheduled)
	var trade *models.SignalRecord
	for i := range rep.Signals {
		if rep.Signals[i].Kind == models.KindTrade {
			trade = &rep.Signals[i]
		}
	}
	require.NotNil(t, trade)
	assert.Equal(t, models.ActionBuy, trade.Action)
	assert.Equal(t, 80, trade.Score)
	assert.Equal(t, models.ConfidenceMedium, trade.Confidence)
	assert.Equal(t, 10620.0, trade.Target)
	assert.Equal(t, 8100.0, trade.StopLoss)
}

func TestTradeSellWithoutHype(t *testing.T) {
	a, clock := newTestAnalyzer([]reader.Adapter{priceAdapter(map[string]float64{"Saka": 11000})}, nil)
	seedHistory(a, "Saka", 10000, 3, clock)

	rep := a.RunCycle(context.Background(), ModeScheduled)
	var trade *models.SignalRecord
	for i := range rep.Signals {
		if rep.Signals[i].Kind == models.KindTrade {
			trade = &rep.Signals[i]
		}
	}
	require.NotNil(t, trade)
	assert.Equal(t, models.ActionSell, trade.Action)
	assert.Equal(t, 75, trade.Score)
	assert.Equal(t, 10120.0, trade.Target)
	assert.Equal(t, 12100.0, trade.StopLoss)
}

func TestTradeScoreIsCapped(t *testing.T) {
	a, clock := newTestAnalyzer([]reader.Adapter{priceAdapter(map[string]float64{"Saka": 20000})}, nil)
	seedHistory(a, "Saka", 10000, 3, clock)

	rep := a.RunCycle(context.Background(), ModeScheduled)
	for _, s := range rep.Signals {
		if s.Kind == models.KindTrade {
			assert.Equal(t, 93, s.Score)
			assert.Equal(t, models.ConfidenceHigh, s.Confidence)
		}
	}
}

func TestDiagnosticsFoldIntoOneInfo(t *testing.T) {
	feed := &stubAdapter{name: "feeds", cap: models.CapabilityHype, result: func() models.SourceResult {
		return models.SourceResult{Items: []models.HypeItem{{Source: "n", Title: "SBC", Link: "l1"}}}
	}}
	a, _ := newTestAnalyzer([]reader.Adapter{feed, failingAdapter("stc", models.CapabilityPrices), failingAdapter("fut", models.CapabilityPrices)}, newMemSeen())

	rep := a.RunCycle(context.Background(), ModeScheduled)
	assert.Equal(t, []models.Kind{models.KindSBCHype, models.KindInfo}, kinds(rep.Signals))
	assert.Contains(t, rep.Signals[1].Message, "stc: connection refused | fut: connection refused")
}

func TestMergeSnapshotAveragesAndTagsSynthetic(t *testing.T) {
	now := time.Unix(0, 0)
	s := mergeSnapshot([]models.PricePoint{{Key: "a", Price: 10}, {Key: "a", Price: 20}, {Key: "b", Price: 5}}, []string{"x", "mock"}, true, now)
	assert.Equal(t, 15.0, s.Prices["a"])
	assert.Equal(t, "x,mock", s.Source)
	assert.True(t, s.Synthetic)
}

func TestTrend(t *testing.T) {
	a, clock := newTestAnalyzer([]reader.Adapter{priceAdapter(map[string]float64{"84": 3600})}, nil)
	_, ok := a.Trend()
	assert.False(t, ok)

	a.RunCycle(context.Background(), ModeScheduled)
	*clock = clock.Add(10 * time.Minute)
	a.RunCycle(context.Background(), ModeScheduled)

	rows, synthetic := a.Trend()
	require.Len(t, rows, 1)
	assert.False(t, synthetic)
	assert.Equal(t, "84", rows[0].Key)
	assert.Equal(t, []float64{3600, 3600}, rows[0].Series)
}
