// Package reader holds the source adapters that pull prices and hype items
// from external sites. Adapters never return errors; a failed fetch degrades
// to an empty or partial result with a diagnostic.
package reader

import (
	"context"
	"fmt"

	"futflow/config"
	"futflow/models"
)

// Adapter is implemented by every data source.
type Adapter interface {
	Name() string
	Capability() models.Capability
	Fetch(ctx context.Context) models.SourceResult
}

// Classifier scores hype text. *classifier.Classifier satisfies it.
type Classifier interface {
	Classify(text string) models.Level
	Hits(text string) int
}

// BuildAdapters creates every adapter enabled in cfg, sharing one Fetcher so
// pacing applies across adapters hitting the same host. The mock price
// source is added when enabled or when no live price page is configured.
func BuildAdapters(cfg *config.Config, cls Classifier) ([]Adapter, error) {
	fetcher := NewFetcher(cfg.Reader)
	var adapters []Adapter

	for i, p := range cfg.Source.PricePages {
		a, err := NewHTMLPriceAdapter(p, fetcher)
		if err != nil {
			return nil, fmt.Errorf("price page %d: %w", i, err)
		}
		adapters = append(adapters, a)
	}
	for _, h := range cfg.Source.HeadlinePages {
		adapters = append(adapters, NewHeadlineAdapter(h, fetcher, cls))
	}
	if len(cfg.Source.Feeds) > 0 {
		adapters = append(adapters, NewFeedAdapter(cfg.Source.Feeds, fetcher, cls))
	}
	if cfg.Source.Mock.Enabled || len(cfg.Source.PricePages) == 0 {
		adapters = append(adapters, NewMockAdapter(cfg.Source.Mock))
	}
	return adapters, nil
}

func kindFor(s string) models.Kind {
	if s == "leak" {
		return models.KindLeak
	}
	return models.KindSBCHype
}
