package reader

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"futflow/config"
	"futflow/logger"
	"futflow/models"
)

// DefaultPricePattern finds the first number following the key on a page.
const DefaultPricePattern = `(?i)\b{key}\b[^0-9]{1,10}([0-9][0-9.,]{2,}[KkMm]?)`

// HTMLPriceAdapter scrapes prices for a fixed set of keys. Several keys may
// share one URL, in which case the page is fetched once per cycle.
type HTMLPriceAdapter struct {
	name     string
	fetcher  *Fetcher
	targets  []config.PriceTarget
	patterns map[string]*regexp.Regexp
	rawHTML  bool
	minPrice float64
	maxPrice float64
	log      *logger.Log
	now      func() time.Time
}

func NewHTMLPriceAdapter(cfg config.PricePageConfig, f *Fetcher) (*HTMLPriceAdapter, error) {
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = DefaultPricePattern
	}
	patterns := make(map[string]*regexp.Regexp, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.Key == "" || t.URL == "" {
			return nil, fmt.Errorf("target needs key and url")
		}
		re, err := regexp.Compile(strings.ReplaceAll(pattern, "{key}", regexp.QuoteMeta(t.Key)))
		if err != nil {
			return nil, fmt.Errorf("pattern for %s: %w", t.Key, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("pattern for %s has no capture group", t.Key)
		}
		patterns[t.Key] = re
	}
	name := cfg.Name
	if name == "" {
		name = "html_prices"
	}
	return &HTMLPriceAdapter{
		name:     name,
		fetcher:  f,
		targets:  cfg.Targets,
		patterns: patterns,
		rawHTML:  cfg.Match == "html",
		minPrice: cfg.MinPrice,
		maxPrice: cfg.MaxPrice,
		log:      logger.GetLogger(),
		now:      time.Now,
	}, nil
}

func (a *HTMLPriceAdapter) Name() string                  { return a.name }
func (a *HTMLPriceAdapter) Capability() models.Capability { return models.CapabilityPrices }

func (a *HTMLPriceAdapter) Fetch(ctx context.Context) models.SourceResult {
	start := a.now()
	log := a.log.WithComponent("html_reader").WithFields(logger.Fields{"source": a.name})
	res := models.SourceResult{Source: a.name, Capability: models.CapabilityPrices, FetchedAt: start}

	pages := make(map[string]string)
	failed := make(map[string]error)
	var diags []string

	for _, t := range a.targets {
		if _, bad := failed[t.URL]; bad {
			continue
		}
		page, ok := pages[t.URL]
		if !ok {
			body, err := a.fetcher.Get(ctx, t.URL)
			if err != nil {
				failed[t.URL] = err
				diags = append(diags, err.Error())
				log.WithError(err).WithFields(logger.Fields{"url": t.URL}).Warn("price page fetch failed")
				continue
			}
			if a.rawHTML {
				page = string(body)
			} else {
				page = visibleText(body)
			}
			pages[t.URL] = page
		}

		m := a.patterns[t.Key].FindStringSubmatch(page)
		if m == nil {
			log.WithFields(logger.Fields{"key": t.Key}).Debug("price not found on page")
			continue
		}
		price, err := parsePrice(m[1])
		if err != nil || !a.inRange(price) {
			log.WithFields(logger.Fields{"key": t.Key, "raw": m[1]}).Debug("price rejected")
			continue
		}
		res.Points = append(res.Points, models.PricePoint{Key: t.Key, Price: price, ObservedAt: a.now()})
	}

	if len(diags) > 0 {
		res.Diagnostic = fmt.Sprintf("%s: %s", a.name, strings.Join(diags, "; "))
	} else if len(res.Points) == 0 {
		res.Diagnostic = fmt.Sprintf("%s: no prices found", a.name)
	}
	logger.LogPerformanceEntry(log, "html_reader", "fetch_prices", a.now().Sub(start), logger.Fields{"points": len(res.Points)})
	return res
}

func (a *HTMLPriceAdapter) inRange(p float64) bool {
	if p <= 0 {
		return false
	}
	if a.minPrice > 0 && p < a.minPrice {
		return false
	}
	if a.maxPrice > 0 && p > a.maxPrice {
		return false
	}
	return true
}

// parsePrice understands "3,600", "3.600", "12.5K" and "1.1M".
func parsePrice(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult, s = 1_000, s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult, s = 1_000_000, s[:len(s)-1]
	}
	if mult > 1 {
		s = strings.ReplaceAll(s, ",", ".")
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return v * mult, nil
	}
	s = strings.NewReplacer(",", "", ".", "", " ", "").Replace(s)
	return strconv.ParseFloat(s, 64)
}
