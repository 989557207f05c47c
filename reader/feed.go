package reader

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"futflow/config"
	"futflow/logger"
	"futflow/models"
)

const defaultFeedLimit = 10

// FeedAdapter reads RSS/Atom feeds. Each feed contributes at most Limit
// entries; a feed that fails is skipped without affecting the others.
type FeedAdapter struct {
	feeds   []config.FeedConfig
	fetcher *Fetcher
	cls     Classifier
	log     *logger.Log
	now     func() time.Time
}

func NewFeedAdapter(feeds []config.FeedConfig, f *Fetcher, cls Classifier) *FeedAdapter {
	return &FeedAdapter{feeds: feeds, fetcher: f, cls: cls, log: logger.GetLogger(), now: time.Now}
}

func (a *FeedAdapter) Name() string                  { return "feeds" }
func (a *FeedAdapter) Capability() models.Capability { return models.CapabilityHype }

func (a *FeedAdapter) Fetch(ctx context.Context) models.SourceResult {
	start := a.now()
	res := models.SourceResult{Source: a.Name(), Capability: models.CapabilityHype, FetchedAt: start}
	var diags []string

	for _, fc := range a.feeds {
		items, err := a.fetchFeed(ctx, fc)
		if err != nil {
			a.log.WithComponent("feed_reader").WithError(err).WithFields(logger.Fields{"url": fc.URL}).Warn("feed fetch failed")
			diags = append(diags, err.Error())
			continue
		}
		res.Items = append(res.Items, items...)
	}

	sort.SliceStable(res.Items, func(i, j int) bool {
		return res.Items[i].PublishedAt.After(res.Items[j].PublishedAt)
	})
	if len(diags) > 0 {
		res.Diagnostic = fmt.Sprintf("feeds: %s", strings.Join(diags, "; "))
	}
	logger.LogPerformanceEntry(a.log.WithComponent("feed_reader"), "feed_reader", "fetch_feeds", a.now().Sub(start),
		logger.Fields{"feeds": len(a.feeds), "items": len(res.Items)})
	return res
}

func (a *FeedAdapter) fetchFeed(ctx context.Context, fc config.FeedConfig) ([]models.HypeItem, error) {
	body, err := a.fetcher.Get(ctx, fc.URL)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fc.URL, err)
	}

	limit := fc.Limit
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	source := fc.Name
	if source == "" {
		source = feedSource(feed, fc.URL)
	}

	var out []models.HypeItem
	for _, it := range feed.Items {
		if len(out) >= limit {
			break
		}
		link := it.Link
		if link == "" {
			link = it.GUID
		}
		if link == "" {
			continue
		}
		title := strings.TrimSpace(it.Title)
		summary := visibleText([]byte(it.Description))
		if fc.RequireMatch && a.cls.Hits(title) == 0 {
			continue
		}
		out = append(out, models.HypeItem{
			Source:      source,
			Title:       title,
			Summary:     summary,
			Link:        link,
			PublishedAt: a.published(it),
			Level:       a.cls.Classify(title + " " + summary),
			Kind:        kindFor(fc.Kind),
		})
	}
	return out, nil
}

func (a *FeedAdapter) published(it *gofeed.Item) time.Time {
	switch {
	case it.PublishedParsed != nil:
		return *it.PublishedParsed
	case it.UpdatedParsed != nil:
		return *it.UpdatedParsed
	default:
		return a.now()
	}
}

func feedSource(feed *gofeed.Feed, rawURL string) string {
	if t := strings.TrimSpace(feed.Title); t != "" {
		return t
	}
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}
