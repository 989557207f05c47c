package reader

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/net/html"

	"futflow/config"
	"futflow/logger"
	"futflow/models"
)

// HeadlineAdapter turns elements with a given CSS class on an HTML page into
// hype items, e.g. the names on a "latest SBCs" listing.
type HeadlineAdapter struct {
	cfg     config.HeadlinePageConfig
	fetcher *Fetcher
	cls     Classifier
	log     *logger.Log
	now     func() time.Time
}

func NewHeadlineAdapter(cfg config.HeadlinePageConfig, f *Fetcher, cls Classifier) *HeadlineAdapter {
	if cfg.Name == "" {
		cfg.Name = "headlines"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	return &HeadlineAdapter{cfg: cfg, fetcher: f, cls: cls, log: logger.GetLogger(), now: time.Now}
}

func (a *HeadlineAdapter) Name() string                  { return a.cfg.Name }
func (a *HeadlineAdapter) Capability() models.Capability { return models.CapabilityHype }

func (a *HeadlineAdapter) Fetch(ctx context.Context) models.SourceResult {
	log := a.log.WithComponent("headline_reader").WithFields(logger.Fields{"source": a.cfg.Name})
	res := models.SourceResult{Source: a.cfg.Name, Capability: models.CapabilityHype, FetchedAt: a.now()}

	body, err := a.fetcher.Get(ctx, a.cfg.URL)
	if err != nil {
		log.WithError(err).Warn("headline page fetch failed")
		res.Diagnostic = fmt.Sprintf("%s: %v", a.cfg.Name, err)
		return res
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		res.Diagnostic = fmt.Sprintf("%s: parse: %v", a.cfg.Name, err)
		return res
	}

	seen := make(map[string]struct{})
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(res.Items) >= a.cfg.Limit {
			return
		}
		if n.Type == html.ElementNode && hasClass(n, a.cfg.Class) {
			if title := nodeText(n); title != "" {
				if _, dup := seen[title]; !dup {
					seen[title] = struct{}{}
					res.Items = append(res.Items, a.item(title))
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	logger.LogDataFlowEntry(log, a.cfg.URL, "analyzer", len(res.Items), "hype_item")
	return res
}

// item builds a HypeItem whose link is stable for the same headline so the
// seen set recognises it on the next cycle.
func (a *HeadlineAdapter) item(title string) models.HypeItem {
	sum := sha1.Sum([]byte(title))
	return models.HypeItem{
		Source:      a.cfg.Name,
		Title:       title,
		Link:        a.cfg.URL + "#" + hex.EncodeToString(sum[:6]),
		PublishedAt: a.now(),
		Level:       a.cls.Classify(title),
		Kind:        kindFor(a.cfg.Kind),
	}
}
