package server

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// MetadataTTL is how long a scraped link preview is retained.
const MetadataTTL = 24 * time.Hour

// MetadataCache holds link previews keyed by message id. Previews are
// scraped asynchronously after publish and attached to history replays;
// the live broadcast goes out without waiting for the fetch.
type MetadataCache struct {
	mu      sync.RWMutex
	entries map[string]*metaEntry

	// fetch is swappable for tests.
	fetch func(uri string) *Metadata
}

type metaEntry struct {
	meta    *Metadata
	created time.Time
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache() *MetadataCache {
	return &MetadataCache{
		entries: make(map[string]*metaEntry),
		fetch:   fetchMetadata,
	}
}

// Unfurl scrapes the first URL found in content and caches the preview
// under the message id. Safe to call from any goroutine.
func (c *MetadataCache) Unfurl(messageID, content string) {
	for _, part := range strings.Fields(content) {
		if !strings.HasPrefix(part, "http://") && !strings.HasPrefix(part, "https://") {
			continue
		}
		g := c.fetch(part)
		if g == nil {
			continue
		}
		c.mu.Lock()
		c.entries[messageID] = &metaEntry{meta: g, created: time.Now()}
		c.mu.Unlock()
		return
	}
}

// Get returns the cached preview for a message id, nil if absent.
func (c *MetadataCache) Get(messageID string) *Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[messageID]; ok {
		return e.meta
	}
	return nil
}

// Sweep drops entries older than the TTL.
func (c *MetadataCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if now.Sub(e.created) > MetadataTTL {
			delete(c.entries, id)
		}
	}
}

// fetchMetadata scrapes og/twitter card tags from a page. Returns nil
// unless enough fields are present to render a card.
func fetchMetadata(uri string) *Metadata {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}

	d, err := goquery.NewDocument(u.String())
	if err != nil {
		return nil
	}

	g := &Metadata{}

	for _, node := range d.Find("meta").Nodes {
		if len(node.Attr) < 2 {
			continue
		}

		p := strings.Split(node.Attr[0].Val, ":")
		if len(p) < 2 || (p[0] != "twitter" && p[0] != "og") {
			continue
		}

		switch p[1] {
		case "site_name":
			g.Site = node.Attr[1].Val
		case "site":
			if len(g.Site) == 0 {
				g.Site = node.Attr[1].Val
			}
		case "title":
			g.Title = node.Attr[1].Val
		case "description":
			g.Description = node.Attr[1].Val
		case "card", "type":
			g.Type = node.Attr[1].Val
		case "url":
			g.Url = node.Attr[1].Val
		case "image":
			if len(p) > 2 && p[2] == "src" {
				g.Image = node.Attr[1].Val
			} else if len(g.Image) == 0 {
				g.Image = node.Attr[1].Val
			}
		}
	}

	if len(g.Type) == 0 || len(g.Image) == 0 || len(g.Title) == 0 || len(g.Url) == 0 {
		return nil
	}

	return g
}
