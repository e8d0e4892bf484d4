package server

import (
	"testing"
	"time"
)

func newStubbedCache(previews map[string]*Metadata) *MetadataCache {
	c := NewMetadataCache()
	c.fetch = func(uri string) *Metadata {
		return previews[uri]
	}
	return c
}

func TestUnfurlCachesFirstURL(t *testing.T) {
	c := newStubbedCache(map[string]*Metadata{
		"https://example.com/a": {Title: "A", Url: "https://example.com/a", Type: "article", Image: "a.png"},
		"https://example.com/b": {Title: "B", Url: "https://example.com/b", Type: "article", Image: "b.png"},
	})

	c.Unfurl("m1", "look at https://example.com/a and also https://example.com/b")

	got := c.Get("m1")
	if got == nil || got.Title != "A" {
		t.Errorf("Get(m1) = %+v, want preview for the first URL", got)
	}
}

func TestUnfurlNoURL(t *testing.T) {
	c := newStubbedCache(nil)
	c.Unfurl("m1", "plain text with no links")
	if got := c.Get("m1"); got != nil {
		t.Errorf("Get(m1) = %+v, want nil", got)
	}
}

func TestUnfurlSkipsFailedFetch(t *testing.T) {
	c := newStubbedCache(map[string]*Metadata{
		"https://example.com/ok": {Title: "OK", Url: "https://example.com/ok", Type: "article", Image: "x.png"},
	})

	// The first link yields nothing; the scraper moves on to the next.
	c.Unfurl("m1", "https://dead.example.com https://example.com/ok")

	got := c.Get("m1")
	if got == nil || got.Title != "OK" {
		t.Errorf("Get(m1) = %+v, want fallthrough to second URL", got)
	}
}

func TestSweepExpiresOldEntries(t *testing.T) {
	c := newStubbedCache(map[string]*Metadata{
		"https://example.com": {Title: "X", Url: "https://example.com", Type: "article", Image: "x.png"},
	})
	c.Unfurl("m1", "https://example.com")

	c.Sweep(time.Now())
	if c.Get("m1") == nil {
		t.Fatal("fresh entry swept")
	}

	c.Sweep(time.Now().Add(MetadataTTL + time.Minute))
	if c.Get("m1") != nil {
		t.Error("stale entry survived sweep")
	}
}
