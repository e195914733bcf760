package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCrawlCache    = 128
	defaultCrawlMaxBytes = 8000
	maxPageBytes         = 5 << 20
)

// WebCrawlTool fetches a page and returns its title and visible text.
//
// Input:  {"url": "https://...", "selector": "main"}
// Output: {"url": "...", "title": "...", "text": "...", "truncated": false}
type WebCrawlTool struct {
	name        string
	description string
	client      *http.Client
	maxBytes    int
	cache       *lru.Cache[string, map[string]any]
}

// NewWebCrawlTool creates a crawler with a per-URL result cache.
// client may be nil; cacheSize and maxBytes default when <= 0.
func NewWebCrawlTool(name, description string, client *http.Client, cacheSize, maxBytes int) (*WebCrawlTool, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if cacheSize <= 0 {
		cacheSize = defaultCrawlCache
	}
	if maxBytes <= 0 {
		maxBytes = defaultCrawlMaxBytes
	}
	cache, err := lru.New[string, map[string]any](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating crawl cache: %w", err)
	}
	return &WebCrawlTool{
		name:        name,
		description: description,
		client:      client,
		maxBytes:    maxBytes,
		cache:       cache,
	}, nil
}

func (t *WebCrawlTool) Name() string        { return t.name }
func (t *WebCrawlTool) Description() string { return t.description }

func (t *WebCrawlTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url %q must be an absolute http(s) URL", rawURL)
	}
	selector, _ := args["selector"].(string)
	if selector == "" {
		selector = "body"
	}

	key := u.String() + "\x00" + selector
	if cached, ok := t.cache.Get(key); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "agentcrew/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: %s", u, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", u, err)
	}
	doc.Find("script, style, noscript").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	var parts []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if text := collapseSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return nil, fmt.Errorf("selector %q matched no text on %s", selector, u)
	}

	text := strings.Join(parts, "\n")
	truncated := false
	if len(text) > t.maxBytes {
		text = text[:t.maxBytes]
		truncated = true
	}

	result := map[string]any{
		"url":       u.String(),
		"title":     title,
		"text":      text,
		"truncated": truncated,
	}
	t.cache.Add(key, result)
	return result, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
