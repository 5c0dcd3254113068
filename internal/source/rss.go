package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"notifybot/internal/model"
)

// maxFeedBytes bounds how much of a feed body is read.
const maxFeedBytes = 5 * 1024 * 1024

// FeedClient downloads and parses RSS/Atom feeds.
type FeedClient struct {
	client  HTTPClient
	timeout time.Duration
}

// NewFeedClient creates a FeedClient with the given HTTP client.
func NewFeedClient(client HTTPClient) *FeedClient {
	return &FeedClient{
		client:  client,
		timeout: 30 * time.Second,
	}
}

// FetchSince downloads the feed at url and returns the entries published
// strictly after since, in ascending time order. Entries without a usable
// timestamp are skipped.
func (c *FeedClient) FetchSince(ctx context.Context, url string, since time.Time) ([]model.Item, error) {
	feed, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	var items []model.Item
	for _, entry := range feed.Items {
		at := entryTime(entry)
		if at == nil || !at.After(since) {
			continue
		}
		items = append(items, model.Item{
			Title:      entry.Title,
			Summary:    entrySummary(entry),
			Link:       entry.Link,
			OccurredAt: at.UTC(),
		})
	}
	sortAscending(items)
	return items, nil
}

// Probe checks that url serves a parsable feed and returns the feed title.
// Used when a subscription is created.
func (c *FeedClient) Probe(ctx context.Context, url string) (string, error) {
	feed, err := c.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	title := feed.Title
	if title == "" {
		title = url
	}
	return title, nil
}

func (c *FeedClient) fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// entryTime returns the effective timestamp of a feed entry, preferring the
// published time over the updated time.
func entryTime(entry *gofeed.Item) *time.Time {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed
	}
	return entry.UpdatedParsed
}

func entrySummary(entry *gofeed.Item) string {
	desc := entry.Description
	if desc == "" {
		desc = entry.Content
	}
	if len(desc) > 300 {
		desc = desc[:300] + "..."
	}
	return desc
}
