// Package source contains the clients for the external sources the bot
// polls: RSS/Atom feeds and the GitHub notifications API.
package source

import (
	"errors"
	"net/http"
	"sort"

	"notifybot/internal/model"
)

const userAgent = "notifybot/1.0"

// ErrUnauthorized indicates the source rejected the stored credential. The
// poll cycle keeps the subscription so the credential can be rotated.
var ErrUnauthorized = errors.New("source credential rejected")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// sortAscending orders items by occurrence time, keeping the source's native
// order for equal timestamps.
func sortAscending(items []model.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].OccurredAt.Before(items[j].OccurredAt)
	})
}
