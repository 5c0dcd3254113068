package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"notifybot/internal/model"
)

// githubAPIURL is the base URL of the GitHub REST API.
const githubAPIURL = "https://api.github.com"

// notificationsLink is where GitHub shows the notification inbox.
const notificationsLink = "https://github.com/notifications"

// GithubClient polls the notifications API for one GitHub account. It keeps
// the account's rate-limit state across polls, so one client instance should
// be reused for the lifetime of a subscription (see Pool).
type GithubClient struct {
	client        HTTPClient
	baseURL       string
	username      string
	token         string
	nextAllowedAt time.Time
	now           func() time.Time
}

// NewGithubClient creates a client for the given account against the public
// GitHub API.
func NewGithubClient(httpClient HTTPClient, username, token string) *GithubClient {
	return &GithubClient{
		client:   httpClient,
		baseURL:  githubAPIURL,
		username: username,
		token:    token,
		now:      time.Now,
	}
}

// SetToken replaces the stored token, keeping accumulated rate-limit state.
func (g *GithubClient) SetToken(token string) {
	g.token = token
}

// PollAllowed reports whether the API may be polled again, per the last
// X-Poll-Interval answer from GitHub.
func (g *GithubClient) PollAllowed() bool {
	return !g.now().Before(g.nextAllowedAt)
}

// TestToken performs a cheap authenticated request to validate the stored
// credential without consuming notification poll budget.
func (g *GithubClient) TestToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.baseURL+"/notifications", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(req, g.now().UTC())

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("http head: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return g.checkStatus(resp.StatusCode)
}

// Notifications returns the account's notifications updated strictly after
// since, in ascending time order. A 304 Not Modified answer yields an empty
// result. The X-Poll-Interval response header, when present, defers the next
// allowed poll.
func (g *GithubClient) Notifications(ctx context.Context, since time.Time) ([]model.Item, error) {
	query := url.Values{}
	query.Set("all", "false")
	query.Set("per_page", "50")
	query.Set("since", since.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/notifications?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(req, since.UTC())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if interval := resp.Header.Get("X-Poll-Interval"); interval != "" {
		if secs, err := strconv.Atoi(interval); err == nil {
			g.nextAllowedAt = g.now().Add(time.Duration(secs) * time.Second)
		}
	}

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if err := g.checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var notifications []notification
	if err := json.Unmarshal(body, &notifications); err != nil {
		return nil, fmt.Errorf("parse notifications: %w", err)
	}

	var items []model.Item
	for _, n := range notifications {
		if !n.UpdatedAt.After(since) {
			continue
		}
		items = append(items, model.Item{
			Title:      fmt.Sprintf("%s: %s", n.Subject.Type, n.Subject.Title),
			Summary:    n.Repository.FullName,
			Link:       notificationsLink,
			OccurredAt: n.UpdatedAt.UTC(),
		})
	}
	sortAscending(items)
	return items, nil
}

func (g *GithubClient) setHeaders(req *http.Request, since time.Time) {
	req.SetBasicAuth(g.username, g.token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("If-Modified-Since", since.Format(http.TimeFormat))
}

func (g *GithubClient) checkStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", code, ErrUnauthorized)
	case code >= 400:
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}

// notification is the wire shape of one GitHub notification thread.
type notification struct {
	ID         string    `json:"id"`
	Unread     bool      `json:"unread"`
	Reason     string    `json:"reason"`
	UpdatedAt  time.Time `json:"updated_at"`
	Subject    subject   `json:"subject"`
	Repository repo      `json:"repository"`
}

type subject struct {
	Title string `json:"title"`
	Type  string `json:"type"`
	URL   string `json:"url"`
}

type repo struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}
