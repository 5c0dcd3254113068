// Package model defines the domain types used across the application.
package model

import "time"

// FeedSubscription binds a chat to an RSS/Atom feed URL.
type FeedSubscription struct {
	ID           int64
	ChatID       int64
	URL          string
	Title        string
	LastUpdateAt time.Time
	CreatedAt    time.Time
}

// GithubSubscription binds a chat to a GitHub account whose notifications
// are delivered into the chat.
type GithubSubscription struct {
	ID           int64
	ChatID       int64
	Username     string
	Token        string
	LastUpdateAt time.Time
	CreatedAt    time.Time
}

// Item is a source-agnostic view of one new event, produced by the source
// clients and consumed by rendering and delivery.
type Item struct {
	Title      string
	Summary    string
	Link       string
	OccurredAt time.Time
}

// Reminder is a one-shot deferred message.
type Reminder struct {
	ID        int64
	ChatID    int64
	Username  string
	Message   string
	RemindAt  time.Time
	CreatedAt time.Time
}
