// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"notifybot/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertFeedSub(ctx context.Context, sub *model.FeedSubscription) error
	ListFeedSubs(ctx context.Context) ([]model.FeedSubscription, error)
	ListFeedSubsByChat(ctx context.Context, chatID int64) ([]model.FeedSubscription, error)
	FindFeedSub(ctx context.Context, chatID int64, url string) (*model.FeedSubscription, error)
	UpdateFeedSub(ctx context.Context, sub *model.FeedSubscription) error
	DeleteFeedSub(ctx context.Context, id int64) error

	UpsertGithubSub(ctx context.Context, sub *model.GithubSubscription) error
	ListGithubSubs(ctx context.Context) ([]model.GithubSubscription, error)
	ListGithubSubsByChat(ctx context.Context, chatID int64) ([]model.GithubSubscription, error)
	FindGithubSub(ctx context.Context, chatID int64, username string) (*model.GithubSubscription, error)
	UpdateGithubSub(ctx context.Context, sub *model.GithubSubscription) error
	DeleteGithubSub(ctx context.Context, id int64) error

	CreateReminder(ctx context.Context, r *model.Reminder) error
	ListDueReminders(ctx context.Context, now time.Time) ([]model.Reminder, error)
	DeleteReminder(ctx context.Context, id int64) error

	Close() error
}
