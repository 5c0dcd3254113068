package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"notifybot/internal/model"
	"notifybot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertFeedSub inserts the subscription, or leaves the existing row's
// watermark untouched if the (chat_id, url) identity already exists.
func (s *SQLite) UpsertFeedSub(ctx context.Context, sub *model.FeedSubscription) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_subscriptions (chat_id, url, title, last_update_at, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, url) DO UPDATE SET title = excluded.title`,
		sub.ChatID, sub.URL, sub.Title, sub.LastUpdateAt.UTC().Format(timeLayout), now,
	)
	if err != nil {
		return fmt.Errorf("upsert feed subscription: %w", err)
	}

	stored, err := s.FindFeedSub(ctx, sub.ChatID, sub.URL)
	if err != nil {
		return err
	}
	*sub = *stored
	return nil
}

// ListFeedSubs returns all feed subscriptions.
func (s *SQLite) ListFeedSubs(ctx context.Context) ([]model.FeedSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, url, title, last_update_at, created_at
		 FROM feed_subscriptions ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query feed subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeedSubs(rows)
}

// ListFeedSubsByChat returns the feed subscriptions of one chat.
func (s *SQLite) ListFeedSubsByChat(ctx context.Context, chatID int64) ([]model.FeedSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, url, title, last_update_at, created_at
		 FROM feed_subscriptions WHERE chat_id = ? ORDER BY id`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query feed subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeedSubs(rows)
}

// FindFeedSub returns the subscription with the given identity.
func (s *SQLite) FindFeedSub(ctx context.Context, chatID int64, url string) (*model.FeedSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, url, title, last_update_at, created_at
		 FROM feed_subscriptions WHERE chat_id = ? AND url = ?`, chatID, url,
	)
	return scanFeedSub(row)
}

// UpdateFeedSub persists changes to an existing feed subscription.
func (s *SQLite) UpdateFeedSub(ctx context.Context, sub *model.FeedSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feed_subscriptions SET title = ?, last_update_at = ? WHERE id = ?`,
		sub.Title, sub.LastUpdateAt.UTC().Format(timeLayout), sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed subscription: %w", err)
	}
	return nil
}

// DeleteFeedSub removes a feed subscription by its ID.
func (s *SQLite) DeleteFeedSub(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feed_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete feed subscription: %w", err)
	}
	return nil
}

// UpsertGithubSub inserts the subscription, or rotates the stored token in
// place if the (chat_id, username) identity already exists. The existing
// watermark is preserved on conflict.
func (s *SQLite) UpsertGithubSub(ctx context.Context, sub *model.GithubSubscription) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO github_subscriptions (chat_id, username, token, last_update_at, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, username) DO UPDATE SET token = excluded.token`,
		sub.ChatID, sub.Username, sub.Token, sub.LastUpdateAt.UTC().Format(timeLayout), now,
	)
	if err != nil {
		return fmt.Errorf("upsert github subscription: %w", err)
	}

	stored, err := s.FindGithubSub(ctx, sub.ChatID, sub.Username)
	if err != nil {
		return err
	}
	*sub = *stored
	return nil
}

// ListGithubSubs returns all GitHub subscriptions.
func (s *SQLite) ListGithubSubs(ctx context.Context) ([]model.GithubSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, username, token, last_update_at, created_at
		 FROM github_subscriptions ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query github subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanGithubSubs(rows)
}

// ListGithubSubsByChat returns the GitHub subscriptions of one chat.
func (s *SQLite) ListGithubSubsByChat(ctx context.Context, chatID int64) ([]model.GithubSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, username, token, last_update_at, created_at
		 FROM github_subscriptions WHERE chat_id = ? ORDER BY id`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query github subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanGithubSubs(rows)
}

// FindGithubSub returns the subscription with the given identity.
func (s *SQLite) FindGithubSub(ctx context.Context, chatID int64, username string) (*model.GithubSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, username, token, last_update_at, created_at
		 FROM github_subscriptions WHERE chat_id = ? AND username = ?`, chatID, username,
	)
	return scanGithubSub(row)
}

// UpdateGithubSub persists changes to an existing GitHub subscription.
func (s *SQLite) UpdateGithubSub(ctx context.Context, sub *model.GithubSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE github_subscriptions SET token = ?, last_update_at = ? WHERE id = ?`,
		sub.Token, sub.LastUpdateAt.UTC().Format(timeLayout), sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update github subscription: %w", err)
	}
	return nil
}

// DeleteGithubSub removes a GitHub subscription by its ID.
func (s *SQLite) DeleteGithubSub(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM github_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete github subscription: %w", err)
	}
	return nil
}

// CreateReminder inserts a new reminder and populates its ID and CreatedAt.
func (s *SQLite) CreateReminder(ctx context.Context, r *model.Reminder) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (chat_id, username, message, remind_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ChatID, r.Username, r.Message, r.RemindAt.UTC().Format(timeLayout), now,
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListDueReminders returns all reminders whose due time has passed.
func (s *SQLite) ListDueReminders(ctx context.Context, now time.Time) ([]model.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, username, message, remind_at, created_at
		 FROM reminders WHERE remind_at <= ? ORDER BY remind_at`,
		now.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reminders []model.Reminder
	for rows.Next() {
		var r model.Reminder
		var remindStr, createdStr string
		if err := rows.Scan(&r.ID, &r.ChatID, &r.Username, &r.Message, &remindStr, &createdStr); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.RemindAt, _ = time.Parse(timeLayout, remindStr)
		r.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// DeleteReminder removes a reminder by its ID.
func (s *SQLite) DeleteReminder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeedSub(row scannable) (*model.FeedSubscription, error) {
	var sub model.FeedSubscription
	var updateStr, createdStr string
	err := row.Scan(&sub.ID, &sub.ChatID, &sub.URL, &sub.Title, &updateStr, &createdStr)
	if err != nil {
		return nil, fmt.Errorf("scan feed subscription: %w", err)
	}
	sub.LastUpdateAt, _ = time.Parse(timeLayout, updateStr)
	sub.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return &sub, nil
}

func scanFeedSubs(rows *sql.Rows) ([]model.FeedSubscription, error) {
	var subs []model.FeedSubscription
	for rows.Next() {
		sub, err := scanFeedSub(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanGithubSub(row scannable) (*model.GithubSubscription, error) {
	var sub model.GithubSubscription
	var updateStr, createdStr string
	err := row.Scan(&sub.ID, &sub.ChatID, &sub.Username, &sub.Token, &updateStr, &createdStr)
	if err != nil {
		return nil, fmt.Errorf("scan github subscription: %w", err)
	}
	sub.LastUpdateAt, _ = time.Parse(timeLayout, updateStr)
	sub.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return &sub, nil
}

func scanGithubSubs(rows *sql.Rows) ([]model.GithubSubscription, error) {
	var subs []model.GithubSubscription
	for rows.Next() {
		sub, err := scanGithubSub(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}
