// Package scheduler runs the subscription polling and delivery engine: one
// independent periodic loop per source kind, each iterating that kind's
// subscriptions, fetching new items since the stored watermark and
// dispatching them into chats.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"notifybot/internal/bot"
	"notifybot/internal/model"
	"notifybot/internal/source"
	"notifybot/internal/storage"
)

// Sender is the interface for sending chat messages.
type Sender interface {
	SendMessage(chatID int64, text string) error
}

// ChatResolver reports whether the bot can still deliver into a chat. The
// second return distinguishes "chat is definitively gone" (false, nil) from
// a transport error, so an outage never deletes subscriptions.
type ChatResolver interface {
	ResolveChat(ctx context.Context, chatID int64) (bool, error)
}

// Scheduler periodically polls all subscription sources and delivers new
// items as chat notifications.
type Scheduler struct {
	store  storage.Storage
	feeds  *source.FeedClient
	pool   *source.Pool
	sender Sender
	chats  ChatResolver
	log    *slog.Logger

	feedTick   time.Duration
	githubTick time.Duration
	remindTick time.Duration
	now        func() time.Time
}

// New creates a Scheduler with default HTTP clients and intervals.
func New(store storage.Storage, sender Sender, chats ChatResolver, log *slog.Logger) *Scheduler {
	return NewWithClients(store, source.NewFeedClient(http.DefaultClient),
		source.NewPool(http.DefaultClient), sender, chats, log)
}

// NewWithClients creates a Scheduler with custom source clients (useful for
// testing).
func NewWithClients(store storage.Storage, feeds *source.FeedClient, pool *source.Pool,
	sender Sender, chats ChatResolver, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		feeds:      feeds,
		pool:       pool,
		sender:     sender,
		chats:      chats,
		log:        log,
		feedTick:   5 * time.Minute,
		githubTick: time.Minute,
		remindTick: 30 * time.Second,
		now:        time.Now,
	}
}

// SetIntervals overrides the default poll intervals.
func (s *Scheduler) SetIntervals(feed, github, remind time.Duration) {
	s.feedTick = feed
	s.githubTick = github
	s.remindTick = remind
}

// Run starts one polling loop per source kind and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	loops := []struct {
		name  string
		tick  time.Duration
		cycle func(context.Context) error
	}{
		{"rss", s.feedTick, s.checkFeeds},
		{"github", s.githubTick, s.checkGithub},
		{"reminders", s.remindTick, s.checkReminders},
	}

	var wg sync.WaitGroup
	for _, loop := range loops {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runLoop(ctx, loop.name, loop.tick, loop.cycle)
		}()
	}
	wg.Wait()
}

// runLoop drives one source kind: the cycle runs to completion, then the
// loop waits for the next tick. A cycle error (store unavailable) restarts
// the loop after a capped backoff instead of terminating the process.
func (s *Scheduler) runLoop(ctx context.Context, name string, tick time.Duration, cycle func(context.Context) error) {
	boff := newRestartBackoff()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if err := cycle(ctx); err != nil {
			delay, _ := boff.Next()
			s.log.Error("poll cycle failed, restarting", "source", name, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		boff = newRestartBackoff()

		// Drop a tick that fired while the cycle was running; missed
		// ticks are skipped, not queued.
		select {
		case <-ticker.C:
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newRestartBackoff() retry.Backoff {
	return retry.WithCappedDuration(time.Minute, retry.NewFibonacci(time.Second))
}

func (s *Scheduler) checkFeeds(ctx context.Context) error {
	subs, err := s.store.ListFeedSubs(ctx)
	if err != nil {
		return fmt.Errorf("list feed subscriptions: %w", err)
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return nil
		}
		s.pollFeedSub(ctx, sub)
	}
	return nil
}

func (s *Scheduler) pollFeedSub(ctx context.Context, sub model.FeedSubscription) {
	alive, err := s.chats.ResolveChat(ctx, sub.ChatID)
	if err != nil {
		s.log.Error("resolve chat", "sub_id", sub.ID, "chat_id", sub.ChatID, "error", err)
		return
	}
	if !alive {
		s.log.Info("deleting orphaned feed subscription", "sub_id", sub.ID, "chat_id", sub.ChatID, "url", sub.URL)
		if err := s.store.DeleteFeedSub(ctx, sub.ID); err != nil {
			s.log.Error("delete feed subscription", "sub_id", sub.ID, "error", err)
		}
		return
	}

	items, err := s.feeds.FetchSince(ctx, sub.URL, sub.LastUpdateAt)
	if err != nil {
		s.log.Error("fetch feed", "sub_id", sub.ID, "url", sub.URL, "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	watermark, delivered := s.dispatch(sub.ChatID, items, func(item model.Item) string {
		return bot.FormatFeedItem(sub.Title, item)
	})
	if delivered > 0 {
		s.log.Info("sent feed notifications", "sub_id", sub.ID, "url", sub.URL, "count", delivered)
	}
	if !watermark.After(sub.LastUpdateAt) {
		return
	}

	sub.LastUpdateAt = watermark
	if err := s.store.UpdateFeedSub(ctx, &sub); err != nil {
		s.log.Error("update feed subscription", "sub_id", sub.ID, "error", err)
	}
}

func (s *Scheduler) checkGithub(ctx context.Context) error {
	subs, err := s.store.ListGithubSubs(ctx)
	if err != nil {
		return fmt.Errorf("list github subscriptions: %w", err)
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return nil
		}
		s.pollGithubSub(ctx, sub)
	}
	return nil
}

func (s *Scheduler) pollGithubSub(ctx context.Context, sub model.GithubSubscription) {
	alive, err := s.chats.ResolveChat(ctx, sub.ChatID)
	if err != nil {
		s.log.Error("resolve chat", "sub_id", sub.ID, "chat_id", sub.ChatID, "error", err)
		return
	}
	if !alive {
		s.log.Info("deleting orphaned github subscription", "sub_id", sub.ID, "chat_id", sub.ChatID, "username", sub.Username)
		if err := s.store.DeleteGithubSub(ctx, sub.ID); err != nil {
			s.log.Error("delete github subscription", "sub_id", sub.ID, "error", err)
		}
		return
	}

	client := s.pool.Get(sub.ChatID, sub.Username, sub.Token)
	if !client.PollAllowed() {
		s.log.Debug("github poll deferred by rate limit", "sub_id", sub.ID, "username", sub.Username)
		return
	}

	items, err := client.Notifications(ctx, sub.LastUpdateAt)
	if errors.Is(err, source.ErrUnauthorized) {
		// Kept on purpose: the operator can rotate the token without
		// losing the subscription.
		s.log.Warn("github credential rejected", "sub_id", sub.ID, "username", sub.Username)
		return
	}
	if err != nil {
		s.log.Error("fetch github notifications", "sub_id", sub.ID, "username", sub.Username, "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	watermark, delivered := s.dispatch(sub.ChatID, items, func(item model.Item) string {
		return bot.FormatGithubItem(sub.Username, item)
	})
	if delivered > 0 {
		s.log.Info("sent github notifications", "sub_id", sub.ID, "username", sub.Username, "count", delivered)
	}
	if !watermark.After(sub.LastUpdateAt) {
		return
	}

	sub.LastUpdateAt = watermark
	if err := s.store.UpdateGithubSub(ctx, &sub); err != nil {
		s.log.Error("update github subscription", "sub_id", sub.ID, "error", err)
	}
}

// dispatch sends one message per item in ascending time order. All items are
// attempted, but the returned watermark covers only the contiguous delivered
// prefix, so a failed item is retried next cycle (items delivered after it
// may be re-delivered).
func (s *Scheduler) dispatch(chatID int64, items []model.Item, render func(model.Item) string) (time.Time, int) {
	var watermark time.Time
	var failed bool
	delivered := 0

	for _, item := range items {
		if err := s.sender.SendMessage(chatID, render(item)); err != nil {
			s.log.Error("send message", "chat_id", chatID, "error", err)
			failed = true
			continue
		}
		delivered++
		if !failed && item.OccurredAt.After(watermark) {
			watermark = item.OccurredAt
		}
	}
	return watermark, delivered
}

func (s *Scheduler) checkReminders(ctx context.Context) error {
	due, err := s.store.ListDueReminders(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list due reminders: %w", err)
	}

	for _, r := range due {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.sender.SendMessage(r.ChatID, bot.FormatReminder(r)); err != nil {
			// Stays queued for the next tick.
			s.log.Error("send reminder", "reminder_id", r.ID, "chat_id", r.ChatID, "error", err)
			continue
		}
		if err := s.store.DeleteReminder(ctx, r.ID); err != nil {
			s.log.Error("delete reminder", "reminder_id", r.ID, "error", err)
		}
	}
	return nil
}
