package bot

import (
	"context"
	"fmt"
	"time"

	"notifybot/internal/model"
	"notifybot/internal/source"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Notify Bot!

Subscribe this chat to RSS feeds and GitHub notifications.

Quick start:
1. /rss_add <url> — subscribe to an RSS/Atom feed
2. /github_add <username> <token> — subscribe to GitHub notifications
3. /remind 2h30m <message> — get a one-shot reminder

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `RSS subscriptions:
/rss_add <url> — subscribe to a feed
/rss_list — show feed subscriptions
/rss_remove <url> — unsubscribe from a feed
/rss_clear — remove all feed subscriptions

GitHub subscriptions:
/github_add <username> <token> — subscribe to an account's notifications
/github_list — show GitHub subscriptions
/github_remove <username> — unsubscribe an account
/github_clear — remove all GitHub subscriptions

Re-running /github_add with a new token rotates the stored token.

Reminders:
/remind <duration> <message> — e.g. /remind 45m stand-up`)
}

func (b *Bot) handleRSSAdd(ctx context.Context, chatID int64, args string) {
	rawURL, err := ParseURLArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rss_add <url>")
		return
	}

	title, err := b.feeds.Probe(ctx, rawURL)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("URL does not serve a valid feed: %v", err))
		return
	}

	sub := &model.FeedSubscription{
		ChatID:       chatID,
		URL:          rawURL,
		Title:        title,
		LastUpdateAt: time.Now().UTC(),
	}
	if err := b.store.UpsertFeedSub(ctx, sub); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save subscription: %v", err))
		return
	}

	b.reply(chatID, fmt.Sprintf("Subscribed to \"%s\".\nNew entries will be posted here.", sub.Title))
}

func (b *Bot) handleRSSList(ctx context.Context, chatID int64) {
	subs, err := b.store.ListFeedSubsByChat(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatFeedSubList(subs))
}

func (b *Bot) handleRSSRemove(ctx context.Context, chatID int64, args string) {
	rawURL, err := ParseURLArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rss_remove <url>")
		return
	}

	sub, err := b.store.FindFeedSub(ctx, chatID, rawURL)
	if err != nil {
		b.reply(chatID, "Feed subscription not found.")
		return
	}

	if err := b.store.DeleteFeedSub(ctx, sub.ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Unsubscribed from \"%s\".", sub.Title))
}

func (b *Bot) handleRSSClear(ctx context.Context, chatID int64) {
	subs, err := b.store.ListFeedSubsByChat(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	removed := 0
	for _, sub := range subs {
		if err := b.store.DeleteFeedSub(ctx, sub.ID); err != nil {
			b.log.Error("delete feed subscription", "sub_id", sub.ID, "error", err)
			continue
		}
		removed++
	}
	b.reply(chatID, fmt.Sprintf("Removed %d feed subscription(s).", removed))
}

func (b *Bot) handleGithubAdd(ctx context.Context, chatID int64, args string) {
	username, token, err := ParseGithubAddArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /github_add <username> <token>")
		return
	}

	client := source.NewGithubClient(b.httpClient, username, token)
	if err := client.TestToken(ctx); err != nil {
		b.reply(chatID, "Token is invalid.")
		return
	}

	sub := &model.GithubSubscription{
		ChatID:       chatID,
		Username:     username,
		Token:        token,
		LastUpdateAt: time.Now().UTC(),
	}
	if err := b.store.UpsertGithubSub(ctx, sub); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save subscription: %v", err))
		return
	}

	b.reply(chatID, fmt.Sprintf("Subscribed to GitHub notifications for %s.", username))
}

func (b *Bot) handleGithubList(ctx context.Context, chatID int64) {
	subs, err := b.store.ListGithubSubsByChat(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatGithubSubList(subs))
}

func (b *Bot) handleGithubRemove(ctx context.Context, chatID int64, args string) {
	username, err := ParseUsernameArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /github_remove <username>")
		return
	}

	sub, err := b.store.FindGithubSub(ctx, chatID, username)
	if err != nil {
		b.reply(chatID, "GitHub subscription not found.")
		return
	}

	if err := b.store.DeleteGithubSub(ctx, sub.ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Unsubscribed GitHub notifications for %s.", username))
}

func (b *Bot) handleGithubClear(ctx context.Context, chatID int64) {
	subs, err := b.store.ListGithubSubsByChat(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	removed := 0
	for _, sub := range subs {
		if err := b.store.DeleteGithubSub(ctx, sub.ID); err != nil {
			b.log.Error("delete github subscription", "sub_id", sub.ID, "error", err)
			continue
		}
		removed++
	}
	b.reply(chatID, fmt.Sprintf("Removed %d GitHub subscription(s).", removed))
}

func (b *Bot) handleRemind(ctx context.Context, chatID int64, username, args string) {
	delay, message, err := ParseRemindArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	r := &model.Reminder{
		ChatID:   chatID,
		Username: username,
		Message:  message,
		RemindAt: time.Now().UTC().Add(delay),
	}
	if err := b.store.CreateReminder(ctx, r); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save reminder: %v", err))
		return
	}

	b.reply(chatID, fmt.Sprintf("Reminder set for %s.", r.RemindAt.Format("2006-01-02 15:04 UTC")))
}
