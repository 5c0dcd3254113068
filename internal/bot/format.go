package bot

import (
	"fmt"
	"strings"

	"notifybot/internal/model"
)

// FormatFeedItem formats a feed entry as a chat notification message.
func FormatFeedItem(feedTitle string, item model.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n\n", feedTitle)
	b.WriteString(item.Title)
	if item.Summary != "" {
		b.WriteString("\n\n")
		b.WriteString(item.Summary)
	}
	if item.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(item.Link)
	}
	return b.String()
}

// FormatGithubItem formats a GitHub notification as a chat message.
func FormatGithubItem(username string, item model.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[GitHub: %s]\n\n", username)
	b.WriteString(item.Title)
	if item.Summary != "" {
		b.WriteString("\n")
		b.WriteString(item.Summary)
	}
	if item.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(item.Link)
	}
	return b.String()
}

// FormatReminder formats a due reminder as a chat message.
func FormatReminder(r model.Reminder) string {
	if r.Username == "" {
		return fmt.Sprintf("Reminder: %s", r.Message)
	}
	return fmt.Sprintf("@%s: %s", r.Username, r.Message)
}

// FormatFeedSubList formats a chat's feed subscriptions for display.
func FormatFeedSubList(subs []model.FeedSubscription) string {
	if len(subs) == 0 {
		return "No feed subscriptions yet. Use /rss_add <url> to add one."
	}
	var b strings.Builder
	b.WriteString("Feed subscriptions:\n")
	for _, sub := range subs {
		fmt.Fprintf(&b, "\n- %s\n  %s\n  last update: %s\n",
			sub.Title, sub.URL, sub.LastUpdateAt.Format("2006-01-02 15:04 UTC"))
	}
	return b.String()
}

// FormatGithubSubList formats a chat's GitHub subscriptions for display.
func FormatGithubSubList(subs []model.GithubSubscription) string {
	if len(subs) == 0 {
		return "No GitHub subscriptions yet. Use /github_add <username> <token> to add one."
	}
	var b strings.Builder
	b.WriteString("GitHub subscriptions:\n")
	for _, sub := range subs {
		fmt.Fprintf(&b, "\n- %s\n  last update: %s\n",
			sub.Username, sub.LastUpdateAt.Format("2006-01-02 15:04 UTC"))
	}
	return b.String()
}
