package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdRSSClear    = "rss_clear"
	cmdGithubClear = "github_clear"
)

// handleRSSClearPrompt asks for confirmation before clearing all feed
// subscriptions of a chat.
func (b *Bot) handleRSSClearPrompt(chatID int64) {
	b.sendClearPrompt(chatID, "Remove ALL feed subscriptions of this chat?", cmdRSSClear)
}

// handleGithubClearPrompt asks for confirmation before clearing all GitHub
// subscriptions of a chat.
func (b *Bot) handleGithubClearPrompt(chatID int64) {
	b.sendClearPrompt(chatID, "Remove ALL GitHub subscriptions of this chat?", cmdGithubClear)
}

func (b *Bot) sendClearPrompt(chatID int64, text, action string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, remove all", action+":confirm"),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send clear confirmation", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	data := cb.Data
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	if !b.cfg.IsUserAllowed(cb.From.ID) {
		return
	}

	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return
	}
	action, arg := parts[0], parts[1]

	b.log.Info("callback",
		"action", action,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch fmt.Sprintf("%s:%s", action, arg) {
	case cmdRSSClear + ":confirm":
		b.handleRSSClear(ctx, chatID)
	case cmdGithubClear + ":confirm":
		b.handleGithubClear(ctx, chatID)
	case "noop:0":
		b.reply(chatID, "Cancelled.")
	}
}
