package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"notifybot/internal/config"
	"notifybot/internal/source"
	"notifybot/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram bot that handles subscription commands and delivers
// notification messages into chats.
type Bot struct {
	api        telegramAPI
	store      storage.Storage
	cfg        *config.Config
	feeds      *source.FeedClient
	httpClient source.HTTPClient
	limiter    *rate.Limiter
	log        *slog.Logger
}

// New creates a Bot with the given Telegram token, storage, and config.
func New(token string, store storage.Storage, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:        api,
		store:      store,
		cfg:        cfg,
		feeds:      source.NewFeedClient(http.DefaultClient),
		httpClient: http.DefaultClient,
		limiter:    newSendLimiter(),
		log:        log,
	}, nil
}

// newSendLimiter paces outgoing messages below Telegram's ~30 msg/s cap.
func newSendLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(20), 20)
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat, paced by the send
// limiter.
func (b *Bot) SendMessage(chatID int64, text string) error {
	if err := b.limiter.Wait(context.Background()); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ResolveChat reports whether the bot can still deliver into the chat.
// (false, nil) means the chat is definitively gone; a transport error is
// returned as-is so callers do not mistake an outage for a deleted chat.
func (b *Bot) ResolveChat(_ context.Context, chatID int64) (bool, error) {
	_, err := b.api.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		if isChatGone(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isChatGone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "chat not found") ||
		strings.Contains(msg, "bot was kicked") ||
		strings.Contains(msg, "bot was blocked")
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.SendMessage(chatID, text); err != nil {
		b.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "rss_add":
		b.handleRSSAdd(ctx, chatID, args)
	case "rss_list":
		b.handleRSSList(ctx, chatID)
	case "rss_remove":
		b.handleRSSRemove(ctx, chatID, args)
	case cmdRSSClear:
		b.handleRSSClearPrompt(chatID)
	case "github_add":
		b.handleGithubAdd(ctx, chatID, args)
	case "github_list":
		b.handleGithubList(ctx, chatID)
	case "github_remove":
		b.handleGithubRemove(ctx, chatID, args)
	case cmdGithubClear:
		b.handleGithubClearPrompt(chatID)
	case "remind":
		b.handleRemind(ctx, chatID, userName(msg), args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

func userName(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return ""
	}
	if msg.From.UserName != "" {
		return msg.From.UserName
	}
	return msg.From.FirstName
}
