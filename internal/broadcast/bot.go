package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hitoshi/newswire/internal/repository"
)

// validSources は購読コマンドで指定できるソースタグ。
var validSources = map[string]bool{
	"all":          true,
	"bbc":          true,
	"toronto_star": true,
	"ircc":         true,
}

const welcomeMessage = `Welcome to the Ukrainian News Bot! 🇺🇦

Use /subscribe to subscribe to news updates.
Use /help to see all available commands.`

const helpMessage = `Available commands:

/start - Start the bot
/help - Show this help message
/subscribe [source] - Subscribe to news updates (optional: bbc, toronto_star, ircc)
/unsubscribe [source] - Unsubscribe from news updates
/list - List your current subscriptions`

// UpdateSource はTelegramの更新ストリームの取得インターフェース。
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot は購読管理コマンドを処理するTelegramボット。
type Bot struct {
	sender  Sender
	updates UpdateSource
	subs    repository.SubscriberRepository
	logger  *slog.Logger
}

// NewBot はBotを生成する。apiはSenderとUpdateSourceの両方を満たす
// tgbotapi.BotAPIを想定している。
func NewBot(sender Sender, updates UpdateSource, subs repository.SubscriberRepository, logger *slog.Logger) *Bot {
	return &Bot{
		sender:  sender,
		updates: updates,
		subs:    subs,
		logger:  logger,
	}
}

// Run はロングポーリングでコマンドを処理し続ける。ctxのキャンセルで停止する。
func (b *Bot) Run(ctx context.Context) {
	config := tgbotapi.NewUpdate(0)
	config.Timeout = 30

	updates := b.updates.GetUpdatesChan(config)
	defer b.updates.StopReceivingUpdates()

	b.logger.Info("Telegramボットを開始しました")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Telegramボットを停止します")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate は1件の更新を処理する。コマンド以外のメッセージは無視する。
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}

	chatID := update.Message.Chat.ID
	command := update.Message.Command()
	args := strings.TrimSpace(update.Message.CommandArguments())

	switch command {
	case "start":
		b.reply(chatID, welcomeMessage)
	case "help":
		b.reply(chatID, helpMessage)
	case "subscribe":
		b.handleSubscribe(ctx, chatID, args)
	case "unsubscribe":
		b.handleUnsubscribe(ctx, chatID, args)
	case "list":
		b.handleList(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleSubscribe(ctx context.Context, chatID int64, source string) {
	if source == "" {
		source = "all"
	}
	if !validSources[source] {
		b.reply(chatID, fmt.Sprintf("Unknown source %q. Available sources: bbc, toronto_star, ircc, all.", source))
		return
	}

	added, err := b.subs.Add(ctx, chatID, source)
	if err != nil {
		b.logger.Error("購読の登録に失敗しました",
			slog.Int64("chat_id", chatID),
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		b.reply(chatID, "Failed to subscribe. Please try again later.")
		return
	}

	if !added {
		b.reply(chatID, fmt.Sprintf("You are already subscribed to %s news updates.", source))
		return
	}
	b.reply(chatID, fmt.Sprintf("You have been subscribed to %s news updates.", source))
}

func (b *Bot) handleUnsubscribe(ctx context.Context, chatID int64, source string) {
	if source == "" {
		source = "all"
	}

	removed, err := b.subs.Remove(ctx, chatID, source)
	if err != nil {
		b.logger.Error("購読の解除に失敗しました",
			slog.Int64("chat_id", chatID),
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		b.reply(chatID, "Failed to unsubscribe. Please try again later.")
		return
	}

	if !removed {
		b.reply(chatID, fmt.Sprintf("You were not subscribed to %s news updates.", source))
		return
	}
	b.reply(chatID, fmt.Sprintf("You have been unsubscribed from %s news updates.", source))
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	sources, err := b.subs.ListSources(ctx, chatID)
	if err != nil {
		b.logger.Error("購読一覧の取得に失敗しました",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()),
		)
		b.reply(chatID, "Failed to list subscriptions. Please try again later.")
		return
	}

	if len(sources) == 0 {
		b.reply(chatID, "You are not subscribed to any news updates.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Your current subscriptions:\n\n")
	for _, source := range sources {
		sb.WriteString("- " + source + "\n")
	}
	b.reply(chatID, sb.String())
}

// reply は通知メッセージを送信する。失敗はログに記録するだけで呼び出し元には返さない。
func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("返信の送信に失敗しました",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()),
		)
	}
}
