// Package broadcast はTelegramへの記事配信と購読コマンドの処理を提供する。
package broadcast

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/newswire/internal/model"
	"github.com/hitoshi/newswire/internal/repository"
)

// 表示部位ごとの切り詰め上限。
const (
	titleLimit = 100
	descLimit  = 200
	bodyLimit  = 500
	// messageLimit はTelegramの上限4096からHTMLタグ分の余裕をみた値。
	messageLimit = 4000
)

// Sender はTelegram APIへのメッセージ送信インターフェース。
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Broadcaster は購読者への記事配信を行う。
type Broadcaster struct {
	sender Sender
	subs   repository.SubscriberRepository
	logger *slog.Logger
}

// NewBroadcaster はBroadcasterを生成する。
func NewBroadcaster(sender Sender, subs repository.SubscriberRepository, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		sender: sender,
		subs:   subs,
		logger: logger,
	}
}

// Broadcast は記事をソースの購読者全員に配信し、送信に成功した件数を返す。
// linkURLにはニュースサービスの正規URLを渡す。個別チャットへの送信失敗は
// ログに記録して続行する。
func (b *Broadcaster) Broadcast(ctx context.Context, post *model.Post, linkURL string) (int, error) {
	chatIDs, err := b.subs.ListChatIDs(ctx, post.Source)
	if err != nil {
		return 0, fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}

	if len(chatIDs) == 0 {
		b.logger.Info("配信先の購読者がいません", slog.String("source", post.Source))
		return 0, nil
	}

	message := FormatPost(post, linkURL)

	sent := 0
	for _, chatID := range chatIDs {
		if err := b.send(chatID, post.ImageURL, message); err != nil {
			b.logger.Error("メッセージの送信に失敗しました",
				slog.Int64("chat_id", chatID),
				slog.String("url", post.URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		sent++
	}

	b.logger.Info("記事を配信しました",
		slog.String("url", post.URL),
		slog.String("source", post.Source),
		slog.Int("sent", sent),
		slog.Int("subscribers", len(chatIDs)),
	)

	return sent, nil
}

// send は1チャットへの送信を行う。画像があればキャプション付き写真、
// なければHTMLメッセージとして送る。
func (b *Broadcaster) send(chatID int64, imageURL, message string) error {
	if imageURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(imageURL))
		photo.Caption = message
		photo.ParseMode = tgbotapi.ModeHTML
		_, err := b.sender.Send(photo)
		return err
	}

	msg := tgbotapi.NewMessage(chatID, message)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = false
	_, err := b.sender.Send(msg)
	return err
}

// FormatPost は記事をTelegramのHTMLメッセージに整形する。
func FormatPost(post *model.Post, linkURL string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("<b>%s</b>\n\n", truncateAndClean(post.Title, titleLimit)))

	if post.TranslatedTitle != "" {
		sb.WriteString(fmt.Sprintf("<b>Українською:</b> %s\n\n", truncateAndClean(post.TranslatedTitle, titleLimit)))
	}

	if post.Description != "" {
		sb.WriteString(fmt.Sprintf("%s\n\n", truncateAndClean(post.Description, descLimit)))
	}

	if post.TranslatedBody != "" {
		sb.WriteString(fmt.Sprintf("<b>Український переклад:</b>\n%s\n\n", truncateAndClean(post.TranslatedBody, bodyLimit)))
	}

	sb.WriteString(fmt.Sprintf("<b>Source:</b> %s\n", post.Source))
	sb.WriteString(fmt.Sprintf(`<a href="%s">Read more</a>`, linkURL))

	message := sb.String()
	if runes := []rune(message); len(runes) > messageLimit {
		message = string(runes[:messageLimit]) + "...\n\n[Message truncated]"
	}

	return message
}

// stripPolicy はHTMLタグを全て除去するサニタイズポリシー。
var stripPolicy = bluemonday.StrictPolicy()

// truncateAndClean はHTMLタグを除去し、上限を超えるテキストを文字数で
// 切り詰めてHTML特殊文字をエスケープする。
func truncateAndClean(text string, limit int) string {
	text = strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(text)))
	if runes := []rune(text); len(runes) > limit {
		text = string(runes[:limit]) + "..."
	}
	return html.EscapeString(text)
}
