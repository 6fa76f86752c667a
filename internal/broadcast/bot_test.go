package broadcast

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// commandUpdate はボットコマンドのUpdateを組み立てる。
func commandUpdate(chatID int64, text string) tgbotapi.Update {
	command := strings.SplitN(text, " ", 2)[0]
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			Chat: &tgbotapi.Chat{ID: chatID},
			Text: text,
			Entities: []tgbotapi.MessageEntity{
				{Type: "bot_command", Offset: 0, Length: len(command)},
			},
		},
	}
}

// lastMessageText は最後に送信されたメッセージの本文を返す。
func lastMessageText(t *testing.T, sender *mockSender) string {
	t.Helper()
	if len(sender.sent) == 0 {
		t.Fatal("メッセージが送信されていません")
	}
	msg, ok := sender.sent[len(sender.sent)-1].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent = %T, want MessageConfig", sender.sent[len(sender.sent)-1])
	}
	return msg.Text
}

func newTestBot(sender *mockSender, subs *mockSubscriberRepo) *Bot {
	return NewBot(sender, nil, subs, discardLogger())
}

// TestHandleSubscribe は購読登録と引数省略時のallフォールバックを検証する。
func TestHandleSubscribe(t *testing.T) {
	var gotSource string
	sender := &mockSender{}
	subs := &mockSubscriberRepo{
		addFunc: func(ctx context.Context, chatID int64, source string) (bool, error) {
			gotSource = source
			return true, nil
		},
	}
	bot := newTestBot(sender, subs)

	bot.handleUpdate(context.Background(), commandUpdate(100, "/subscribe bbc"))
	if gotSource != "bbc" {
		t.Errorf("source = %q, want bbc", gotSource)
	}
	if !strings.Contains(lastMessageText(t, sender), "subscribed to bbc") {
		t.Errorf("reply = %q", lastMessageText(t, sender))
	}

	bot.handleUpdate(context.Background(), commandUpdate(100, "/subscribe"))
	if gotSource != "all" {
		t.Errorf("引数省略時のsource = %q, want all", gotSource)
	}
}

// TestHandleSubscribe_UnknownSource は不明なソースの拒否を検証する。
func TestHandleSubscribe_UnknownSource(t *testing.T) {
	sender := &mockSender{}
	subs := &mockSubscriberRepo{
		addFunc: func(ctx context.Context, chatID int64, source string) (bool, error) {
			t.Fatal("不明なソースでAddが呼ばれました")
			return false, nil
		},
	}
	bot := newTestBot(sender, subs)

	bot.handleUpdate(context.Background(), commandUpdate(100, "/subscribe cnn"))
	if !strings.Contains(lastMessageText(t, sender), "Unknown source") {
		t.Errorf("reply = %q", lastMessageText(t, sender))
	}
}

// TestHandleSubscribe_Duplicate は二重購読時の応答を検証する。
func TestHandleSubscribe_Duplicate(t *testing.T) {
	sender := &mockSender{}
	subs := &mockSubscriberRepo{
		addFunc: func(ctx context.Context, chatID int64, source string) (bool, error) {
			return false, nil
		},
	}
	bot := newTestBot(sender, subs)

	bot.handleUpdate(context.Background(), commandUpdate(100, "/subscribe bbc"))
	if !strings.Contains(lastMessageText(t, sender), "already subscribed") {
		t.Errorf("reply = %q", lastMessageText(t, sender))
	}
}

// TestHandleUnsubscribe は購読解除と未購読時の応答を検証する。
func TestHandleUnsubscribe(t *testing.T) {
	removed := true
	sender := &mockSender{}
	subs := &mockSubscriberRepo{
		removeFunc: func(ctx context.Context, chatID int64, source string) (bool, error) {
			return removed, nil
		},
	}
	bot := newTestBot(sender, subs)

	bot.handleUpdate(context.Background(), commandUpdate(100, "/unsubscribe bbc"))
	if !strings.Contains(lastMessageText(t, sender), "unsubscribed from bbc") {
		t.Errorf("reply = %q", lastMessageText(t, sender))
	}

	removed = false
	bot.handleUpdate(context.Background(), commandUpdate(100, "/unsubscribe ircc"))
	if !strings.Contains(lastMessageText(t, sender), "not subscribed to ircc") {
		t.Errorf("reply = %q", lastMessageText(t, sender))
	}
}

// TestHandleList は購読一覧の表示を検証する。
func TestHandleList(t *testing.T) {
	sender := &mockSender{}
	subs := &mockSubscriberRepo{
		listSourcesFunc: func(ctx context.Context, chatID int64) ([]string, error) {
			return []string{"bbc", "ircc"}, nil
		},
	}
	bot := newTestBot(sender, subs)

	bot.handleUpdate(context.Background(), commandUpdate(100, "/list"))
	reply := lastMessageText(t, sender)
	if !strings.Contains(reply, "- bbc") || !strings.Contains(reply, "- ircc") {
		t.Errorf("reply = %q", reply)
	}
}

// TestHandleUpdate_IgnoresNonCommands はコマンド以外のメッセージを
// 無視することを検証する。
func TestHandleUpdate_IgnoresNonCommands(t *testing.T) {
	sender := &mockSender{}
	bot := newTestBot(sender, &mockSubscriberRepo{})

	bot.handleUpdate(context.Background(), tgbotapi.Update{
		Message: &tgbotapi.Message{
			Chat: &tgbotapi.Chat{ID: 100},
			Text: "hello bot",
		},
	})
	bot.handleUpdate(context.Background(), tgbotapi.Update{})

	if len(sender.sent) != 0 {
		t.Errorf("len(sent) = %d, want 0", len(sender.sent))
	}
}

// TestHandleUpdate_StartAndHelp は案内メッセージの応答を検証する。
func TestHandleUpdate_StartAndHelp(t *testing.T) {
	sender := &mockSender{}
	bot := newTestBot(sender, &mockSubscriberRepo{})

	bot.handleUpdate(context.Background(), commandUpdate(100, "/start"))
	if !strings.Contains(lastMessageText(t, sender), "Welcome") {
		t.Errorf("reply = %q", lastMessageText(t, sender))
	}

	bot.handleUpdate(context.Background(), commandUpdate(100, "/help"))
	if !strings.Contains(lastMessageText(t, sender), "/subscribe") {
		t.Errorf("reply = %q", lastMessageText(t, sender))
	}
}
