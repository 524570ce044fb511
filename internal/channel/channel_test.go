package channel

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/yuhaven/moments/internal/bus"
	"github.com/yuhaven/moments/internal/config"
)

func TestBaseChannel_Name(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if ch.Name() != "test" {
		t.Errorf("Name = %q, want test", ch.Name())
	}
}

func TestBaseChannel_IsAllowed_NoFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if !ch.IsAllowed("anyone") {
		t.Error("should allow anyone when allowFrom is empty")
	}
}

func TestBaseChannel_IsAllowed_WithFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, []string{"user1", "user2"})

	if !ch.IsAllowed("user1") {
		t.Error("should allow user1")
	}
	if ch.IsAllowed("user3") {
		t.Error("should reject user3")
	}
}

func TestNewTelegramChannel_NoToken(t *testing.T) {
	b := bus.NewMessageBus(10)
	_, err := NewTelegramChannel(config.TelegramConfig{}, b)
	if err == nil {
		t.Error("expected error for empty token")
	}
}

func TestNewTelegramChannel_Valid(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Name() != "telegram" {
		t.Errorf("Name = %q, want telegram", ch.Name())
	}
}

// mockBot implements TelegramBot for tests.
type mockBot struct {
	updates chan tgbotapi.Update
	sent    []tgbotapi.MessageConfig
}

func newMockBot() *mockBot {
	return &mockBot{updates: make(chan tgbotapi.Update, 10)}
}

func (m *mockBot) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updates
}

func (m *mockBot) StopReceivingUpdates() {}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (m *mockBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "moments_bot"}
}

func mockFactory(bot *mockBot) BotFactory {
	return func(_, _ string, _ *http.Client) (TelegramBot, error) {
		return bot, nil
	}
}

func telegramUpdate(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: userID, UserName: "alice"},
			Chat: &tgbotapi.Chat{ID: userID},
			Date: int(time.Now().Unix()),
			Text: text,
		},
	}
}

func TestTelegramChannel_InboundFlow(t *testing.T) {
	b := bus.NewMessageBus(10)
	bot := newMockBot()
	ch, err := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "x", AllowFrom: []string{"100"}}, b, mockFactory(bot))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer ch.Stop()

	bot.updates <- telegramUpdate(100, "hello there")
	bot.updates <- telegramUpdate(999, "not allowed")

	select {
	case msg := <-b.Inbound:
		if msg.SenderID != "100" || msg.Content != "hello there" {
			t.Fatalf("unexpected inbound message: %+v", msg)
		}
		if msg.Channel != "telegram" {
			t.Errorf("channel = %q", msg.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message never arrived")
	}

	// The disallowed sender's message must not reach the bus.
	select {
	case msg := <-b.Inbound:
		t.Fatalf("unexpected second message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTelegramChannel_SendChunksLongMessages(t *testing.T) {
	b := bus.NewMessageBus(10)
	bot := newMockBot()
	ch, err := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "x"}, b, mockFactory(bot))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch.SetBot(bot)

	long := ""
	for i := 0; i < 500; i++ {
		long += "line " + strconv.Itoa(i) + "\n"
	}
	if err := ch.Send(bus.OutboundMessage{Channel: "telegram", ChatID: "100", Content: long}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sent) < 2 {
		t.Fatalf("expected chunked send, got %d messages", len(bot.sent))
	}
	for _, m := range bot.sent {
		if len(m.Text) > 4000 {
			t.Fatalf("chunk too long: %d", len(m.Text))
		}
	}
}

func TestTelegramChannel_SendBadChatID(t *testing.T) {
	b := bus.NewMessageBus(10)
	bot := newMockBot()
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "x"}, b, mockFactory(bot))
	ch.SetBot(bot)

	if err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "hi"}); err == nil {
		t.Fatal("expected error for bad chat id")
	}
}

func TestChannelManager_Empty(t *testing.T) {
	b := bus.NewMessageBus(10)
	cfg := config.DefaultConfig()
	cfg.Telegram.Enabled = false
	m, err := NewChannelManager(cfg, b)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	if len(m.EnabledChannels()) != 0 {
		t.Errorf("expected 0 enabled channels, got %d", len(m.EnabledChannels()))
	}
}
