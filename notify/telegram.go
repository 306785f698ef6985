package notify

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"ladderbot/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegram rejects messages longer than this
const maxMessageLen = 4096

// Telegram sends notifications to the admin chats and serves chat commands
type Telegram struct {
	bot      *tgbotapi.BotAPI
	adminIDs []int64
}

// NewTelegram connects the bot
func NewTelegram(token string, adminIDs []int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	logger.Infof("🤖 [Telegram] authorized as @%s, %d admins", bot.Self.UserName, len(adminIDs))
	return &Telegram{bot: bot, adminIDs: adminIDs}, nil
}

// Notify sends text to every admin; failures are logged only
func (t *Telegram) Notify(ctx context.Context, text string) {
	for _, chatID := range t.adminIDs {
		for _, chunk := range splitMessage(text, maxMessageLen) {
			if err := t.send(chatID, chunk); err != nil {
				logger.Warnf("⚠️ [Telegram] failed to notify %d: %v", chatID, err)
				break
			}
		}
	}
}

func (t *Telegram) send(chatID int64, text string) error {
	_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// Listen answers private chat commands until ctx is cancelled
func (t *Telegram) Listen(ctx context.Context, handler *CommandHandler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	logger.Info("🤖 [Telegram] listening for commands")

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			logger.Info("🤖 [Telegram] command listener stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg := update.Message
			if msg == nil || !msg.IsCommand() || msg.From == nil || !msg.Chat.IsPrivate() {
				continue
			}
			reply := handler.Handle(ctx, msg.From.ID, msg.Command(), msg.CommandArguments())
			if reply == "" {
				continue
			}
			for _, chunk := range splitMessage(reply, maxMessageLen) {
				if err := t.send(msg.Chat.ID, chunk); err != nil {
					logger.Warnf("⚠️ [Telegram] failed to reply to %d: %v", msg.Chat.ID, err)
					break
				}
			}
		}
	}
}

// splitMessage cuts text into chunks of at most limit bytes, preferring line breaks
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		out = append(out, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
