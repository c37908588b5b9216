package telegram

import (
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zhouzirui/intergram/backend/internal/model/channel"
)

const startCommand = "start"

// EventFromUpdate classifies a webhook update. Updates that carry no message
// (edits, callbacks, membership changes) yield nil.
func EventFromUpdate(update tgbotapi.Update) channel.Event {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil {
		return nil
	}

	chatID := ""
	if msg.Chat != nil {
		chatID = strconv.FormatInt(msg.Chat.ID, 10)
	}

	switch {
	case msg.IsCommand() && msg.Command() == startCommand:
		return channel.StartCommand{ChatID: chatID}
	case msg.ReplyToMessage != nil:
		return channel.Reply{
			ChatID:     chatID,
			QuotedText: msg.ReplyToMessage.Text,
			Text:       msg.Text,
		}
	default:
		return channel.Plain{ChatID: chatID, Text: msg.Text}
	}
}
