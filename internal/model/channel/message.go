package channel

// Parse modes understood by the Telegram Bot API.
const (
	ParseModeNone     = ""
	ParseModeMarkdown = "Markdown"
)

// Message is one outbound message to an operator chat.
type Message struct {
	ChatID    string
	Text      string
	ParseMode string
}
