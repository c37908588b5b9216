package channel

// Event is activity observed in an operator chat. The concrete type is one
// of StartCommand, Reply or Plain.
type Event interface {
	event()
}

// StartCommand is a /start issued in a chat with the bot.
type StartCommand struct {
	ChatID string
}

// Reply is a message that quotes an earlier message.
type Reply struct {
	ChatID     string
	QuotedText string
	Text       string
}

// Plain is any other message; nothing can be routed from it.
type Plain struct {
	ChatID string
	Text   string
}

func (StartCommand) event() {}
func (Reply) event()        {}
func (Plain) event()        {}
