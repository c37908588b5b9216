package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zhouzirui/intergram/backend/internal/model/channel"
	"github.com/zhouzirui/intergram/backend/internal/model/chat"
	"github.com/zhouzirui/intergram/backend/internal/service/session"
)

const welcomeTemplate = "*Welcome to Intergram*\n" +
	"Your unique chat id is `%s`\n" +
	"Use it to link between the embedded chat and this telegram chat"

// Channel delivers messages to the operator chat platform.
type Channel interface {
	Send(ctx context.Context, msg channel.Message) error
}

// Target yields the chat id session messages are forwarded to.
type Target interface {
	Get() string
}

// Router moves text between widget sessions and the operator chat.
type Router struct {
	sessions *session.Registry
	target   Target
	channel  Channel
	logger   *slog.Logger
}

// NewRouter wires the router to its collaborators.
func NewRouter(sessions *session.Registry, target Target, ch Channel, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sessions: sessions,
		target:   target,
		channel:  ch,
		logger:   logger.With("component", "relay"),
	}
}

// ForwardInbound posts a session's text to the operator chat, tagged with the
// session key. Empty text is dropped without marking the session.
func (r *Router) ForwardInbound(ctx context.Context, key, text string) error {
	if text == "" {
		return nil
	}

	r.sessions.MarkSent(key)

	msg := channel.Message{
		ChatID: r.target.Get(),
		Text:   chat.Tagged(key, text),
	}
	if err := r.channel.Send(ctx, msg); err != nil {
		return fmt.Errorf("forward %s: %w", key, err)
	}
	return nil
}

// ResolveReply delivers an operator reply to the session named by the quoted
// message's tag. Unattributable replies are dropped; it reports whether the
// text reached a session.
func (r *Router) ResolveReply(ctx context.Context, quotedText, replyText string) bool {
	tag, ok := chat.ReplyTag(quotedText)
	if !ok {
		return false
	}

	sess, err := r.sessions.Lookup(tag)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			r.logger.WarnContext(ctx, "reply lookup failed", "tag", tag, "error", err)
		}
		r.logger.DebugContext(ctx, "reply for unknown session dropped", "tag", tag)
		return false
	}

	if replyText == "" {
		r.logger.DebugContext(ctx, "non-text reply ignored", "session", tag)
		return false
	}

	if err := sess.Conn.SendText(replyText); err != nil {
		r.logger.WarnContext(ctx, "reply delivery failed", "session", tag, "error", err)
		return false
	}
	return true
}

// EmitWelcome answers /start with the chat's id so it can be linked.
func (r *Router) EmitWelcome(ctx context.Context, chatID string) error {
	msg := channel.Message{
		ChatID:    chatID,
		Text:      fmt.Sprintf(welcomeTemplate, chatID),
		ParseMode: channel.ParseModeMarkdown,
	}
	if err := r.channel.Send(ctx, msg); err != nil {
		return fmt.Errorf("welcome %s: %w", chatID, err)
	}
	return nil
}

// NotifyDeparture tells operators that a session left. Sessions that never
// sent anything leave silently.
func (r *Router) NotifyDeparture(ctx context.Context, sess chat.Session) error {
	if !sess.HasSentMessage {
		return nil
	}

	msg := channel.Message{
		ChatID: r.target.Get(),
		Text:   chat.Departure(sess.Key),
	}
	if err := r.channel.Send(ctx, msg); err != nil {
		return fmt.Errorf("departure %s: %w", sess.Key, err)
	}
	return nil
}
