package chat

import "time"

// Conn pushes text frames to a connected widget client.
type Conn interface {
	SendText(text string) error
}

// Session captures a transient anonymous widget conversation.
type Session struct {
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	SessionID      string    `json:"sessionId"`
	HasSentMessage bool      `json:"hasSentMessage"`
	ConnectedAt    time.Time `json:"connectedAt"`
	Conn           Conn      `json:"-"`
}

// Key builds the registry key and reply tag for a session, "name[sessionID]".
func Key(name, sessionID string) string {
	return name + "[" + sessionID + "]"
}
