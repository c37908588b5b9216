package chat

import "strings"

const tagSeparator = ":"

// Tagged formats session text the way it is shown to operators.
func Tagged(key, text string) string {
	return key + tagSeparator + " " + text
}

// Departure is the notice posted when a session that talked disconnects.
func Departure(key string) string {
	return key + " has disconnected"
}

// ReplyTag extracts the session key from the text an operator replied to.
// The tag is everything before the first ':'; display names containing a
// colon therefore cannot be resolved.
func ReplyTag(quoted string) (string, bool) {
	tag, _, found := strings.Cut(quoted, tagSeparator)
	if !found || tag == "" {
		return "", false
	}
	return tag, true
}
