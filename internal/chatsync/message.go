// Package chatsync implements the client-side synchronization core for the
// advisor chat: an append-only local message store keyed by server-assigned
// ids, a cursor-based merge engine, an optimistic send pipeline, and a
// cooperative poll scheduler. The package is platform-neutral: networking
// is injected through the Transport interface and rendering through
// callbacks, so every client front end shares one copy of this logic.
package chatsync

import "context"

// Role identifies the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SentinelID marks a message that has not been confirmed by the server.
// Server-assigned ids are strictly positive and strictly increasing.
const SentinelID int64 = 0

// Message is one entry in the chat log. TS carries the server's RFC3339
// timestamp for confirmed messages and the local send time for the
// optimistic echo; it stays a string end to end so an unparsable value
// degrades at display time instead of at decode time.
type Message struct {
	ID   int64  `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
	TS   string `json:"ts"`
}

// Confirmed reports whether the message carries a server-assigned id.
func (m Message) Confirmed() bool { return m.ID != SentinelID }

// SendResult is the server's response to a successful send: the id it
// assigned to the stored user message, and the assistant's reply text.
type SendResult struct {
	UserMsgID int64  `json:"user_msg_id"`
	Reply     string `json:"reply"`
}

// Transport is the narrow network boundary injected by each platform.
// Fetch returns the most recent limit messages ordered ascending by id;
// Send submits one user message and blocks until the assistant reply is
// ready. Both must honor ctx cancellation where the underlying layer
// allows it; the core re-checks ctx after Fetch returns regardless.
type Transport interface {
	Fetch(ctx context.Context, limit int) ([]Message, error)
	Send(ctx context.Context, text string) (SendResult, error)
}
