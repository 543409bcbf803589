package models

import "time"

// Chat is a persisted conversation session.
type Chat struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Model     string        `json:"model"`
}

// Clone returns a copy that shares no message storage with c.
func (c Chat) Clone() Chat {
	out := c
	out.Messages = CloneMessages(c.Messages)
	return out
}

// CloneMessages copies a message slice, keeping nil as nil.
func CloneMessages(msgs []ChatMessage) []ChatMessage {
	if msgs == nil {
		return nil
	}
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}
