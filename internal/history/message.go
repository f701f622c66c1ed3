package history

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who wrote a message.
type Sender string

const (
	User Sender = "user"
	Bot  Sender = "bot"
)

// Message is one entry of the conversation log. Timestamps are Unix
// milliseconds so the persisted form matches what the server stores.
type Message struct {
	ID        string `json:"id"`
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(sender Sender, text string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		CreatedAt: now.UnixMilli(),
	}
}

// Created returns the creation time.
func (m Message) Created() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// Edited reports whether the author changed the text after sending.
func (m Message) Edited() bool {
	return m.UpdatedAt != 0
}
