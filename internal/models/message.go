package models

import (
	"strings"
	"time"
)

// MaxMessageLength bounds the text of a single message, in bytes.
const MaxMessageLength = 10_000

// Message is one entry in a conversation.
type Message struct {
	ID             string     `json:"id" mapstructure:"-"`
	ConversationID string     `json:"conversation_id" mapstructure:"conversationId"`
	SenderID       string     `json:"sender_id" mapstructure:"senderId"`
	Text           string     `json:"text" mapstructure:"text"`
	CreatedAt      time.Time  `json:"created_at" mapstructure:"createdAt"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" mapstructure:"updatedAt"`

	// Seq is the store insertion sequence, used to order messages sharing a timestamp.
	Seq int64 `json:"-" mapstructure:"-"`
}

// MessageFromDocument decodes a messages document.
func MessageFromDocument(doc *Document) (Message, error) {
	var msg Message
	if err := decodeDocument(doc, "message", &msg); err != nil {
		return Message{}, err
	}
	msg.ID = doc.ID
	msg.Seq = doc.Seq
	if msg.UpdatedAt != nil && msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = nil
	}
	return msg, nil
}

// Fields returns the persisted shape of the message.
func (m Message) Fields() map[string]any {
	fields := map[string]any{
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"text":           m.Text,
		"createdAt":      Millis(m.CreatedAt),
		"updatedAt":      nil,
	}
	if m.UpdatedAt != nil {
		fields["updatedAt"] = Millis(*m.UpdatedAt)
	}
	return fields
}

// Validate rejects messages that must never be written.
func (m Message) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(m.ConversationID) == "" {
		errs.AddMessage("conversationId", "conversation is required")
	}
	if strings.TrimSpace(m.SenderID) == "" {
		errs.AddMessage("senderId", "sender is required")
	}
	if strings.TrimSpace(m.Text) == "" {
		errs.AddMessage("text", "message text is required")
	}
	if len(m.Text) > MaxMessageLength {
		errs.AddMessage("text", "message text is too long")
	}
	return errs.Err()
}
