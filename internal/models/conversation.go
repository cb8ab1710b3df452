package models

import (
	"strings"
	"time"
)

// NoMessagesText is shown for a conversation that has no messages yet.
const NoMessagesText = "No messages yet"

// Conversation links an initiator and a target user.
type Conversation struct {
	ID          string    `json:"id" mapstructure:"-"`
	InitiatorID string    `json:"initiator_id" mapstructure:"initiatorId"`
	TargetID    string    `json:"target_id" mapstructure:"targetId"`
	CreatedAt   time.Time `json:"created_at" mapstructure:"createdAt"`
}

// ConversationFromDocument decodes a conversations document.
func ConversationFromDocument(doc *Document) (Conversation, error) {
	var conv Conversation
	if err := decodeDocument(doc, "conversation", &conv); err != nil {
		return Conversation{}, err
	}
	conv.ID = doc.ID
	return conv, nil
}

// Fields returns the persisted shape of the conversation.
func (c Conversation) Fields() map[string]any {
	return map[string]any{
		"initiatorId": c.InitiatorID,
		"targetId":    c.TargetID,
		"createdAt":   Millis(c.CreatedAt),
	}
}

// Validate enforces that both participants are set and distinct.
func (c Conversation) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(c.InitiatorID) == "" {
		errs.AddMessage("initiatorId", "initiator is required")
	}
	if strings.TrimSpace(c.TargetID) == "" {
		errs.AddMessage("targetId", "target is required")
	}
	if c.InitiatorID != "" && c.InitiatorID == c.TargetID {
		errs.AddMessage("targetId", "target must differ from initiator")
	}
	return errs.Err()
}

// OtherParty returns the participant who is not viewerID.
// The result is empty when the other side of the conversation is unset.
func (c Conversation) OtherParty(viewerID string) string {
	if viewerID == c.InitiatorID {
		return c.TargetID
	}
	return c.InitiatorID
}

// Involves reports whether userID is a participant.
func (c Conversation) Involves(userID string) bool {
	return userID != "" && (c.InitiatorID == userID || c.TargetID == userID)
}

// ConversationSummary is the derived, per-fetch view of one conversation.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	Other        UserRef      `json:"other"`

	// LastMessage is the most recent message text, or NoMessagesText.
	LastMessage string `json:"last_message"`

	// LastMessageAt is zero when there are no messages.
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// HasMessages reports whether a most-recent message was found.
func (s ConversationSummary) HasMessages() bool {
	return !s.LastMessageAt.IsZero()
}
