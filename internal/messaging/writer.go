package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/flock/internal/logging"
	"github.com/tOgg1/flock/internal/models"
)

// Store is the document store as used by Writer.
type Store interface {
	Reader
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteWhere(ctx context.Context, q models.Query) (int, error)
}

// TextTransform rewrites message text before it is stored, e.g. to expand
// emoji shortcodes.
type TextTransform func(string) string

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithTextTransform applies fn to every message text before validation.
func WithTextTransform(fn TextTransform) WriterOption {
	return func(w *Writer) {
		w.transform = fn
	}
}

// WithClock overrides the creation time source.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// Writer creates conversations and messages. Every write is a single
// document write; DeleteConversation is the only multi-document operation
// and is not atomic.
type Writer struct {
	store     Store
	transform TextTransform
	now       func() time.Time
	logger    zerolog.Logger
}

// NewWriter creates a Writer.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:  store,
		now:    time.Now,
		logger: logging.Component("messaging"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// StartConversation returns the id of the conversation between initiator and
// target, creating it if neither of them started one before. The target must
// exist.
func (w *Writer) StartConversation(ctx context.Context, initiatorID, targetID string) (string, error) {
	conv := models.Conversation{
		InitiatorID: strings.TrimSpace(initiatorID),
		TargetID:    strings.TrimSpace(targetID),
		CreatedAt:   w.now(),
	}
	if err := conv.Validate(); err != nil {
		return "", models.Invalid("start conversation", err)
	}

	if _, err := w.store.Get(ctx, models.CollectionUsers, conv.TargetID); err != nil {
		return "", unavailable("start conversation", err)
	}

	existing, err := w.findConversation(ctx, conv.InitiatorID, conv.TargetID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	id, err := w.store.Add(ctx, models.CollectionConversations, conv.Fields())
	if err != nil {
		return "", unavailable("start conversation", err)
	}
	logger := logging.WithConversation(w.logger, id)
	logger.Info().
		Str("initiator_id", conv.InitiatorID).
		Str("target_id", conv.TargetID).
		Msg("conversation started")
	return id, nil
}

func (w *Writer) findConversation(ctx context.Context, a, b string) (string, error) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		docs, err := w.store.Query(ctx, models.Query{
			Collection: models.CollectionConversations,
			Where: []models.Predicate{
				models.Where("initiatorId", models.OpEq, pair[0]),
				models.Where("targetId", models.OpEq, pair[1]),
			},
			Limit: 1,
		})
		if err != nil {
			return "", unavailable("find conversation", err)
		}
		if len(docs) > 0 {
			return docs[0].ID, nil
		}
	}
	return "", nil
}

// SendMessage appends a message to a conversation. Blank text is rejected
// before anything is written.
func (w *Writer) SendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error) {
	if w.transform != nil {
		text = w.transform(text)
	}
	msg := models.Message{
		ConversationID: strings.TrimSpace(conversationID),
		SenderID:       strings.TrimSpace(senderID),
		Text:           text,
		CreatedAt:      w.now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, models.Invalid("send message", err)
	}

	if _, err := w.store.Get(ctx, models.CollectionConversations, msg.ConversationID); err != nil {
		return models.Message{}, unavailable("send message", err)
	}

	id, err := w.store.Add(ctx, models.CollectionMessages, msg.Fields())
	if err != nil {
		return models.Message{}, unavailable("send message", err)
	}
	msg.ID = id

	logger := logging.WithConversation(w.logger, msg.ConversationID)
	logger.Debug().
		Str("message_id", id).
		Str("sender_id", msg.SenderID).
		Msg("message sent")
	return msg, nil
}

// DeleteConversation removes a conversation's messages, then the
// conversation. A failure part way leaves the remaining documents in place;
// calling it again finishes the job.
func (w *Writer) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, models.Invalid("delete conversation", errors.New("conversation id is required"))
	}

	removed, err := w.store.DeleteWhere(ctx, models.Query{
		Collection: models.CollectionMessages,
		Where:      []models.Predicate{models.Where("conversationId", models.OpEq, conversationID)},
	})
	if err != nil {
		return removed, unavailable("delete messages", err)
	}

	if err := w.store.Delete(ctx, models.CollectionConversations, conversationID); err != nil {
		return removed, unavailable("delete conversation", err)
	}

	logger := logging.WithConversation(w.logger, conversationID)
	logger.Info().
		Int("messages", removed).
		Msg("conversation deleted")
	return removed, nil
}
