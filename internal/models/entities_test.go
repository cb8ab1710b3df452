package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip pushes fields through JSON the way the SQLite store does.
func roundTrip(t *testing.T, fields map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestMessageFromDocument(t *testing.T) {
	created := time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC)
	msg := Message{ConversationID: "c1", SenderID: "u1", Text: "hi", CreatedAt: created}

	got, err := MessageFromDocument(&Document{ID: "m1", Seq: 7, Fields: roundTrip(t, msg.Fields())})
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, int64(7), got.Seq)
	assert.Equal(t, "c1", got.ConversationID)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.UpdatedAt)
}

func TestMessageFromDocumentAcceptsRFC3339(t *testing.T) {
	got, err := MessageFromDocument(&Document{ID: "m1", Fields: map[string]any{
		"conversationId": "c1",
		"createdAt":      "2024-01-02T10:30:00Z",
		"updatedAt":      "2024-01-02T11:00:00Z",
	}})
	require.NoError(t, err)
	assert.Equal(t, 10, got.CreatedAt.Hour())
	require.NotNil(t, got.UpdatedAt)
	assert.Equal(t, 11, got.UpdatedAt.Hour())
}

func TestMessageFromDocumentRejectsBadTimestamp(t *testing.T) {
	_, err := MessageFromDocument(&Document{ID: "m1", Fields: map[string]any{"createdAt": "yesterday"}})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestMessageValidate(t *testing.T) {
	valid := Message{ConversationID: "c1", SenderID: "u1", Text: "hello"}
	require.NoError(t, valid.Validate())

	blank := valid
	blank.Text = "   "
	err := blank.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestConversationOtherParty(t *testing.T) {
	conv := Conversation{ID: "c1", InitiatorID: "u1", TargetID: "u2"}
	assert.Equal(t, "u1", conv.OtherParty("u2"))
	assert.Equal(t, "u2", conv.OtherParty("u1"))

	require.Error(t, Conversation{InitiatorID: "u1", TargetID: "u1"}.Validate())
	require.NoError(t, conv.Validate())
}

func TestEngagementItemRoundTripAndScore(t *testing.T) {
	item := EngagementItem{
		AuthorID:       "u1",
		Text:           "hello",
		CreatedAt:      time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		LikeUserIDs:    []string{"a", "b", "c"},
		ReshareUserIDs: []string{"d"},
		Views:          12,
	}
	got, err := EngagementItemFromDocument(&Document{ID: "t1", Fields: roundTrip(t, item.Fields())})
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Score())
	assert.Equal(t, int64(12), got.Views)
	assert.False(t, got.IsDeleted)
	assert.Equal(t, "t1", got.ID)
}

func TestUserRef(t *testing.T) {
	p := DefaultPlaceholder()

	ref := Unresolved("u9", p)
	assert.True(t, ref.IsPlaceholder())
	assert.Equal(t, "Unknown User", ref.User().Name)
	assert.Equal(t, "u9", ref.ID())

	resolved := Resolved(User{ID: "u1", Name: "Ada"})
	assert.False(t, resolved.IsPlaceholder())
	display := resolved.Display(p)
	assert.Equal(t, "Ada", display.Name)
	assert.Equal(t, "unknown", display.Handle)

	data, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"placeholder":true`)
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := fmt.Errorf("load: %w", Unavailable("query messages", cause))

	assert.True(t, errors.Is(err, ErrDataUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindDataUnavailable, KindOf(err))
	assert.Equal(t, KindNotFound, KindOf(NotFound("get user", nil)))
	assert.Equal(t, ErrorKind(""), KindOf(cause))
	assert.Contains(t, err.Error(), "query messages: data unavailable")
}
