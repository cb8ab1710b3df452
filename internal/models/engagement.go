package models

import "time"

// EngagementItem is a post whose likes and reshares feed the trends ranking.
type EngagementItem struct {
	ID             string    `json:"id" mapstructure:"-"`
	AuthorID       string    `json:"author_id" mapstructure:"authorId"`
	Text           string    `json:"text" mapstructure:"text"`
	CreatedAt      time.Time `json:"created_at" mapstructure:"createdAt"`
	LikeUserIDs    []string  `json:"like_user_ids" mapstructure:"likeUserIds"`
	ReshareUserIDs []string  `json:"reshare_user_ids" mapstructure:"reshareUserIds"`
	IsDeleted      bool      `json:"is_deleted" mapstructure:"isDeleted"`
	Views          int64     `json:"views" mapstructure:"views"`
}

// EngagementItemFromDocument decodes an engagement item document.
func EngagementItemFromDocument(doc *Document) (EngagementItem, error) {
	var item EngagementItem
	if err := decodeDocument(doc, "engagement item", &item); err != nil {
		return EngagementItem{}, err
	}
	item.ID = doc.ID
	return item, nil
}

// Fields returns the persisted shape of the item.
func (e EngagementItem) Fields() map[string]any {
	likes := make([]any, 0, len(e.LikeUserIDs))
	for _, id := range e.LikeUserIDs {
		likes = append(likes, id)
	}
	reshares := make([]any, 0, len(e.ReshareUserIDs))
	for _, id := range e.ReshareUserIDs {
		reshares = append(reshares, id)
	}
	return map[string]any{
		"authorId":       e.AuthorID,
		"text":           e.Text,
		"createdAt":      Millis(e.CreatedAt),
		"likeUserIds":    likes,
		"reshareUserIds": reshares,
		"isDeleted":      e.IsDeleted,
		"views":          e.Views,
	}
}

// Score is the engagement score: likes plus reshares. Never negative.
func (e EngagementItem) Score() int64 {
	return int64(len(e.LikeUserIDs)) + int64(len(e.ReshareUserIDs))
}
