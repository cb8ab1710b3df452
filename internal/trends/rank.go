// Package trends ranks engagement items by score within calendar days.
package trends

import (
	"sort"
	"time"

	"github.com/tOgg1/flock/internal/models"
)

// DayLayout is the UTC calendar date key of a group.
const DayLayout = "2006-01-02"

// AuthorLookup resolves author ids. Directory implements it.
type AuthorLookup interface {
	Lookup(authorID string) (models.User, bool)
}

// RankedItem is an item with its score and author.
type RankedItem struct {
	Item   models.EngagementItem `json:"item"`
	Score  int64                 `json:"score"`
	Author models.UserRef        `json:"author"`

	// Position is the 1-based rank within the item's day.
	Position int `json:"position"`
}

// RankedGroup holds the items created on one UTC day, highest score first.
type RankedGroup struct {
	Day   string       `json:"day"`
	Date  time.Time    `json:"date"`
	Items []RankedItem `json:"items"`
}

type rankOptions struct {
	window      time.Duration
	placeholder models.Placeholder
}

// RankOption configures Rank.
type RankOption func(*rankOptions)

// WithWindow keeps only items created within d before asOf.
func WithWindow(d time.Duration) RankOption {
	return func(o *rankOptions) {
		o.window = d
	}
}

// WithPlaceholder sets the labels of authors that cannot be resolved.
func WithPlaceholder(p models.Placeholder) RankOption {
	return func(o *rankOptions) {
		o.placeholder = p
	}
}

// Rank groups items by UTC creation day, newest day first, and orders each
// day by descending score. Ties keep input order. Soft-deleted items and
// items created after asOf are dropped; a zero asOf keeps everything.
// An author missing from authors gets a placeholder and does not affect the
// rest of the batch.
func Rank(items []models.EngagementItem, asOf time.Time, authors AuthorLookup, opts ...RankOption) []RankedGroup {
	o := rankOptions{placeholder: models.DefaultPlaceholder()}
	for _, opt := range opts {
		opt(&o)
	}

	groups := make(map[string]*RankedGroup)
	for _, item := range items {
		if item.IsDeleted || !visible(item.CreatedAt, asOf, o.window) {
			continue
		}

		created := item.CreatedAt.UTC()
		day := created.Format(DayLayout)
		group, ok := groups[day]
		if !ok {
			y, m, d := created.Date()
			group = &RankedGroup{Day: day, Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
			groups[day] = group
		}
		group.Items = append(group.Items, RankedItem{
			Item:   item,
			Score:  item.Score(),
			Author: lookupAuthor(authors, item.AuthorID, o.placeholder),
		})
	}

	out := make([]RankedGroup, 0, len(groups))
	for _, group := range groups {
		sort.SliceStable(group.Items, func(i, j int) bool {
			return group.Items[i].Score > group.Items[j].Score
		})
		for i := range group.Items {
			group.Items[i].Position = i + 1
		}
		out = append(out, *group)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Day > out[j].Day
	})
	return out
}

// Flatten concatenates groups in order.
func Flatten(groups []RankedGroup) []RankedItem {
	n := 0
	for _, g := range groups {
		n += len(g.Items)
	}
	out := make([]RankedItem, 0, n)
	for _, g := range groups {
		out = append(out, g.Items...)
	}
	return out
}

func visible(created, asOf time.Time, window time.Duration) bool {
	if asOf.IsZero() {
		return true
	}
	if created.After(asOf) {
		return false
	}
	return window <= 0 || created.After(asOf.Add(-window))
}

func lookupAuthor(authors AuthorLookup, authorID string, placeholder models.Placeholder) models.UserRef {
	if authors == nil || authorID == "" {
		return models.Unresolved(authorID, placeholder)
	}
	user, ok := authors.Lookup(authorID)
	if !ok {
		return models.Unresolved(authorID, placeholder)
	}
	return models.Resolved(user)
}
