// Package threading lays out the messages of one conversation for display.
package threading

import (
	"sort"
	"time"

	"github.com/tOgg1/flock/internal/models"
)

// DayLabelLayout is the format of a day separator, e.g. "Tue Jan 02 2024".
const DayLabelLayout = "Mon Jan 02 2006"

// Entry is one message in display order.
type Entry struct {
	Message models.Message

	// NewDay is set when the message falls on a different calendar date than
	// the message before it. The first message never has it.
	NewDay bool

	// Separator is set when a day separator should be drawn before the entry:
	// NewDay, or the first entry when a leading separator was requested.
	Separator bool

	// Own marks messages sent by the viewer. Layout only.
	Own bool

	loc *time.Location
}

type options struct {
	loc     *time.Location
	leading bool
}

// Option configures Assemble.
type Option func(*options)

// WithLocation sets the viewer's time zone for calendar dates. Default: time.Local.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// WithLeadingSeparator draws a separator before the first message.
func WithLeadingSeparator() Option {
	return func(o *options) {
		o.leading = true
	}
}

// Assemble orders messages by creation time and marks day boundaries and
// the viewer's own messages. Timestamps are compared at one-second
// resolution; messages within the same second keep their input order.
// The input slice is not modified.
func Assemble(messages []models.Message, viewerID string, opts ...Option) []Entry {
	o := options{loc: time.Local}
	for _, opt := range opts {
		opt(&o)
	}

	ordered := append([]models.Message(nil), messages...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Unix() < ordered[j].CreatedAt.Unix()
	})

	entries := make([]Entry, len(ordered))
	for i, msg := range ordered {
		entry := Entry{
			Message: msg,
			Own:     viewerID != "" && msg.SenderID == viewerID,
			loc:     o.loc,
		}
		if i > 0 && !sameDay(ordered[i-1].CreatedAt, msg.CreatedAt, o.loc) {
			entry.NewDay = true
		}
		entry.Separator = entry.NewDay || (i == 0 && o.leading)
		entries[i] = entry
	}
	return entries
}

// Day returns midnight of the entry's calendar date in the viewer's zone.
func Day(e Entry) time.Time {
	loc := e.loc
	if loc == nil {
		loc = time.Local
	}
	y, m, d := e.Message.CreatedAt.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Label formats the separator text for the entry's day.
func Label(e Entry) string {
	return Day(e).Format(DayLabelLayout)
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
