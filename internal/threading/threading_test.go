package threading

import (
	"testing"
	"time"

	"github.com/tOgg1/flock/internal/models"
)

func message(id, sender string, at time.Time) models.Message {
	return models.Message{ID: id, ConversationID: "c1", SenderID: sender, Text: id, CreatedAt: at}
}

func entryIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.ID
	}
	return out
}

func TestAssemble_SortsAscending(t *testing.T) {
	base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		message("c", "u1", base.Add(2*time.Minute)),
		message("a", "u1", base),
		message("b", "u2", base.Add(time.Minute)),
	}

	entries := Assemble(msgs, "u1", WithLocation(time.UTC))
	got := entryIDs(entries)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order: %v", got)
		}
	}
	if msgs[0].ID != "c" {
		t.Fatalf("input slice was reordered")
	}
}

func TestAssemble_SubSecondTiesKeepInputOrder(t *testing.T) {
	base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		message("second", "u1", base.Add(900*time.Millisecond)),
		message("first", "u1", base.Add(100*time.Millisecond)),
		message("earlier", "u1", base.Add(-time.Second)),
	}

	got := entryIDs(Assemble(msgs, "u1", WithLocation(time.UTC)))
	if got[0] != "earlier" || got[1] != "second" || got[2] != "first" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestAssemble_DayBoundaries(t *testing.T) {
	msgs := []models.Message{
		message("m1", "u1", time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC)),
		message("m2", "u2", time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC)),
		message("m3", "u1", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
		message("m4", "u2", time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)),
	}

	entries := Assemble(msgs, "u1", WithLocation(time.UTC))
	want := []bool{false, false, true, true}
	for i, e := range entries {
		if e.NewDay != want[i] {
			t.Fatalf("entry %s: NewDay=%v, want %v", e.Message.ID, e.NewDay, want[i])
		}
		if e.Separator != want[i] {
			t.Fatalf("entry %s: Separator=%v, want %v", e.Message.ID, e.Separator, want[i])
		}
	}
}

func TestAssemble_DayBoundariesUseViewerZone(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	// Same UTC date, different Tokyo dates.
	msgs := []models.Message{
		message("m1", "u1", time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)),
		message("m2", "u1", time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC)),
	}

	if entries := Assemble(msgs, "u1", WithLocation(time.UTC)); entries[1].NewDay {
		t.Fatalf("expected no boundary in UTC")
	}
	entries := Assemble(msgs, "u1", WithLocation(tokyo))
	if !entries[1].NewDay {
		t.Fatalf("expected boundary in JST")
	}
	if got := Label(entries[1]); got != "Tue Jan 02 2024" {
		t.Fatalf("unexpected label %q", got)
	}
	if day := Day(entries[1]); day.Hour() != 0 || day.Location() != tokyo {
		t.Fatalf("unexpected day %v", day)
	}
}

func TestAssemble_OwnMessages(t *testing.T) {
	base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		message("m1", "u1", base),
		message("m2", "u2", base.Add(time.Second)),
	}

	entries := Assemble(msgs, "u2", WithLocation(time.UTC))
	if entries[0].Own || !entries[1].Own {
		t.Fatalf("unexpected own flags: %v %v", entries[0].Own, entries[1].Own)
	}
	for _, e := range Assemble(msgs, "") {
		if e.Own {
			t.Fatalf("empty viewer owns nothing")
		}
	}
}

func TestAssemble_LeadingSeparator(t *testing.T) {
	msgs := []models.Message{message("m1", "u1", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))}

	entries := Assemble(msgs, "u1", WithLocation(time.UTC), WithLeadingSeparator())
	if entries[0].NewDay {
		t.Fatalf("first message is never a boundary")
	}
	if !entries[0].Separator {
		t.Fatalf("expected leading separator")
	}
	if plain := Assemble(msgs, "u1", WithLocation(time.UTC)); plain[0].Separator {
		t.Fatalf("no separator without the option")
	}
}

func TestAssemble_Empty(t *testing.T) {
	if entries := Assemble(nil, "u1"); len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}
