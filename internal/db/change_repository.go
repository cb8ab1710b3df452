package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/flock/internal/models"
)

// ErrInvalidChange is returned when a change lacks its collection, id or kind.
var ErrInvalidChange = errors.New("invalid change")

// Fixed-width so that timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

type execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

type querier interface {
	execer
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// ChangeRepository reads and prunes the document change log.
type ChangeRepository struct {
	db *DB
}

// NewChangeRepository creates a new ChangeRepository.
func NewChangeRepository(db *DB) *ChangeRepository {
	return &ChangeRepository{db: db}
}

// ChangeQuery filters the change log.
type ChangeQuery struct {
	Collection *string    // Filter by collection
	DocID      *string    // Filter by document id
	Since      *time.Time // Changes at or after this time
	AfterSeq   int64      // Cursor: only changes with a larger sequence
	Limit      int        // Max results (default 100)
}

// ChangePage is one page of the change log in sequence order.
type ChangePage struct {
	Changes []models.Change
	// NextSeq is the cursor for the following page; it equals the last
	// returned sequence, or the request cursor when the page is empty.
	NextSeq int64
	HasMore bool
}

// appendWithTx records change inside tx and sets its sequence.
func (r *ChangeRepository) appendWithTx(ctx context.Context, tx execer, change *models.Change) error {
	if change.Collection == "" || change.ID == "" || change.Kind == "" {
		return ErrInvalidChange
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now().UTC()
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO changes (collection, doc_id, kind, version, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`,
		change.Collection,
		change.ID,
		string(change.Kind),
		change.Version,
		formatTime(change.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read change sequence: %w", err)
	}
	change.Seq = seq
	return nil
}

// Query returns changes after q.AfterSeq matching the filters.
func (r *ChangeRepository) Query(ctx context.Context, q ChangeQuery) (*ChangePage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var b strings.Builder
	b.WriteString(`SELECT seq, collection, doc_id, kind, version, timestamp FROM changes WHERE seq > ?`)
	args := []any{q.AfterSeq}

	if q.Collection != nil {
		b.WriteString(` AND collection = ?`)
		args = append(args, *q.Collection)
	}
	if q.DocID != nil {
		b.WriteString(` AND doc_id = ?`)
		args = append(args, *q.DocID)
	}
	if q.Since != nil {
		b.WriteString(` AND timestamp >= ?`)
		args = append(args, formatTime(*q.Since))
	}

	// One extra row tells us whether another page exists.
	b.WriteString(` ORDER BY seq LIMIT ?`)
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []models.Change
	for rows.Next() {
		var change models.Change
		var kind, timestamp string
		if err := rows.Scan(&change.Seq, &change.Collection, &change.ID, &kind, &change.Version, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		change.Kind = models.ChangeKind(kind)
		change.Timestamp = parseTime(timestamp)
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	page := &ChangePage{NextSeq: q.AfterSeq}
	if len(changes) > limit {
		changes = changes[:limit]
		page.HasMore = true
	}
	page.Changes = changes
	if n := len(changes); n > 0 {
		page.NextSeq = changes[n-1].Seq
	}
	return page, nil
}

// ChangesSince is Query with only a cursor and a limit.
func (r *ChangeRepository) ChangesSince(ctx context.Context, afterSeq int64, limit int) (*ChangePage, error) {
	return r.Query(ctx, ChangeQuery{AfterSeq: afterSeq, Limit: limit})
}

// LatestSeq returns the newest change sequence, or zero for an empty log.
func (r *ChangeRepository) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest change: %w", err)
	}
	return seq.Int64, nil
}

// Count returns the number of retained changes.
func (r *ChangeRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes up to limit changes recorded before the given time.
func (r *ChangeRepository) DeleteOlderThan(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM changes WHERE seq IN (
			SELECT seq FROM changes WHERE timestamp < ? ORDER BY seq LIMIT ?
		)
	`, formatTime(before), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old changes: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return count, nil
}
