package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tOgg1/flock/internal/logging"
	"github.com/tOgg1/flock/internal/models"
)

// ErrNoBroker is returned by Watch when the repository was built without a broker.
var ErrNoBroker = errors.New("document repository has no change broker")

// Broker fans committed changes out to in-process watchers.
type Broker interface {
	Publish(ctx context.Context, change models.Change)
	Watch(query models.Query, handler func(models.Change)) (cancel func(), err error)
}

// DocumentRepository stores JSON documents grouped by collection.
//
// Every write commits together with a change-log row and is then published
// to the broker, so watchers in this process observe their own writes before
// the write call returns.
type DocumentRepository struct {
	db      *DB
	changes *ChangeRepository
	broker  Broker
	logger  zerolog.Logger
	now     func() time.Time
}

// NewDocumentRepository creates a repository. broker may be nil, in which
// case writes are only recorded in the change log.
func NewDocumentRepository(db *DB, broker Broker) *DocumentRepository {
	return &DocumentRepository{
		db:      db,
		changes: NewChangeRepository(db),
		broker:  broker,
		logger:  logging.Component("documents"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Query returns the documents matching q in query order.
func (r *DocumentRepository) Query(ctx context.Context, q models.Query) ([]*models.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, models.Invalid("query", err)
	}
	docs, err := r.queryWith(ctx, r.db, q)
	if err != nil {
		if models.KindOf(err) != "" {
			return nil, err
		}
		return nil, models.Unavailable("query "+q.Collection, err)
	}
	return docs, nil
}

// Get loads one document.
func (r *DocumentRepository) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	if err := requireKey(collection, id); err != nil {
		return nil, models.Invalid("get document", err)
	}
	doc, err := r.getWith(ctx, r.db, collection, id)
	if err != nil {
		return nil, models.Unavailable("get "+collection, err)
	}
	if doc == nil {
		return nil, models.NotFound("get "+collection, fmt.Errorf("document %s", id))
	}
	return doc, nil
}

// Add stores fields under a new random id and returns the id.
func (r *DocumentRepository) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.New().String()
	if err := r.Put(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

// Put creates the document or replaces its fields.
func (r *DocumentRepository) Put(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := requireKey(collection, id); err != nil {
		return models.Invalid("put document", err)
	}
	payload, err := encodeFields(fields)
	if err != nil {
		return models.Invalid("put document", err)
	}

	return r.write(ctx, "put "+collection, func(tx *sql.Tx, now time.Time) ([]models.Change, error) {
		existing, err := r.getWith(ctx, tx, collection, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			doc, err := r.insert(ctx, tx, collection, id, payload, now)
			if err != nil {
				return nil, err
			}
			return []models.Change{{Kind: models.ChangeAdded, Doc: doc}}, nil
		}
		doc, err := r.replace(ctx, tx, existing, payload, now)
		if err != nil {
			return nil, err
		}
		return []models.Change{{Kind: models.ChangeModified, Doc: doc}}, nil
	})
}

// Update merges fields into an existing document.
func (r *DocumentRepository) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := requireKey(collection, id); err != nil {
		return models.Invalid("update document", err)
	}
	if len(fields) == 0 {
		return models.Invalid("update document", fmt.Errorf("no fields to update"))
	}
	if _, err := encodeFields(fields); err != nil {
		return models.Invalid("update document", err)
	}

	return r.write(ctx, "update "+collection, func(tx *sql.Tx, now time.Time) ([]models.Change, error) {
		existing, err := r.getWith(ctx, tx, collection, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, models.NotFound("update "+collection, fmt.Errorf("document %s", id))
		}
		merged := existing.Clone().Fields
		if merged == nil {
			merged = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			merged[k] = v
		}
		payload, err := encodeFields(merged)
		if err != nil {
			return nil, models.Invalid("update "+collection, err)
		}
		doc, err := r.replace(ctx, tx, existing, payload, now)
		if err != nil {
			return nil, err
		}
		return []models.Change{{Kind: models.ChangeModified, Doc: doc}}, nil
	})
}

// Increment atomically adds delta to a numeric field (missing counts as zero)
// and returns the new value.
func (r *DocumentRepository) Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	if err := requireKey(collection, id); err != nil {
		return 0, models.Invalid("increment", err)
	}
	if !models.ValidFieldName(field) {
		return 0, models.Invalid("increment", fmt.Errorf("invalid field name %q", field))
	}

	var value int64
	err := r.write(ctx, "increment "+collection, func(tx *sql.Tx, now time.Time) ([]models.Change, error) {
		existing, err := r.getWith(ctx, tx, collection, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, models.NotFound("increment "+collection, fmt.Errorf("document %s", id))
		}
		if current, ok := existing.Fields[field]; ok && current != nil {
			if _, isNum := current.(float64); !isNum {
				return nil, models.Invalid("increment "+collection, fmt.Errorf("field %s is not numeric", field))
			}
		}

		path := jsonPath(field)
		row := tx.QueryRowContext(ctx, `
			UPDATE documents
			SET fields_json = json_set(fields_json, ?, COALESCE(json_extract(fields_json, ?), 0) + ?),
				version = version + 1,
				updated_at = ?
			WHERE seq = ?
			RETURNING seq, id, collection, fields_json, version, created_at, updated_at
		`, path, path, delta, formatTime(now), existing.Seq)
		doc, err := scanDocument(row)
		if err != nil {
			return nil, fmt.Errorf("failed to increment %s: %w", field, err)
		}
		value = toInt64(doc.Fields[field])
		return []models.Change{{Kind: models.ChangeModified, Doc: doc}}, nil
	})
	return value, err
}

// Delete removes one document.
func (r *DocumentRepository) Delete(ctx context.Context, collection, id string) error {
	if err := requireKey(collection, id); err != nil {
		return models.Invalid("delete document", err)
	}

	return r.write(ctx, "delete "+collection, func(tx *sql.Tx, now time.Time) ([]models.Change, error) {
		existing, err := r.getWith(ctx, tx, collection, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, models.NotFound("delete "+collection, fmt.Errorf("document %s", id))
		}
		change, err := r.remove(ctx, tx, existing)
		if err != nil {
			return nil, err
		}
		return []models.Change{change}, nil
	})
}

// DeleteWhere removes every document matching q in one transaction and
// returns how many were removed.
func (r *DocumentRepository) DeleteWhere(ctx context.Context, q models.Query) (int, error) {
	if err := q.Validate(); err != nil {
		return 0, models.Invalid("delete where", err)
	}

	var removed int
	err := r.write(ctx, "delete "+q.Collection, func(tx *sql.Tx, now time.Time) ([]models.Change, error) {
		docs, err := r.queryWith(ctx, tx, q)
		if err != nil {
			return nil, err
		}
		changes := make([]models.Change, 0, len(docs))
		for _, doc := range docs {
			change, err := r.remove(ctx, tx, doc)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
		}
		removed = len(changes)
		return changes, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Watch registers handler for committed changes to documents that match q
// before or after the change.
func (r *DocumentRepository) Watch(q models.Query, handler func(models.Change)) (func(), error) {
	if r.broker == nil {
		return nil, ErrNoBroker
	}
	if err := q.Validate(); err != nil {
		return nil, models.Invalid("watch", err)
	}
	return r.broker.Watch(q, handler)
}

// write runs fn in a retried transaction, appends its changes to the log and
// publishes them after commit.
func (r *DocumentRepository) write(ctx context.Context, op string, fn func(tx *sql.Tx, now time.Time) ([]models.Change, error)) error {
	var committed []models.Change
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		now := r.now()
		changes, err := fn(tx, now)
		if err != nil {
			return err
		}
		for i := range changes {
			c := &changes[i]
			if c.Doc != nil {
				c.Collection = c.Doc.Collection
				c.ID = c.Doc.ID
				c.Version = c.Doc.Version
			}
			c.Timestamp = now
			if err := r.changes.appendWithTx(ctx, tx, c); err != nil {
				return err
			}
		}
		committed = changes
		return nil
	})
	if err != nil {
		if models.KindOf(err) != "" {
			return err
		}
		return models.Unavailable(op, err)
	}

	for _, change := range committed {
		r.logger.Debug().
			Str("collection", change.Collection).
			Str("id", change.ID).
			Str("kind", string(change.Kind)).
			Int64("version", change.Version).
			Msg("document changed")
		if e := r.logger.Trace(); change.Doc != nil && e.Enabled() {
			e.Str("id", change.ID).Interface("fields", logging.RedactFields(change.Doc.Fields)).Msg("document fields")
		}
		if r.broker != nil {
			r.broker.Publish(ctx, change)
		}
	}
	return nil
}

// insert continues the version sequence of a previously removed document
// with the same id so that its tombstone cannot shadow the new document.
// Tombstones outlive change log retention.
func (r *DocumentRepository) insert(ctx context.Context, tx *sql.Tx, collection, id, payload string, now time.Time) (*models.Document, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO documents (collection, id, fields_json, version, created_at, updated_at)
		VALUES (?, ?, ?, COALESCE((SELECT version FROM tombstones WHERE collection = ? AND doc_id = ?), 0) + 1, ?, ?)
		RETURNING seq, id, collection, fields_json, version, created_at, updated_at
	`, collection, id, payload, collection, id, formatTime(now), formatTime(now))
	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) replace(ctx context.Context, tx *sql.Tx, existing *models.Document, payload string, now time.Time) (*models.Document, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE documents
		SET fields_json = ?, version = version + 1, updated_at = ?
		WHERE seq = ?
		RETURNING seq, id, collection, fields_json, version, created_at, updated_at
	`, payload, formatTime(now), existing.Seq)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) remove(ctx context.Context, tx *sql.Tx, doc *models.Document) (models.Change, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE seq = ?`, doc.Seq); err != nil {
		return models.Change{}, fmt.Errorf("failed to delete document: %w", err)
	}
	// The removal is the document's last write and takes the next version.
	version := doc.Version + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tombstones (collection, doc_id, version) VALUES (?, ?, ?)
		ON CONFLICT (collection, doc_id) DO UPDATE SET version = MAX(version, excluded.version)
	`, doc.Collection, doc.ID, version); err != nil {
		return models.Change{}, fmt.Errorf("failed to record tombstone: %w", err)
	}
	return models.Change{
		Kind:       models.ChangeRemoved,
		Collection: doc.Collection,
		ID:         doc.ID,
		Version:    version,
	}, nil
}

func (r *DocumentRepository) getWith(ctx context.Context, q querier, collection, id string) (*models.Document, error) {
	row := q.QueryRowContext(ctx, `
		SELECT seq, id, collection, fields_json, version, created_at, updated_at
		FROM documents WHERE collection = ? AND id = ?
	`, collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

func (r *DocumentRepository) queryWith(ctx context.Context, q querier, query models.Query) ([]*models.Document, error) {
	stmt, args, err := buildQuery(query)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var fieldsJSON, createdAt, updatedAt string
	if err := row.Scan(&doc.Seq, &doc.ID, &doc.Collection, &fieldsJSON, &doc.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &doc.Fields); err != nil {
		return nil, fmt.Errorf("document %s has malformed fields: %w", doc.ID, err)
	}
	doc.CreateTime = parseTime(createdAt)
	doc.UpdateTime = parseTime(updatedAt)
	return &doc, nil
}

// buildQuery translates q into SQL over the JSON fields column. Field names
// are validated by Query.Validate; paths are still bound as parameters.
func buildQuery(q models.Query) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT seq, id, collection, fields_json, version, created_at, updated_at FROM documents WHERE collection = ?`)
	args := []any{q.Collection}

	for _, p := range q.Where {
		clause, clauseArgs, err := predicateSQL(p)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" AND ")
		b.WriteString(clause)
		args = append(args, clauseArgs...)
	}

	if q.OrderBy != nil {
		path := jsonPath(q.OrderBy.Field)
		direction := "ASC"
		if q.OrderBy.Desc {
			direction = "DESC"
		}
		b.WriteString(` AND json_type(fields_json, ?) IS NOT NULL ORDER BY json_extract(fields_json, ?) ` + direction + `, seq`)
		args = append(args, path, path)
	} else {
		b.WriteString(` ORDER BY seq`)
	}

	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}
	return b.String(), args, nil
}

// predicateSQL mirrors models.Query.Matches: values of a different JSON type
// never satisfy a comparison, and != also holds for such values.
func predicateSQL(p models.Predicate) (string, []any, error) {
	path := jsonPath(p.Field)
	value, types, err := sqlValue(p.Value)
	if err != nil {
		return "", nil, models.Invalid("query", fmt.Errorf("field %s: %w", p.Field, err))
	}

	if types == "" {
		switch p.Op {
		case models.OpEq, models.OpLte, models.OpGte:
			return `json_type(fields_json, ?) = 'null'`, []any{path}, nil
		case models.OpNe:
			return `json_type(fields_json, ?) != 'null'`, []any{path}, nil
		default:
			return `0`, nil, nil
		}
	}

	typed := fmt.Sprintf(`json_type(fields_json, ?) IN (%s)`, types)
	compare := fmt.Sprintf(`json_extract(fields_json, ?) %s ?`, p.Op.SQL())
	if p.Op == models.OpNe {
		return fmt.Sprintf(`(json_type(fields_json, ?) IS NOT NULL AND (NOT (%s) OR %s))`, typed, compare),
			[]any{path, path, path, value}, nil
	}
	return fmt.Sprintf(`(%s AND %s)`, typed, compare), []any{path, path, value}, nil
}

func sqlValue(v any) (any, string, error) {
	const numeric = `'integer', 'real'`
	switch typed := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return typed, `'text'`, nil
	case bool:
		if typed {
			return int64(1), `'true', 'false'`, nil
		}
		return int64(0), `'true', 'false'`, nil
	case int:
		return int64(typed), numeric, nil
	case int32:
		return int64(typed), numeric, nil
	case int64:
		return typed, numeric, nil
	case uint32:
		return int64(typed), numeric, nil
	case float32:
		return float64(typed), numeric, nil
	case float64:
		return typed, numeric, nil
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return nil, "", err
		}
		return f, numeric, nil
	case time.Time:
		return models.Millis(typed), numeric, nil
	default:
		return nil, "", fmt.Errorf("unsupported predicate value %T", v)
	}
}

func jsonPath(field string) string {
	return "$." + field
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("fields are not JSON-encodable: %w", err)
	}
	return string(data), nil
}

func requireKey(collection, id string) error {
	var errs models.ValidationErrors
	if strings.TrimSpace(collection) == "" {
		errs.AddMessage("collection", "collection is required")
	}
	if strings.TrimSpace(id) == "" {
		errs.AddMessage("id", "document id is required")
	}
	return errs.Err()
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
