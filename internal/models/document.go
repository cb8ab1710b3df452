package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Collection names used by the core.
const (
	CollectionUsers         = "users"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
	CollectionItems         = "tweets"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidFieldName reports whether name can be used in predicates and ordering.
func ValidFieldName(name string) bool {
	return fieldPattern.MatchString(name)
}

// Document is a single stored record. Fields hold JSON-compatible values.
type Document struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Fields     map[string]any `json:"fields"`

	// Version increases by one on every write to the document, removal included.
	Version int64 `json:"version"`

	// Seq is the insertion sequence; it breaks ordering ties.
	Seq int64 `json:"seq"`

	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Fields = cloneFields(d.Fields)
	return &clone
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneFields(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

// Op is a predicate comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// SQL returns the SQLite operator for op.
func (o Op) SQL() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	default:
		return string(o)
	}
}

// Valid reports whether o is a supported operator.
func (o Op) Valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		return true
	}
	return false
}

// Predicate filters documents on a single top-level field.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Where builds an equality-or-comparison predicate.
func Where(field string, op Op, value any) Predicate {
	return Predicate{Field: field, Op: op, Value: value}
}

// OrderBy sorts query results on a top-level field.
type OrderBy struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// Query describes a filtered, ordered read of one collection.
type Query struct {
	Collection string      `json:"collection"`
	Where      []Predicate `json:"where,omitempty"`
	OrderBy    *OrderBy    `json:"order_by,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// Validate checks the query shape before it reaches a store.
func (q Query) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(q.Collection) == "" {
		errs.AddMessage("collection", "collection is required")
	}
	for i, p := range q.Where {
		field := fmt.Sprintf("where[%d]", i)
		if !fieldPattern.MatchString(p.Field) {
			errs.AddMessage(field+".field", fmt.Sprintf("invalid field name %q", p.Field))
		}
		if !p.Op.Valid() {
			errs.AddMessage(field+".op", fmt.Sprintf("unsupported operator %q", p.Op))
		}
	}
	if q.OrderBy != nil && !fieldPattern.MatchString(q.OrderBy.Field) {
		errs.AddMessage("order_by.field", fmt.Sprintf("invalid field name %q", q.OrderBy.Field))
	}
	if q.Limit < 0 {
		errs.AddMessage("limit", "limit must not be negative")
	}
	return errs.Err()
}

// Matches evaluates the predicates against doc.
func (q Query) Matches(doc *Document) bool {
	if doc == nil {
		return false
	}
	if q.Collection != "" && doc.Collection != "" && doc.Collection != q.Collection {
		return false
	}
	// Ordered queries only see documents carrying the order field.
	if q.OrderBy != nil {
		if _, ok := doc.Fields[q.OrderBy.Field]; !ok {
			return false
		}
	}
	for _, p := range q.Where {
		value, ok := doc.Fields[p.Field]
		if !ok {
			return false
		}
		cmp, comparable := compareValues(value, p.Value)
		switch p.Op {
		case OpEq:
			if !comparable || cmp != 0 {
				return false
			}
		case OpNe:
			if comparable && cmp == 0 {
				return false
			}
		case OpLt:
			if !comparable || cmp >= 0 {
				return false
			}
		case OpLte:
			if !comparable || cmp > 0 {
				return false
			}
		case OpGt:
			if !comparable || cmp <= 0 {
				return false
			}
		case OpGte:
			if !comparable || cmp < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Sort orders docs per the query, falling back to insertion sequence.
func (q Query) Sort(docs []*Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if q.OrderBy != nil {
			a := docs[i].Fields[q.OrderBy.Field]
			b := docs[j].Fields[q.OrderBy.Field]
			if cmp, ok := compareOrder(a, b); ok && cmp != 0 {
				if q.OrderBy.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		if docs[i].Seq != docs[j].Seq {
			return docs[i].Seq < docs[j].Seq
		}
		return docs[i].ID < docs[j].ID
	})
}

// Apply filters, sorts and limits docs in memory. The input slice is not modified.
func (q Query) Apply(docs []*Document) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, doc := range docs {
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}
	q.Sort(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// compareOrder ranks null below every other value, as SQLite does.
func compareOrder(a, b any) (int, bool) {
	switch {
	case a == nil && b == nil:
		return 0, true
	case a == nil:
		return -1, true
	case b == nil:
		return 1, true
	}
	return compareValues(a, b)
}

func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	}
	if a == nil && b == nil {
		return 0, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case time.Time:
		return float64(n.UnixMilli()), true
	}
	return 0, false
}

// ChangeKind identifies what happened to a document.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is a single document mutation as emitted by a store.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Version    int64      `json:"version"`

	// Seq is the change-log sequence, zero when the change did not come from the log.
	Seq int64 `json:"seq,omitempty"`

	// Doc is the document after the change; nil for removals.
	Doc *Document `json:"doc,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
