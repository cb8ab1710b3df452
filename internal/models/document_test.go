package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(id string, seq int64, fields map[string]any) *Document {
	return &Document{ID: id, Collection: CollectionMessages, Seq: seq, Fields: fields}
}

func TestQueryMatches(t *testing.T) {
	d := doc("m1", 1, map[string]any{
		"conversationId": "c1",
		"createdAt":      float64(2000),
		"isDeleted":      false,
	})

	tests := []struct {
		name  string
		where []Predicate
		want  bool
	}{
		{name: "no predicates", want: true},
		{name: "string equality", where: []Predicate{Where("conversationId", OpEq, "c1")}, want: true},
		{name: "string mismatch", where: []Predicate{Where("conversationId", OpEq, "c2")}, want: false},
		{name: "numeric across types", where: []Predicate{Where("createdAt", OpEq, int64(2000))}, want: true},
		{name: "greater than", where: []Predicate{Where("createdAt", OpGt, 1000)}, want: true},
		{name: "less or equal", where: []Predicate{Where("createdAt", OpLte, 1999)}, want: false},
		{name: "bool equality", where: []Predicate{Where("isDeleted", OpEq, false)}, want: true},
		{name: "not equal", where: []Predicate{Where("isDeleted", OpNe, true)}, want: true},
		{name: "missing field", where: []Predicate{Where("senderId", OpEq, "u1")}, want: false},
		{name: "type mismatch", where: []Predicate{Where("conversationId", OpLt, 5)}, want: false},
		{
			name: "all predicates must hold",
			where: []Predicate{
				Where("conversationId", OpEq, "c1"),
				Where("createdAt", OpLt, 1000),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Query{Collection: CollectionMessages, Where: tt.where}
			assert.Equal(t, tt.want, q.Matches(d))
		})
	}
}

func TestQueryMatchesRejectsOtherCollection(t *testing.T) {
	q := Query{Collection: CollectionUsers}
	assert.False(t, q.Matches(doc("m1", 1, nil)))
	assert.False(t, q.Matches(nil))
}

func TestQueryOrderFieldMustExist(t *testing.T) {
	q := Query{Collection: CollectionMessages, OrderBy: &OrderBy{Field: "createdAt"}}
	assert.True(t, q.Matches(doc("m1", 1, map[string]any{"createdAt": float64(1)})))
	assert.False(t, q.Matches(doc("m2", 2, map[string]any{"text": "hi"})))
}

func TestQuerySortBreaksTiesBySeq(t *testing.T) {
	docs := []*Document{
		doc("c", 3, map[string]any{"createdAt": float64(10)}),
		doc("a", 2, map[string]any{"createdAt": float64(20)}),
		doc("b", 1, map[string]any{"createdAt": float64(10)}),
	}

	q := Query{OrderBy: &OrderBy{Field: "createdAt", Desc: true}}
	q.Sort(docs)
	assert.Equal(t, []string{"a", "b", "c"}, ids(docs))

	q = Query{OrderBy: &OrderBy{Field: "createdAt"}}
	q.Sort(docs)
	assert.Equal(t, []string{"b", "c", "a"}, ids(docs))
}

func TestQuerySortPutsNullFirst(t *testing.T) {
	docs := []*Document{
		doc("a", 1, map[string]any{"createdAt": float64(10)}),
		doc("n", 2, map[string]any{"createdAt": nil}),
		doc("b", 3, map[string]any{"createdAt": float64(5)}),
	}

	q := Query{OrderBy: &OrderBy{Field: "createdAt"}}
	q.Sort(docs)
	assert.Equal(t, []string{"n", "b", "a"}, ids(docs))

	q = Query{OrderBy: &OrderBy{Field: "createdAt", Desc: true}}
	q.Sort(docs)
	assert.Equal(t, []string{"a", "b", "n"}, ids(docs))

	lt := Query{Where: []Predicate{Where("createdAt", OpLt, 7)}}
	assert.False(t, lt.Matches(docs[2]), "null never satisfies a range predicate")
}

func TestQueryApplyLimits(t *testing.T) {
	docs := []*Document{
		doc("m1", 1, map[string]any{"conversationId": "c1", "createdAt": float64(1)}),
		doc("m2", 2, map[string]any{"conversationId": "c2", "createdAt": float64(2)}),
		doc("m3", 3, map[string]any{"conversationId": "c1", "createdAt": float64(3)}),
	}
	q := Query{
		Collection: CollectionMessages,
		Where:      []Predicate{Where("conversationId", OpEq, "c1")},
		OrderBy:    &OrderBy{Field: "createdAt", Desc: true},
		Limit:      1,
	}

	got := q.Apply(docs)
	require.Len(t, got, 1)
	assert.Equal(t, "m3", got[0].ID)
	assert.Equal(t, "m1", docs[0].ID, "input must not be reordered")
}

func TestQueryValidate(t *testing.T) {
	require.NoError(t, Query{Collection: "users", Where: []Predicate{Where("name", OpEq, "x")}}.Validate())

	err := Query{Where: []Predicate{{Field: "bad.field", Op: "~"}}, Limit: -1}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var list *ValidationErrors
	require.ErrorAs(t, err, &list)
	assert.Len(t, list.Errors, 4)
}

func TestDocumentCloneIsDeep(t *testing.T) {
	original := doc("t1", 1, map[string]any{"likeUserIds": []any{"u1"}})
	clone := original.Clone()
	clone.Fields["likeUserIds"].([]any)[0] = "u2"
	assert.Equal(t, "u1", original.Fields["likeUserIds"].([]any)[0])
}

func ids(docs []*Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}
