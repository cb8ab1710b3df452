package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tOgg1/flock/internal/models"
)

func messageChange(kind models.ChangeKind, id string) models.Change {
	change := models.Change{Kind: kind, Collection: models.CollectionMessages, ID: id, Version: 1}
	if kind != models.ChangeRemoved {
		change.Doc = &models.Document{ID: id, Collection: models.CollectionMessages, Fields: map[string]any{"text": "hi"}}
	}
	return change
}

func TestFilter_Matches(t *testing.T) {
	change := messageChange(models.ChangeAdded, "m1")

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches", Filter{}, true},
		{"collection matches", Filter{Collections: []string{"users", models.CollectionMessages}}, true},
		{"collection rejects", Filter{Collections: []string{"users"}}, false},
		{"kind matches", Filter{Kinds: []models.ChangeKind{models.ChangeAdded}}, true},
		{"kind rejects", Filter{Kinds: []models.ChangeKind{models.ChangeRemoved}}, false},
		{"doc id matches", Filter{DocID: "m1"}, true},
		{"doc id rejects", Filter{DocID: "m2"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(change))
		})
	}
}

func TestInMemoryPublisher_Subscribe(t *testing.T) {
	p := NewInMemoryPublisher()
	noop := func(models.Change) {}

	require.NoError(t, p.Subscribe("sub-1", Filter{}, noop))
	assert.Equal(t, 1, p.SubscriberCount())

	assert.ErrorIs(t, p.Subscribe("sub-1", Filter{}, noop), ErrSubscriptionExists)
	assert.ErrorIs(t, p.Subscribe("", Filter{}, noop), ErrInvalidSubscriptionID)
	assert.ErrorIs(t, p.Subscribe("sub-2", Filter{}, nil), ErrNilHandler)
}

func TestInMemoryPublisher_Unsubscribe(t *testing.T) {
	p := NewInMemoryPublisher()
	require.NoError(t, p.Subscribe("sub-1", Filter{}, func(models.Change) {}))

	require.NoError(t, p.Unsubscribe("sub-1"))
	assert.Zero(t, p.SubscriberCount())
	assert.ErrorIs(t, p.Unsubscribe("sub-1"), ErrSubscriptionNotFound)
}

func TestInMemoryPublisher_PublishIsSynchronous(t *testing.T) {
	p := NewInMemoryPublisher()

	var received []string
	require.NoError(t, p.Subscribe("messages", Filter{Collections: []string{models.CollectionMessages}}, func(c models.Change) {
		received = append(received, c.ID)
	}))
	require.NoError(t, p.Subscribe("users", Filter{Collections: []string{models.CollectionUsers}}, func(c models.Change) {
		t.Errorf("unexpected delivery %s", c.ID)
	}))

	p.Publish(context.Background(), messageChange(models.ChangeAdded, "m1"))
	p.Publish(context.Background(), messageChange(models.ChangeRemoved, "m1"))

	// No waiting: delivery completed inside Publish.
	assert.Equal(t, []string{"m1", "m1"}, received)
}

func TestInMemoryPublisher_HandlersGetOwnCopy(t *testing.T) {
	p := NewInMemoryPublisher()

	var seen []string
	for _, id := range []string{"a", "b"} {
		require.NoError(t, p.Subscribe(id, Filter{}, func(c models.Change) {
			seen = append(seen, c.Doc.Fields["text"].(string))
			c.Doc.Fields["text"] = "mutated"
		}))
	}

	change := messageChange(models.ChangeAdded, "m1")
	p.Publish(context.Background(), change)

	assert.Equal(t, []string{"hi", "hi"}, seen)
	assert.Equal(t, "hi", change.Doc.Fields["text"])
}

func TestInMemoryPublisher_HandlerMayUnsubscribe(t *testing.T) {
	p := NewInMemoryPublisher()
	calls := 0
	require.NoError(t, p.Subscribe("once", Filter{}, func(models.Change) {
		calls++
		_ = p.Unsubscribe("once")
	}))

	p.Publish(context.Background(), messageChange(models.ChangeAdded, "m1"))
	p.Publish(context.Background(), messageChange(models.ChangeAdded, "m2"))
	assert.Equal(t, 1, calls)
}

func TestInMemoryPublisher_Watch(t *testing.T) {
	p := NewInMemoryPublisher()

	var got []models.ChangeKind
	cancel, err := p.Watch(models.Query{Collection: models.CollectionMessages}, func(c models.Change) {
		got = append(got, c.Kind)
	})
	require.NoError(t, err)

	p.Publish(context.Background(), messageChange(models.ChangeAdded, "m1"))
	cancel()
	cancel()
	p.Publish(context.Background(), messageChange(models.ChangeModified, "m1"))

	assert.Equal(t, []models.ChangeKind{models.ChangeAdded}, got)
	assert.Zero(t, p.SubscriberCount())
}

func TestInMemoryPublisher_Close(t *testing.T) {
	p := NewInMemoryPublisher()
	require.NoError(t, p.Subscribe("a", Filter{}, func(models.Change) {}))
	require.NoError(t, p.Subscribe("b", Filter{}, func(models.Change) {}))

	p.Close()
	assert.Zero(t, p.SubscriberCount())
}

func TestInMemoryPublisher_ConcurrentAccess(t *testing.T) {
	p := NewInMemoryPublisher()
	var count atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_ = p.Subscribe(id, Filter{}, func(models.Change) { count.Add(1) })
			p.Publish(context.Background(), messageChange(models.ChangeAdded, id))
			_ = p.Unsubscribe(id)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, p.SubscriberCount())
	assert.GreaterOrEqual(t, count.Load(), int64(10))
}
