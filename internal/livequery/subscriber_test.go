package livequery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tOgg1/flock/internal/db"
	"github.com/tOgg1/flock/internal/events"
	"github.com/tOgg1/flock/internal/models"
)

// fakeSource is a versioned in-memory store that notifies watchers
// synchronously, like the SQLite repository with an in-process publisher.
type fakeSource struct {
	mu       sync.Mutex
	docs     map[string]*models.Document
	versions map[string]int64
	watchers map[int]func(models.Change)
	nextID   int
	seq      int64

	queryErr error
	// afterRead runs once inside Query, after the result was captured.
	afterRead func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		docs:     make(map[string]*models.Document),
		versions: make(map[string]int64),
		watchers: make(map[int]func(models.Change)),
	}
}

func (f *fakeSource) Query(_ context.Context, q models.Query) ([]*models.Document, error) {
	f.mu.Lock()
	if f.queryErr != nil {
		err := f.queryErr
		f.mu.Unlock()
		return nil, err
	}
	all := make([]*models.Document, 0, len(f.docs))
	for _, doc := range f.docs {
		all = append(all, doc.Clone())
	}
	hook := f.afterRead
	f.afterRead = nil
	f.mu.Unlock()

	result := q.Apply(all)
	if hook != nil {
		hook()
	}
	return result, nil
}

func (f *fakeSource) Watch(_ models.Query, handler func(models.Change)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}, nil
}

func (f *fakeSource) watcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

// put writes a message document and notifies watchers.
func (f *fakeSource) put(id string, fields map[string]any) {
	f.mu.Lock()
	kind := models.ChangeModified
	doc, ok := f.docs[id]
	if !ok {
		kind = models.ChangeAdded
		f.seq++
		doc = &models.Document{ID: id, Collection: models.CollectionMessages, Seq: f.seq}
	}
	f.versions[id]++
	doc.Version = f.versions[id]
	doc.Fields = fields
	f.docs[id] = doc
	change := models.Change{Kind: kind, Collection: doc.Collection, ID: id, Version: doc.Version, Doc: doc.Clone()}
	f.mu.Unlock()
	f.notify(change)
}

// putSilently writes without notifying, as a write whose change was lost.
func (f *fakeSource) putSilently(id string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		f.seq++
		doc = &models.Document{ID: id, Collection: models.CollectionMessages, Seq: f.seq}
	}
	f.versions[id]++
	doc.Version = f.versions[id]
	doc.Fields = fields
	f.docs[id] = doc
}

func (f *fakeSource) remove(id string) {
	f.mu.Lock()
	f.versions[id]++
	delete(f.docs, id)
	change := models.Change{Kind: models.ChangeRemoved, Collection: models.CollectionMessages, ID: id, Version: f.versions[id]}
	f.mu.Unlock()
	f.notify(change)
}

func (f *fakeSource) notify(change models.Change) {
	f.mu.Lock()
	handlers := make([]func(models.Change), 0, len(f.watchers))
	for _, h := range f.watchers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(change)
	}
}

func msg(conv string, createdAt int64) map[string]any {
	return map[string]any{"conversationId": conv, "createdAt": createdAt, "text": "hi"}
}

func convQuery(conv string) models.Query {
	return models.Query{
		Collection: models.CollectionMessages,
		Where:      []models.Predicate{models.Where("conversationId", models.OpEq, conv)},
		OrderBy:    &models.OrderBy{Field: "createdAt"},
	}
}

func subscribe(t *testing.T, source Source, q models.Query, opts ...Option) *Subscription {
	t.Helper()
	sub, err := NewSubscriber(source, opts...).Subscribe(context.Background(), q)
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return sub
}

func nextChange(t *testing.T, sub *Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		require.True(t, ok, "changes channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func ids(docs []*models.Document) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = doc.ID
	}
	return out
}

func TestSubscribeInitialSnapshot(t *testing.T) {
	source := newFakeSource()
	source.put("m2", msg("c1", 2000))
	source.put("m1", msg("c1", 1000))
	source.put("x", msg("c2", 1500))

	sub := subscribe(t, source, convQuery("c1"))
	assert.Equal(t, []string{"m1", "m2"}, ids(sub.Snapshot()))
}

func TestSnapshotLimitAppliesToView(t *testing.T) {
	source := newFakeSource()
	source.put("m1", msg("c1", 1000))
	source.put("m2", msg("c1", 2000))

	q := convQuery("c1")
	q.OrderBy.Desc = true
	q.Limit = 1
	sub := subscribe(t, source, q)
	assert.Equal(t, []string{"m2"}, ids(sub.Snapshot()))

	// The newest message leaves; the next one moves into the view.
	source.remove("m2")
	assert.Equal(t, models.ChangeRemoved, nextChange(t, sub).Kind)
	assert.Equal(t, []string{"m1"}, ids(sub.Snapshot()))
}

func TestLimitedChangesDescribeTheView(t *testing.T) {
	source := newFakeSource()
	source.put("m1", msg("c1", 1000))

	q := convQuery("c1")
	q.OrderBy.Desc = true
	q.Limit = 1
	sub := subscribe(t, source, q)

	view := map[string]bool{}
	for _, doc := range sub.Snapshot() {
		view[doc.ID] = true
	}
	follow := func(n int) []string {
		var got []string
		for i := 0; i < n; i++ {
			c := nextChange(t, sub)
			got = append(got, string(c.Kind)+" "+c.Doc.ID)
			if c.Kind == models.ChangeRemoved {
				delete(view, c.Doc.ID)
			} else {
				view[c.Doc.ID] = true
			}
		}
		return got
	}

	// Older than the window: cached for backfill, not announced.
	source.put("m0", msg("c1", 500))
	edited := msg("c1", 500)
	edited["text"] = "edited"
	source.put("m0", edited)

	// Newer: pushes m1 out of the window.
	source.put("m2", msg("c1", 2000))
	assert.Equal(t, []string{"removed m1", "added m2"}, follow(2))

	source.put("m2", edited)
	assert.Equal(t, []string{"removed m2", "added m1"}, follow(2), "m2 moved below the window")

	// m0 and m2 tie on createdAt; insertion order puts m0 first.
	source.remove("m1")
	assert.Equal(t, []string{"removed m1", "added m0"}, follow(2))

	outside := msg("c1", 500)
	outside["text"] = "outside"
	source.put("m2", outside)
	inside := msg("c1", 500)
	inside["text"] = "inside"
	source.put("m0", inside)
	assert.Equal(t, []string{"modified m0"}, follow(1), "edits below the window are not announced")

	snapshot := sub.Snapshot()
	require.Len(t, view, len(snapshot))
	for _, doc := range snapshot {
		assert.True(t, view[doc.ID], "consumer view is missing %s", doc.ID)
	}
}

func TestChangesFollowMembership(t *testing.T) {
	source := newFakeSource()
	sub := subscribe(t, source, convQuery("c1"))

	source.put("m1", msg("c1", 1000))
	c := nextChange(t, sub)
	assert.Equal(t, models.ChangeAdded, c.Kind)
	assert.Equal(t, "m1", c.Doc.ID)

	edited := msg("c1", 1000)
	edited["text"] = "edited"
	source.put("m1", edited)
	c = nextChange(t, sub)
	assert.Equal(t, models.ChangeModified, c.Kind)
	assert.Equal(t, "edited", c.Doc.Fields["text"])

	source.put("m1", msg("c2", 1000))
	c = nextChange(t, sub)
	assert.Equal(t, models.ChangeRemoved, c.Kind, "leaving the predicate is a removal")
	assert.Equal(t, "m1", c.Doc.ID)

	source.put("m1", msg("c1", 1000))
	assert.Equal(t, models.ChangeAdded, nextChange(t, sub).Kind, "re-entering is an addition")

	source.remove("m1")
	c = nextChange(t, sub)
	assert.Equal(t, models.ChangeRemoved, c.Kind)
	assert.Empty(t, sub.Snapshot())
}

func TestChangesKeepStoreOrder(t *testing.T) {
	source := newFakeSource()
	sub := subscribe(t, source, convQuery("c1"))

	want := []string{"a", "b", "c", "d", "e"}
	for i, id := range want {
		source.put(id, msg("c1", int64(i)))
	}
	var got []string
	for range want {
		got = append(got, nextChange(t, sub).Doc.ID)
	}
	assert.Equal(t, want, got)
}

func TestWriteDuringInitialReadIsNotLost(t *testing.T) {
	source := newFakeSource()
	source.put("m1", msg("c1", 1000))

	// The read captures m1 at version 1; m1 is edited and m2 added before
	// the read returns.
	edited := msg("c1", 1000)
	edited["text"] = "edited"
	source.afterRead = func() {
		source.put("m1", edited)
		source.put("m2", msg("c1", 2000))
	}

	sub := subscribe(t, source, convQuery("c1"))
	snapshot := sub.Snapshot()
	require.Equal(t, []string{"m1", "m2"}, ids(snapshot))
	assert.Equal(t, "edited", snapshot[0].Fields["text"])
	assert.Equal(t, int64(2), snapshot[0].Version)

	// Nothing is replayed for changes already in the snapshot.
	source.put("m3", msg("c1", 3000))
	c := nextChange(t, sub)
	assert.Equal(t, "m3", c.Doc.ID)
	assert.Equal(t, models.ChangeAdded, c.Kind)
}

func TestRemovalDuringInitialReadWins(t *testing.T) {
	source := newFakeSource()
	source.put("m1", msg("c1", 1000))
	source.afterRead = func() { source.remove("m1") }

	sub := subscribe(t, source, convQuery("c1"))
	assert.Empty(t, sub.Snapshot(), "stale read must not resurrect a removed document")
}

func TestStaleChangeIsIgnored(t *testing.T) {
	source := newFakeSource()
	source.put("m1", msg("c1", 1000))
	source.put("m1", msg("c1", 1000))
	sub := subscribe(t, source, convQuery("c1"))

	// Replay of version 1 after version 2 was read, as the change feed does.
	source.notify(models.Change{
		Kind:       models.ChangeModified,
		Collection: models.CollectionMessages,
		ID:         "m1",
		Version:    1,
		Doc:        &models.Document{ID: "m1", Collection: models.CollectionMessages, Fields: msg("c2", 1000), Version: 1},
	})
	source.put("m2", msg("c1", 2000))

	c := nextChange(t, sub)
	assert.Equal(t, "m2", c.Doc.ID)
	assert.Equal(t, []string{"m1", "m2"}, ids(sub.Snapshot()))
}

func TestRefreshEmitsDifferences(t *testing.T) {
	source := newFakeSource()
	source.put("keep", msg("c1", 1000))
	source.put("edit", msg("c1", 2000))
	source.put("drop", msg("c1", 3000))
	sub := subscribe(t, source, convQuery("c1"))

	edited := msg("c1", 2000)
	edited["text"] = "edited"
	source.putSilently("edit", edited)
	source.putSilently("drop", msg("c2", 3000))
	source.putSilently("new", msg("c1", 4000))

	require.NoError(t, sub.Refresh(context.Background()))

	got := map[string]models.ChangeKind{}
	for i := 0; i < 3; i++ {
		c := nextChange(t, sub)
		got[c.Doc.ID] = c.Kind
	}
	assert.Equal(t, map[string]models.ChangeKind{
		"edit": models.ChangeModified,
		"drop": models.ChangeRemoved,
		"new":  models.ChangeAdded,
	}, got)
	assert.Equal(t, []string{"keep", "edit", "new"}, ids(sub.Snapshot()))
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	source := newFakeSource()
	source.put("m1", msg("c1", 1000))
	sub := subscribe(t, source, convQuery("c1"))

	source.mu.Lock()
	source.queryErr = errors.New("connection reset")
	source.mu.Unlock()

	err := sub.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDataUnavailable)
	assert.Equal(t, []string{"m1"}, ids(sub.Snapshot()))

	c := nextChange(t, sub)
	assert.Nil(t, c.Doc)
	assert.Equal(t, models.KindDataUnavailable, models.KindOf(c.Err))
}

func TestPeriodicResync(t *testing.T) {
	source := newFakeSource()
	sub := subscribe(t, source, convQuery("c1"), WithResyncInterval(20*time.Millisecond))

	source.putSilently("m1", msg("c1", 1000))
	c := nextChange(t, sub)
	assert.Equal(t, models.ChangeAdded, c.Kind)
	assert.Equal(t, "m1", c.Doc.ID)
}

func TestSubscribeReadFailure(t *testing.T) {
	source := newFakeSource()
	source.queryErr = errors.New("disk I/O error")

	_, err := NewSubscriber(source).Subscribe(context.Background(), convQuery("c1"))
	require.Error(t, err)
	assert.Equal(t, models.KindDataUnavailable, models.KindOf(err))
	assert.Zero(t, source.watcherCount(), "watch released after failed read")
}

func TestSubscribeRejectsInvalidQuery(t *testing.T) {
	_, err := NewSubscriber(newFakeSource()).Subscribe(context.Background(), models.Query{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUnsubscribeDropsPendingChanges(t *testing.T) {
	source := newFakeSource()
	sub := subscribe(t, source, convQuery("c1"))

	for _, id := range []string{"a", "b", "c"} {
		source.put(id, msg("c1", 1))
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Changes()
	assert.False(t, ok, "no change is delivered after Unsubscribe returns")
	assert.Zero(t, source.watcherCount())

	// Writes after unsubscribing reach nobody.
	source.put("d", msg("c1", 1))
	assert.Len(t, sub.Snapshot(), 3)
}

func TestUnsubscribeFromConsumer(t *testing.T) {
	source := newFakeSource()
	sub := subscribe(t, source, convQuery("c1"))

	source.put("a", msg("c1", 1))
	source.put("b", msg("c1", 2))

	done := make(chan int)
	go func() {
		received := 0
		for range sub.Changes() {
			received++
			sub.Unsubscribe()
		}
		done <- received
	}()

	select {
	case received := <-done:
		assert.Equal(t, 1, received)
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe from the consumer goroutine deadlocked")
	}
}

func TestContextCancelEndsSubscription(t *testing.T) {
	source := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := NewSubscriber(source).Subscribe(ctx, convQuery("c1"))
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Changes():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, source.watcherCount())
	sub.Unsubscribe()
}

func TestReadYourOwnWrites(t *testing.T) {
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)

	repo := db.NewDocumentRepository(database, events.NewInMemoryPublisher())
	ctx := context.Background()
	require.NoError(t, repo.Put(ctx, models.CollectionMessages, "m1", msg("c1", 1000)))

	sub := subscribe(t, repo, convQuery("c1"))
	require.Equal(t, []string{"m1"}, ids(sub.Snapshot()))

	id, err := repo.Add(ctx, models.CollectionMessages, msg("c1", 2000))
	require.NoError(t, err)

	// Visible as soon as the write returns, before any delivery is consumed.
	assert.Equal(t, []string{"m1", id}, ids(sub.Snapshot()))
	c := nextChange(t, sub)
	assert.Equal(t, models.ChangeAdded, c.Kind)
	assert.Equal(t, id, c.Doc.ID)
}

func TestRecreatedDocumentAfterPruneReachesSnapshot(t *testing.T) {
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)

	repo := db.NewDocumentRepository(database, events.NewInMemoryPublisher())
	ctx := context.Background()
	q := models.Query{Collection: models.CollectionUsers}
	sub := subscribe(t, repo, q)

	require.NoError(t, repo.Put(ctx, models.CollectionUsers, "u1", map[string]any{"name": "a"}))
	require.NoError(t, repo.Update(ctx, models.CollectionUsers, "u1", map[string]any{"name": "b"}))
	require.NoError(t, repo.Delete(ctx, models.CollectionUsers, "u1"))
	for _, kind := range []models.ChangeKind{models.ChangeAdded, models.ChangeModified, models.ChangeRemoved} {
		assert.Equal(t, kind, nextChange(t, sub).Kind)
	}

	_, err = db.NewChangeRepository(database).DeleteOlderThan(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)

	require.NoError(t, repo.Put(ctx, models.CollectionUsers, "u1", map[string]any{"name": "c"}))
	c := nextChange(t, sub)
	assert.Equal(t, models.ChangeAdded, c.Kind)
	assert.Equal(t, "c", c.Doc.Fields["name"])
	require.Equal(t, []string{"u1"}, ids(sub.Snapshot()))

	require.NoError(t, sub.Refresh(ctx))
	assert.Equal(t, []string{"u1"}, ids(sub.Snapshot()))
}
