// Package livequery keeps a query's result set current as documents change.
//
// A Subscription holds the matching documents in memory and emits
// added/modified/removed changes in the order the store committed them.
package livequery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tOgg1/flock/internal/logging"
	"github.com/tOgg1/flock/internal/metrics"
	"github.com/tOgg1/flock/internal/models"
)

// Source is a document store that can be read and watched.
// db.DocumentRepository satisfies it.
type Source interface {
	Query(ctx context.Context, q models.Query) ([]*models.Document, error)
	Watch(q models.Query, handler func(models.Change)) (cancel func(), err error)
}

// Change is one delivery on a subscription. Exactly one of Doc or Err is set:
// Err carries a DataUnavailable failure of a resync read.
type Change struct {
	Kind models.ChangeKind
	// Doc is the document after the change; for removals, the last known copy.
	Doc *models.Document
	Err error
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithResyncInterval re-reads every subscription periodically. Zero disables it.
func WithResyncInterval(d time.Duration) Option {
	return func(s *Subscriber) {
		s.resync = d
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// Subscriber opens subscriptions against a Source.
type Subscriber struct {
	source Source
	resync time.Duration
	logger zerolog.Logger
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(source Source, opts ...Option) *Subscriber {
	s := &Subscriber{
		source: source,
		logger: logging.Component("livequery"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription is a live view of one query.
type Subscription struct {
	id     string
	query  models.Query
	read   models.Query
	source Source
	logger zerolog.Logger

	mu    sync.Mutex
	docs  map[string]*models.Document
	seen  map[string]int64 // newest version observed per id, removals included
	queue []Change
	ready bool

	closed    bool
	closeOnce sync.Once
	stopWatch func()

	notify chan struct{}
	out    chan Change
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Subscribe registers a watch, reads the current result set and starts
// delivering changes. The watch is registered first so that no commit between
// the read and the watch is lost; changes that race with the read are
// reconciled by version and never produce a duplicate id.
//
// The subscription ends when Unsubscribe is called or ctx is cancelled.
func (s *Subscriber) Subscribe(ctx context.Context, q models.Query) (*Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, models.Invalid("subscribe", err)
	}

	read := q
	read.Limit = 0

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		id:     uuid.New().String(),
		query:  q,
		read:   read,
		source: s.source,
		docs:   make(map[string]*models.Document),
		seen:   make(map[string]int64),
		notify: make(chan struct{}, 1),
		out:    make(chan Change),
		ctx:    subCtx,
		cancel: cancel,
	}
	sub.logger = s.logger.With().Str("subscription", sub.id).Str("collection", q.Collection).Logger()

	stop, err := s.source.Watch(read, sub.onChange)
	if err != nil {
		cancel()
		return nil, classify("watch "+q.Collection, err)
	}
	sub.stopWatch = stop

	if err := sub.load(ctx); err != nil {
		sub.close()
		metrics.LiveQueryErrors.WithLabelValues(q.Collection).Inc()
		return nil, err
	}

	sub.mu.Lock()
	sub.ready = true
	sub.mu.Unlock()

	metrics.LiveQuerySubscriptions.Inc()
	sub.wg.Add(1)
	go sub.deliver()

	if s.resync > 0 {
		sub.wg.Add(1)
		go sub.resyncLoop(s.resync)
	}

	sub.logger.Debug().Int("documents", sub.size()).Msg("subscribed")
	return sub, nil
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Query returns the subscribed query.
func (s *Subscription) Query() models.Query {
	return s.query
}

// Snapshot returns copies of the current matching documents, ordered and
// limited per the query.
func (s *Subscription) Snapshot() []*models.Document {
	s.mu.Lock()
	view := s.view()
	s.mu.Unlock()

	out := make([]*models.Document, len(view))
	for i, doc := range view {
		out[i] = doc.Clone()
	}
	return out
}

// Changes returns the delivery channel. It is unbuffered and closed once the
// subscription has stopped.
func (s *Subscription) Changes() <-chan Change {
	return s.out
}

// Refresh re-reads the query and emits the differences from the cached set.
// On failure the cached set is left untouched, a Change carrying the error is
// queued and the DataUnavailable error is returned.
func (s *Subscription) Refresh(ctx context.Context) error {
	err := s.load(ctx)
	if err == nil {
		return nil
	}

	metrics.LiveQueryErrors.WithLabelValues(s.query.Collection).Inc()
	s.mu.Lock()
	s.enqueue(Change{Err: err})
	s.mu.Unlock()
	return err
}

// Unsubscribe stops the subscription. Queued changes are dropped and no
// change is delivered after it returns. It is idempotent and may be called
// from any goroutine, including the one consuming Changes.
func (s *Subscription) Unsubscribe() {
	s.close()
	s.wg.Wait()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		s.mu.Lock()
		wasReady := s.ready
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		s.cancel()
		if wasReady {
			metrics.LiveQuerySubscriptions.Dec()
		}
		s.logger.Debug().Msg("unsubscribed")
	})
}

// onChange runs on the writer's goroutine for every change in the collection.
func (s *Subscription) onChange(change models.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.apply(change)
}

// apply folds one change into the cached set and queues what it did to the
// query's view. Caller holds mu.
func (s *Subscription) apply(change models.Change) {
	if !s.limited() {
		if c, ok := s.fold(change); ok {
			s.enqueue(c)
		}
		return
	}
	before := s.view()
	if _, ok := s.fold(change); ok {
		s.enqueueViewDiff(before, s.view())
	}
}

// fold updates the cached set and reports the change to the full,
// unlimited result set. Caller holds mu.
func (s *Subscription) fold(change models.Change) (Change, bool) {
	if last, ok := s.seen[change.ID]; ok && change.Version <= last {
		return Change{}, false
	}
	s.seen[change.ID] = change.Version

	prev, had := s.docs[change.ID]
	matches := change.Kind != models.ChangeRemoved && s.read.Matches(change.Doc)

	switch {
	case matches && had:
		s.docs[change.ID] = change.Doc
		return Change{Kind: models.ChangeModified, Doc: change.Doc}, true
	case matches:
		s.docs[change.ID] = change.Doc
		return Change{Kind: models.ChangeAdded, Doc: change.Doc}, true
	case had:
		delete(s.docs, change.ID)
		return Change{Kind: models.ChangeRemoved, Doc: prev}, true
	}
	return Change{}, false
}

// limited reports whether the view is a window of the cached set.
func (s *Subscription) limited() bool {
	return s.query.Limit > 0
}

// view returns the cached documents ordered and limited per the query.
// Caller holds mu.
func (s *Subscription) view() []*models.Document {
	docs := make([]*models.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	return s.query.Apply(docs)
}

// enqueueViewDiff queues removals for documents that left the view, then
// additions and modifications in view order. Cached documents are replaced
// on every change, so pointer inequality means the document changed.
// Caller holds mu.
func (s *Subscription) enqueueViewDiff(before, after []*models.Document) {
	prev := make(map[string]*models.Document, len(before))
	for _, doc := range before {
		prev[doc.ID] = doc
	}
	next := make(map[string]struct{}, len(after))
	for _, doc := range after {
		next[doc.ID] = struct{}{}
	}

	for _, doc := range before {
		if _, ok := next[doc.ID]; !ok {
			s.enqueue(Change{Kind: models.ChangeRemoved, Doc: doc})
		}
	}
	for _, doc := range after {
		old, ok := prev[doc.ID]
		switch {
		case !ok:
			s.enqueue(Change{Kind: models.ChangeAdded, Doc: doc})
		case old != doc:
			s.enqueue(Change{Kind: models.ChangeModified, Doc: doc})
		}
	}
}

// load reads the query and reconciles the cached set with the result.
func (s *Subscription) load(ctx context.Context) error {
	s.mu.Lock()
	cached := make(map[string]int64, len(s.docs))
	for id, doc := range s.docs {
		cached[id] = doc.Version
	}
	s.mu.Unlock()

	docs, err := s.source.Query(ctx, s.read)
	if err != nil {
		s.logger.Warn().Err(err).Msg("live query read failed")
		return classify("read "+s.query.Collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var before []*models.Document
	if s.limited() {
		before = s.view()
	}

	present := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		present[doc.ID] = struct{}{}
		c, ok := s.fold(models.Change{
			Kind:       models.ChangeModified,
			Collection: doc.Collection,
			ID:         doc.ID,
			Version:    doc.Version,
			Doc:        doc,
		})
		if ok && !s.limited() {
			s.enqueue(c)
		}
	}

	// Only drop documents the read should have returned: ones that were
	// cached before it started and have not changed since.
	for id, version := range cached {
		if _, ok := present[id]; ok {
			continue
		}
		if cur, ok := s.docs[id]; ok && cur.Version == version {
			delete(s.docs, id)
			if !s.limited() {
				s.enqueue(Change{Kind: models.ChangeRemoved, Doc: cur})
			}
		}
	}

	if s.limited() {
		s.enqueueViewDiff(before, s.view())
	}
	return nil
}

// enqueue queues a change for delivery. Changes before the initial read
// completes are folded into the snapshot instead. Caller holds mu.
func (s *Subscription) enqueue(change Change) {
	if !s.ready || s.closed {
		return
	}
	s.queue = append(s.queue, change)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) deliver() {
	defer s.wg.Done()
	defer close(s.out)
	defer s.close()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.ctx.Done():
				return
			}
			s.mu.Lock()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = Change{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		next.Doc = next.Doc.Clone()
		select {
		case s.out <- next:
			kind := string(next.Kind)
			if next.Err != nil {
				kind = "error"
			}
			metrics.LiveQueryDeliveries.WithLabelValues(s.query.Collection, kind).Inc()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Subscription) resyncLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("resync failed; keeping previous snapshot")
			}
		}
	}
}

func (s *Subscription) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func classify(op string, err error) error {
	if models.KindOf(err) != "" {
		return err
	}
	return models.Unavailable(op, err)
}
