// Package events fans document changes out to in-process subscribers.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tOgg1/flock/internal/models"
)

// ChangeHandler is invoked for each change matching a subscription.
type ChangeHandler func(change models.Change)

// Filter defines criteria for matching changes.
type Filter struct {
	// Collections filters by collection (nil = all).
	Collections []string

	// Kinds filters by change kind (nil = all kinds).
	Kinds []models.ChangeKind

	// DocID filters to a single document (empty = all).
	DocID string
}

// Matches returns true if the change matches the filter criteria.
func (f *Filter) Matches(change models.Change) bool {
	if len(f.Collections) > 0 && !contains(f.Collections, change.Collection) {
		return false
	}
	if len(f.Kinds) > 0 && !contains(f.Kinds, change.Kind) {
		return false
	}
	if f.DocID != "" && change.ID != f.DocID {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type subscription struct {
	id      string
	filter  Filter
	handler ChangeHandler
}

// Publisher defines change publishing and subscription.
type Publisher interface {
	// Publish delivers a change to all matching subscribers.
	Publish(ctx context.Context, change models.Change)

	// Subscribe registers a handler for changes matching the filter.
	Subscribe(id string, filter Filter, handler ChangeHandler) error

	// Unsubscribe removes a subscription by ID.
	Unsubscribe(id string) error

	// SubscriberCount returns the number of active subscribers.
	SubscriberCount() int
}

// InMemoryPublisher implements Publisher with synchronous in-process delivery.
// Publish returns after every matching handler has run, which is what gives
// a writer read-your-own-writes on its live queries.
type InMemoryPublisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
}

// NewInMemoryPublisher creates an empty publisher.
func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{
		subscriptions: make(map[string]*subscription),
	}
}

// Publish delivers change to every matching subscriber. Each handler gets its
// own copy of the document.
func (p *InMemoryPublisher) Publish(_ context.Context, change models.Change) {
	p.mu.RLock()
	var handlers []ChangeHandler
	for _, sub := range p.subscriptions {
		if sub.filter.Matches(change) {
			handlers = append(handlers, sub.handler)
		}
	}
	p.mu.RUnlock()

	// Handlers run outside the lock so they may unsubscribe.
	for _, handler := range handlers {
		delivered := change
		delivered.Doc = change.Doc.Clone()
		handler(delivered)
	}
}

// Subscribe registers a handler to receive changes matching the filter.
func (p *InMemoryPublisher) Subscribe(id string, filter Filter, handler ChangeHandler) error {
	if id == "" {
		return ErrInvalidSubscriptionID
	}
	if handler == nil {
		return ErrNilHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; exists {
		return ErrSubscriptionExists
	}
	p.subscriptions[id] = &subscription{id: id, filter: filter, handler: handler}
	return nil
}

// Unsubscribe removes a subscription by ID.
func (p *InMemoryPublisher) Unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; !exists {
		return ErrSubscriptionNotFound
	}
	delete(p.subscriptions, id)
	return nil
}

// Watch subscribes handler to every change in query's collection. Deciding
// whether a change enters or leaves the query's result is left to the
// handler, since only it knows the previous state. The returned cancel is
// safe to call more than once.
func (p *InMemoryPublisher) Watch(query models.Query, handler func(models.Change)) (func(), error) {
	id := "watch-" + uuid.New().String()
	if err := p.Subscribe(id, Filter{Collections: []string{query.Collection}}, handler); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = p.Unsubscribe(id) })
	}, nil
}

// SubscriberCount returns the number of active subscribers.
func (p *InMemoryPublisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}

// Close removes all subscriptions.
func (p *InMemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions = make(map[string]*subscription)
}

// Errors for publisher operations.
var (
	ErrInvalidSubscriptionID = &PublisherError{Message: "subscription ID is required"}
	ErrNilHandler            = &PublisherError{Message: "handler cannot be nil"}
	ErrSubscriptionExists    = &PublisherError{Message: "subscription with this ID already exists"}
	ErrSubscriptionNotFound  = &PublisherError{Message: "subscription not found"}
)

// PublisherError represents an error from publisher operations.
type PublisherError struct {
	Message string
}

func (e *PublisherError) Error() string {
	return e.Message
}
