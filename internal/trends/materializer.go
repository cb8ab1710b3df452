package trends

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/flock/internal/livequery"
	"github.com/tOgg1/flock/internal/logging"
	"github.com/tOgg1/flock/internal/models"
)

// ErrSubscriptionClosed is returned by Run when a live query ends before ctx.
var ErrSubscriptionClosed = errors.New("live query closed")

// Materializer keeps a ranking current from live queries over the items and
// users collections. Bursts of changes are coalesced by the debounce delay.
type Materializer struct {
	service    *Service
	subscriber *livequery.Subscriber
	debounce   time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu         sync.RWMutex
	groups     []RankedGroup
	updatedAt  time.Time
	generation uint64
}

// NewMaterializer creates a Materializer. Run starts it.
func NewMaterializer(service *Service, subscriber *livequery.Subscriber, debounce time.Duration) *Materializer {
	return &Materializer{
		service:    service,
		subscriber: subscriber,
		debounce:   debounce,
		now:        time.Now,
		logger:     logging.Component("materializer"),
	}
}

// Groups returns the latest ranking and when it was computed.
func (m *Materializer) Groups() ([]RankedGroup, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RankedGroup(nil), m.groups...), m.updatedAt
}

// Generation counts completed re-rankings.
func (m *Materializer) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Run subscribes, ranks once and re-ranks after changes until ctx is done.
func (m *Materializer) Run(ctx context.Context) error {
	items, err := m.subscriber.Subscribe(ctx, models.Query{Collection: models.CollectionItems})
	if err != nil {
		return err
	}
	defer items.Unsubscribe()

	users, err := m.subscriber.Subscribe(ctx, models.Query{Collection: models.CollectionUsers})
	if err != nil {
		return err
	}
	defer users.Unsubscribe()

	m.rebuildDirectory(users)
	m.rerank(items)
	m.logger.Info().Dur("debounce", m.debounce).Msg("materializer started")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	pending, usersDirty := false, false
	schedule := func() {
		if m.debounce <= 0 {
			if usersDirty {
				m.rebuildDirectory(users)
				usersDirty = false
			}
			m.rerank(items)
			return
		}
		if !pending {
			pending = true
			timer.Reset(m.debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-items.Changes():
			if !ok {
				return m.closed(ctx)
			}
			if change.Err != nil {
				m.logger.Warn().Err(change.Err).Msg("item resync failed; ranking unchanged")
				continue
			}
			schedule()
		case change, ok := <-users.Changes():
			if !ok {
				return m.closed(ctx)
			}
			if change.Err != nil {
				m.logger.Warn().Err(change.Err).Msg("user resync failed; directory unchanged")
				continue
			}
			usersDirty = true
			schedule()
		case <-timer.C:
			pending = false
			if usersDirty {
				m.rebuildDirectory(users)
				usersDirty = false
			}
			m.rerank(items)
		}
	}
}

func (m *Materializer) closed(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	return ErrSubscriptionClosed
}

func (m *Materializer) rebuildDirectory(users *livequery.Subscription) {
	d, skipped := DirectoryFromDocuments(users.Snapshot(), m.now())
	if len(skipped) > 0 {
		m.logger.Warn().Strs("user_ids", skipped).Msg("skipped undecodable users")
	}
	m.service.SetDirectory(d)
}

func (m *Materializer) rerank(items *livequery.Subscription) {
	now := m.now()
	groups := m.service.Rank(m.service.Decode(items.Snapshot()), now)

	m.mu.Lock()
	m.groups = groups
	m.updatedAt = now
	m.generation++
	m.mu.Unlock()
}
