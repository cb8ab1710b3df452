package trends

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/flock/internal/logging"
	"github.com/tOgg1/flock/internal/metrics"
	"github.com/tOgg1/flock/internal/models"
)

// ViewsField is the counter bumped by IncrementViews.
const ViewsField = "views"

// Store is the document store as used by Service.
type Store interface {
	Query(ctx context.Context, q models.Query) ([]*models.Document, error)
	Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error)
}

// ServiceConfig configures ranking.
type ServiceConfig struct {
	// Window limits ranking to recent items; zero ranks everything.
	Window time.Duration

	// Placeholder labels unknown authors.
	Placeholder models.Placeholder
}

// Service loads and ranks the engagement collection.
type Service struct {
	store     Store
	config    ServiceConfig
	directory atomic.Pointer[Directory]
	now       func() time.Time
	logger    zerolog.Logger
}

// NewService creates a Service with an empty author directory.
func NewService(store Store, config ServiceConfig) *Service {
	if config.Placeholder == (models.Placeholder{}) {
		config.Placeholder = models.DefaultPlaceholder()
	}
	s := &Service{
		store:  store,
		config: config,
		now:    time.Now,
		logger: logging.Component("trends"),
	}
	s.directory.Store(NewDirectory(nil, time.Time{}))
	return s
}

// Directory returns the current author directory.
func (s *Service) Directory() *Directory {
	return s.directory.Load()
}

// SetDirectory replaces the author directory.
func (s *Service) SetDirectory(d *Directory) {
	if d == nil {
		return
	}
	s.directory.Store(d)
}

// RefreshDirectory rebuilds the author directory from the users collection.
func (s *Service) RefreshDirectory(ctx context.Context) (*Directory, error) {
	docs, err := s.store.Query(ctx, models.Query{Collection: models.CollectionUsers})
	if err != nil {
		return nil, unavailable("load authors", err)
	}
	d, skipped := DirectoryFromDocuments(docs, s.now())
	if len(skipped) > 0 {
		s.logger.Warn().Strs("user_ids", skipped).Msg("skipped undecodable users")
	}
	s.SetDirectory(d)
	return d, nil
}

// Load reads every engagement item, refreshes the author directory and ranks
// the items as of asOf. A failed author refresh keeps the previous directory;
// unknown authors then get placeholders.
func (s *Service) Load(ctx context.Context, asOf time.Time) ([]RankedGroup, error) {
	docs, err := s.store.Query(ctx, models.Query{Collection: models.CollectionItems})
	if err != nil {
		return nil, unavailable("load items", err)
	}

	if _, err := s.RefreshDirectory(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("author refresh failed; using previous directory")
	}

	return s.Rank(s.Decode(docs), asOf), nil
}

// Decode turns engagement documents into items, skipping ones that fail.
func (s *Service) Decode(docs []*models.Document) []models.EngagementItem {
	items := make([]models.EngagementItem, 0, len(docs))
	for _, doc := range docs {
		item, err := models.EngagementItemFromDocument(doc)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping undecodable item")
			continue
		}
		items = append(items, item)
	}
	return items
}

// Rank ranks items with the current directory.
func (s *Service) Rank(items []models.EngagementItem, asOf time.Time) []RankedGroup {
	start := time.Now()
	groups := Rank(items, asOf, s.Directory(),
		WithWindow(s.config.Window),
		WithPlaceholder(s.config.Placeholder),
	)
	metrics.ObserveSince(metrics.RankingDuration, start)
	metrics.RankingRuns.Inc()

	ranked := 0
	for _, g := range groups {
		ranked += len(g.Items)
	}
	metrics.RankedItems.Set(float64(ranked))

	s.logger.Debug().
		Int("items", len(items)).
		Int("ranked", ranked).
		Int("days", len(groups)).
		Msg("ranked items")
	return groups
}

// IncrementViews bumps an item's view counter by one and returns the new
// count. There is no idempotency key: a retried call counts twice.
func (s *Service) IncrementViews(ctx context.Context, itemID string) (int64, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return 0, models.Invalid("increment views", errors.New("item id is required"))
	}
	views, err := s.store.Increment(ctx, models.CollectionItems, itemID, ViewsField, 1)
	if err != nil {
		return 0, unavailable("increment views", err)
	}
	metrics.ViewIncrements.Inc()
	return views, nil
}

func unavailable(op string, err error) error {
	if models.KindOf(err) != "" {
		return err
	}
	return models.Unavailable(op, err)
}
