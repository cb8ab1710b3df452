// Package app wires the document store and the flock services together.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/flock/internal/config"
	"github.com/tOgg1/flock/internal/db"
	"github.com/tOgg1/flock/internal/events"
	"github.com/tOgg1/flock/internal/livequery"
	"github.com/tOgg1/flock/internal/logging"
	"github.com/tOgg1/flock/internal/messaging"
	"github.com/tOgg1/flock/internal/trends"
)

// Options controls how Open builds the store.
type Options struct {
	// InMemory uses a private in-memory database instead of the configured file.
	InMemory bool

	// SkipMigrations leaves the schema as found.
	SkipMigrations bool
}

// App holds one process's store and services.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Publisher *events.InMemoryPublisher
	Documents *db.DocumentRepository
	Changes   *db.ChangeRepository

	Subscriber *livequery.Subscriber
	Resolver   *messaging.Resolver
	Writer     *messaging.Writer
	Trends     *trends.Service

	// Location is the viewer's zone for day boundaries.
	Location *time.Location

	logger zerolog.Logger
}

// Open opens the database, applies migrations and builds the services.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := logging.Component("app")

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid session timezone: %w", err)
	}

	var database *db.DB
	if opts.InMemory {
		database, err = db.OpenInMemory()
	} else {
		database, err = db.Open(db.Config{
			Path:           cfg.DatabasePath(),
			MaxConnections: cfg.Database.MaxConnections,
			BusyTimeoutMs:  cfg.Database.BusyTimeoutMs,
		})
	}
	if err != nil {
		return nil, err
	}

	if !opts.SkipMigrations {
		applied, err := database.MigrateUp(ctx)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		if applied > 0 {
			logger.Debug().Int("applied", applied).Str("path", database.Path()).Msg("migrations applied")
		}
	}

	publisher := events.NewInMemoryPublisher()
	documents := db.NewDocumentRepository(database, publisher)
	placeholder := cfg.Placeholders.Placeholder()

	return &App{
		Config:    cfg,
		DB:        database,
		Publisher: publisher,
		Documents: documents,
		Changes:   db.NewChangeRepository(database),
		Subscriber: livequery.NewSubscriber(documents,
			livequery.WithResyncInterval(cfg.LiveQuery.ResyncInterval),
		),
		Resolver: messaging.NewResolver(documents, messaging.ResolverConfig{
			MaxConcurrency:   cfg.Resolver.MaxConcurrency,
			LookupsPerSecond: cfg.Resolver.LookupsPerSecond,
			Burst:            cfg.Resolver.Burst,
			Placeholder:      placeholder,
			NoMessages:       cfg.Placeholders.NoMessages,
		}),
		Writer: messaging.NewWriter(documents, writerOptions(cfg.Messages)...),
		Trends: trends.NewService(documents, trends.ServiceConfig{
			Window:      cfg.Trends.Window,
			Placeholder: placeholder,
		}),
		Location: loc,
		logger:   logger,
	}, nil
}

func writerOptions(cfg config.MessagesConfig) []messaging.WriterOption {
	var opts []messaging.WriterOption
	if cfg.TrimSpace {
		opts = append(opts, messaging.WithTextTransform(strings.TrimSpace))
	}
	return opts
}

// NewFeed builds a change-log tailer that republishes writes made by other
// processes into this App's publisher.
func (a *App) NewFeed() *events.Feed {
	return events.NewFeed(events.FeedConfig{
		PollInterval: a.Config.LiveQuery.FeedPollInterval,
		BatchSize:    a.Config.LiveQuery.FeedBatchSize,
		Retention:    a.Config.LiveQuery.ChangeRetention,
	}, a.Changes, a.Documents, a.Publisher)
}

// NewMaterializer builds a ranking materializer over this App's store.
func (a *App) NewMaterializer() *trends.Materializer {
	return trends.NewMaterializer(a.Trends, a.Subscriber, a.Config.Trends.Debounce)
}

// Close stops watchers and closes the database.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.Publisher.Close()
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
