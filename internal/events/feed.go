package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/flock/internal/db"
	"github.com/tOgg1/flock/internal/logging"
	"github.com/tOgg1/flock/internal/metrics"
	"github.com/tOgg1/flock/internal/models"
)

// Feed errors.
var (
	ErrFeedAlreadyRunning = errors.New("feed already running")
	ErrFeedNotRunning     = errors.New("feed not running")
)

// ChangeLog is the part of db.ChangeRepository the feed reads.
type ChangeLog interface {
	ChangesSince(ctx context.Context, afterSeq int64, limit int) (*db.ChangePage, error)
	LatestSeq(ctx context.Context) (int64, error)
	DeleteOlderThan(ctx context.Context, before time.Time, limit int) (int64, error)
}

// DocumentReader loads the current state of a document.
type DocumentReader interface {
	Get(ctx context.Context, collection, id string) (*models.Document, error)
}

// FeedConfig tunes the change-log tailer.
type FeedConfig struct {
	// PollInterval is how often the log is read. Default: 500ms
	PollInterval time.Duration

	// BatchSize is the page size per read. Default: 100
	BatchSize int

	// Retention prunes log rows older than this; zero keeps everything.
	Retention time.Duration

	// PruneEvery is the minimum time between prunes. Default: 1m
	PruneEvery time.Duration
}

// DefaultFeedConfig returns sensible defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    100,
		PruneEvery:   time.Minute,
	}
}

// Feed republishes writes made by other processes. It tails the change log
// from the sequence current at Start, loads each changed document and
// publishes it with the document's current version. Changes this process
// already published locally arrive again; subscribers drop them by version.
type Feed struct {
	config    FeedConfig
	log       ChangeLog
	docs      DocumentReader
	publisher Publisher
	logger    zerolog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cursor    int64
	lastPrune time.Time
}

// NewFeed creates a feed that publishes into publisher.
func NewFeed(config FeedConfig, log ChangeLog, docs DocumentReader, publisher Publisher) *Feed {
	defaults := DefaultFeedConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PruneEvery <= 0 {
		config.PruneEvery = defaults.PruneEvery
	}
	return &Feed{
		config:    config,
		log:       log,
		docs:      docs,
		publisher: publisher,
		logger:    logging.Component("feed"),
	}
}

// Start positions the cursor at the newest change and begins polling.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return ErrFeedAlreadyRunning
	}

	latest, err := f.log.LatestSeq(ctx)
	if err != nil {
		return models.Unavailable("start feed", err)
	}
	f.cursor = latest

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.running = true

	f.logger.Info().
		Dur("poll_interval", f.config.PollInterval).
		Int("batch_size", f.config.BatchSize).
		Int64("cursor", latest).
		Msg("change feed starting")

	f.wg.Add(1)
	go f.runLoop(loopCtx)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return ErrFeedNotRunning
	}
	f.cancel()
	f.running = false
	f.mu.Unlock()

	f.wg.Wait()
	f.logger.Info().Msg("change feed stopped")
	return nil
}

// Cursor returns the last change sequence that was processed.
func (f *Feed) Cursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// SetCursor repositions the feed, e.g. to replay from an older sequence.
func (f *Feed) SetCursor(seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = seq
}

func (f *Feed) runLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Poll(ctx); err != nil && ctx.Err() == nil {
				metrics.FeedErrors.Inc()
				f.logger.Warn().Err(err).Msg("change feed poll failed")
			}
			f.prune(ctx)
		}
	}
}

// Poll reads every change after the cursor and publishes it. It returns the
// number of changes published. On error the cursor stays after the last
// change that was fully handled.
func (f *Feed) Poll(ctx context.Context) (int, error) {
	cursor := f.Cursor()
	published := 0

	for {
		page, err := f.log.ChangesSince(ctx, cursor, f.config.BatchSize)
		if err != nil {
			return published, models.Unavailable("poll change log", err)
		}

		seen := make(map[string]struct{}, len(page.Changes))
		for _, change := range page.Changes {
			key := change.Collection + "/" + change.ID
			if _, dup := seen[key]; dup && change.Kind != models.ChangeRemoved {
				cursor = change.Seq
				continue
			}

			out, ok, err := f.resolve(ctx, change)
			if err != nil {
				f.SetCursor(cursor)
				return published, err
			}
			if ok {
				f.publisher.Publish(ctx, out)
				metrics.FeedPublished.Inc()
				published++
				if out.Kind == models.ChangeRemoved {
					delete(seen, key)
				} else {
					seen[key] = struct{}{}
				}
			}
			cursor = change.Seq
		}

		f.SetCursor(cursor)
		if !page.HasMore {
			return published, nil
		}
	}
}

// resolve turns a log row into a publishable change. ok is false when the
// document is already gone; its removal row follows in the log.
func (f *Feed) resolve(ctx context.Context, change models.Change) (models.Change, bool, error) {
	if change.Kind == models.ChangeRemoved {
		return change, true, nil
	}

	doc, err := f.docs.Get(ctx, change.Collection, change.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return change, false, nil
		}
		return change, false, err
	}

	change.Doc = doc
	change.Version = doc.Version
	return change, true, nil
}

func (f *Feed) prune(ctx context.Context) {
	if f.config.Retention <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(f.lastPrune) < f.config.PruneEvery {
		return
	}
	f.lastPrune = now

	deleted, err := f.log.DeleteOlderThan(ctx, now.Add(-f.config.Retention), 0)
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to prune change log")
		return
	}
	if deleted > 0 {
		f.logger.Debug().Int64("deleted", deleted).Msg("pruned change log")
	}
}
