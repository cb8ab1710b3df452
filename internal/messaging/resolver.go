// Package messaging resolves a viewer's conversations and writes messages.
package messaging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/flock/internal/logging"
	"github.com/tOgg1/flock/internal/metrics"
	"github.com/tOgg1/flock/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Reader is the read side of the document store.
type Reader interface {
	Query(ctx context.Context, q models.Query) ([]*models.Document, error)
	Get(ctx context.Context, collection, id string) (*models.Document, error)
}

// Failure stages reported in ItemFailure.Stage.
const (
	StageDecode      = "decode"
	StageLastMessage = "last_message"
	StageUser        = "user"
)

// ItemFailure records a conversation that was left out of a resolution.
type ItemFailure struct {
	ConversationID string
	Stage          string
	Err            error
}

// Resolution is the result of ResolveConversations. Summaries are in fetch
// order; use SortByRecentActivity for display order.
type Resolution struct {
	Summaries []models.ConversationSummary
	Failures  []ItemFailure
}

// ResolverConfig bounds the lookups made per resolution.
type ResolverConfig struct {
	// MaxConcurrency caps conversations resolved at once. Default: 8
	MaxConcurrency int

	// LookupsPerSecond paces per-conversation lookups; zero disables pacing.
	LookupsPerSecond float64
	Burst            int

	// Placeholder labels a participant that cannot be found.
	Placeholder models.Placeholder

	// NoMessages is the last-message text of an empty conversation.
	NoMessages string
}

// DefaultResolverConfig returns the stock limits and labels.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxConcurrency: 8,
		Placeholder:    models.DefaultPlaceholder(),
		NoMessages:     models.NoMessagesText,
	}
}

// Resolver builds conversation summaries for a viewer.
type Resolver struct {
	store   Reader
	config  ResolverConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewResolver creates a Resolver reading from store.
func NewResolver(store Reader, config ResolverConfig) *Resolver {
	defaults := DefaultResolverConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Placeholder == (models.Placeholder{}) {
		config.Placeholder = defaults.Placeholder
	}
	if config.NoMessages == "" {
		config.NoMessages = defaults.NoMessages
	}

	r := &Resolver{
		store:  store,
		config: config,
		logger: logging.Component("resolver"),
	}
	if config.LookupsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(config.LookupsPerSecond), burst)
	}
	return r
}

// ResolveConversations returns a summary for every conversation the viewer
// takes part in, each exactly once. Conversations are found by two reads,
// one per participant role, merged by id. A failure of either read fails the
// call; a failed lookup for a single conversation only drops that
// conversation and is recorded in Failures.
func (r *Resolver) ResolveConversations(ctx context.Context, viewerID string) (*Resolution, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, models.Invalid("resolve conversations", errors.New("viewer id is required"))
	}
	defer metrics.ObserveSince(metrics.ResolverDuration, time.Now())

	logger := logging.WithViewer(r.logger, viewerID)

	var initiated, targeted []*models.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := r.store.Query(gctx, participantQuery("initiatorId", viewerID))
		initiated = docs
		return err
	})
	g.Go(func() error {
		docs, err := r.store.Query(gctx, participantQuery("targetId", viewerID))
		targeted = docs
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, unavailable("list conversations", err)
	}

	docs := unionByID(initiated, targeted)
	out := &Resolution{}

	convs := make([]models.Conversation, 0, len(docs))
	for _, doc := range docs {
		conv, err := models.ConversationFromDocument(doc)
		if err != nil {
			out.Failures = append(out.Failures, r.fail(logger, doc.ID, StageDecode, err))
			continue
		}
		convs = append(convs, conv)
	}

	results := make([]*models.ConversationSummary, len(convs))
	failures := make([]*ItemFailure, len(convs))

	var lookups errgroup.Group
	lookups.SetLimit(r.config.MaxConcurrency)
	for i := range convs {
		lookups.Go(func() error {
			if err := r.wait(ctx); err != nil {
				return err
			}
			summary, failure := r.summarize(ctx, logger, convs[i], viewerID)
			if failure != nil {
				failures[i] = failure
				return nil
			}
			results[i] = &summary
			return nil
		})
	}
	if err := lookups.Wait(); err != nil {
		return nil, unavailable("resolve conversations", err)
	}

	for i := range convs {
		if results[i] != nil {
			out.Summaries = append(out.Summaries, *results[i])
		}
		if failures[i] != nil {
			out.Failures = append(out.Failures, *failures[i])
		}
	}

	logger.Debug().
		Int("conversations", len(out.Summaries)).
		Int("failures", len(out.Failures)).
		Msg("resolved conversations")
	return out, nil
}

// OpenConversation resolves one conversation for the viewer, as shown in a
// thread header.
func (r *Resolver) OpenConversation(ctx context.Context, viewerID, conversationID string) (models.ConversationSummary, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return models.ConversationSummary{}, models.Invalid("open conversation", errors.New("conversation id is required"))
	}

	doc, err := r.store.Get(ctx, models.CollectionConversations, conversationID)
	if err != nil {
		return models.ConversationSummary{}, unavailable("open conversation", err)
	}
	conv, err := models.ConversationFromDocument(doc)
	if err != nil {
		return models.ConversationSummary{}, err
	}

	logger := logging.WithViewer(r.logger, viewerID)
	summary, failure := r.summarize(ctx, logger, conv, viewerID)
	if failure != nil {
		return models.ConversationSummary{}, failure.Err
	}
	return summary, nil
}

func (r *Resolver) summarize(ctx context.Context, logger zerolog.Logger, conv models.Conversation, viewerID string) (models.ConversationSummary, *ItemFailure) {
	logger = logging.WithConversation(logger, conv.ID)
	summary := models.ConversationSummary{
		Conversation: conv,
		LastMessage:  r.config.NoMessages,
	}

	last, err := r.lastMessage(ctx, conv.ID)
	if err != nil {
		failure := r.fail(logger, conv.ID, StageLastMessage, err)
		return summary, &failure
	}
	if last != nil {
		summary.LastMessage = last.Text
		summary.LastMessageAt = last.CreatedAt
	}

	other, err := r.otherParty(ctx, logger, conv, viewerID)
	if err != nil {
		failure := r.fail(logger, conv.ID, StageUser, err)
		return summary, &failure
	}
	summary.Other = other
	return summary, nil
}

func (r *Resolver) lastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	docs, err := r.store.Query(ctx, models.Query{
		Collection: models.CollectionMessages,
		Where:      []models.Predicate{models.Where("conversationId", models.OpEq, conversationID)},
		OrderBy:    &models.OrderBy{Field: "createdAt", Desc: true},
		Limit:      1,
	})
	if err != nil {
		return nil, unavailable("last message", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	msg, err := models.MessageFromDocument(docs[0])
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// otherParty resolves the participant who is not the viewer. A missing id or
// user document yields a placeholder, not an error.
func (r *Resolver) otherParty(ctx context.Context, logger zerolog.Logger, conv models.Conversation, viewerID string) (models.UserRef, error) {
	otherID := strings.TrimSpace(conv.OtherParty(viewerID))
	if otherID == "" {
		logger.Warn().Msg("participant id missing; using placeholder")
		return models.Unresolved("", r.config.Placeholder), nil
	}

	doc, err := r.store.Get(ctx, models.CollectionUsers, otherID)
	if errors.Is(err, models.ErrNotFound) {
		logger.Warn().Str("user_id", otherID).Msg("user not found; using placeholder")
		return models.Unresolved(otherID, r.config.Placeholder), nil
	}
	if err != nil {
		return models.UserRef{}, unavailable("get user", err)
	}

	user, err := models.UserFromDocument(doc)
	if err != nil {
		return models.UserRef{}, err
	}
	return models.Resolved(user), nil
}

func (r *Resolver) fail(logger zerolog.Logger, conversationID, stage string, err error) ItemFailure {
	metrics.ResolverItemFailures.WithLabelValues(stage).Inc()
	logger.Error().Err(err).Str("conversation_id", conversationID).Str("stage", stage).Msg("skipping conversation")
	return ItemFailure{ConversationID: conversationID, Stage: stage, Err: err}
}

func (r *Resolver) wait(ctx context.Context) error {
	if r.limiter == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// SortByRecentActivity orders summaries newest first: by last message time,
// then by conversation creation time. Conversations without messages sort
// after those with messages.
func SortByRecentActivity(summaries []models.ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if a.HasMessages() != b.HasMessages() {
			return a.HasMessages()
		}
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		if !a.Conversation.CreatedAt.Equal(b.Conversation.CreatedAt) {
			return a.Conversation.CreatedAt.After(b.Conversation.CreatedAt)
		}
		return a.Conversation.ID < b.Conversation.ID
	})
}

func participantQuery(field, userID string) models.Query {
	return models.Query{
		Collection: models.CollectionConversations,
		Where:      []models.Predicate{models.Where(field, models.OpEq, userID)},
	}
}

// unionByID merges document lists keeping the first occurrence of each id.
func unionByID(lists ...[]*models.Document) []*models.Document {
	seen := make(map[string]struct{})
	var out []*models.Document
	for _, list := range lists {
		for _, doc := range list {
			if doc == nil {
				continue
			}
			if _, dup := seen[doc.ID]; dup {
				continue
			}
			seen[doc.ID] = struct{}{}
			out = append(out, doc)
		}
	}
	return out
}

func unavailable(op string, err error) error {
	if models.KindOf(err) != "" {
		return err
	}
	return models.Unavailable(op, err)
}
