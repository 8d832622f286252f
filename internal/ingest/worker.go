package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/epubfeed/internal/storage"
)

const (
	defaultSyncGrace = 30 * time.Second
	syncBatchSize    = 20
)

// BacklogStore lists and marks records whose feed entry is missing.
type BacklogStore interface {
	ListFeedBacklog(grace time.Duration, limit int) ([]storage.Request, error)
	MarkFeedState(id string, state storage.FeedState) error
}

// FeedSyncer re-publishes finished requests whose feed write failed, so the
// feed converges once the document is writable again.
type FeedSyncer struct {
	store     BacklogStore
	feed      FeedWriter
	publicURL string
	poll      time.Duration
	grace     time.Duration
	logger    *slog.Logger
}

// NewFeedSyncer creates a FeedSyncer with the given dependencies.
// If pollInterval is <= 0, it defaults to 30s. A nil logger falls back to
// slog.Default().
func NewFeedSyncer(store BacklogStore, feed FeedWriter, publicURL string, pollInterval time.Duration, logger *slog.Logger) *FeedSyncer {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedSyncer{
		store:     store,
		feed:      feed,
		publicURL: publicURL,
		poll:      pollInterval,
		grace:     defaultSyncGrace,
		logger:    logger,
	}
}

// Run polls for backlog until ctx is cancelled.
func (s *FeedSyncer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("feed sync iteration failed", "error", err)
		}
		if done && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// RunOnce publishes one batch of backlog records. It returns true if any
// record was synced. The batch stops at the first feed error since the
// remaining writes would fail the same way.
func (s *FeedSyncer) RunOnce(ctx context.Context) (bool, error) {
	backlog, err := s.store.ListFeedBacklog(s.grace, syncBatchSize)
	if err != nil {
		return false, fmt.Errorf("listing feed backlog: %w", err)
	}

	synced := false
	for _, rec := range backlog {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		outcome, err := s.feed.Upsert(ctx, EntryFor(rec, s.publicURL))
		if err != nil {
			return synced, fmt.Errorf("publishing %s: %w", rec.ID, err)
		}
		if err := s.store.MarkFeedState(rec.ID, storage.FeedSynced); err != nil {
			return synced, fmt.Errorf("marking %s synced: %w", rec.ID, err)
		}
		synced = true
		s.logger.Info("feed entry resynced", "id", rec.ID, "outcome", outcome.String())
	}
	return synced, nil
}
