// Package tracker implements the daemon's two ingestion trackers:
// EarningsTracker pulls paginated forwarding events, and ChannelTracker
// reconciles the live channel set against persisted lifecycle rows.
package tracker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/errs"
)

// ForwardSource is the remote API surface EarningsTracker consumes.
type ForwardSource interface {
	ListForwards(ctx context.Context, cursor string, limit int) ([]domain.ForwardEvent, string, error)
}

// EarningsStore is the persistence surface EarningsTracker consumes.
type EarningsStore interface {
	LoadCursor(ctx context.Context, name string) (string, bool, error)
	SaveCursor(ctx context.Context, name, value string) error
	UpsertForward(ctx context.Context, event domain.ForwardEvent, inPeer, outPeer string) (bool, error)
	LoadAllLifecycles(ctx context.Context) ([]domain.ChannelLifecycle, error)
}

const earningsCursorName = "earnings_forwards"

// EarningsTracker incrementally and idempotently ingests forwarding events.
type EarningsTracker struct {
	source    ForwardSource
	store     EarningsStore
	pageLimit int
	logger    zerolog.Logger
}

// NewEarningsTracker constructs an EarningsTracker. pageLimit <= 0 defaults to 500.
func NewEarningsTracker(source ForwardSource, store EarningsStore, pageLimit int, logger zerolog.Logger) *EarningsTracker {
	if pageLimit <= 0 {
		pageLimit = 500
	}
	return &EarningsTracker{
		source:    source,
		store:     store,
		pageLimit: pageLimit,
		logger:    logger.With().Str("component", "earnings_tracker").Logger(),
	}
}

// Ingest pulls all newly available forwarding events since the persisted
// cursor, upserting each idempotently, and returns the count of events that
// were genuinely new (not replays) along with this cycle's newly-earned fee
// total per outgoing-channel peer, for the fee controller's price-theory
// attribution. Resumable across restarts: the cursor is saved after each
// page so a crash mid-ingest re-fetches at most one page.
func (t *EarningsTracker) Ingest(ctx context.Context) (int, map[string]int64, error) {
	lifecycles, err := t.store.LoadAllLifecycles(ctx)
	if err != nil {
		return 0, nil, errs.Store("load lifecycles for peer attribution", err)
	}
	channelPeer := make(map[string]string, len(lifecycles))
	for _, l := range lifecycles {
		channelPeer[l.ChannelID] = l.PeerID
	}

	cursor, _, err := t.store.LoadCursor(ctx, earningsCursorName)
	if err != nil {
		return 0, nil, errs.Store("load earnings cursor", err)
	}

	total := 0
	deltaByPeer := make(map[string]int64)
	for {
		events, nextCursor, err := t.source.ListForwards(ctx, cursor, t.pageLimit)
		if err != nil {
			return total, deltaByPeer, err
		}
		if len(events) == 0 {
			break
		}

		for _, event := range events {
			inPeer := channelPeer[event.InChannel]
			outPeer := channelPeer[event.OutChannel]
			isNew, err := t.store.UpsertForward(ctx, event, inPeer, outPeer)
			if err != nil {
				return total, deltaByPeer, errs.Store(fmt.Sprintf("upsert forward %s", event.EventID), err)
			}
			if isNew {
				total++
				if outPeer != "" {
					deltaByPeer[outPeer] += event.FeeEarnedMsat
				}
			}
		}

		cursor = nextCursor
		if err := t.store.SaveCursor(ctx, earningsCursorName, cursor); err != nil {
			return total, deltaByPeer, errs.Store("save earnings cursor", err)
		}

		if nextCursor == "" || len(events) < t.pageLimit {
			break
		}
	}

	t.logger.Info().Int("new_events", total).Msg("earnings ingest complete")
	return total, deltaByPeer, nil
}
