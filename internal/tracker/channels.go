package tracker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/errs"
)

// LifecycleStore is the persistence surface ChannelTracker consumes.
type LifecycleStore interface {
	ListOpenLifecycles(ctx context.Context) (map[string]domain.ChannelLifecycle, error)
	RecordChannelOpen(ctx context.Context, channelID, peerID string, capacitySats int64, t time.Time) error
	RecordChannelClose(ctx context.Context, channelID string, t time.Time) error
}

// ChannelTracker reconciles the node's live channel set against the
// persisted lifecycle table, recording opens and closes as they occur.
type ChannelTracker struct {
	store  LifecycleStore
	logger zerolog.Logger
}

// NewChannelTracker constructs a ChannelTracker.
func NewChannelTracker(store LifecycleStore, logger zerolog.Logger) *ChannelTracker {
	return &ChannelTracker{store: store, logger: logger.With().Str("component", "channel_tracker").Logger()}
}

// ReconcileResult reports how many channels were newly opened or closed.
type ReconcileResult struct {
	Opened int
	Closed int
}

// Reconcile computes the symmetric difference between live and persisted
// open channels: live channels absent from the persisted set are recorded
// as newly opened; persisted-open channels absent from the live set are
// recorded as closed as of now.
func (t *ChannelTracker) Reconcile(ctx context.Context, live []domain.Channel, now time.Time) (ReconcileResult, error) {
	persisted, err := t.store.ListOpenLifecycles(ctx)
	if err != nil {
		return ReconcileResult{}, errs.Store("list open lifecycles", err)
	}

	liveByID := make(map[string]domain.Channel, len(live))
	for _, ch := range live {
		liveByID[ch.ChannelID] = ch
	}

	var result ReconcileResult

	for id, ch := range liveByID {
		if _, known := persisted[id]; known {
			continue
		}
		fundedAt := ch.FundedAt
		if fundedAt.IsZero() {
			fundedAt = now
		}
		if err := t.store.RecordChannelOpen(ctx, ch.ChannelID, ch.PeerID, ch.CapacitySats, fundedAt); err != nil {
			return result, errs.Store("record channel open", err)
		}
		result.Opened++
	}

	for id := range persisted {
		if _, stillLive := liveByID[id]; stillLive {
			continue
		}
		if err := t.store.RecordChannelClose(ctx, id, now); err != nil {
			return result, errs.Store("record channel close", err)
		}
		result.Closed++
	}

	if result.Opened > 0 || result.Closed > 0 {
		t.logger.Info().Int("opened", result.Opened).Int("closed", result.Closed).Msg("channel reconcile complete")
	}
	return result, nil
}
