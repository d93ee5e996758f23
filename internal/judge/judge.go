// Package judge recommends closing the single worst-performing channel,
// weighing its ongoing fee yield against the one-time cost of reopening it
// later.
package judge

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
)

// Store is the persistence surface the judge needs: lifecycle rows for
// channel age and peer records for cumulative earnings.
type Store interface {
	LoadAllLifecycles(ctx context.Context) ([]domain.ChannelLifecycle, error)
	LoadPeer(ctx context.Context, peerID string) (domain.PeerRecord, bool, error)
	RecordAction(ctx context.Context, audit domain.ActionAudit) error
}

// CloserClient closes a channel on the remote node.
type CloserClient interface {
	CloseChannel(ctx context.Context, channelID string, force bool) error
}

// Judge flags and closes the single most underperforming eligible channel
// per cycle.
type Judge struct {
	cfg    config.JudgeConfig
	store  Store
	client CloserClient
	logger zerolog.Logger
	nowFn  func() time.Time
}

// New constructs a Judge.
func New(cfg config.JudgeConfig, store Store, client CloserClient, logger zerolog.Logger) *Judge {
	return &Judge{
		cfg:    cfg,
		store:  store,
		client: client,
		logger: logger.With().Str("component", "judge").Logger(),
		nowFn:  time.Now,
	}
}

type candidate struct {
	channelID   string
	peerID      string
	sizeSats    int64
	feesEarned  int64
	reopenCost  int64
	rate        float64
	improvement float64
}

// Run evaluates every live channel old enough to judge, and closes at most
// one: the channel whose fee yield most underperforms the size-weighted
// median rate across eligible peers by more than its estimated reopen
// cost.
func (j *Judge) Run(ctx context.Context, channels []domain.Channel, dryRun bool) ([]domain.ActionAudit, error) {
	if !j.cfg.Enabled {
		return nil, nil
	}

	lifecycles, err := j.store.LoadAllLifecycles(ctx)
	if err != nil {
		return nil, err
	}
	ageByChannel := make(map[string]time.Duration, len(lifecycles))
	for _, l := range lifecycles {
		if l.ClosedAt != nil {
			continue
		}
		ageByChannel[l.ChannelID] = l.Age(j.nowFn())
	}

	minAge := time.Duration(j.cfg.MinChannelAgeDays) * 24 * time.Hour

	var candidates []candidate
	for _, c := range channels {
		if !c.Active {
			continue
		}
		age, ok := ageByChannel[c.ChannelID]
		if !ok || age < minAge {
			continue
		}
		peer, found, err := j.store.LoadPeer(ctx, c.PeerID)
		if err != nil {
			return nil, err
		}
		if !found || c.CapacitySats <= 0 {
			continue
		}
		reopenCost := peer.ReopenCostEstimateSat
		if reopenCost <= 0 {
			reopenCost = j.cfg.ReopenCostSats
		}
		candidates = append(candidates, candidate{
			channelID:  c.ChannelID,
			peerID:     c.PeerID,
			sizeSats:   c.CapacitySats,
			feesEarned: peer.FeesEarnedMsat / 1000,
			reopenCost: reopenCost,
			rate:       float64(peer.FeesEarnedMsat/1000) / float64(c.CapacitySats),
		})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	median := weightedMedianRate(candidates)

	var worst *candidate
	for i := range candidates {
		c := &candidates[i]
		if c.rate >= median {
			continue
		}
		c.improvement = median*float64(c.sizeSats) - float64(c.feesEarned) - float64(c.reopenCost)
		if c.improvement <= 0 {
			continue
		}
		if worst == nil || c.improvement > worst.improvement {
			worst = c
		}
	}

	if worst == nil {
		return nil, nil
	}

	audit := domain.ActionAudit{
		Kind:       domain.ActionCloseChannel,
		OccurredAt: j.nowFn(),
		ChannelID:  worst.channelID,
		PeerID:     worst.peerID,
		DryRun:     dryRun,
	}
	params, _ := json.Marshal(map[string]interface{}{
		"rate":        worst.rate,
		"median_rate": median,
		"improvement": worst.improvement,
	})
	audit.ParamsJSON = string(params)

	if dryRun {
		audit.Success = true
		audit.Outcome = "dry_run"
		return []domain.ActionAudit{audit}, j.store.RecordAction(ctx, audit)
	}

	if err := j.client.CloseChannel(ctx, worst.channelID, false); err != nil {
		audit.Success = false
		audit.Outcome = err.Error()
		return []domain.ActionAudit{audit}, j.store.RecordAction(ctx, audit)
	}

	audit.Success = true
	audit.Outcome = "closed"
	return []domain.ActionAudit{audit}, j.store.RecordAction(ctx, audit)
}

// weightedMedianRate returns the size-weighted median fee rate across
// candidates: the rate at which cumulative channel size first reaches half
// the total size, ranked ascending.
func weightedMedianRate(candidates []candidate) float64 {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].rate < sorted[j].rate })

	var totalSize int64
	for _, c := range sorted {
		totalSize += c.sizeSats
	}
	if totalSize == 0 {
		return 0
	}

	half := float64(totalSize) / 2
	var cumulative int64
	for _, c := range sorted {
		cumulative += c.sizeSats
		if float64(cumulative) >= half {
			return c.rate
		}
	}
	return sorted[len(sorted)-1].rate
}
