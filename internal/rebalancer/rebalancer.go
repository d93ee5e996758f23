// Package rebalancer moves liquidity between a node's own channels via
// self-pay circular rebalances, skewed toward peers that actually earn fees.
package rebalancer

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/remote"
)

// PeerStore resolves a peer's cumulative earnings for ranking and fee-budget
// purposes.
type PeerStore interface {
	LoadPeer(ctx context.Context, peerID string) (domain.PeerRecord, bool, error)
	RecordAction(ctx context.Context, audit domain.ActionAudit) error
}

// Client is the slice of the remote node API a rebalance needs: a
// self-receivable invoice created at the destination, paid out through the
// source.
type Client interface {
	CreateBolt11Invoice(ctx context.Context, amountMsat int64, description string) (string, error)
	PayBolt11(ctx context.Context, invoice string, maxFeeMsat int64, hintOutgoingChannel string) (remote.PaymentResult, error)
}

// Rebalancer emits self-pay rebalances between a node's over- and
// under-supplied channels.
type Rebalancer struct {
	cfg    config.RebalancerConfig
	store  PeerStore
	client Client
	logger zerolog.Logger
	nowFn  func() time.Time
}

// New constructs a Rebalancer.
func New(cfg config.RebalancerConfig, store PeerStore, client Client, logger zerolog.Logger) *Rebalancer {
	return &Rebalancer{
		cfg:    cfg,
		store:  store,
		client: client,
		logger: logger.With().Str("component", "rebalancer").Logger(),
		nowFn:  time.Now,
	}
}

type ranked struct {
	channel    domain.Channel
	netEarning int64
}

// Run selects source/destination pairs from channels, sizes and executes a
// bounded batch of rebalances, and returns an audit row for each attempted
// rebalance; pairs skipped for lack of fee budget get no row. It stops emitting further
// rebalances once the configured per-cycle fee cap is exhausted.
func (r *Rebalancer) Run(ctx context.Context, channels []domain.Channel, dryRun bool) ([]domain.ActionAudit, error) {
	if !r.cfg.Enabled {
		return nil, nil
	}

	destinations, err := r.rank(ctx, channels, func(c domain.Channel) bool { return c.LocalRatio() < r.cfg.LowThreshold })
	if err != nil {
		return nil, err
	}
	sources, err := r.rank(ctx, channels, func(c domain.Channel) bool { return c.LocalRatio() > r.cfg.HighThreshold })
	if err != nil {
		return nil, err
	}

	destinations = topPercentile(destinations)
	sources = topPercentile(sources)

	n := len(destinations)
	if len(sources) < n {
		n = len(sources)
	}

	var audits []domain.ActionAudit
	cumulativeFeeMsat := int64(0)
	for i := 0; i < n; i++ {
		dst, src := destinations[i], sources[i]

		amountSats := rebalanceAmount(dst.channel, src.channel, r.cfg.PerOpFeeCapMsat/1000)
		if amountSats <= 0 {
			continue
		}

		feeBudgetMsat := r.cfg.PerOpFeeCapMsat
		if dst.netEarning < feeBudgetMsat {
			feeBudgetMsat = dst.netEarning
		}
		if feeBudgetMsat <= 0 {
			continue
		}
		if cumulativeFeeMsat+feeBudgetMsat > r.cfg.PerCycleFeeCapMsat {
			r.logger.Info().Msg("per-cycle rebalance fee cap reached, stopping")
			break
		}

		audit, err := r.execute(ctx, src.channel, dst.channel, amountSats, feeBudgetMsat, dryRun)
		if err != nil {
			return audits, err
		}
		audits = append(audits, audit)
		if audit.Success {
			cumulativeFeeMsat += feeBudgetMsat
		}
	}
	return audits, nil
}

func (r *Rebalancer) rank(ctx context.Context, channels []domain.Channel, match func(domain.Channel) bool) ([]ranked, error) {
	var out []ranked
	for _, c := range channels {
		if !c.Active || !match(c) {
			continue
		}
		peer, _, err := r.store.LoadPeer(ctx, c.PeerID)
		if err != nil {
			return nil, err
		}
		out = append(out, ranked{channel: c, netEarning: peer.FeesEarnedMsat})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].netEarning > out[j].netEarning })
	return out, nil
}

// topPercentile returns the top 20th percentile of a descending-ranked
// slice, at least one element if the slice is non-empty.
func topPercentile(rs []ranked) []ranked {
	if len(rs) == 0 {
		return rs
	}
	n := int(math.Ceil(float64(len(rs)) * 0.2))
	if n < 1 {
		n = 1
	}
	if n > len(rs) {
		n = len(rs)
	}
	return rs[:n]
}

// rebalanceAmount returns the sat amount to move from src to dst: the
// smaller of what would bring each channel to a 50/50 balance, capped by
// perOpCapSats.
func rebalanceAmount(dst, src domain.Channel, perOpCapSats int64) int64 {
	dstHeadroom := int64((0.5 - dst.LocalRatio()) * float64(dst.CapacitySats))
	srcHeadroom := int64((src.LocalRatio() - 0.5) * float64(src.CapacitySats))

	amount := dstHeadroom
	if srcHeadroom < amount {
		amount = srcHeadroom
	}
	if perOpCapSats > 0 && perOpCapSats < amount {
		amount = perOpCapSats
	}
	return amount
}

func (r *Rebalancer) execute(ctx context.Context, src, dst domain.Channel, amountSats, feeBudgetMsat int64, dryRun bool) (domain.ActionAudit, error) {
	audit := domain.ActionAudit{
		Kind:       domain.ActionRebalance,
		OccurredAt: r.nowFn(),
		PeerID:     dst.PeerID,
		ChannelID:  dst.ChannelID,
		DryRun:     dryRun,
	}
	params, _ := json.Marshal(map[string]interface{}{
		"src_channel_id":  src.ChannelID,
		"dst_channel_id":  dst.ChannelID,
		"amount_sats":     amountSats,
		"fee_budget_msat": feeBudgetMsat,
	})
	audit.ParamsJSON = string(params)

	if dryRun {
		audit.Success = true
		audit.Outcome = "dry_run"
		return audit, r.store.RecordAction(ctx, audit)
	}

	invoice, err := r.client.CreateBolt11Invoice(ctx, amountSats*1000, "chand rebalance")
	if err != nil {
		audit.Success = false
		audit.Outcome = err.Error()
		return audit, r.store.RecordAction(ctx, audit)
	}

	result, payErr := r.client.PayBolt11(ctx, invoice, feeBudgetMsat, src.ChannelID)
	if payErr != nil {
		audit.Success = false
		audit.Outcome = payErr.Error()
		return audit, r.store.RecordAction(ctx, audit)
	}

	audit.Success = result.Succeeded
	if result.Succeeded {
		audit.Outcome = "rebalanced"
	} else {
		audit.Outcome = "payment failed"
	}
	return audit, r.store.RecordAction(ctx, audit)
}
