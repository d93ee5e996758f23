package fees

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
)

// FeeUpdate is one proposed (base_fee_msat, fee_ppm) change for a channel.
type FeeUpdate struct {
	ChannelID   string
	PeerID      string
	BaseFeeMsat int64
	FeePPM      int64
}

// Controller combines the balance modder and the price-theory bandit into
// per-channel fee targets, emitting an update only when the target departs
// from the channel's observed current terms by more than the configured
// minimum-change threshold.
type Controller struct {
	cfg    config.FeesConfig
	theory *PriceTheory
	logger zerolog.Logger
}

// NewController constructs a Controller.
func NewController(cfg config.FeesConfig, theory *PriceTheory, logger zerolog.Logger) *Controller {
	return &Controller{cfg: cfg, theory: theory, logger: logger.With().Str("component", "fee_controller").Logger()}
}

// Decide produces fee updates for live channels. earningsDeltaByPeer carries
// this cycle's newly-ingested forwarding earnings per peer, attributed to
// whichever price-theory card is currently in play for that peer.
func (c *Controller) Decide(ctx context.Context, channels []domain.Channel, earningsDeltaByPeer map[string]int64) ([]FeeUpdate, error) {
	var updates []FeeUpdate

	for _, ch := range channels {
		hand, err := c.theory.EnsureHand(ctx, ch.PeerID)
		if err != nil {
			return updates, err
		}

		if c.cfg.PriceTheory.Enabled {
			if delta := earningsDeltaByPeer[ch.PeerID]; delta != 0 {
				Score(&hand, delta)
			}
			c.theory.Advance(&hand)
		}
		if err := c.theory.Save(ctx, hand); err != nil {
			return updates, err
		}

		priceMod := 1.0
		if c.cfg.PriceTheory.Enabled {
			if active, ok := hand.InPlay(); ok {
				priceMod = active.Multiplier()
			}
		}
		balanceMod := BalanceMod(ch.LocalRatio(), c.cfg.BalanceBins)

		targetPPM := domain.ClampInt64(roundInt64(float64(c.cfg.BasePPM)*balanceMod*priceMod), c.cfg.MinPPM, c.cfg.MaxPPM)
		targetBase := domain.ClampInt64(roundInt64(float64(c.cfg.BaseBaseFeeMsat)*balanceMod*priceMod), c.cfg.MinBaseMsat, c.cfg.MaxBaseMsat)

		if withinThreshold(ch.FeePPM, targetPPM, c.cfg.MinChangePercent) &&
			withinThreshold(ch.BaseFeeMsat, targetBase, c.cfg.MinChangePercent) {
			continue
		}

		updates = append(updates, FeeUpdate{
			ChannelID:   ch.ChannelID,
			PeerID:      ch.PeerID,
			BaseFeeMsat: targetBase,
			FeePPM:      targetPPM,
		})
	}

	return updates, nil
}

func roundInt64(v float64) int64 {
	return int64(math.Round(v))
}

// withinThreshold reports whether target is close enough to current
// (relative to current) that emitting an update would just be spam.
func withinThreshold(current, target int64, minChangePercent float64) bool {
	if current == target {
		return true
	}
	if current == 0 {
		return false
	}
	relative := math.Abs(float64(target-current)) / float64(current)
	return relative < minChangePercent
}
