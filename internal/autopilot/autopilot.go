package autopilot

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/errs"
	"github.com/lnops/chand/internal/remote"
)

// growthFactor sets how far past target_channel_count the node may drift
// before the autopilot stops opening entirely. Between target_channel_count
// and target_channel_count*growthFactor it keeps opening, but one channel at
// a time (see planBudget).
const growthFactor = 1.5

// RegimeSource reports the current fee-oracle regime.
type RegimeSource interface {
	CurrentRegime(ctx context.Context) (domain.FeeRegime, error)
}

// OpenerClient is the slice of the remote node API the autopilot needs to
// check funds and open channels.
type OpenerClient interface {
	OnChainBalance(ctx context.Context) (remote.OnChainBalance, error)
	OpenChannel(ctx context.Context, peerID string, amountSats int64, announce bool) (string, error)
}

// Store is the persistence surface the autopilot needs beyond candidate
// sourcing: audit logging and failed-open cooldown tracking.
type Store interface {
	CandidateStore
	RecordAction(ctx context.Context, audit domain.ActionAudit) error
	RecordFailedOpen(ctx context.Context, peerID string, t time.Time) error
}

// Autopilot gates, sources, sizes, and executes new channel opens.
type Autopilot struct {
	cfg        config.AutopilotConfig
	store      Store
	client     OpenerClient
	regime     RegimeSource
	httpClient *http.Client
	logger     zerolog.Logger
	nowFn      func() time.Time
}

// New constructs an Autopilot.
func New(cfg config.AutopilotConfig, store Store, client OpenerClient, regime RegimeSource, logger zerolog.Logger) *Autopilot {
	return &Autopilot{
		cfg:        cfg,
		store:      store,
		client:     client,
		regime:     regime,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "autopilot").Logger(),
		nowFn:      time.Now,
	}
}

func (a *Autopilot) now() time.Time { return a.nowFn() }

// PlannedOpen is one sized, not-yet-executed channel open.
type PlannedOpen struct {
	Candidate  Candidate
	AmountSats int64
}

// Run evaluates the gate, sources candidates, sizes a batch of opens, and
// executes them against the remote node, recording an audit row for every
// attempt (successful or not). When dryRun is true, no remote calls are
// made and every planned open is recorded with DryRun set instead.
func (a *Autopilot) Run(ctx context.Context, channels []domain.Channel, dryRun bool) ([]domain.ActionAudit, error) {
	if !a.cfg.Enabled {
		return nil, nil
	}

	ok, budget, err := a.Gate(ctx, len(channels))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	existing := make(map[string]bool, len(channels))
	for _, c := range channels {
		existing[c.PeerID] = true
	}

	candidates, err := a.SourceCandidates(ctx, existing)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	plans := a.planBudget(candidates, budget, len(channels))
	if len(plans) == 0 {
		return nil, nil
	}

	audits := make([]domain.ActionAudit, 0, len(plans))
	for _, plan := range plans {
		audit := domain.ActionAudit{
			Kind:       domain.ActionOpenChannel,
			OccurredAt: a.now(),
			PeerID:     plan.Candidate.PeerID,
			DryRun:     dryRun,
		}
		params, _ := json.Marshal(map[string]interface{}{
			"amount_sats": plan.AmountSats,
			"source":      plan.Candidate.Source,
			"score":       plan.Candidate.Score,
		})
		audit.ParamsJSON = string(params)

		if dryRun {
			audit.Success = true
			audit.Outcome = "dry_run"
			audits = append(audits, audit)
			if err := a.store.RecordAction(ctx, audit); err != nil {
				return audits, err
			}
			continue
		}

		channelID, openErr := a.client.OpenChannel(ctx, plan.Candidate.PeerID, plan.AmountSats, false)
		if openErr != nil {
			audit.Success = false
			audit.Outcome = openErr.Error()
			a.logger.Warn().Err(openErr).Str("peer_id", plan.Candidate.PeerID).Msg("open_channel failed")
			if recErr := a.store.RecordFailedOpen(ctx, plan.Candidate.PeerID, a.now()); recErr != nil {
				return audits, recErr
			}
		} else {
			audit.Success = true
			audit.ChannelID = channelID
			audit.Outcome = "opened"
		}
		audits = append(audits, audit)
		if err := a.store.RecordAction(ctx, audit); err != nil {
			return audits, err
		}
	}
	return audits, nil
}

// Gate reports whether the autopilot may open channels this cycle, and the
// on-chain budget (in sats) available to spend if so. It requires the
// current fee regime to be low, sufficient spare on-chain balance above the
// configured reserve, and that the node is not already well past its target
// channel count.
func (a *Autopilot) Gate(ctx context.Context, currentChannelCount int) (bool, int64, error) {
	if a.cfg.TargetChannelCount > 0 {
		ceiling := int(float64(a.cfg.TargetChannelCount) * growthFactor)
		if currentChannelCount >= ceiling {
			return false, 0, nil
		}
	}

	regime, err := a.regime.CurrentRegime(ctx)
	if err != nil {
		return false, 0, err
	}
	if regime != domain.RegimeLow {
		return false, 0, nil
	}

	balance, err := a.client.OnChainBalance(ctx)
	if err != nil {
		return false, 0, errs.Transport("fetch on-chain balance", err)
	}

	available := balance.ConfirmedSats - a.cfg.ReserveSats
	if available < a.cfg.MinChannelSats {
		return false, 0, nil
	}
	if float64(available) < a.cfg.ReservePercent*float64(balance.ConfirmedSats) {
		return false, 0, nil
	}

	return true, available, nil
}

// planBudget decides how many opens to attempt and how to size each: an
// even split of the budget among the remaining slots toward
// target_channel_count, each part capped at half the total budget. If a
// part comes out below min_channel_sats, no opens are planned at all (parts
// are not raised to the minimum). Once the node is at or past its target
// channel count, it forces a single open per cycle rather than stopping
// outright.
func (a *Autopilot) planBudget(candidates []Candidate, budget int64, currentChannelCount int) []PlannedOpen {
	n := a.cfg.MaxProposals
	if n <= 0 {
		n = 1
	}
	if a.cfg.TargetChannelCount > 0 {
		remaining := a.cfg.TargetChannelCount - currentChannelCount
		if remaining <= 0 {
			n = 1
		} else if remaining < n {
			n = remaining
		}
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	if n <= 0 {
		return nil
	}

	partCap := budget / 2
	perSlot := budget / int64(n)
	if perSlot > partCap {
		perSlot = partCap
	}
	if perSlot < a.cfg.MinChannelSats {
		return nil
	}

	var plans []PlannedOpen
	for i := 0; i < n; i++ {
		plans = append(plans, PlannedOpen{Candidate: candidates[i], AmountSats: perSlot})
	}
	return plans
}
