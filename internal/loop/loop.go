// Package loop sequences one full decision cycle: sample the fee oracle,
// reconcile channel state, ingest earnings, compute fee targets, run the
// autopilot, rebalancer, and judge, in that order, under a cycle-wide
// deadline.
package loop

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/alerting"
	"github.com/lnops/chand/internal/autopilot"
	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/errs"
	"github.com/lnops/chand/internal/fees"
	"github.com/lnops/chand/internal/judge"
	"github.com/lnops/chand/internal/rebalancer"
	"github.com/lnops/chand/internal/tracker"
)

// OracleSampler polls and classifies the on-chain fee environment.
type OracleSampler interface {
	Sample(ctx context.Context) error
}

// ChannelLister is the remote surface the loop needs directly: the live
// channel snapshot every other step iterates over.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]domain.Channel, error)
}

// FeeApplier applies a fee-controller decision to the remote node.
type FeeApplier interface {
	UpdateChannelConfig(ctx context.Context, channelID string, baseFeeMsat, feePPM int64) error
}

// Store is the persistence surface the loop needs directly, beyond what
// each decision module already owns: the advisory lock and fee-update
// audit trail.
type Store interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
	RecordAction(ctx context.Context, audit domain.ActionAudit) error
}

// Loop wires every decision subsystem into one sequenced cycle.
type Loop struct {
	general config.GeneralConfig
	feesCfg config.FeesConfig
	lockKey int64

	store         Store
	client        ChannelLister
	feeClient     FeeApplier
	oracle        OracleSampler
	channels      *tracker.ChannelTracker
	earnings      *tracker.EarningsTracker
	feeController *fees.Controller
	autopilot     *autopilot.Autopilot
	rebalancer    *rebalancer.Rebalancer
	judge         *judge.Judge
	notifier      alerting.Notifier
	logger        zerolog.Logger
	nowFn         func() time.Time
}

// Deps bundles the constructed decision subsystems the loop sequences.
type Deps struct {
	Store      Store
	Client     ChannelLister
	FeeClient  FeeApplier
	Oracle     OracleSampler
	Channels   *tracker.ChannelTracker
	Earnings   *tracker.EarningsTracker
	Fees       *fees.Controller
	Autopilot  *autopilot.Autopilot
	Rebalancer *rebalancer.Rebalancer
	Judge      *judge.Judge
	Notifier   alerting.Notifier
}

// New constructs a Loop.
func New(general config.GeneralConfig, feesCfg config.FeesConfig, lockKey int64, deps Deps, logger zerolog.Logger) *Loop {
	return &Loop{
		general:       general,
		feesCfg:       feesCfg,
		lockKey:       lockKey,
		store:         deps.Store,
		client:        deps.Client,
		feeClient:     deps.FeeClient,
		oracle:        deps.Oracle,
		channels:      deps.Channels,
		earnings:      deps.Earnings,
		feeController: deps.Fees,
		autopilot:     deps.Autopilot,
		rebalancer:    deps.Rebalancer,
		judge:         deps.Judge,
		notifier:      deps.Notifier,
		logger:        logger.With().Str("component", "loop").Logger(),
		nowFn:         time.Now,
	}
}

// RunOnce executes exactly one cycle, honoring the advisory lock (so a
// second instance skips rather than contends) and the cycle-wide deadline.
func (l *Loop) RunOnce(ctx context.Context) error {
	if !l.general.Enabled {
		l.logger.Info().Msg("daemon disabled by master switch, skipping cycle")
		return nil
	}

	unlock, acquired, err := l.store.TryAdvisoryLock(ctx, l.lockKey)
	if err != nil {
		return errs.Store("acquire advisory lock", err)
	}
	if !acquired {
		l.logger.Debug().Msg("skip cycle: advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	deadline := l.general.CycleInterval / 2
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	cycleCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	return l.runCycle(cycleCtx)
}

func (l *Loop) runCycle(ctx context.Context) error {
	dryRun := l.general.DryRun

	// A. Sample oracle.
	if err := l.oracle.Sample(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("fee oracle sample failed, continuing with prior window")
	}

	// B. Reconcile channels.
	live, err := l.client.ListChannels(ctx)
	if err != nil {
		return errs.Transport("list channels", err)
	}
	if _, err := l.channels.Reconcile(ctx, live, l.nowFn()); err != nil {
		return err
	}

	// C. Ingest earnings.
	_, earningsDelta, err := l.earnings.Ingest(ctx)
	if err != nil {
		return err
	}

	// D. Compute fee targets and emit fee updates.
	if l.feesCfg.Enabled {
		if err := l.applyFeeUpdates(ctx, live, earningsDelta, dryRun); err != nil {
			return err
		}
	}

	// E. Autopilot.
	if _, err := l.autopilot.Run(ctx, live, dryRun); err != nil {
		l.logger.Error().Err(err).Msg("autopilot cycle failed")
	}

	// F. Rebalance.
	if _, err := l.rebalancer.Run(ctx, live, dryRun); err != nil {
		l.logger.Error().Err(err).Msg("rebalancer cycle failed")
	}

	// G. Judge.
	judged, err := l.judge.Run(ctx, live, dryRun)
	if err != nil {
		l.logger.Error().Err(err).Msg("judge cycle failed")
	}
	l.notifyClosures(ctx, judged)

	// H. Flush audit: every module above has already written its own audit
	// rows synchronously; this is the place a future batched sink would
	// drain, so it is a no-op today.

	return nil
}

func (l *Loop) applyFeeUpdates(ctx context.Context, live []domain.Channel, earningsDelta map[string]int64, dryRun bool) error {
	updates, err := l.feeController.Decide(ctx, live, earningsDelta)
	if err != nil {
		return err
	}

	for _, u := range updates {
		audit := domain.ActionAudit{
			Kind:       domain.ActionFeeUpdate,
			OccurredAt: l.nowFn(),
			ChannelID:  u.ChannelID,
			PeerID:     u.PeerID,
			DryRun:     dryRun,
		}
		params, _ := json.Marshal(map[string]interface{}{
			"base_fee_msat": u.BaseFeeMsat,
			"fee_ppm":       u.FeePPM,
		})
		audit.ParamsJSON = string(params)

		if dryRun {
			audit.Success = true
			audit.Outcome = "dry_run"
			if err := l.store.RecordAction(ctx, audit); err != nil {
				return err
			}
			continue
		}

		if err := l.feeClient.UpdateChannelConfig(ctx, u.ChannelID, u.BaseFeeMsat, u.FeePPM); err != nil {
			audit.Success = false
			audit.Outcome = err.Error()
			l.logger.Warn().Err(err).Str("channel_id", u.ChannelID).Msg("fee update failed")
		} else {
			audit.Success = true
			audit.Outcome = "applied"
		}
		if err := l.store.RecordAction(ctx, audit); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) notifyClosures(ctx context.Context, audits []domain.ActionAudit) {
	if l.notifier == nil {
		return
	}
	for _, a := range audits {
		if a.Kind != domain.ActionCloseChannel {
			continue
		}
		event := alerting.Event{
			OccurredAt: a.OccurredAt,
			Kind:       a.Kind,
			ChannelID:  a.ChannelID,
			PeerID:     a.PeerID,
			Outcome:    a.Outcome,
		}
		if err := l.notifier.Notify(ctx, event); err != nil {
			l.logger.Warn().Err(err).Msg("failed to dispatch close-channel notification")
		}
	}
}
