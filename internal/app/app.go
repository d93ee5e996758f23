// Package app wires configuration into the daemon's runtime dependency
// graph and exposes the operations the CLI commands invoke.
package app

import (
	"context"
	"errors"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/alerting"
	"github.com/lnops/chand/internal/autopilot"
	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/errs"
	"github.com/lnops/chand/internal/export"
	"github.com/lnops/chand/internal/fees"
	"github.com/lnops/chand/internal/judge"
	"github.com/lnops/chand/internal/loop"
	"github.com/lnops/chand/internal/oracle"
	"github.com/lnops/chand/internal/rebalancer"
	"github.com/lnops/chand/internal/remote"
	"github.com/lnops/chand/internal/scheduler"
	"github.com/lnops/chand/internal/storage"
	"github.com/lnops/chand/internal/tracker"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Store.Path == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Store)
	if err != nil {
		return nil, nil, errs.Store("open store", err)
	}
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, errs.Store("ensure schema", err)
	}

	store := storage.NewStore(pool)
	closer := func() { store.Close() }
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.BotToken != "" {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// buildLoop wires every decision subsystem against store and client, the way
// Run and RunOnce both need them.
func (a *App) buildLoop(store *storage.Store) *loop.Loop {
	client := remote.New(a.Config.Server, a.Logger)
	or := oracle.New(a.Config.Oracle, store, a.Logger)

	channelTracker := tracker.NewChannelTracker(store, a.Logger)
	earningsTracker := tracker.NewEarningsTracker(client, store, 500, a.Logger)

	theory := fees.NewPriceTheory(
		store,
		a.Config.Fees.PriceTheory.MinCyclesPerCard,
		a.Config.Fees.PriceTheory.MaxAge,
		rand.New(rand.NewSource(time.Now().UnixNano())),
		a.Logger,
	)
	feeController := fees.NewController(a.Config.Fees, theory, a.Logger)

	ap := autopilot.New(a.Config.Autopilot, store, client, or, a.Logger)
	rb := rebalancer.New(a.Config.Rebalancer, store, client, a.Logger)
	jd := judge.New(a.Config.Judge, store, client, a.Logger)

	notifier := a.newNotifier()

	lockKey := a.Config.Store.AdvisoryLockKey
	if lockKey == 0 {
		lockKey = 0x6368616e64
	}

	return loop.New(a.Config.General, a.Config.Fees, lockKey, loop.Deps{
		Store:      store,
		Client:     client,
		FeeClient:  client,
		Oracle:     or,
		Channels:   channelTracker,
		Earnings:   earningsTracker,
		Fees:       feeController,
		Autopilot:  ap,
		Rebalancer: rb,
		Judge:      jd,
		Notifier:   notifier,
	}, a.Logger)
}

// Run executes the long-running daemon, ticking the control loop on the
// configured cycle interval until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("store.path not configured; the daemon requires persistence")
	}
	defer closeStore()

	l := a.buildLoop(store)

	interval := a.Config.General.CycleInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     interval,
		AlignToStart: true,
	}, a.Logger)

	a.Logger.Info().Dur("interval", interval).Msg("starting chand control loop")

	err = sched.Run(ctx, func(tickCtx context.Context, bucket time.Time) error {
		return l.RunOnce(tickCtx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.Logger.Info().Msg("chand stopped")
	return nil
}

// RunOnceNow executes exactly one decision cycle and returns.
func (a *App) RunOnceNow(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("store.path not configured; cannot run a cycle")
	}
	defer closeStore()

	return a.buildLoop(store).RunOnce(ctx)
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	ActionsMax int
}

// Export renders fee-sample and action-audit history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("store.path not configured; cannot export")
	}
	defer closeStore()

	actionsMax := opts.ActionsMax
	if actionsMax <= 0 {
		actionsMax = a.Config.Export.MaxDataPoints
	}

	return export.Run(ctx, store, export.Options{
		CSVPath:    opts.CSVPath,
		PNGPath:    opts.PNGPath,
		From:       opts.From,
		To:         opts.To,
		ActionsMax: actionsMax,
	})
}

// StatusOptions configure the status command.
type StatusOptions struct {
	Limit int
}
