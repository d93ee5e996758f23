package loop

import (
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/autopilot"
	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/fees"
	"github.com/lnops/chand/internal/judge"
	"github.com/lnops/chand/internal/rebalancer"
	"github.com/lnops/chand/internal/tracker"
)

func noopLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type fakeStore struct {
	locked      bool
	lockAcquire bool
	openLife    map[string]domain.ChannelLifecycle
	opened      []string
	closed      []string
	cursor      string
	forwards    map[string]domain.ForwardEvent
	actions     []domain.ActionAudit
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lockAcquire: true,
		openLife:    map[string]domain.ChannelLifecycle{},
		forwards:    map[string]domain.ForwardEvent{},
	}
}

func (s *fakeStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !s.lockAcquire {
		return nil, false, nil
	}
	return func() {}, true, nil
}

func (s *fakeStore) RecordAction(ctx context.Context, audit domain.ActionAudit) error {
	s.actions = append(s.actions, audit)
	return nil
}

func (s *fakeStore) ListOpenLifecycles(ctx context.Context) (map[string]domain.ChannelLifecycle, error) {
	return s.openLife, nil
}

func (s *fakeStore) RecordChannelOpen(ctx context.Context, channelID, peerID string, capacitySats int64, t time.Time) error {
	s.opened = append(s.opened, channelID)
	return nil
}

func (s *fakeStore) RecordChannelClose(ctx context.Context, channelID string, t time.Time) error {
	s.closed = append(s.closed, channelID)
	return nil
}

func (s *fakeStore) LoadCursor(ctx context.Context, name string) (string, bool, error) {
	return s.cursor, s.cursor != "", nil
}

func (s *fakeStore) SaveCursor(ctx context.Context, name, value string) error {
	s.cursor = value
	return nil
}

func (s *fakeStore) UpsertForward(ctx context.Context, event domain.ForwardEvent, inPeer, outPeer string) (bool, error) {
	if _, exists := s.forwards[event.EventID]; exists {
		return false, nil
	}
	s.forwards[event.EventID] = event
	return true, nil
}

func (s *fakeStore) LoadAllLifecycles(ctx context.Context) ([]domain.ChannelLifecycle, error) {
	var out []domain.ChannelLifecycle
	for _, l := range s.openLife {
		out = append(out, l)
	}
	return out, nil
}

type fakePriceTheoryStore struct {
	hands map[string]domain.PriceTheoryHand
}

func (s *fakePriceTheoryStore) PriceTheoryLoad(ctx context.Context, peerID string) (domain.PriceTheoryHand, bool, error) {
	h, ok := s.hands[peerID]
	return h, ok, nil
}

func (s *fakePriceTheoryStore) PriceTheorySave(ctx context.Context, hand domain.PriceTheoryHand) error {
	s.hands[hand.PeerID] = hand
	return nil
}

type fakeRemote struct {
	channels    []domain.Channel
	updateCalls []string
	forwards    []domain.ForwardEvent
}

func (r *fakeRemote) ListChannels(ctx context.Context) ([]domain.Channel, error) { return r.channels, nil }

func (r *fakeRemote) UpdateChannelConfig(ctx context.Context, channelID string, baseFeeMsat, feePPM int64) error {
	r.updateCalls = append(r.updateCalls, channelID)
	return nil
}

func (r *fakeRemote) ListForwards(ctx context.Context, cursor string, limit int) ([]domain.ForwardEvent, string, error) {
	if cursor != "" {
		return nil, "", nil
	}
	return r.forwards, "", nil
}

type noopOracle struct{ err error }

func (o noopOracle) Sample(ctx context.Context) error { return o.err }

func newTestLoop(t *testing.T, store *fakeStore, remoteClient *fakeRemote, feesEnabled bool) *Loop {
	t.Helper()

	channelTracker := tracker.NewChannelTracker(store, noopLogger())
	earningsTracker := tracker.NewEarningsTracker(remoteClient, store, 500, noopLogger())

	ptStore := &fakePriceTheoryStore{hands: map[string]domain.PriceTheoryHand{}}
	theory := fees.NewPriceTheory(ptStore, 6, 30, rand.New(rand.NewSource(1)), noopLogger())
	feeCfg := config.FeesConfig{
		Enabled: feesEnabled, BasePPM: 100, BaseBaseFeeMsat: 1000,
		MinPPM: 1, MaxPPM: 50_000, MaxBaseMsat: 5000, BalanceBins: 20, MinChangePercent: 0,
	}
	controller := fees.NewController(feeCfg, theory, noopLogger())

	ap := autopilot.New(config.AutopilotConfig{Enabled: false}, nil, nil, nil, noopLogger())
	rb := rebalancer.New(config.RebalancerConfig{Enabled: false}, nil, nil, noopLogger())
	jd := judge.New(config.JudgeConfig{Enabled: false}, nil, nil, noopLogger())

	general := config.GeneralConfig{Enabled: true, CycleInterval: 10 * time.Minute}

	return New(general, feeCfg, 12345, Deps{
		Store:      store,
		Client:     remoteClient,
		FeeClient:  remoteClient,
		Oracle:     noopOracle{},
		Channels:   channelTracker,
		Earnings:   earningsTracker,
		Fees:       controller,
		Autopilot:  ap,
		Rebalancer: rb,
		Judge:      jd,
		Notifier:   nil,
	}, noopLogger())
}

func TestRunOnceSkipsWhenMasterSwitchDisabled(t *testing.T) {
	store := newFakeStore()
	remoteClient := &fakeRemote{}
	l := newTestLoop(t, store, remoteClient, true)
	l.general.Enabled = false

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remoteClient.updateCalls) != 0 {
		t.Fatal("expected no remote calls when master switch is disabled")
	}
}

func TestRunOnceSkipsWhenLockHeldElsewhere(t *testing.T) {
	store := newFakeStore()
	store.lockAcquire = false
	remoteClient := &fakeRemote{channels: []domain.Channel{{ChannelID: "c1", PeerID: "p1", CapacitySats: 1_000_000, LocalSats: 500_000, Active: true}}}
	l := newTestLoop(t, store, remoteClient, true)

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.opened) != 0 {
		t.Fatal("expected no reconciliation to run without the advisory lock")
	}
}

func TestRunOnceReconcilesAndAppliesFeeUpdates(t *testing.T) {
	store := newFakeStore()
	remoteClient := &fakeRemote{channels: []domain.Channel{
		{ChannelID: "c1", PeerID: "p1", CapacitySats: 1_000_000, LocalSats: 0, BaseFeeMsat: 0, FeePPM: 0, Active: true},
	}}
	l := newTestLoop(t, store, remoteClient, true)

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.opened) != 1 || store.opened[0] != "c1" {
		t.Fatalf("expected channel c1 to be reconciled as newly opened, got %v", store.opened)
	}
	if len(remoteClient.updateCalls) == 0 {
		t.Fatal("expected a fee update for the fully drained channel")
	}
}

func TestRunOnceSkipsFeeControllerWhenDisabled(t *testing.T) {
	store := newFakeStore()
	remoteClient := &fakeRemote{channels: []domain.Channel{
		{ChannelID: "c1", PeerID: "p1", CapacitySats: 1_000_000, LocalSats: 0, Active: true},
	}}
	l := newTestLoop(t, store, remoteClient, false)

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remoteClient.updateCalls) != 0 {
		t.Fatal("expected no fee updates when fees.enabled is false")
	}
}

func TestRunOnceDryRunAppliesNoRemoteFeeUpdate(t *testing.T) {
	store := newFakeStore()
	remoteClient := &fakeRemote{channels: []domain.Channel{
		{ChannelID: "c1", PeerID: "p1", CapacitySats: 1_000_000, LocalSats: 0, Active: true},
	}}
	l := newTestLoop(t, store, remoteClient, true)
	l.general.DryRun = true

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remoteClient.updateCalls) != 0 {
		t.Fatal("expected no remote fee update calls during dry run")
	}
	found := false
	for _, a := range store.actions {
		if a.Kind == domain.ActionFeeUpdate && a.DryRun {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a dry_run fee update audit to be recorded")
	}
}

func TestRunOnceToleratesOracleFailure(t *testing.T) {
	store := newFakeStore()
	remoteClient := &fakeRemote{channels: []domain.Channel{
		{ChannelID: "c1", PeerID: "p1", CapacitySats: 1_000_000, LocalSats: 500_000, Active: true},
	}}
	l := newTestLoop(t, store, remoteClient, true)
	l.oracle = noopOracle{err: context.DeadlineExceeded}

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected oracle failure to not abort the cycle, got: %v", err)
	}
	if len(store.opened) != 1 {
		t.Fatal("expected the cycle to continue past a failed oracle sample")
	}
}
