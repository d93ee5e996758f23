package autopilot

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/remote"
)

func noopLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type fakeStore struct {
	peers       []domain.PeerRecord
	cooling     map[string]bool
	actions     []domain.ActionAudit
	failedOpens []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{cooling: map[string]bool{}}
}

func (s *fakeStore) LoadAllPeers(ctx context.Context) ([]domain.PeerRecord, error) { return s.peers, nil }

func (s *fakeStore) IsCoolingDown(ctx context.Context, peerID string, cooldown time.Duration, now time.Time) (bool, error) {
	return s.cooling[peerID], nil
}

func (s *fakeStore) RecordAction(ctx context.Context, audit domain.ActionAudit) error {
	s.actions = append(s.actions, audit)
	return nil
}

func (s *fakeStore) RecordFailedOpen(ctx context.Context, peerID string, t time.Time) error {
	s.failedOpens = append(s.failedOpens, peerID)
	return nil
}

type fakeRegime struct {
	regime domain.FeeRegime
	err    error
}

func (f fakeRegime) CurrentRegime(ctx context.Context) (domain.FeeRegime, error) { return f.regime, f.err }

type fakeClient struct {
	balance   remote.OnChainBalance
	openCalls []string
	openErr   error
	openID    string
}

func (c *fakeClient) OnChainBalance(ctx context.Context) (remote.OnChainBalance, error) {
	return c.balance, nil
}

func (c *fakeClient) OpenChannel(ctx context.Context, peerID string, amountSats int64, announce bool) (string, error) {
	c.openCalls = append(c.openCalls, peerID)
	if c.openErr != nil {
		return "", c.openErr
	}
	return c.openID, nil
}

func baseConfig() config.AutopilotConfig {
	return config.AutopilotConfig{
		Enabled:            true,
		ReserveSats:        200_000,
		ReservePercent:     0.2,
		MaxProposals:       2,
		TargetChannelCount: 20,
		MinChannelSats:     500_000,
		SeedNodes:          []string{"seed1", "seed2"},
		FailedOpenCooldown: 24 * time.Hour,
	}
}

func TestGateBlocksOutsideLowRegime(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{balance: remote.OnChainBalance{ConfirmedSats: 10_000_000}}
	ap := New(baseConfig(), store, client, fakeRegime{regime: domain.RegimeHigh}, noopLogger())

	ok, _, err := ap.Gate(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected gate to block outside the low regime")
	}
}

func TestGateBlocksWithInsufficientReserve(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{balance: remote.OnChainBalance{ConfirmedSats: 300_000}}
	ap := New(baseConfig(), store, client, fakeRegime{regime: domain.RegimeLow}, noopLogger())

	ok, _, err := ap.Gate(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected gate to block when spare balance is below min_channel_sats")
	}
}

func TestGateBlocksFarPastTargetChannelCount(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{balance: remote.OnChainBalance{ConfirmedSats: 50_000_000}}
	ap := New(baseConfig(), store, client, fakeRegime{regime: domain.RegimeLow}, noopLogger())

	ok, _, err := ap.Gate(context.Background(), 31) // past 1.5x target_channel_count (20), i.e. 30
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected gate to block well past target_channel_count")
	}
}

func TestGatePassesAtTarget(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{balance: remote.OnChainBalance{ConfirmedSats: 50_000_000}}
	ap := New(baseConfig(), store, client, fakeRegime{regime: domain.RegimeLow}, noopLogger())

	ok, budget, err := ap.Gate(context.Background(), 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected gate to pass exactly at target_channel_count")
	}
	if budget <= 0 {
		t.Fatal("expected a positive budget")
	}
}

func TestRunSkipsDisabledModule(t *testing.T) {
	cfg := baseConfig()
	cfg.Enabled = false
	store := newFakeStore()
	client := &fakeClient{balance: remote.OnChainBalance{ConfirmedSats: 50_000_000}}
	ap := New(cfg, store, client, fakeRegime{regime: domain.RegimeLow}, noopLogger())

	audits, err := ap.Run(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audits) != 0 {
		t.Fatalf("expected no actions when disabled, got %d", len(audits))
	}
	if len(client.openCalls) != 0 {
		t.Fatal("expected no open_channel calls when disabled")
	}
}

func TestRunOpensSeedCandidatesWithinBudget(t *testing.T) {
	cfg := baseConfig()
	store := newFakeStore()
	client := &fakeClient{balance: remote.OnChainBalance{ConfirmedSats: 50_000_000}, openID: "chan1"}
	ap := New(cfg, store, client, fakeRegime{regime: domain.RegimeLow}, noopLogger())

	audits, err := ap.Run(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audits) == 0 {
		t.Fatal("expected at least one planned open")
	}
	for _, a := range audits {
		if !a.Success {
			t.Fatalf("expected successful open, got outcome %q", a.Outcome)
		}
		if a.Kind != domain.ActionOpenChannel {
			t.Fatalf("expected open_channel action kind, got %v", a.Kind)
		}
	}
	if len(store.actions) != len(audits) {
		t.Fatalf("expected every audit to be recorded, got %d recorded vs %d audits", len(store.actions), len(audits))
	}
}

func TestRunDryRunDoesNotCallRemote(t *testing.T) {
	cfg := baseConfig()
	store := newFakeStore()
	client := &fakeClient{balance: remote.OnChainBalance{ConfirmedSats: 50_000_000}}
	ap := New(cfg, store, client, fakeRegime{regime: domain.RegimeLow}, noopLogger())

	audits, err := ap.Run(context.Background(), nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audits) == 0 {
		t.Fatal("expected planned dry-run opens")
	}
	if len(client.openCalls) != 0 {
		t.Fatal("expected no remote open_channel calls during dry run")
	}
	for _, a := range audits {
		if !a.DryRun {
			t.Fatal("expected audits to be marked dry_run")
		}
	}
}

func TestRunExcludesExistingPeersAndCoolingDown(t *testing.T) {
	cfg := baseConfig()
	cfg.SeedNodes = []string{"seed1", "seed2"}
	store := newFakeStore()
	store.cooling["seed1"] = true
	client := &fakeClient{balance: remote.OnChainBalance{ConfirmedSats: 50_000_000}}
	ap := New(cfg, store, client, fakeRegime{regime: domain.RegimeLow}, noopLogger())

	existing := []domain.Channel{{ChannelID: "c-seed2", PeerID: "seed2", CapacitySats: 1_000_000, Active: true}}
	audits, err := ap.Run(context.Background(), existing, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audits) != 0 {
		t.Fatalf("expected no opens for a cooling-down seed node or a seed node with an existing channel, got %d", len(audits))
	}
}

func TestRunRecordsCooldownOnFailedOpen(t *testing.T) {
	cfg := baseConfig()
	cfg.SeedNodes = []string{"seed1"}
	store := newFakeStore()
	client := &fakeClient{
		balance: remote.OnChainBalance{ConfirmedSats: 50_000_000},
		openErr: errOpenFailed{},
	}
	ap := New(cfg, store, client, fakeRegime{regime: domain.RegimeLow}, noopLogger())

	audits, err := ap.Run(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audits) != 1 || audits[0].Success {
		t.Fatalf("expected a single failed audit, got %+v", audits)
	}
	if len(store.failedOpens) != 1 || store.failedOpens[0] != "seed1" {
		t.Fatalf("expected a recorded cooldown for seed1, got %v", store.failedOpens)
	}
}

type errOpenFailed struct{}

func (errOpenFailed) Error() string { return "remote refused open_channel" }

func TestPlanBudgetForcesSingleOpenPastTarget(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxProposals = 3
	store := newFakeStore()
	client := &fakeClient{}
	ap := New(cfg, store, client, fakeRegime{}, noopLogger())

	candidates := []Candidate{
		{PeerID: "a", Score: 100}, {PeerID: "b", Score: 90}, {PeerID: "c", Score: 80},
	}
	plans := ap.planBudget(candidates, 10_000_000, 20) // at target_channel_count
	if len(plans) != 1 {
		t.Fatalf("expected exactly one planned open at/past target, got %d", len(plans))
	}
}

func TestPlanBudgetSplitsEvenlyBelowTarget(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxProposals = 2
	cfg.MinChannelSats = 100_000
	store := newFakeStore()
	client := &fakeClient{}
	ap := New(cfg, store, client, fakeRegime{}, noopLogger())

	candidates := []Candidate{{PeerID: "a", Score: 100}, {PeerID: "b", Score: 90}}
	plans := ap.planBudget(candidates, 10_000_000, 5)
	if len(plans) != 2 {
		t.Fatalf("expected two planned opens, got %d", len(plans))
	}
	for _, p := range plans {
		if p.AmountSats != 5_000_000 {
			t.Fatalf("expected each of the two parts to be half the budget (5000000), got %d", p.AmountSats)
		}
	}
}
