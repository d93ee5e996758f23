// Package oracle polls the external on-chain fee estimator and classifies
// the current fee regime the autopilot gates channel opens on.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/errs"
)

// Store is the subset of storage.Store the oracle consults.
type Store interface {
	RecordFeeSample(ctx context.Context, sample domain.FeeSample) error
	PruneFeeSamples(ctx context.Context, olderThan time.Time) error
	LoadFeeSamples(ctx context.Context) ([]domain.FeeSample, error)
}

// mempoolFees mirrors a typical fee-estimator's recommended-fees response
// (fastest/half-hour/hour sat/vB tiers).
type mempoolFees struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
}

// Oracle tracks the bounded fee-sample window and classifies the current
// regime with two-sample hysteresis against direct Low<->High flapping.
type Oracle struct {
	cfg    config.OracleConfig
	store  Store
	client *http.Client
	logger zerolog.Logger

	regime              domain.FeeRegime
	nonHighStreak       int
	nonLowStreak        int
	consecutiveFailures int
}

// New constructs an Oracle. Hysteresis state starts at Mid with no history.
func New(cfg config.OracleConfig, store Store, logger zerolog.Logger) *Oracle {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Oracle{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "fee_oracle").Logger(),
		regime: domain.RegimeMid,
	}
}

// Sample polls the fee estimator and records one sample, pruning the window
// to the configured retention. Meant to be invoked at most once per cycle.
// On failure the previous window is retained and the error is an OracleError
// the loop logs without aborting the cycle.
func (o *Oracle) Sample(ctx context.Context) error {
	rate, err := o.fetch(ctx)
	if err != nil {
		o.consecutiveFailures++
		return errs.Oracle("fetch fee estimate", err)
	}
	o.consecutiveFailures = 0

	now := time.Now().UTC()
	if err := o.store.RecordFeeSample(ctx, domain.FeeSample{SampledAt: now, SatsPerVByte: rate}); err != nil {
		return errs.Store("record fee sample", err)
	}

	windowDays := o.cfg.WindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	if err := o.store.PruneFeeSamples(ctx, now.Add(-time.Duration(windowDays)*24*time.Hour)); err != nil {
		return errs.Store("prune fee samples", err)
	}
	return nil
}

func (o *Oracle) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fee oracle unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("fee oracle returned %d", resp.StatusCode)
	}

	var fees mempoolFees
	if err := json.NewDecoder(resp.Body).Decode(&fees); err != nil {
		return 0, fmt.Errorf("decode fee oracle response: %w", err)
	}
	if fees.HalfHourFee <= 0 {
		return 0, fmt.Errorf("fee oracle returned non-positive half_hour_fee")
	}
	return fees.HalfHourFee, nil
}

// CurrentRegime classifies the current fee environment from the persisted
// rolling window. Until min_samples is reached it conservatively reports
// Mid. Otherwise the most recent sample's percentile within the window
// determines the raw classification, and a two-sample hysteresis guard
// prevents a direct Low<->High flip from reporting the new extreme
// immediately: the first sample moving away from an established extreme
// reports Mid, and only a second consecutive non-opposite sample permits
// landing on the new extreme.
func (o *Oracle) CurrentRegime(ctx context.Context) (domain.FeeRegime, error) {
	window, err := o.store.LoadFeeSamples(ctx)
	if err != nil {
		return domain.RegimeMid, errs.Store("load fee samples", err)
	}

	minSamples := o.cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 24
	}
	if len(window) < minSamples {
		return domain.RegimeMid, nil
	}

	latest := window[len(window)-1].SatsPerVByte
	rank := percentileRank(window, latest)

	lowPct, highPct := o.cfg.LowPercentile, o.cfg.HighPercentile
	if lowPct <= 0 {
		lowPct = 0.33
	}
	if highPct <= 0 {
		highPct = 0.67
	}

	var raw domain.FeeRegime
	switch {
	case rank < lowPct:
		raw = domain.RegimeLow
	case rank > highPct:
		raw = domain.RegimeHigh
	default:
		raw = domain.RegimeMid
	}

	o.applyHysteresis(raw)
	return o.regime, nil
}

func (o *Oracle) applyHysteresis(raw domain.FeeRegime) {
	if raw == domain.RegimeHigh {
		o.nonHighStreak = 0
	} else {
		o.nonHighStreak++
	}
	if raw == domain.RegimeLow {
		o.nonLowStreak = 0
	} else {
		o.nonLowStreak++
	}

	switch raw {
	case domain.RegimeMid:
		o.regime = domain.RegimeMid
	case domain.RegimeLow:
		if o.regime == domain.RegimeHigh && o.nonHighStreak < 2 {
			o.regime = domain.RegimeMid
		} else {
			o.regime = domain.RegimeLow
		}
	case domain.RegimeHigh:
		if o.regime == domain.RegimeLow && o.nonLowStreak < 2 {
			o.regime = domain.RegimeMid
		} else {
			o.regime = domain.RegimeHigh
		}
	}
}

// percentileRank returns the fraction of window at-or-below value.
func percentileRank(window []domain.FeeSample, value float64) float64 {
	if len(window) == 0 {
		return 0.5
	}
	rates := make([]float64, len(window))
	for i, s := range window {
		rates[i] = s.SatsPerVByte
	}
	sort.Float64s(rates)

	count := 0
	for _, v := range rates {
		if v <= value {
			count++
		}
	}
	return float64(count) / float64(len(rates))
}
