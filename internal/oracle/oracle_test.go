package oracle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
)

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fakeStore struct {
	samples []domain.FeeSample
	pruned  time.Time
}

func (f *fakeStore) RecordFeeSample(ctx context.Context, sample domain.FeeSample) error {
	f.samples = append(f.samples, sample)
	return nil
}

func (f *fakeStore) PruneFeeSamples(ctx context.Context, olderThan time.Time) error {
	f.pruned = olderThan
	return nil
}

func (f *fakeStore) LoadFeeSamples(ctx context.Context) ([]domain.FeeSample, error) {
	return f.samples, nil
}

func windowOf(rates ...float64) []domain.FeeSample {
	out := make([]domain.FeeSample, len(rates))
	base := time.Now().Add(-24 * time.Hour)
	for i, r := range rates {
		out[i] = domain.FeeSample{SampledAt: base.Add(time.Duration(i) * time.Hour), SatsPerVByte: r}
	}
	return out
}

func TestCurrentRegimeBelowMinSamplesIsMid(t *testing.T) {
	store := &fakeStore{samples: windowOf(1, 2, 3)}
	o := New(config.OracleConfig{MinSamples: 24}, store, noopLogger())

	regime, err := o.CurrentRegime(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if regime != domain.RegimeMid {
		t.Fatalf("expected Mid below min_samples, got %s", regime)
	}
}

func TestCurrentRegimeHighOnFirstClassification(t *testing.T) {
	rates := make([]float64, 0, 30)
	for i := 0; i < 29; i++ {
		rates = append(rates, 5)
	}
	rates = append(rates, 100) // latest sample, well above the 67th percentile
	store := &fakeStore{samples: windowOf(rates...)}
	o := New(config.OracleConfig{MinSamples: 24, LowPercentile: 0.33, HighPercentile: 0.67}, store, noopLogger())

	regime, err := o.CurrentRegime(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if regime != domain.RegimeHigh {
		t.Fatalf("expected High on a fresh above-67th-percentile sample, got %s", regime)
	}
}

func TestCurrentRegimeLowToHighRequiresTwoSamples(t *testing.T) {
	low := make([]float64, 29)
	for i := range low {
		low[i] = 5
	}
	store := &fakeStore{samples: windowOf(append(low, 4)...)}
	o := New(config.OracleConfig{MinSamples: 24, LowPercentile: 0.33, HighPercentile: 0.67}, store, noopLogger())

	regime, err := o.CurrentRegime(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if regime != domain.RegimeLow {
		t.Fatalf("expected Low to be established first, got %s", regime)
	}

	// a single high sample must not be reported as Low; it must not flip
	// straight to High either, landing on Mid instead.
	store.samples = windowOf(append(low, 1000)...)
	regime, err = o.CurrentRegime(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if regime == domain.RegimeLow {
		t.Fatalf("regime must not still report Low after a single High sample")
	}
	if regime != domain.RegimeMid {
		t.Fatalf("expected Mid as the buffer state after one High sample while Low, got %s", regime)
	}

	// a second consecutive non-Low sample now permits landing on High.
	store.samples = windowOf(append(low, 900, 1000)...)
	regime, err = o.CurrentRegime(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if regime != domain.RegimeHigh {
		t.Fatalf("expected High after two consecutive non-Low samples, got %s", regime)
	}
}

func TestSampleRecordsAndPrunes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]float64{
			"fastestFee":  12,
			"halfHourFee": 8,
			"hourFee":     5,
		})
	}))
	defer srv.Close()

	store := &fakeStore{}
	o := New(config.OracleConfig{URL: srv.URL, WindowDays: 7}, store, noopLogger())

	if err := o.Sample(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.samples) != 1 {
		t.Fatalf("expected one recorded sample, got %d", len(store.samples))
	}
	if store.samples[0].SatsPerVByte != 8 {
		t.Fatalf("expected half_hour_fee to be sampled, got %v", store.samples[0].SatsPerVByte)
	}
	if store.pruned.IsZero() {
		t.Fatal("expected PruneFeeSamples to be called")
	}
}

func TestSampleTransportFailure(t *testing.T) {
	store := &fakeStore{}
	o := New(config.OracleConfig{URL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond}, store, noopLogger())

	if err := o.Sample(context.Background()); err == nil {
		t.Fatal("expected error when oracle endpoint is unreachable")
	}
	if len(store.samples) != 0 {
		t.Fatalf("expected no sample recorded on failure, got %d", len(store.samples))
	}
}
