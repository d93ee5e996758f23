// Package export renders persisted fee-sample and action-audit history as
// CSV and a PNG chart, for operator review. It is a reporting surface: it
// never feeds back into any decision subsystem.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/lnops/chand/internal/domain"
)

// Store is the persistence surface Export reads from.
type Store interface {
	LoadFeeSamples(ctx context.Context) ([]domain.FeeSample, error)
	ListRecentActions(ctx context.Context, limit int) ([]domain.ActionAudit, error)
}

// Options controls one export invocation.
type Options struct {
	CSVPath    string
	PNGPath    string
	From       *time.Time
	To         *time.Time
	ActionsMax int
}

// Run renders the requested outputs from store's fee-sample and
// action-audit history.
func Run(ctx context.Context, store Store, opts Options) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	samples, err := store.LoadFeeSamples(ctx)
	if err != nil {
		return err
	}
	samples = filterSamples(samples, opts.From, opts.To)

	max := opts.ActionsMax
	if max <= 0 {
		max = 500
	}
	actions, err := store.ListRecentActions(ctx, max)
	if err != nil {
		return err
	}
	actions = filterActions(actions, opts.From, opts.To)

	if opts.CSVPath != "" {
		if err := writeActionsCSV(opts.CSVPath, actions); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, samples, actions); err != nil {
			return err
		}
	}

	return nil
}

func filterSamples(samples []domain.FeeSample, from, to *time.Time) []domain.FeeSample {
	if from == nil && to == nil {
		return samples
	}
	out := make([]domain.FeeSample, 0, len(samples))
	for _, s := range samples {
		if from != nil && s.SampledAt.Before(*from) {
			continue
		}
		if to != nil && s.SampledAt.After(*to) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func filterActions(actions []domain.ActionAudit, from, to *time.Time) []domain.ActionAudit {
	if from == nil && to == nil {
		return actions
	}
	out := make([]domain.ActionAudit, 0, len(actions))
	for _, a := range actions {
		if from != nil && a.OccurredAt.Before(*from) {
			continue
		}
		if to != nil && a.OccurredAt.After(*to) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func writeActionsCSV(path string, actions []domain.ActionAudit) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"occurred_at", "kind", "channel_id", "peer_id", "dry_run", "success", "outcome", "params"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, a := range actions {
		record := []string{
			a.OccurredAt.Format(time.RFC3339),
			string(a.Kind),
			a.ChannelID,
			a.PeerID,
			boolString(a.DryRun),
			boolString(a.Success),
			a.Outcome,
			a.ParamsJSON,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func writeSamplesPNG(path string, samples []domain.FeeSample, actions []domain.ActionAudit) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if len(samples) == 0 {
		return errors.New("no fee samples in the requested window, nothing to chart")
	}

	x := make([]time.Time, len(samples))
	satsPerVByte := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = s.SampledAt
		satsPerVByte[i] = s.SatsPerVByte
	}

	feeUpdateCount := make([]float64, len(samples))
	feeUpdateTimes := make([]time.Time, 0, len(actions))
	for _, a := range actions {
		if a.Kind != domain.ActionFeeUpdate {
			continue
		}
		feeUpdateTimes = append(feeUpdateTimes, a.OccurredAt)
	}
	cumulative := 0.0
	j := 0
	for i := range samples {
		for j < len(feeUpdateTimes) && !feeUpdateTimes[j].After(x[i]) {
			cumulative++
			j++
		}
		feeUpdateCount[i] = cumulative
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "On-chain fee (sat/vbyte)",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative fee updates",
			ValueFormatter: rateFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Fee rate",
				XValues: x,
				YValues: satsPerVByte,
			},
			chart.TimeSeries{
				Name:    "Fee updates",
				XValues: x,
				YValues: feeUpdateCount,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
