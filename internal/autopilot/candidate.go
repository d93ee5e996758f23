// Package autopilot decides whether to open new channels this cycle,
// sources and ranks candidate peers, and splits the available budget across
// them.
package autopilot

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/lnops/chand/internal/domain"
)

// Source labels where a candidate came from, for audit/debug purposes.
type Source string

const (
	SourceSeed     Source = "seed"
	SourceEarnings Source = "earnings"
	SourceExternal Source = "external"
)

// Candidate is a peer the autopilot is considering opening a channel with.
type Candidate struct {
	PeerID string
	Score  float64
	Source Source
}

// CandidateStore is the persistence surface candidate sourcing consults.
type CandidateStore interface {
	LoadAllPeers(ctx context.Context) ([]domain.PeerRecord, error)
	IsCoolingDown(ctx context.Context, peerID string, cooldown time.Duration, now time.Time) (bool, error)
}

type externalCandidate struct {
	PeerID string  `json:"peer_id"`
	Score  float64 `json:"score"`
}

// SourceCandidates merges the configured seed list, peers the node already
// earns from, and (if configured) an external ranking endpoint, excluding
// any peer with a live channel, on the blacklist, or in cooldown after a
// recent failed open. The merged list is deduplicated (first source wins)
// and sorted by score descending.
func (a *Autopilot) SourceCandidates(ctx context.Context, existingPeers map[string]bool) ([]Candidate, error) {
	blacklist := make(map[string]bool, len(a.cfg.Blacklist))
	for _, b := range a.cfg.Blacklist {
		blacklist[b] = true
	}

	seen := make(map[string]bool)
	var candidates []Candidate

	add := func(c Candidate) error {
		if seen[c.PeerID] || existingPeers[c.PeerID] || blacklist[c.PeerID] {
			return nil
		}
		cooling, err := a.store.IsCoolingDown(ctx, c.PeerID, a.cfg.FailedOpenCooldown, a.now())
		if err != nil {
			return err
		}
		if cooling {
			return nil
		}
		seen[c.PeerID] = true
		candidates = append(candidates, c)
		return nil
	}

	for _, peerID := range a.cfg.SeedNodes {
		if peerID == "" {
			continue
		}
		if err := add(Candidate{PeerID: peerID, Score: 100, Source: SourceSeed}); err != nil {
			return nil, err
		}
	}

	earningsCandidates, err := a.earningsCandidates(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range earningsCandidates {
		if err := add(c); err != nil {
			return nil, err
		}
	}

	if a.cfg.CandidateAPIURL != "" {
		external, err := a.fetchExternalCandidates(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("external candidate endpoint failed, continuing without it")
		} else {
			for _, c := range external {
				if err := add(c); err != nil {
					return nil, err
				}
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	return candidates, nil
}

// earningsCandidates ranks peers the node already routes through, by
// sqrt(earnings), as additional candidates for a second channel slot or a
// peer whose first channel closed. Peers already holding a live channel are
// filtered out by the caller via existingPeers.
func (a *Autopilot) earningsCandidates(ctx context.Context) ([]Candidate, error) {
	peers, err := a.store.LoadAllPeers(ctx)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, p := range peers {
		if p.FeesEarnedMsat <= 0 {
			continue
		}
		out = append(out, Candidate{
			PeerID: p.PeerID,
			Score:  math.Sqrt(float64(p.FeesEarnedMsat)) / 100,
			Source: SourceEarnings,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > 20 {
		out = out[:20]
	}
	return out, nil
}

func (a *Autopilot) fetchExternalCandidates(ctx context.Context) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.CandidateAPIURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("external candidate endpoint returned status %d", resp.StatusCode)
	}

	var raw struct {
		Candidates []externalCandidate `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(raw.Candidates))
	for _, c := range raw.Candidates {
		out = append(out, Candidate{PeerID: c.PeerID, Score: c.Score, Source: SourceExternal})
	}
	return out, nil
}
