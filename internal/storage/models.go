package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lnops/chand/internal/domain"
)

// peerRow is the persisted row shape for the peers table.
type peerRow struct {
	PeerID                string
	FirstSeen             time.Time
	FeesEarnedMsat        decimal.Decimal
	VolumeForwardedMsat   decimal.Decimal
	LastChannelID         string
	ReopenCostEstimateSat decimal.Decimal
}

func (r peerRow) toDomain() domain.PeerRecord {
	return domain.PeerRecord{
		PeerID:                r.PeerID,
		FirstSeen:             r.FirstSeen,
		FeesEarnedMsat:        r.FeesEarnedMsat.IntPart(),
		VolumeForwardedMsat:   r.VolumeForwardedMsat.IntPart(),
		LastChannelID:         r.LastChannelID,
		ReopenCostEstimateSat: r.ReopenCostEstimateSat.IntPart(),
	}
}

// lifecycleRow is the persisted row shape for channels_lifecycle.
type lifecycleRow struct {
	ChannelID       string
	PeerID          string
	OpenedAt        time.Time
	ClosedAt        *time.Time
	InitialCapacity decimal.Decimal
}

func (r lifecycleRow) toDomain() domain.ChannelLifecycle {
	return domain.ChannelLifecycle{
		ChannelID:       r.ChannelID,
		PeerID:          r.PeerID,
		OpenedAt:        r.OpenedAt,
		ClosedAt:        r.ClosedAt,
		InitialCapacity: r.InitialCapacity.IntPart(),
	}
}

// forwardRow is the persisted row shape for the forwards table.
type forwardRow struct {
	EventID         string
	OccurredAt      time.Time
	DayBucket       string
	InChannel       string
	OutChannel      string
	FeeEarnedMsat   decimal.Decimal
	AmountForwarded decimal.Decimal
}

func (r forwardRow) toDomain() domain.ForwardEvent {
	return domain.ForwardEvent{
		EventID:         r.EventID,
		Timestamp:       r.OccurredAt,
		DayBucket:       r.DayBucket,
		InChannel:       r.InChannel,
		OutChannel:      r.OutChannel,
		FeeEarnedMsat:   r.FeeEarnedMsat.IntPart(),
		AmountForwarded: r.AmountForwarded.IntPart(),
	}
}

// feeSampleRow is the persisted row shape for fee_samples.
type feeSampleRow struct {
	SampledAt    time.Time
	SatsPerVByte decimal.Decimal
}

func (r feeSampleRow) toDomain() domain.FeeSample {
	rate, _ := r.SatsPerVByte.Float64()
	return domain.FeeSample{
		SampledAt:    r.SampledAt,
		SatsPerVByte: rate,
	}
}

// priceTheoryRow is the persisted row shape for price_theory_hands.
type priceTheoryRow struct {
	PeerID    string
	CardsJSON []byte
}

func (r priceTheoryRow) toDomain() (domain.PriceTheoryHand, error) {
	var cards []domain.PriceTheoryCard
	if len(r.CardsJSON) > 0 {
		if err := json.Unmarshal(r.CardsJSON, &cards); err != nil {
			return domain.PriceTheoryHand{}, err
		}
	}
	return domain.PriceTheoryHand{
		PeerID: r.PeerID,
		Cards:  cards,
	}, nil
}

func fromHand(h domain.PriceTheoryHand) (priceTheoryRow, error) {
	payload, err := json.Marshal(h.Cards)
	if err != nil {
		return priceTheoryRow{}, err
	}
	return priceTheoryRow{
		PeerID:    h.PeerID,
		CardsJSON: payload,
	}, nil
}

// actionAuditRow is the persisted row shape for the actions table.
type actionAuditRow struct {
	ID         int64
	Kind       string
	OccurredAt time.Time
	ChannelID  string
	PeerID     string
	ParamsJSON string
	DryRun     bool
	Success    bool
	Outcome    string
}

func (r actionAuditRow) toDomain() domain.ActionAudit {
	return domain.ActionAudit{
		ID:         r.ID,
		Kind:       domain.ActionKind(r.Kind),
		OccurredAt: r.OccurredAt,
		ChannelID:  r.ChannelID,
		PeerID:     r.PeerID,
		ParamsJSON: r.ParamsJSON,
		DryRun:     r.DryRun,
		Success:    r.Success,
		Outcome:    r.Outcome,
	}
}

// ActionCount summarizes the action table by kind, for the status command.
type ActionCount struct {
	Kind  string
	Total int64
}
