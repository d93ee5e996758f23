package remote

import (
	"time"

	"github.com/lnops/chand/internal/domain"
)

// channelWire is the remote API's JSON shape for list_channels().
type channelWire struct {
	ChannelID    string    `json:"channel_id"`
	PeerID       string    `json:"peer_id"`
	CapacitySats int64     `json:"capacity_sats"`
	LocalSats    int64     `json:"local_sats"`
	InboundSats  int64     `json:"inbound_sats"`
	BaseFeeMsat  int64     `json:"base_fee_msat"`
	FeePPM       int64     `json:"fee_ppm"`
	Active       bool      `json:"active"`
	FundedAt     time.Time `json:"funded_at"`
}

func (w channelWire) toDomain() domain.Channel {
	return domain.Channel{
		ChannelID:    w.ChannelID,
		PeerID:       w.PeerID,
		CapacitySats: w.CapacitySats,
		LocalSats:    w.LocalSats,
		InboundSats:  w.InboundSats,
		BaseFeeMsat:  w.BaseFeeMsat,
		FeePPM:       w.FeePPM,
		Active:       w.Active,
		FundedAt:     w.FundedAt,
	}
}

// forwardWire is the remote API's JSON shape for list_forwards() events.
type forwardWire struct {
	EventID         string    `json:"event_id"`
	Timestamp       time.Time `json:"timestamp"`
	InChannel       string    `json:"in_channel"`
	OutChannel      string    `json:"out_channel"`
	FeeEarnedMsat   int64     `json:"fee_earned_msat"`
	AmountForwarded int64     `json:"amount_forwarded_msat"`
}

func (w forwardWire) toDomain() domain.ForwardEvent {
	return domain.ForwardEvent{
		EventID:         w.EventID,
		Timestamp:       w.Timestamp,
		DayBucket:       w.Timestamp.UTC().Format("2006-01-02"),
		InChannel:       w.InChannel,
		OutChannel:      w.OutChannel,
		FeeEarnedMsat:   w.FeeEarnedMsat,
		AmountForwarded: w.AmountForwarded,
	}
}
