package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/lnops/chand/internal/domain"
)

type fakeLifecycleStore struct {
	open   map[string]domain.ChannelLifecycle
	opens  []string
	closes []string
}

func (s *fakeLifecycleStore) ListOpenLifecycles(ctx context.Context) (map[string]domain.ChannelLifecycle, error) {
	return s.open, nil
}

func (s *fakeLifecycleStore) RecordChannelOpen(ctx context.Context, channelID, peerID string, capacitySats int64, t time.Time) error {
	s.opens = append(s.opens, channelID)
	return nil
}

func (s *fakeLifecycleStore) RecordChannelClose(ctx context.Context, channelID string, t time.Time) error {
	s.closes = append(s.closes, channelID)
	return nil
}

func TestReconcileDetectsOpensAndCloses(t *testing.T) {
	store := &fakeLifecycleStore{open: map[string]domain.ChannelLifecycle{
		"c1": {ChannelID: "c1", PeerID: "peerA"},
		"c2": {ChannelID: "c2", PeerID: "peerB"},
	}}
	live := []domain.Channel{
		{ChannelID: "c1", PeerID: "peerA"}, // still open, no-op
		{ChannelID: "c3", PeerID: "peerC"}, // newly observed
	}

	tr := NewChannelTracker(store, noopLogger())
	result, err := tr.Reconcile(context.Background(), live, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Opened != 1 || result.Closed != 1 {
		t.Fatalf("expected 1 open and 1 close, got %+v", result)
	}
	if len(store.opens) != 1 || store.opens[0] != "c3" {
		t.Fatalf("expected c3 recorded as open, got %v", store.opens)
	}
	if len(store.closes) != 1 || store.closes[0] != "c2" {
		t.Fatalf("expected c2 recorded as closed, got %v", store.closes)
	}
}

func TestReconcileNoChanges(t *testing.T) {
	store := &fakeLifecycleStore{open: map[string]domain.ChannelLifecycle{
		"c1": {ChannelID: "c1", PeerID: "peerA"},
	}}
	live := []domain.Channel{{ChannelID: "c1", PeerID: "peerA"}}

	tr := NewChannelTracker(store, noopLogger())
	result, err := tr.Reconcile(context.Background(), live, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Opened != 0 || result.Closed != 0 {
		t.Fatalf("expected no changes, got %+v", result)
	}
}
