package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lnops/chand/internal/domain"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	upsertForwardSQL = `INSERT INTO forwards (
        event_id, occurred_at, day_bucket, in_channel, out_channel,
        fee_earned_msat, amount_forwarded_msat
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (event_id) DO NOTHING;`

	bumpPeerEarningsSQL = `INSERT INTO peers (
        peer_id, first_seen, fees_earned_msat, volume_forwarded_msat, last_channel_id, reopen_cost_estimate_sats
    ) VALUES ($1,$2,$3,$4,'',0)
    ON CONFLICT (peer_id) DO UPDATE
    SET fees_earned_msat = peers.fees_earned_msat + EXCLUDED.fees_earned_msat,
        volume_forwarded_msat = peers.volume_forwarded_msat + EXCLUDED.volume_forwarded_msat;`

	recordChannelOpenSQL = `INSERT INTO channels_lifecycle (
        channel_id, peer_id, opened_at, closed_at, initial_capacity
    ) VALUES ($1,$2,$3,NULL,$4)
    ON CONFLICT (channel_id) DO NOTHING;`

	ensurePeerSQL = `INSERT INTO peers (
        peer_id, first_seen, fees_earned_msat, volume_forwarded_msat, last_channel_id, reopen_cost_estimate_sats
    ) VALUES ($1,$2,0,0,$3,0)
    ON CONFLICT (peer_id) DO UPDATE SET last_channel_id = EXCLUDED.last_channel_id;`

	recordChannelCloseSQL = `UPDATE channels_lifecycle SET closed_at = $2
    WHERE channel_id = $1 AND closed_at IS NULL;`

	recordFeeSampleSQL = `INSERT INTO fee_samples (sampled_at, sats_per_vbyte)
    VALUES ($1,$2)
    ON CONFLICT (sampled_at) DO UPDATE SET sats_per_vbyte = EXCLUDED.sats_per_vbyte;`

	pruneFeeSamplesSQL = `DELETE FROM fee_samples WHERE sampled_at < $1;`

	listFeeSamplesSQL = `SELECT sampled_at, sats_per_vbyte FROM fee_samples ORDER BY sampled_at ASC;`

	loadPeerSQL = `SELECT peer_id, first_seen, fees_earned_msat, volume_forwarded_msat,
        last_channel_id, reopen_cost_estimate_sats
    FROM peers WHERE peer_id = $1;`

	loadAllPeersSQL = `SELECT peer_id, first_seen, fees_earned_msat, volume_forwarded_msat,
        last_channel_id, reopen_cost_estimate_sats
    FROM peers ORDER BY peer_id;`

	loadLifecycleSQL = `SELECT channel_id, peer_id, opened_at, closed_at, initial_capacity
    FROM channels_lifecycle WHERE channel_id = $1;`

	loadAllLifecyclesSQL = `SELECT channel_id, peer_id, opened_at, closed_at, initial_capacity
    FROM channels_lifecycle ORDER BY channel_id;`

	listOpenLifecyclesSQL = `SELECT channel_id, peer_id, opened_at, closed_at, initial_capacity
    FROM channels_lifecycle WHERE closed_at IS NULL;`

	insertActionSQL = `INSERT INTO actions (
        kind, occurred_at, channel_id, peer_id, params_json, dry_run, success, outcome
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	listRecentActionsSQL = `SELECT id, kind, occurred_at, channel_id, peer_id, params_json, dry_run, success, outcome
    FROM actions ORDER BY occurred_at DESC LIMIT $1;`

	countActionsByKindSQL = `SELECT kind, COUNT(*) FROM actions GROUP BY kind ORDER BY kind;`

	lastActionTimeSQL = `SELECT MAX(occurred_at) FROM actions;`

	lastErrorsSQL = `SELECT id, kind, occurred_at, channel_id, peer_id, params_json, dry_run, success, outcome
    FROM actions WHERE success = FALSE ORDER BY occurred_at DESC LIMIT $1;`

	loadPriceTheorySQL = `SELECT peer_id, cards_json FROM price_theory_hands WHERE peer_id = $1;`

	savePriceTheorySQL = `INSERT INTO price_theory_hands (peer_id, cards_json)
    VALUES ($1,$2)
    ON CONFLICT (peer_id) DO UPDATE SET cards_json = EXCLUDED.cards_json;`

	loadCursorSQL = `SELECT value FROM tracker_cursors WHERE name = $1;`

	saveCursorSQL = `INSERT INTO tracker_cursors (name, value) VALUES ($1,$2)
    ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value;`

	recordFailedOpenSQL = `INSERT INTO autopilot_cooldowns (peer_id, failed_at) VALUES ($1,$2)
    ON CONFLICT (peer_id) DO UPDATE SET failed_at = EXCLUDED.failed_at;`

	loadCooldownSQL = `SELECT failed_at FROM autopilot_cooldowns WHERE peer_id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the sole owner of every persisted row the daemon consults.
// Decision modules read snapshots through its methods and propose writes;
// only the Store mutates the underlying tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock guarding
// single-instance operation against the same node, returning a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertForward persists one forwarding event, crediting its fee to the
// out-channel's peer and its forwarded volume to both the in-channel's and
// out-channel's peers. Idempotent on event_id: a
// duplicate event_id is a no-op and returns isNew=false.
func (s *Store) UpsertForward(ctx context.Context, event domain.ForwardEvent, inPeer, outPeer string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, upsertForwardSQL,
		event.EventID,
		event.Timestamp,
		event.DayBucket,
		event.InChannel,
		event.OutChannel,
		decimal.NewFromInt(event.FeeEarnedMsat),
		decimal.NewFromInt(event.AmountForwarded),
	)
	if execErr != nil {
		return false, fmt.Errorf("upsert forward: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if outPeer != "" {
		if _, err := pool.Exec(ctx, bumpPeerEarningsSQL,
			outPeer, event.Timestamp,
			decimal.NewFromInt(event.FeeEarnedMsat),
			decimal.NewFromInt(event.AmountForwarded),
		); err != nil {
			return true, fmt.Errorf("bump peer earnings: %w", err)
		}
	}
	if inPeer != "" && inPeer != outPeer {
		if _, err := pool.Exec(ctx, bumpPeerEarningsSQL,
			inPeer, event.Timestamp,
			decimal.Zero,
			decimal.NewFromInt(event.AmountForwarded),
		); err != nil {
			return true, fmt.Errorf("bump peer volume: %w", err)
		}
	}

	return true, nil
}

// RecordChannelOpen inserts a lifecycle row for a newly observed channel and
// ensures the owning peer has a record.
func (s *Store) RecordChannelOpen(ctx context.Context, channelID, peerID string, capacitySats int64, t time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recordChannelOpenSQL, channelID, peerID, t, decimal.NewFromInt(capacitySats)); execErr != nil {
		return fmt.Errorf("record channel open: %w", execErr)
	}
	if _, execErr := pool.Exec(ctx, ensurePeerSQL, peerID, t, channelID); execErr != nil {
		return fmt.Errorf("ensure peer: %w", execErr)
	}
	return nil
}

// RecordChannelClose marks an open lifecycle row as closed at t.
func (s *Store) RecordChannelClose(ctx context.Context, channelID string, t time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recordChannelCloseSQL, channelID, t); execErr != nil {
		return fmt.Errorf("record channel close: %w", execErr)
	}
	return nil
}

// RecordFeeSample upserts one on-chain fee sample.
func (s *Store) RecordFeeSample(ctx context.Context, sample domain.FeeSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recordFeeSampleSQL, sample.SampledAt, decimal.NewFromFloat(sample.SatsPerVByte)); execErr != nil {
		return fmt.Errorf("record fee sample: %w", execErr)
	}
	return nil
}

// PruneFeeSamples deletes samples older than olderThan, bounding the window.
func (s *Store) PruneFeeSamples(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, pruneFeeSamplesSQL, olderThan); execErr != nil {
		return fmt.Errorf("prune fee samples: %w", execErr)
	}
	return nil
}

// LoadFeeSamples returns the full fee-sample window, ascending by time.
func (s *Store) LoadFeeSamples(ctx context.Context) ([]domain.FeeSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listFeeSamplesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load fee samples: %w", queryErr)
	}
	defer rows.Close()

	var samples []domain.FeeSample
	for rows.Next() {
		var row feeSampleRow
		if err := rows.Scan(&row.SampledAt, &row.SatsPerVByte); err != nil {
			return nil, err
		}
		samples = append(samples, row.toDomain())
	}
	return samples, rows.Err()
}

// LoadPeer returns a single peer record, or found=false if none exists.
func (s *Store) LoadPeer(ctx context.Context, peerID string) (domain.PeerRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.PeerRecord{}, false, err
	}

	var row peerRow
	err = pool.QueryRow(ctx, loadPeerSQL, peerID).Scan(
		&row.PeerID, &row.FirstSeen, &row.FeesEarnedMsat, &row.VolumeForwardedMsat,
		&row.LastChannelID, &row.ReopenCostEstimateSat,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PeerRecord{}, false, nil
	}
	if err != nil {
		return domain.PeerRecord{}, false, fmt.Errorf("load peer: %w", err)
	}
	return row.toDomain(), true, nil
}

// LoadAllPeers returns every known peer, ordered by peer_id.
func (s *Store) LoadAllPeers(ctx context.Context) ([]domain.PeerRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, loadAllPeersSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load all peers: %w", queryErr)
	}
	defer rows.Close()

	var peers []domain.PeerRecord
	for rows.Next() {
		var row peerRow
		if err := rows.Scan(&row.PeerID, &row.FirstSeen, &row.FeesEarnedMsat, &row.VolumeForwardedMsat,
			&row.LastChannelID, &row.ReopenCostEstimateSat); err != nil {
			return nil, err
		}
		peers = append(peers, row.toDomain())
	}
	return peers, rows.Err()
}

// LoadLifecycle returns the lifecycle row for one channel, or found=false.
func (s *Store) LoadLifecycle(ctx context.Context, channelID string) (domain.ChannelLifecycle, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.ChannelLifecycle{}, false, err
	}

	var row lifecycleRow
	err = pool.QueryRow(ctx, loadLifecycleSQL, channelID).Scan(
		&row.ChannelID, &row.PeerID, &row.OpenedAt, &row.ClosedAt, &row.InitialCapacity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChannelLifecycle{}, false, nil
	}
	if err != nil {
		return domain.ChannelLifecycle{}, false, fmt.Errorf("load lifecycle: %w", err)
	}
	return row.toDomain(), true, nil
}

// LoadAllLifecycles returns every lifecycle row, open or closed.
func (s *Store) LoadAllLifecycles(ctx context.Context) ([]domain.ChannelLifecycle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return s.queryLifecycles(ctx, pool, loadAllLifecyclesSQL)
}

// ListOpenLifecycles returns only channels not yet marked closed, keyed by
// channel_id, for the ChannelTracker's symmetric-difference reconciliation.
func (s *Store) ListOpenLifecycles(ctx context.Context) (map[string]domain.ChannelLifecycle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, listErr := s.queryLifecycles(ctx, pool, listOpenLifecyclesSQL)
	if listErr != nil {
		return nil, listErr
	}
	byID := make(map[string]domain.ChannelLifecycle, len(rows))
	for _, r := range rows {
		byID[r.ChannelID] = r
	}
	return byID, nil
}

func (s *Store) queryLifecycles(ctx context.Context, pool *pgxpool.Pool, sql string, args ...interface{}) ([]domain.ChannelLifecycle, error) {
	rows, queryErr := pool.Query(ctx, sql, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query lifecycles: %w", queryErr)
	}
	defer rows.Close()

	var out []domain.ChannelLifecycle
	for rows.Next() {
		var row lifecycleRow
		if err := rows.Scan(&row.ChannelID, &row.PeerID, &row.OpenedAt, &row.ClosedAt, &row.InitialCapacity); err != nil {
			return nil, err
		}
		out = append(out, row.toDomain())
	}
	return out, rows.Err()
}

// RecordAction appends one decision to the audit log.
func (s *Store) RecordAction(ctx context.Context, audit domain.ActionAudit) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertActionSQL,
		string(audit.Kind), audit.OccurredAt, audit.ChannelID, audit.PeerID,
		audit.ParamsJSON, audit.DryRun, audit.Success, audit.Outcome,
	); execErr != nil {
		return fmt.Errorf("record action: %w", execErr)
	}
	return nil
}

// ListRecentActions returns the most recent audit rows, newest first.
func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]domain.ActionAudit, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return s.queryActions(ctx, pool, listRecentActionsSQL, limit)
}

// ListRecentErrors returns the most recent failed audit rows.
func (s *Store) ListRecentErrors(ctx context.Context, limit int) ([]domain.ActionAudit, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return s.queryActions(ctx, pool, lastErrorsSQL, limit)
}

func (s *Store) queryActions(ctx context.Context, pool *pgxpool.Pool, sql string, limit int) ([]domain.ActionAudit, error) {
	rows, queryErr := pool.Query(ctx, sql, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("query actions: %w", queryErr)
	}
	defer rows.Close()

	var out []domain.ActionAudit
	for rows.Next() {
		var row actionAuditRow
		if err := rows.Scan(&row.ID, &row.Kind, &row.OccurredAt, &row.ChannelID, &row.PeerID,
			&row.ParamsJSON, &row.DryRun, &row.Success, &row.Outcome); err != nil {
			return nil, err
		}
		out = append(out, row.toDomain())
	}
	return out, rows.Err()
}

// CountActionsByKind aggregates the action table by kind, for `status`.
func (s *Store) CountActionsByKind(ctx context.Context) ([]ActionCount, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, countActionsByKindSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("count actions by kind: %w", queryErr)
	}
	defer rows.Close()

	var out []ActionCount
	for rows.Next() {
		var c ActionCount
		if err := rows.Scan(&c.Kind, &c.Total); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastActionTime returns the timestamp of the most recent audit row, if any.
func (s *Store) LastActionTime(ctx context.Context) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var t *time.Time
	if err := pool.QueryRow(ctx, lastActionTimeSQL).Scan(&t); err != nil {
		return time.Time{}, false, fmt.Errorf("last action time: %w", err)
	}
	if t == nil {
		return time.Time{}, false, nil
	}
	return *t, true, nil
}

// PriceTheoryLoad returns a peer's persisted bandit hand, or found=false if
// the peer has never been initialized.
func (s *Store) PriceTheoryLoad(ctx context.Context, peerID string) (domain.PriceTheoryHand, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.PriceTheoryHand{}, false, err
	}

	var row priceTheoryRow
	err = pool.QueryRow(ctx, loadPriceTheorySQL, peerID).Scan(&row.PeerID, &row.CardsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PriceTheoryHand{}, false, nil
	}
	if err != nil {
		return domain.PriceTheoryHand{}, false, fmt.Errorf("load price theory hand: %w", err)
	}
	hand, decodeErr := row.toDomain()
	if decodeErr != nil {
		return domain.PriceTheoryHand{}, false, fmt.Errorf("decode price theory hand: %w", decodeErr)
	}
	return hand, true, nil
}

// PriceTheorySave persists a peer's bandit hand.
func (s *Store) PriceTheorySave(ctx context.Context, hand domain.PriceTheoryHand) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	row, encodeErr := fromHand(hand)
	if encodeErr != nil {
		return fmt.Errorf("encode price theory hand: %w", encodeErr)
	}
	if _, execErr := pool.Exec(ctx, savePriceTheorySQL, row.PeerID, row.CardsJSON); execErr != nil {
		return fmt.Errorf("save price theory hand: %w", execErr)
	}
	return nil
}

// LoadCursor returns a named ingestion high-watermark, or found=false.
func (s *Store) LoadCursor(ctx context.Context, name string) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}
	var value string
	err = pool.QueryRow(ctx, loadCursorSQL, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load cursor: %w", err)
	}
	return value, true, nil
}

// SaveCursor persists a named ingestion high-watermark.
func (s *Store) SaveCursor(ctx context.Context, name, value string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, saveCursorSQL, name, value); execErr != nil {
		return fmt.Errorf("save cursor: %w", execErr)
	}
	return nil
}

// RecordFailedOpen starts a cool-down window against a counterparty whose
// open_channel call failed.
func (s *Store) RecordFailedOpen(ctx context.Context, peerID string, t time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recordFailedOpenSQL, peerID, t); execErr != nil {
		return fmt.Errorf("record failed open: %w", execErr)
	}
	return nil
}

// IsCoolingDown reports whether peerID is still inside its failed-open
// cool-down window as of now.
func (s *Store) IsCoolingDown(ctx context.Context, peerID string, cooldown time.Duration, now time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var failedAt time.Time
	err = pool.QueryRow(ctx, loadCooldownSQL, peerID).Scan(&failedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load cooldown: %w", err)
	}
	return now.Before(failedAt.Add(cooldown)), nil
}
