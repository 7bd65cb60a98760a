// Package database holds the two Postgres pools: the relay database
// (read-only apart from builder promotion) and the monitor's own database
// (checkpoints, missed slots, promotion tokens).
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// ErrNoCheckpoint means the monitor has never run; the caller initializes
// the checkpoint to now and skips backfill.
var ErrNoCheckpoint = errors.New("database: no checkpoint")

type Service struct {
	log     *logrus.Entry
	relayDB *sqlx.DB
	mevDB   *sqlx.DB
}

func NewService(log *logrus.Entry, relayDSN, mevDSN string) (*Service, error) {
	relayDB, err := connect(relayDSN)
	if err != nil {
		return nil, fmt.Errorf("relay database: %w", err)
	}
	mevDB, err := connect(mevDSN)
	if err != nil {
		return nil, fmt.Errorf("mev database: %w", err)
	}
	return &Service{
		log:     log.WithField("component", "database"),
		relayDB: relayDB,
		mevDB:   mevDB,
	}, nil
}

// NewServiceFromDBs wires pre-opened handles, used by tests with sqlmock.
func NewServiceFromDBs(log *logrus.Entry, relayDB, mevDB *sqlx.DB) *Service {
	return &Service{
		log:     log.WithField("component", "database"),
		relayDB: relayDB,
		mevDB:   mevDB,
	}
}

func connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.DB.SetMaxOpenConns(5)
	db.DB.SetMaxIdleConns(2)
	db.DB.SetConnMaxIdleTime(30 * time.Second)
	return db, nil
}

// Healthy pings both pools with a short deadline.
func (s *Service) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.relayDB.PingContext(ctx); err != nil {
		return fmt.Errorf("relay database: %w", err)
	}
	if err := s.mevDB.PingContext(ctx); err != nil {
		return fmt.Errorf("mev database: %w", err)
	}
	return nil
}

func (s *Service) Close() {
	_ = s.relayDB.Close()
	_ = s.mevDB.Close()
}

// --- checkpoints ---

func (s *Service) GetCheckpoint(ctx context.Context, monitorID string) (time.Time, error) {
	var ts time.Time
	err := s.mevDB.GetContext(ctx, &ts,
		`SELECT timestamp FROM monitor_checkpoints WHERE monitor_id = $1`, monitorID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoCheckpoint
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get checkpoint %s: %w", monitorID, err)
	}
	return ts, nil
}

func (s *Service) SetCheckpoint(ctx context.Context, monitorID string, ts time.Time) error {
	_, err := s.mevDB.ExecContext(ctx,
		`INSERT INTO monitor_checkpoints (monitor_id, timestamp) VALUES ($1, $2)
		 ON CONFLICT (monitor_id) DO UPDATE SET timestamp = excluded.timestamp`,
		monitorID, ts)
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", monitorID, err)
	}
	return nil
}

// --- relay reads ---

func (s *Service) GetDeliveredPayloads(ctx context.Context, from, to time.Time) ([]*DeliveredPayloadEntry, error) {
	var entries []*DeliveredPayloadEntry
	err := s.relayDB.SelectContext(ctx, &entries,
		`SELECT slot, block_hash, block_number, proposer_pubkey, geo, inserted_at
		 FROM payload_delivered
		 WHERE inserted_at > $1 AND inserted_at <= $2
		 ORDER BY inserted_at ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("get delivered payloads: %w", err)
	}
	return entries, nil
}

func (s *Service) GetBuilderDemotions(ctx context.Context, from, to time.Time) ([]*BuilderDemotionEntry, error) {
	var entries []*BuilderDemotionEntry
	err := s.relayDB.SelectContext(ctx, &entries,
		`SELECT d.slot, d.block_hash, d.builder_pubkey, b.builder_id, d.sim_error, d.geo, d.inserted_at
		 FROM builder_demotions d
		 LEFT JOIN builder b ON b.builder_pubkey = d.builder_pubkey
		 WHERE d.inserted_at > $1 AND d.inserted_at <= $2
		 ORDER BY d.inserted_at ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("get builder demotions: %w", err)
	}
	return entries, nil
}

// PromoteBuilders flips eligible builders back to optimistic in one
// statement. The collateral and is_optimistic guards make it idempotent.
func (s *Service) PromoteBuilders(ctx context.Context, builderIDs []string) (int64, error) {
	res, err := s.relayDB.ExecContext(ctx,
		`UPDATE builder SET is_optimistic = true
		 WHERE builder_id = ANY($1) AND collateral > 0 AND is_optimistic = false`,
		pq.Array(builderIDs))
	if err != nil {
		return 0, fmt.Errorf("promote builders: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Service) GetProposerMeta(ctx context.Context, pubkey string) (*ProposerMeta, error) {
	var meta ProposerMeta
	err := s.relayDB.GetContext(ctx, &meta,
		`SELECT
			COALESCE(pl.label, v.label) AS label,
			pl.lido_operator,
			v.last_graffiti AS graffiti,
			v.last_registration_ip_address AS registration_ip,
			pr.ip AS payload_request_ip,
			im.country,
			im.city
		 FROM validators v
		 LEFT JOIN proposer_labels_with_imputed_data_view pl ON pl.pubkey = v.pubkey
		 LEFT JOIN payload_requests pr ON pr.pubkey = v.pubkey
		 LEFT JOIN ip_meta im ON im.ip_address = pr.ip
		 WHERE v.pubkey = $1
		 LIMIT 1`, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return &ProposerMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposer meta: %w", err)
	}
	return &meta, nil
}

func (s *Service) IsAdjustedBlockHash(ctx context.Context, blockHash string) (bool, error) {
	var exists bool
	err := s.relayDB.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM adjustment_trace WHERE adjusted_block_hash = $1)`, blockHash)
	if err != nil {
		return false, fmt.Errorf("check adjustment trace: %w", err)
	}
	return exists, nil
}

// --- missed slots / inclusion ---

func (s *Service) SaveMissedSlot(ctx context.Context, slot uint64, relayedBlockHash string, canonicalBlockHash *string) error {
	_, err := s.mevDB.ExecContext(ctx,
		`INSERT INTO missed_slots (slot_number, relayed_block_hash, canonical_block_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (slot_number, relayed_block_hash) DO NOTHING`,
		slot, relayedBlockHash, canonicalBlockHash)
	if err != nil {
		return fmt.Errorf("save missed slot: %w", err)
	}
	return nil
}

func (s *Service) SaveInclusionResult(ctx context.Context, slot uint64, relayedBlockHash string, canonicalBlockHash *string) error {
	_, err := s.mevDB.ExecContext(ctx,
		`INSERT INTO inclusion_monitor (slot_number, relayed_block_hash, canonical_block_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (slot_number, relayed_block_hash) DO NOTHING`,
		slot, relayedBlockHash, canonicalBlockHash)
	if err != nil {
		return fmt.Errorf("save inclusion result: %w", err)
	}
	return nil
}

func (s *Service) GetMissedSlotsAfter(ctx context.Context, after time.Time) ([]*MissedSlotEntry, error) {
	var entries []*MissedSlotEntry
	err := s.mevDB.SelectContext(ctx, &entries,
		`SELECT slot_number, relayed_block_hash, canonical_block_hash, inserted_at
		 FROM missed_slots WHERE inserted_at > $1`, after)
	if err != nil {
		return nil, fmt.Errorf("get missed slots: %w", err)
	}
	return entries, nil
}

func (s *Service) CountMissedSlotsInRange(ctx context.Context, fromSlot, toSlot uint64) (int, error) {
	var count int
	err := s.mevDB.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM missed_slots WHERE slot_number > $1 AND slot_number <= $2`,
		fromSlot, toSlot)
	if err != nil {
		return 0, fmt.Errorf("count missed slots: %w", err)
	}
	return count, nil
}

// --- promotion tokens ---

func (s *Service) PromotionTokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.mevDB.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM promotion_tokens WHERE token = $1)`, token)
	if err != nil {
		return false, fmt.Errorf("check promotion token: %w", err)
	}
	return exists, nil
}

func (s *Service) InsertPromotionToken(ctx context.Context, builderID, token string, expiresAt time.Time) error {
	_, err := s.mevDB.ExecContext(ctx,
		`INSERT INTO promotion_tokens (builder_id, token, expires_at) VALUES ($1, $2, $3)`,
		builderID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("insert promotion token: %w", err)
	}
	return nil
}

// --- freshness reads ---

func (s *Service) MaxAuctionAnalysisSlot(ctx context.Context) (uint64, error) {
	return s.maxSlot(ctx, `SELECT COALESCE(MAX(slot), 0) FROM auction_analysis`)
}

func (s *Service) MaxHeaderDelaySlot(ctx context.Context) (uint64, error) {
	return s.maxSlot(ctx, `SELECT COALESCE(MAX(latest_header_slot), 0) FROM header_delay_updates`)
}

func (s *Service) MaxLookbackSlot(ctx context.Context) (uint64, error) {
	return s.maxSlot(ctx, `SELECT COALESCE(MAX(slot), 0) FROM lookback_updates`)
}

func (s *Service) maxSlot(ctx context.Context, query string) (uint64, error) {
	var slot uint64
	if err := s.mevDB.GetContext(ctx, &slot, query); err != nil {
		return 0, fmt.Errorf("max slot query: %w", err)
	}
	return slot, nil
}
