package database

import (
	"database/sql"
	"time"
)

// Monitor checkpoint ids. One row each in monitor_checkpoints.
const (
	MonitorDemotion  = "demotion"
	MonitorInclusion = "inclusion"
	MonitorPromotion = "promotion"
)

// DeliveredPayloadEntry is a block the relay handed to a proposer.
// Immutable after insert; inserted_at is the window key.
type DeliveredPayloadEntry struct {
	Slot           uint64    `db:"slot"`
	BlockHash      string    `db:"block_hash"`
	BlockNumber    uint64    `db:"block_number"`
	ProposerPubkey string    `db:"proposer_pubkey"`
	Geo            string    `db:"geo"`
	InsertedAt     time.Time `db:"inserted_at"`
}

// BuilderDemotionEntry is a builder demotion joined with the builder table
// for the human-readable builder id.
type BuilderDemotionEntry struct {
	Slot          uint64         `db:"slot"`
	BlockHash     string         `db:"block_hash"`
	BuilderPubkey string         `db:"builder_pubkey"`
	BuilderID     sql.NullString `db:"builder_id"`
	SimError      string         `db:"sim_error"`
	Geo           string         `db:"geo"`
	InsertedAt    time.Time      `db:"inserted_at"`
}

// BuilderKey returns the builder id, falling back to the pubkey when the
// builder row carries no id.
func (e *BuilderDemotionEntry) BuilderKey() string {
	if e.BuilderID.Valid && e.BuilderID.String != "" {
		return e.BuilderID.String
	}
	return e.BuilderPubkey
}

// MissedSlotEntry records a delivered-but-not-included incident.
type MissedSlotEntry struct {
	SlotNumber         uint64         `db:"slot_number"`
	RelayedBlockHash   string         `db:"relayed_block_hash"`
	CanonicalBlockHash sql.NullString `db:"canonical_block_hash"`
	InsertedAt         time.Time      `db:"inserted_at"`
}

// ProposerMeta enriches incident reports with operator context. All fields
// are best-effort; absent data renders as empty.
type ProposerMeta struct {
	Label            sql.NullString `db:"label"`
	LidoOperator     sql.NullString `db:"lido_operator"`
	Graffiti         sql.NullString `db:"graffiti"`
	RegistrationIP   sql.NullString `db:"registration_ip"`
	PayloadRequestIP sql.NullString `db:"payload_request_ip"`
	Country          sql.NullString `db:"country"`
	City             sql.NullString `db:"city"`
}
