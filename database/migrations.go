package database

import (
	migrate "github.com/rubenv/sql-migrate"
)

// migrations apply to the monitor's own database only; the relay schema is
// owned by the relay.
var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "001-monitor-checkpoints",
			Up: []string{`
				CREATE TABLE IF NOT EXISTS monitor_checkpoints (
					monitor_id text PRIMARY KEY,
					timestamp  timestamptz NOT NULL
				);
			`},
			Down: []string{`DROP TABLE IF EXISTS monitor_checkpoints;`},
		},
		{
			Id: "002-missed-slots",
			Up: []string{`
				CREATE TABLE IF NOT EXISTS missed_slots (
					slot_number          bigint NOT NULL,
					relayed_block_hash   text NOT NULL,
					canonical_block_hash text,
					inserted_at          timestamptz NOT NULL DEFAULT now(),
					UNIQUE (slot_number, relayed_block_hash)
				);
			`},
			Down: []string{`DROP TABLE IF EXISTS missed_slots;`},
		},
		{
			Id: "003-inclusion-monitor",
			Up: []string{`
				CREATE TABLE IF NOT EXISTS inclusion_monitor (
					slot_number          bigint NOT NULL,
					relayed_block_hash   text NOT NULL,
					canonical_block_hash text,
					inserted_at          timestamptz NOT NULL DEFAULT now(),
					UNIQUE (slot_number, relayed_block_hash)
				);
			`},
			Down: []string{`DROP TABLE IF EXISTS inclusion_monitor;`},
		},
		{
			Id: "004-promotion-tokens",
			Up: []string{`
				CREATE TABLE IF NOT EXISTS promotion_tokens (
					builder_id  text NOT NULL,
					token       text NOT NULL UNIQUE,
					expires_at  timestamptz NOT NULL,
					inserted_at timestamptz NOT NULL DEFAULT now()
				);
			`},
			Down: []string{`DROP TABLE IF EXISTS promotion_tokens;`},
		},
	},
}

// Migrate brings the monitor database up to the latest schema.
func (s *Service) Migrate() (int, error) {
	return migrate.Exec(s.mevDB.DB, "postgres", migrations, migrate.Up)
}
