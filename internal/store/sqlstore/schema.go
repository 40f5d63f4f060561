package sqlstore

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"
)

// Schema is valid for both SQLite and Postgres. Timestamps are unix
// nanoseconds with 0 meaning unset; prices are decimal strings.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ticket_types (
		id                 TEXT PRIMARY KEY,
		event_id           TEXT NOT NULL,
		name               TEXT NOT NULL DEFAULT '',
		total_quantity     INTEGER NOT NULL,
		available_quantity INTEGER NOT NULL,
		price              TEXT NOT NULL DEFAULT '0',
		event_starts_at    BIGINT NOT NULL DEFAULT 0,
		valid_from         BIGINT NOT NULL DEFAULT 0,
		valid_until        BIGINT NOT NULL DEFAULT 0,
		entry_allowed_from BIGINT NOT NULL DEFAULT 0,
		entry_cutoff       BIGINT NOT NULL DEFAULT 0,
		is_transferable    INTEGER NOT NULL DEFAULT 0,
		created_at         BIGINT NOT NULL DEFAULT 0,
		updated_at         BIGINT NOT NULL DEFAULT 0,
		CHECK (available_quantity >= 0 AND available_quantity <= total_quantity)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		event_id          TEXT NOT NULL,
		status            TEXT NOT NULL,
		payment_reference TEXT NOT NULL DEFAULT '',
		expires_at        BIGINT NOT NULL,
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL,
		completed_at      BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_status_expires ON reservations (status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS reservation_items (
		reservation_id TEXT NOT NULL REFERENCES reservations (id),
		ticket_type_id TEXT NOT NULL REFERENCES ticket_types (id),
		quantity       INTEGER NOT NULL CHECK (quantity > 0),
		PRIMARY KEY (reservation_id, ticket_type_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id                 TEXT PRIMARY KEY,
		reservation_id     TEXT NOT NULL,
		event_id           TEXT NOT NULL,
		ticket_type_id     TEXT NOT NULL REFERENCES ticket_types (id),
		owner_user_id      TEXT NOT NULL,
		purchaser_user_id  TEXT NOT NULL,
		status             TEXT NOT NULL,
		price              TEXT NOT NULL DEFAULT '0',
		payment_reference  TEXT NOT NULL DEFAULT '',
		scan_count         INTEGER NOT NULL DEFAULT 0,
		first_scanned_at   BIGINT NOT NULL DEFAULT 0,
		last_scanned_at    BIGINT NOT NULL DEFAULT 0,
		transfer_count     INTEGER NOT NULL DEFAULT 0,
		event_starts_at    BIGINT NOT NULL DEFAULT 0,
		valid_from         BIGINT NOT NULL DEFAULT 0,
		valid_until        BIGINT NOT NULL DEFAULT 0,
		entry_allowed_from BIGINT NOT NULL DEFAULT 0,
		entry_cutoff       BIGINT NOT NULL DEFAULT 0,
		is_transferable    INTEGER NOT NULL DEFAULT 0,
		created_at         BIGINT NOT NULL,
		updated_at         BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_owner ON tickets (owner_user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_reservation ON tickets (reservation_id)`,
	`CREATE TABLE IF NOT EXISTS validations (
		id               TEXT PRIMARY KEY,
		ticket_id        TEXT NOT NULL,
		result           TEXT NOT NULL,
		entry_allowed    INTEGER NOT NULL,
		fraud_flags      TEXT NOT NULL DEFAULT '',
		confidence_score DOUBLE PRECISION NOT NULL,
		reason           TEXT NOT NULL DEFAULT '',
		location         TEXT NOT NULL DEFAULT '',
		scanner_id       TEXT NOT NULL DEFAULT '',
		validated_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_validations_ticket ON validations (ticket_id, validated_at)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id             TEXT PRIMARY KEY,
		ticket_id      TEXT NOT NULL,
		from_user_id   TEXT NOT NULL,
		to_user_id     TEXT NOT NULL,
		transfer_type  TEXT NOT NULL,
		status         TEXT NOT NULL,
		transfer_price TEXT NULL,
		message        TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		completed_at   BIGINT NOT NULL DEFAULT 0,
		expires_at     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_ticket ON transfers (ticket_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_status_expires ON transfers (status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS ownership_spans (
		id           TEXT PRIMARY KEY,
		ticket_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		acquired_via TEXT NOT NULL,
		started_at   BIGINT NOT NULL,
		ended_at     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ownership_ticket ON ownership_spans (ticket_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id           TEXT PRIMARY KEY,
		topic        TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload      TEXT NOT NULL,
		created_at   BIGINT NOT NULL,
		published_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (published_at, created_at, id)`,
}

// Tables lists the engine tables in reverse dependency order, for teardown.
var Tables = []string{
	"outbox",
	"ownership_spans",
	"transfers",
	"validations",
	"tickets",
	"reservation_items",
	"reservations",
	"ticket_types",
}

// Migrate applies Schema. It is idempotent.
func Migrate(ctx context.Context, db dbx.Builder) error {
	for _, stmt := range Schema {
		if _, err := db.NewQuery(stmt).WithContext(ctx).Execute(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
