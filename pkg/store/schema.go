package store

import (
	"context"
	"fmt"
	"strings"
)

// ddlTemplates holds the kernel schema. {{ID}} expands to the dialect's
// auto-increment bigint primary key. Every multi-column uniqueness
// constraint includes tenant_id.
var ddlTemplates = []string{
	`CREATE TABLE IF NOT EXISTS events (
		tenant_id       TEXT NOT NULL,
		aggregate_type  TEXT NOT NULL,
		aggregate_id    TEXT NOT NULL,
		seq             BIGINT NOT NULL,
		id              TEXT NOT NULL,
		type            TEXT NOT NULL,
		at              TIMESTAMPTZ NOT NULL,
		actor_type      TEXT NOT NULL,
		actor_id        TEXT NOT NULL,
		payload         TEXT NOT NULL,
		payload_hash    TEXT NOT NULL,
		prev_chain_hash TEXT,
		chain_hash      TEXT NOT NULL,
		signature       TEXT,
		signer_key_id   TEXT,
		PRIMARY KEY (tenant_id, aggregate_type, aggregate_id, seq),
		UNIQUE (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		tenant_id      TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		seq            BIGINT NOT NULL,
		at_chain_hash  TEXT NOT NULL,
		snapshot_json  TEXT NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, aggregate_type, aggregate_id)
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		tenant_id       TEXT NOT NULL,
		principal       TEXT NOT NULL,
		endpoint        TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		request_hash    TEXT NOT NULL,
		status_code     INTEGER NOT NULL,
		response_body   TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, principal, endpoint, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		tenant_id       TEXT NOT NULL,
		artifact_id     TEXT NOT NULL,
		artifact_type   TEXT NOT NULL,
		job_id          TEXT,
		source_event_id TEXT,
		at_chain_hash   TEXT,
		artifact_hash   TEXT NOT NULL,
		body            TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, artifact_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS artifacts_source_event_uniq
		ON artifacts (tenant_id, job_id, artifact_type, source_event_id)
		WHERE job_id IS NOT NULL AND source_event_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS artifacts_list_idx
		ON artifacts (tenant_id, artifact_type, created_at, artifact_id)`,
	`CREATE TABLE IF NOT EXISTS reputation_events (
		tenant_id   TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		party_id    TEXT,
		event_type  TEXT,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, artifact_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id             {{ID}},
		tenant_id      TEXT NOT NULL,
		topic          TEXT NOT NULL,
		aggregate_type TEXT,
		aggregate_id   TEXT,
		payload        TEXT NOT NULL,
		attempts       INTEGER NOT NULL DEFAULT 0,
		worker         TEXT,
		claimed_at     TIMESTAMPTZ,
		processed_at   TIMESTAMPTZ,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_claim_idx
		ON outbox (topic, processed_at, claimed_at, id)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		tenant_id  TEXT NOT NULL,
		outbox_id  BIGINT NOT NULL,
		topic      TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, outbox_id)
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id              {{ID}},
		tenant_id       TEXT NOT NULL,
		destination_id  TEXT NOT NULL,
		artifact_type   TEXT NOT NULL,
		artifact_id     TEXT NOT NULL,
		artifact_hash   TEXT NOT NULL,
		dedupe_key      TEXT NOT NULL,
		scope_key       TEXT NOT NULL,
		order_seq       BIGINT NOT NULL DEFAULT 0,
		priority        INTEGER NOT NULL DEFAULT 0,
		order_key       TEXT,
		state           TEXT NOT NULL DEFAULT 'pending',
		attempts        INTEGER NOT NULL DEFAULT 0,
		worker          TEXT,
		claimed_at      TIMESTAMPTZ,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		delivered_at    TIMESTAMPTZ,
		acked_at        TIMESTAMPTZ,
		ack_received_at TIMESTAMPTZ,
		expires_at      TIMESTAMPTZ,
		last_status     INTEGER,
		last_error      TEXT,
		UNIQUE (tenant_id, dedupe_key)
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_claim_idx
		ON deliveries (tenant_id, state, next_attempt_at, scope_key, order_seq, priority, id)`,
	`CREATE TABLE IF NOT EXISTS delivery_receipts (
		tenant_id      TEXT NOT NULL,
		delivery_id    BIGINT NOT NULL,
		destination_id TEXT NOT NULL,
		artifact_hash  TEXT NOT NULL,
		received_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, delivery_id)
	)`,
	`CREATE TABLE IF NOT EXISTS correlations (
		tenant_id       TEXT NOT NULL,
		site_id         TEXT NOT NULL,
		correlation_key TEXT NOT NULL,
		job_id          TEXT NOT NULL,
		expires_at      TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, site_id, correlation_key)
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_records (
		tenant_id         TEXT NOT NULL,
		source            TEXT NOT NULL,
		external_event_id TEXT NOT NULL,
		status            TEXT NOT NULL,
		accepted_event_id TEXT,
		expires_at        TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, source, external_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		tenant_id  TEXT NOT NULL,
		entry_id   TEXT NOT NULL,
		at         TIMESTAMPTZ NOT NULL,
		memo       TEXT,
		entry_json TEXT NOT NULL,
		job_id     TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, entry_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_balances (
		tenant_id    TEXT NOT NULL,
		account_id   TEXT NOT NULL,
		amount_cents BIGINT NOT NULL DEFAULT 0,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_allocations (
		tenant_id    TEXT NOT NULL,
		entry_id     TEXT NOT NULL,
		posting_id   TEXT NOT NULL,
		party_id     TEXT NOT NULL,
		party_role   TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, entry_id, posting_id, party_id)
	)`,
	`CREATE TABLE IF NOT EXISTS contracts (
		tenant_id    TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		body_json    TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, content_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS contracts_v2 (
		tenant_id    TEXT NOT NULL,
		contract_id  TEXT NOT NULL,
		version      INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		body_json    TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, contract_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS contract_signatures_v2 (
		tenant_id     TEXT NOT NULL,
		contract_id   TEXT NOT NULL,
		version       INTEGER NOT NULL,
		party_id      TEXT NOT NULL,
		signer_key_id TEXT NOT NULL,
		signature     TEXT NOT NULL,
		signed_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, contract_id, version, party_id)
	)`,
	`CREATE TABLE IF NOT EXISTS contract_compilations_v2 (
		tenant_id     TEXT NOT NULL,
		contract_id   TEXT NOT NULL,
		version       INTEGER NOT NULL,
		content_hash  TEXT NOT NULL,
		compiled_json TEXT NOT NULL,
		compiled_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, contract_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS party_statements (
		tenant_id    TEXT NOT NULL,
		period       TEXT NOT NULL,
		party_id     TEXT NOT NULL,
		artifact_id  TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, period, party_id)
	)`,
	`CREATE TABLE IF NOT EXISTS parties (
		tenant_id    TEXT NOT NULL,
		party_id     TEXT NOT NULL,
		display_name TEXT,
		role         TEXT,
		payout_json  TEXT,
		PRIMARY KEY (tenant_id, party_id)
	)`,
	`CREATE TABLE IF NOT EXISTS finance_account_maps (
		tenant_id   TEXT NOT NULL,
		account_id  TEXT NOT NULL,
		gl_account  TEXT NOT NULL,
		description TEXT,
		PRIMARY KEY (tenant_id, account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS job_reservations (
		tenant_id  TEXT NOT NULL,
		job_id     TEXT NOT NULL,
		start_at   TIMESTAMPTZ NOT NULL,
		end_at     TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, job_id)
	)`,
	`CREATE TABLE IF NOT EXISTS signer_keys (
		tenant_id  TEXT NOT NULL,
		key_id     TEXT NOT NULL,
		public_key TEXT NOT NULL,
		purpose    TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		rotated_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, key_id)
	)`,
	`CREATE TABLE IF NOT EXISTS auth_keys (
		tenant_id  TEXT NOT NULL,
		key_id     TEXT NOT NULL,
		public_key TEXT NOT NULL,
		role       TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, key_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ops_audit (
		id         {{ID}},
		tenant_id  TEXT NOT NULL,
		action     TEXT NOT NULL,
		detail     TEXT,
		at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_billing_config (
		tenant_id              TEXT NOT NULL,
		max_pending_deliveries BIGINT,
		journal_csv_gate       TEXT,
		PRIMARY KEY (tenant_id)
	)`,
}

// Init creates the kernel schema. Production deployments run migrations
// out of band; Init is idempotent and used by tests and first boot.
func (s *Store) Init(ctx context.Context) error {
	idCol := "BIGSERIAL PRIMARY KEY"
	if s.opts.Dialect == DialectSQLite {
		idCol = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	for _, tmpl := range ddlTemplates {
		stmt := strings.ReplaceAll(tmpl, "{{ID}}", idCol)
		if s.opts.Dialect == DialectSQLite {
			// modernc.org/sqlite only maps TEXT columns to time.Time when the
			// declared type is DATE, DATETIME or TIMESTAMP; TIMESTAMPTZ is not
			// recognized. Affinity is identical, so this is name-only.
			stmt = strings.ReplaceAll(stmt, "TIMESTAMPTZ", "TIMESTAMP")
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
