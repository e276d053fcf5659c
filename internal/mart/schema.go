package mart

import (
	"context"
	"fmt"
	"strings"
)

// schemaDDL renders the mart schema for the dialect. Every statement is
// idempotent; EnsureSchema can run on every startup.
func schemaDDL(d Dialect) []string {
	ddl := `
CREATE TABLE IF NOT EXISTS sz_dm_entity (
    entity_id BIGINT PRIMARY KEY,
    entity_name TEXT NOT NULL DEFAULT '',
    record_count INTEGER NOT NULL,
    related_count INTEGER NOT NULL,
    entity_hash TEXT NOT NULL DEFAULT '',
    prev_entity_hash TEXT NOT NULL DEFAULT '',
    patch_state TEXT NOT NULL DEFAULT 'CLEAN',
    creator_id TEXT NOT NULL DEFAULT '',
    modifier_id TEXT NOT NULL DEFAULT '',
    created_at {{TS}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
    modified_at {{TS}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS sz_dm_record (
    data_source TEXT NOT NULL,
    record_id TEXT NOT NULL,
    entity_id BIGINT,
    adopter_id TEXT NOT NULL DEFAULT '',
    created_at {{TS}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
    modified_at {{TS}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (data_source, record_id)
);
CREATE INDEX IF NOT EXISTS ix_dm_record_entity ON sz_dm_record (entity_id);
CREATE TABLE IF NOT EXISTS sz_dm_relation (
    entity_id BIGINT NOT NULL,
    related_id BIGINT NOT NULL,
    match_level INTEGER NOT NULL DEFAULT 0,
    match_key TEXT NOT NULL DEFAULT '',
    principle TEXT NOT NULL DEFAULT '',
    relation_hash TEXT NOT NULL DEFAULT '',
    modifier_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (entity_id, related_id),
    CHECK (entity_id < related_id)
);
CREATE INDEX IF NOT EXISTS ix_dm_relation_related ON sz_dm_relation (related_id);
CREATE TABLE IF NOT EXISTS sz_dm_report (
    report_key TEXT PRIMARY KEY,
    report TEXT NOT NULL,
    statistic TEXT NOT NULL DEFAULT '',
    data_source1 TEXT NOT NULL DEFAULT '',
    data_source2 TEXT NOT NULL DEFAULT '',
    entity_count BIGINT NOT NULL DEFAULT 0,
    record_count BIGINT NOT NULL DEFAULT 0,
    relation_count BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sz_dm_report_detail (
    report_key TEXT NOT NULL,
    entity_id BIGINT NOT NULL,
    related_id BIGINT NOT NULL DEFAULT 0,
    stat_count BIGINT NOT NULL DEFAULT 0,
    creator_id TEXT NOT NULL DEFAULT '',
    modifier_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (report_key, entity_id, related_id)
);
CREATE TABLE IF NOT EXISTS sz_dm_pending_report (
    pending_id {{SERIAL_PK}},
    report_key TEXT NOT NULL,
    entity_id BIGINT NOT NULL,
    related_id BIGINT,
    entity_delta INTEGER NOT NULL DEFAULT 0,
    record_delta INTEGER NOT NULL DEFAULT 0,
    relation_delta INTEGER NOT NULL DEFAULT 0,
    lease_id TEXT,
    expire_lease_at {{TS}}
);
CREATE INDEX IF NOT EXISTS ix_dm_pending_key ON sz_dm_pending_report (report_key, lease_id);
CREATE TABLE IF NOT EXISTS sz_message_queue (
    message_id {{SERIAL_PK}},
    payload TEXT NOT NULL,
    lease_id TEXT,
    expire_lease_at {{TS}},
    created_at {{TS}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	ddl = strings.ReplaceAll(ddl, "{{TS}}", d.timestampType())
	ddl = strings.ReplaceAll(ddl, "{{SERIAL_PK}}", d.serialPK())

	stmts := make([]string, 0, 16)
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		stmts = append(stmts, stmt)
	}
	return stmts
}

// EnsureSchema creates the mart tables when absent. Schema versioning
// beyond create-if-absent is handled by operators, not by the service.
func (m *Mart) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL(m.dialect) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mart schema: %w", err)
		}
	}
	return nil
}
