package sqlite

import (
	"context"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records progress.
var migrations = []string{
	`
CREATE TABLE entities (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    display_name  TEXT NOT NULL,
    instructions  TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);
CREATE TABLE agent_counters (
    agent_id  TEXT PRIMARY KEY,
    cycles    INTEGER NOT NULL
);
CREATE TABLE runs (
    id               TEXT PRIMARY KEY,
    agent_id         TEXT NOT NULL,
    parent_run_id    TEXT,
    status           TEXT NOT NULL,
    trigger_type     TEXT NOT NULL,
    trigger_payload  TEXT NOT NULL DEFAULT '{}',
    inbox_event_id   TEXT,
    active_space_id  TEXT,
    cycle_number     INTEGER NOT NULL,
    step_count       INTEGER NOT NULL DEFAULT 0,
    input_tokens     INTEGER NOT NULL DEFAULT 0,
    output_tokens    INTEGER NOT NULL DEFAULT 0,
    error            TEXT,
    metrics          TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    completed_at     INTEGER
);
CREATE INDEX idx_runs_agent_status ON runs (agent_id, status, created_at);
CREATE TABLE pending_calls (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    agent_id        TEXT NOT NULL,
    correlation_id  TEXT NOT NULL UNIQUE,
    tool_name       TEXT NOT NULL,
    args            TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL,
    result          TEXT,
    created_at      INTEGER NOT NULL,
    expires_at      INTEGER,
    resolved_at     INTEGER
);
CREATE TABLE inbox_events (
    id            TEXT PRIMARY KEY,
    agent_id      TEXT NOT NULL,
    event_id      TEXT NOT NULL,
    type          TEXT NOT NULL,
    payload       TEXT NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL,
    run_id        TEXT,
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT,
    locked_until  INTEGER,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    UNIQUE (agent_id, event_id)
);
CREATE INDEX idx_inbox_status ON inbox_events (status, created_at, id);
CREATE TABLE run_tool_calls (
    run_id          TEXT NOT NULL,
    id              TEXT NOT NULL,
    seq             INTEGER NOT NULL,
    tool_name       TEXT NOT NULL,
    args            TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL,
    result          TEXT,
    correlation_id  TEXT,
    acknowledged    INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    PRIMARY KEY (run_id, id)
);
CREATE TABLE spaces (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE TABLE memberships (
    space_id            TEXT NOT NULL,
    entity_id           TEXT NOT NULL,
    last_processed_seq  INTEGER NOT NULL DEFAULT 0,
    joined_at           INTEGER NOT NULL,
    PRIMARY KEY (space_id, entity_id)
);
CREATE TABLE space_sequences (
    space_id  TEXT PRIMARY KEY,
    seq       INTEGER NOT NULL
);
CREATE TABLE messages (
    id          TEXT PRIMARY KEY,
    space_id    TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    sender_id   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    content     TEXT NOT NULL DEFAULT '',
    tool_call   TEXT,
    metadata    TEXT,
    run_id      TEXT,
    created_at  INTEGER NOT NULL,
    UNIQUE (space_id, seq)
);
CREATE INDEX idx_messages_run ON messages (run_id);
CREATE TABLE memories (
    agent_id    TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (agent_id, key)
);
CREATE TABLE goals (
    id           TEXT PRIMARY KEY,
    agent_id     TEXT NOT NULL,
    description  TEXT NOT NULL,
    priority     INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL,
    created_at   INTEGER NOT NULL
);
CREATE TABLE plans (
    id           TEXT PRIMARY KEY,
    agent_id     TEXT NOT NULL,
    description  TEXT NOT NULL,
    schedule     TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    created_at   INTEGER NOT NULL
);
`,
}

func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		db.logger.Info("sqlite: running migration", "version", i+1)
		if _, err := db.db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("sqlite: migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := db.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}
	return nil
}
