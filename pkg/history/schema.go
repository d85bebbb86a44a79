package history

// Schema contains the SQLite schema for the batch audit log.
const Schema = `
-- One row per dispatched batch
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,               -- uuid
    operation TEXT NOT NULL,           -- 'telemetry', 'push-config', ...
    device_count INTEGER NOT NULL,
    success_count INTEGER NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_started ON batches(started_at);

-- One row per device in a batch
CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id TEXT NOT NULL,
    ip_address TEXT NOT NULL,
    ok INTEGER NOT NULL,               -- 1 = success
    error_kind TEXT,                   -- 'unreachable', 'protocol', ...
    error TEXT,
    hashrate REAL,                     -- TH/s, telemetry batches only
    pool_user TEXT,
    power INTEGER,                     -- W
    light INTEGER,                     -- light state after light batches
    FOREIGN KEY (batch_id) REFERENCES batches(id) ON DELETE CASCADE,
    UNIQUE(batch_id, ip_address)
);

CREATE INDEX IF NOT EXISTS idx_outcomes_batch ON outcomes(batch_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_ip ON outcomes(ip_address);

-- Schema version for migrations
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// SchemaVersion is the current schema version.
const SchemaVersion = 1

// Migrations contains SQL migrations indexed by version.
// Each migration upgrades from version N-1 to version N.
var Migrations = map[int]string{
	1: Schema,
}
