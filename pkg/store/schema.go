package store

// Timestamps are stored as INTEGER unix nanoseconds.
const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    status TEXT NOT NULL,
    total_devices INTEGER NOT NULL DEFAULT 0,
    completed_devices INTEGER NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_batches_created_by ON batches(created_by);

CREATE TABLE IF NOT EXISTS prechecks (
    id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    device_ip TEXT NOT NULL,
    username TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,
    commands TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    UNIQUE (batch_id, device_ip)
);

CREATE INDEX IF NOT EXISTS idx_prechecks_batch_id ON prechecks(batch_id);
CREATE INDEX IF NOT EXISTS idx_prechecks_device_ip ON prechecks(device_ip);

CREATE TABLE IF NOT EXISTS postchecks (
    id TEXT PRIMARY KEY,
    precheck_id TEXT NOT NULL UNIQUE REFERENCES prechecks(id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS precheck_outputs (
    precheck_id TEXT NOT NULL REFERENCES prechecks(id) ON DELETE CASCADE,
    execution_order INTEGER NOT NULL,
    command TEXT NOT NULL,
    output TEXT NOT NULL,
    PRIMARY KEY (precheck_id, execution_order),
    UNIQUE (precheck_id, command)
);

CREATE TABLE IF NOT EXISTS postcheck_outputs (
    postcheck_id TEXT NOT NULL REFERENCES postchecks(id) ON DELETE CASCADE,
    execution_order INTEGER NOT NULL,
    command TEXT NOT NULL,
    output TEXT NOT NULL,
    PRIMARY KEY (postcheck_id, execution_order),
    UNIQUE (postcheck_id, command)
);
`
