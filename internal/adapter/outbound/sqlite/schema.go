package sqlite

// Schema creates the three audit tables. Events are append-only; request
// status progresses under the transition table enforced in code.
const Schema = `
CREATE TABLE IF NOT EXISTS requests (
    id              TEXT PRIMARY KEY,
    created_at      TEXT NOT NULL,
    server          TEXT NOT NULL,
    tool            TEXT NOT NULL,
    arguments_json  TEXT NOT NULL,
    arguments_hash  TEXT NOT NULL,
    actor           TEXT,
    env             TEXT NOT NULL,
    status          TEXT NOT NULL,
    risk_score      INTEGER NOT NULL DEFAULT 0,
    risk_mode       TEXT NOT NULL DEFAULT 'safe',
    approved_at     TEXT,
    approved_by     TEXT
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);

CREATE TABLE IF NOT EXISTS decisions (
    id                 TEXT PRIMARY KEY,
    request_id         TEXT NOT NULL REFERENCES requests(id),
    decided_at         TEXT NOT NULL,
    decision           TEXT NOT NULL,
    matched_policy_id  TEXT,
    matched_condition  TEXT NOT NULL,
    reason             TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_request ON decisions(request_id);

CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at  TEXT NOT NULL,
    request_id  TEXT REFERENCES requests(id),
    type        TEXT NOT NULL,
    data_json   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id);
`
