package database

// Schema declares the tables this system owns. An existing table with the
// same columns is a valid migration target; nothing is discovered from the
// database at runtime.
const Schema = `
CREATE TABLE IF NOT EXISTS strava_activities (
    wid BIGINT PRIMARY KEY,
    name TEXT,
    distance DOUBLE PRECISION,
    moving_time BIGINT,
    elapsed_time BIGINT,
    average_speed DOUBLE PRECISION,
    average_heartrate DOUBLE PRECISION,
    start_date TEXT
);

CREATE TABLE IF NOT EXISTS ingest_runs (
    run_id TEXT PRIMARY KEY,
    service TEXT NOT NULL,
    trigger_type TEXT NOT NULL,
    status TEXT NOT NULL,
    fetched INTEGER NOT NULL DEFAULT 0,
    upserted INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    failed_ids JSONB,
    error TEXT,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_service ON ingest_runs(service, started_at);
`
