package observability

import "database/sql"

// Schema holds the metrics timeseries. Timestamps are unix ms.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);
`

// ApplySchema creates the metrics tables.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
