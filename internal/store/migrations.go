package store

// migrations are applied in order; schema_version records the last applied
// index + 1.
var migrations = []string{
	`CREATE TABLE subscriptions (
		id TEXT PRIMARY KEY,
		analysis_id TEXT NOT NULL,
		webhook_url TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX idx_subscriptions_analysis_id ON subscriptions(analysis_id)`,
}
