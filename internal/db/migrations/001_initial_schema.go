package migrations

import "time"

// InitialSchema creates the ingest statistics table. It only uses plain
// PostgreSQL so it can be applied without TimescaleDB.
var InitialSchema = &Migration{
	ID:   "001_initial_schema",
	Name: "001_initial_schema",
	UpSQL: `
		CREATE TABLE IF NOT EXISTS ingest_stats (
			time TIMESTAMPTZ NOT NULL,
			instance_id UUID NOT NULL,
			frames_received BIGINT NOT NULL,
			bus_messages BIGINT NOT NULL,
			decoded_frames BIGINT NOT NULL,
			degraded_frames BIGINT NOT NULL,
			failed_messages BIGINT NOT NULL,
			identity_drops BIGINT NOT NULL,
			position_rejects BIGINT NOT NULL,
			created_entities BIGINT NOT NULL,
			updated_entities BIGINT NOT NULL,
			renamed_entities BIGINT NOT NULL,
			-- {capacity, stale}
			evictions BIGINT[] NOT NULL,
			snapshots_written BIGINT NOT NULL,
			snapshot_failures BIGINT NOT NULL,
			active_aircraft BIGINT NOT NULL,
			active_pilots BIGINT NOT NULL,
			last_message_time TIMESTAMPTZ NOT NULL,
			uptime_seconds BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ingest_stats_time ON ingest_stats (time DESC);
		CREATE INDEX IF NOT EXISTS idx_ingest_stats_instance ON ingest_stats (instance_id, time DESC);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS ingest_stats;
	`,
	CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
}
