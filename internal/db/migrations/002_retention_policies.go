package migrations

// RetentionPolicies turns ingest_stats into a hypertable with a 90 day
// retention and an hourly rollup. Requires TimescaleDB.
var RetentionPolicies = &Migration{
	ID:   "002_retention_policies",
	Name: "002_retention_policies",
	UpSQL: `
	CREATE EXTENSION IF NOT EXISTS timescaledb;

	SELECT create_hypertable('ingest_stats', 'time', migrate_data => true, if_not_exists => true);

	-- Set retention policy for ingest_stats (90 days)
	SELECT add_retention_policy('ingest_stats', INTERVAL '90 days');

	-- Hourly rollup across instances
	CREATE MATERIALIZED VIEW IF NOT EXISTS ingest_stats_hourly
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 hour', time) AS hour,
		instance_id,
		MAX(frames_received) AS frames_received,
		MAX(bus_messages) AS bus_messages,
		MAX(failed_messages) AS failed_messages,
		MAX(created_entities) AS created_entities,
		MAX(active_aircraft) AS peak_aircraft,
		MAX(active_pilots) AS peak_pilots
	FROM ingest_stats
	GROUP BY hour, instance_id
	WITH NO DATA;
	`,
	DownSQL: `
	DROP MATERIALIZED VIEW IF EXISTS ingest_stats_hourly;
	-- Remove retention policy
	SELECT remove_retention_policy('ingest_stats');
	`,
}

// All lists every migration in the order they are applied
var All = []*Migration{
	InitialSchema,
	RetentionPolicies,
}
