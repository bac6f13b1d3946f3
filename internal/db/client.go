package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/saviobatista/rid-tracker/internal/types"
)

type Client struct {
	db *sql.DB
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// NewWithDB wraps an existing connection pool
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// DB exposes the underlying pool, mainly for migrations
func (c *Client) DB() *sql.DB {
	return c.db
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// StoreIngestStats stores a statistics snapshot. Evictions are stored as
// {capacity, stale}.
func (c *Client) StoreIngestStats(stats *types.IngestStats) error {
	if stats == nil {
		return fmt.Errorf("nil stats")
	}

	query := `
		INSERT INTO ingest_stats (
			time, instance_id, frames_received, bus_messages, decoded_frames,
			degraded_frames, failed_messages, identity_drops, position_rejects,
			created_entities, updated_entities, renamed_entities, evictions,
			snapshots_written, snapshot_failures, active_aircraft, active_pilots,
			last_message_time, uptime_seconds
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
	`

	ts := stats.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	evictions := []int64{int64(stats.CapacityEvictions), int64(stats.StaleEvictions)}

	_, err := c.db.Exec(query,
		ts,
		stats.InstanceID,
		int64(stats.FramesReceived),
		int64(stats.BusMessages),
		int64(stats.DecodedFrames),
		int64(stats.DegradedFrames),
		int64(stats.FailedMessages),
		int64(stats.IdentityDrops),
		int64(stats.PositionRejects),
		int64(stats.CreatedEntities),
		int64(stats.UpdatedEntities),
		int64(stats.RenamedEntities),
		pq.Array(evictions),
		int64(stats.SnapshotsWritten),
		int64(stats.SnapshotFailures),
		int64(stats.ActiveAircraft),
		int64(stats.ActivePilots),
		stats.LastMessageTime,
		int64(stats.Uptime.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to store ingest stats: %w", err)
	}
	return nil
}

// GetIngestStats retrieves statistics snapshots for a time range, newest first
func (c *Client) GetIngestStats(start, end time.Time) ([]types.IngestStats, error) {
	query := `
		SELECT
			time, instance_id, frames_received, bus_messages, decoded_frames,
			degraded_frames, failed_messages, identity_drops, position_rejects,
			created_entities, updated_entities, renamed_entities, evictions,
			snapshots_written, snapshot_failures, active_aircraft, active_pilots,
			last_message_time, uptime_seconds
		FROM ingest_stats
		WHERE time BETWEEN $1 AND $2
		ORDER BY time DESC
	`

	rows, err := c.db.Query(query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.IngestStats
	for rows.Next() {
		var (
			s         types.IngestStats
			counts    [14]int64
			evictions []int64
			uptime    int64
		)

		if err := rows.Scan(
			&s.Time,
			&s.InstanceID,
			&counts[0],
			&counts[1],
			&counts[2],
			&counts[3],
			&counts[4],
			&counts[5],
			&counts[6],
			&counts[7],
			&counts[8],
			&counts[9],
			pq.Array(&evictions),
			&counts[10],
			&counts[11],
			&counts[12],
			&counts[13],
			&s.LastMessageTime,
			&uptime,
		); err != nil {
			return nil, err
		}

		s.FramesReceived = uint64(counts[0])
		s.BusMessages = uint64(counts[1])
		s.DecodedFrames = uint64(counts[2])
		s.DegradedFrames = uint64(counts[3])
		s.FailedMessages = uint64(counts[4])
		s.IdentityDrops = uint64(counts[5])
		s.PositionRejects = uint64(counts[6])
		s.CreatedEntities = uint64(counts[7])
		s.UpdatedEntities = uint64(counts[8])
		s.RenamedEntities = uint64(counts[9])
		s.SnapshotsWritten = uint64(counts[10])
		s.SnapshotFailures = uint64(counts[11])
		s.ActiveAircraft = uint64(counts[12])
		s.ActivePilots = uint64(counts[13])
		if len(evictions) > 0 {
			s.CapacityEvictions = uint64(evictions[0])
		}
		if len(evictions) > 1 {
			s.StaleEvictions = uint64(evictions[1])
		}
		s.Uptime = time.Duration(uptime) * time.Second

		out = append(out, s)
	}

	return out, rows.Err()
}
