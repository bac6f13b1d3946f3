package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/saviobatista/rid-tracker/internal/types"
	"github.com/sirupsen/logrus"
)

const namespace = "rid_tracker"

// Store persists statistics snapshots
type Store interface {
	StoreIngestStats(stats *types.IngestStats) error
}

// Stats tracks ingestion and publication statistics
type Stats struct {
	// Input counts
	FramesReceived  uint64
	BusMessages     uint64
	DecodedFrames   uint64
	DegradedFrames  uint64
	FailedMessages  uint64
	IdentityDrops   uint64
	PositionRejects uint64

	// Registry activity
	CreatedEntities   uint64
	UpdatedEntities   uint64
	RenamedEntities   uint64
	CapacityEvictions uint64
	StaleEvictions    uint64

	// Publication
	SnapshotsWritten uint64
	SnapshotFailures uint64

	// Live entities
	ActiveAircraft uint64
	ActivePilots   uint64

	LastMessageTime time.Time

	instanceID string
	startTime  time.Time
	store      Store

	mu sync.RWMutex
}

// New creates a new Stats instance
func New() *Stats {
	now := time.Now()
	return &Stats{
		LastMessageTime: now,
		instanceID:      uuid.NewString(),
		startTime:       now,
	}
}

// InstanceID identifies this process in persisted statistics
func (s *Stats) InstanceID() string {
	return s.instanceID
}

// SetStore sets the store used for persistence
func (s *Stats) SetStore(store Store) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

// Persist stores the current statistics
func (s *Stats) Persist() error {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("statistics store not set")
	}

	stats := s.GetStats()
	return store.StoreIngestStats(&stats)
}

func (s *Stats) IncrementFramesReceived()  { atomic.AddUint64(&s.FramesReceived, 1) }
func (s *Stats) IncrementBusMessages()     { atomic.AddUint64(&s.BusMessages, 1) }
func (s *Stats) IncrementDecodedFrames()   { atomic.AddUint64(&s.DecodedFrames, 1) }
func (s *Stats) IncrementDegradedFrames()  { atomic.AddUint64(&s.DegradedFrames, 1) }
func (s *Stats) IncrementFailedMessages()  { atomic.AddUint64(&s.FailedMessages, 1) }
func (s *Stats) IncrementIdentityDrops()   { atomic.AddUint64(&s.IdentityDrops, 1) }
func (s *Stats) IncrementPositionRejects() { atomic.AddUint64(&s.PositionRejects, 1) }

func (s *Stats) IncrementCreatedEntities() { atomic.AddUint64(&s.CreatedEntities, 1) }
func (s *Stats) IncrementUpdatedEntities() { atomic.AddUint64(&s.UpdatedEntities, 1) }
func (s *Stats) IncrementRenamedEntities() { atomic.AddUint64(&s.RenamedEntities, 1) }

// AddCapacityEvictions counts aircraft removed to admit a new one
func (s *Stats) AddCapacityEvictions(n int) {
	if n > 0 {
		atomic.AddUint64(&s.CapacityEvictions, uint64(n))
	}
}

// AddStaleEvictions counts aircraft removed by the staleness sweep
func (s *Stats) AddStaleEvictions(n int) {
	if n > 0 {
		atomic.AddUint64(&s.StaleEvictions, uint64(n))
	}
}

func (s *Stats) IncrementSnapshotsWritten() { atomic.AddUint64(&s.SnapshotsWritten, 1) }
func (s *Stats) IncrementSnapshotFailures() { atomic.AddUint64(&s.SnapshotFailures, 1) }

// SetActive records the number of live aircraft and pilots
func (s *Stats) SetActive(aircraft, pilots int) {
	atomic.StoreUint64(&s.ActiveAircraft, uint64(aircraft))
	atomic.StoreUint64(&s.ActivePilots, uint64(pilots))
}

// UpdateLastMessageTime updates the last message time
func (s *Stats) UpdateLastMessageTime() {
	s.mu.Lock()
	s.LastMessageTime = time.Now()
	s.mu.Unlock()
}

// GetStats returns a copy of the current statistics
func (s *Stats) GetStats() types.IngestStats {
	s.mu.RLock()
	last := s.LastMessageTime
	s.mu.RUnlock()

	return types.IngestStats{
		InstanceID:        s.instanceID,
		Time:              time.Now().UTC(),
		FramesReceived:    atomic.LoadUint64(&s.FramesReceived),
		BusMessages:       atomic.LoadUint64(&s.BusMessages),
		DecodedFrames:     atomic.LoadUint64(&s.DecodedFrames),
		DegradedFrames:    atomic.LoadUint64(&s.DegradedFrames),
		FailedMessages:    atomic.LoadUint64(&s.FailedMessages),
		IdentityDrops:     atomic.LoadUint64(&s.IdentityDrops),
		PositionRejects:   atomic.LoadUint64(&s.PositionRejects),
		CreatedEntities:   atomic.LoadUint64(&s.CreatedEntities),
		UpdatedEntities:   atomic.LoadUint64(&s.UpdatedEntities),
		RenamedEntities:   atomic.LoadUint64(&s.RenamedEntities),
		CapacityEvictions: atomic.LoadUint64(&s.CapacityEvictions),
		StaleEvictions:    atomic.LoadUint64(&s.StaleEvictions),
		SnapshotsWritten:  atomic.LoadUint64(&s.SnapshotsWritten),
		SnapshotFailures:  atomic.LoadUint64(&s.SnapshotFailures),
		ActiveAircraft:    atomic.LoadUint64(&s.ActiveAircraft),
		ActivePilots:      atomic.LoadUint64(&s.ActivePilots),
		LastMessageTime:   last,
		Uptime:            time.Since(s.startTime),
	}
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	st := s.GetStats()
	return fmt.Sprintf(
		"Frames Received: %d\n"+
			"Bus Messages: %d\n"+
			"Decoded Frames: %d\n"+
			"Degraded Frames: %d\n"+
			"Failed Messages: %d\n"+
			"Identity Drops: %d\n"+
			"Position Rejects: %d\n"+
			"Created Entities: %d\n"+
			"Updated Entities: %d\n"+
			"Renamed Entities: %d\n"+
			"Capacity Evictions: %d\n"+
			"Stale Evictions: %d\n"+
			"Snapshots Written: %d\n"+
			"Snapshot Failures: %d\n"+
			"Active Aircraft: %d\n"+
			"Active Pilots: %d\n"+
			"Last Message Time: %s\n"+
			"Uptime: %s",
		st.FramesReceived,
		st.BusMessages,
		st.DecodedFrames,
		st.DegradedFrames,
		st.FailedMessages,
		st.IdentityDrops,
		st.PositionRejects,
		st.CreatedEntities,
		st.UpdatedEntities,
		st.RenamedEntities,
		st.CapacityEvictions,
		st.StaleEvictions,
		st.SnapshotsWritten,
		st.SnapshotFailures,
		st.ActiveAircraft,
		st.ActivePilots,
		st.LastMessageTime.Format(time.RFC3339),
		st.Uptime.Truncate(time.Second),
	)
}

// Fields returns the statistics as structured log fields
func (s *Stats) Fields() logrus.Fields {
	st := s.GetStats()
	return logrus.Fields{
		"frames":           st.FramesReceived,
		"bus_messages":     st.BusMessages,
		"degraded":         st.DegradedFrames,
		"failed":           st.FailedMessages,
		"identity_drops":   st.IdentityDrops,
		"position_rejects": st.PositionRejects,
		"created":          st.CreatedEntities,
		"renamed":          st.RenamedEntities,
		"evicted_capacity": st.CapacityEvictions,
		"evicted_stale":    st.StaleEvictions,
		"snapshots":        st.SnapshotsWritten,
		"snapshot_errors":  st.SnapshotFailures,
		"aircraft":         st.ActiveAircraft,
		"pilots":           st.ActivePilots,
	}
}

// StartLogging logs a statistics summary every interval until ctx is done
func (s *Stats) StartLogging(ctx context.Context, interval time.Duration, logger logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.WithFields(s.Fields()).Info("Statistics")
		}
	}
}

// StartPersistence starts periodic persistence of statistics
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration, logger logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final persistence before shutdown
			if err := s.Persist(); err != nil {
				logger.WithError(err).Error("Failed to persist final statistics")
			}
			return
		case <-ticker.C:
			if err := s.Persist(); err != nil {
				logger.WithError(err).Warn("Failed to persist statistics")
			}
		}
	}
}

var (
	descMessages = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "messages_received_total"),
		"Messages received per transport.",
		[]string{"transport"}, nil,
	)
	descFrames = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "frames_total"),
		"Stream frames by decode outcome.",
		[]string{"outcome"}, nil,
	)
	descRejected = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "records_rejected_total"),
		"Records dropped before reaching the registry.",
		[]string{"reason"}, nil,
	)
	descEntities = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "registry", "operations_total"),
		"Registry upsert outcomes.",
		[]string{"operation"}, nil,
	)
	descEvictions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "registry", "evictions_total"),
		"Aircraft evicted from the registry.",
		[]string{"cause"}, nil,
	)
	descSnapshots = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "snapshot", "commits_total"),
		"Snapshot commits by result.",
		[]string{"result"}, nil,
	)
	descActive = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "registry", "entities"),
		"Live entities by kind.",
		[]string{"kind"}, nil,
	)
	descLastMessage = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "last_message_timestamp_seconds"),
		"Unix time of the last received message.",
		nil, nil,
	)
)

// Describe implements prometheus.Collector
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- descMessages
	ch <- descFrames
	ch <- descRejected
	ch <- descEntities
	ch <- descEvictions
	ch <- descSnapshots
	ch <- descActive
	ch <- descLastMessage
}

// Collect implements prometheus.Collector
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	st := s.GetStats()
	counter := func(d *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label)
	}

	counter(descMessages, st.FramesReceived, "stream")
	counter(descMessages, st.BusMessages, "bus")
	counter(descFrames, st.DecodedFrames, "decoded")
	counter(descFrames, st.DegradedFrames, "degraded")
	counter(descRejected, st.FailedMessages, "decode")
	counter(descRejected, st.IdentityDrops, "identity")
	counter(descRejected, st.PositionRejects, "position")
	counter(descEntities, st.CreatedEntities, "created")
	counter(descEntities, st.UpdatedEntities, "updated")
	counter(descEntities, st.RenamedEntities, "renamed")
	counter(descEvictions, st.CapacityEvictions, "capacity")
	counter(descEvictions, st.StaleEvictions, "stale")
	counter(descSnapshots, st.SnapshotsWritten, "ok")
	counter(descSnapshots, st.SnapshotFailures, "error")

	ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(st.ActiveAircraft), types.KindAircraft.String())
	ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(st.ActivePilots), types.KindPilot.String())
	ch <- prometheus.MustNewConstMetric(descLastMessage, prometheus.GaugeValue, float64(st.LastMessageTime.UnixNano())/1e9)
}
