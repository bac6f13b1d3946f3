package snapshot

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/saviobatista/rid-tracker/internal/jsoncodec"
	"github.com/saviobatista/rid-tracker/internal/stats"
	"github.com/saviobatista/rid-tracker/internal/types"
	"github.com/sirupsen/logrus"
)

// TimeLayout is the ISO-8601 UTC layout used for the snapshot time
const TimeLayout = "2006-01-02T15:04:05.000Z"

const filterTimeout = 500 * time.Millisecond

// DescriptionSeparator joins accumulated description fragments
const DescriptionSeparator = "; "

// Source is the entity table a snapshot is taken from
type Source interface {
	Evict(now time.Time, maxAge time.Duration) []types.Entity
	Snapshot() []types.Entity
	AircraftCount() int
	PilotCount() int
}

// Writer commits a rendered document
type Writer interface {
	Write(data []byte) error
}

// Filter lists display ids that must not be published
type Filter interface {
	SuppressedIDs(ctx context.Context) (map[string]struct{}, error)
}

// Render converts entities into output records stamped with the snapshot
// time. Entities without a position are skipped.
func Render(entities []types.Entity, now time.Time) []types.OutputRecord {
	stamp := now.UTC().Format(TimeLayout)
	out := make([]types.OutputRecord, 0, len(entities))
	for _, e := range entities {
		if !e.Position.Present {
			continue
		}
		rec := types.OutputRecord{
			ID:          e.ID,
			Callsign:    e.ID,
			Time:        stamp,
			Lat:         e.Position.Lat,
			Lon:         e.Position.Lon,
			Speed:       e.HorizontalSpeed,
			VSpeed:      e.VerticalSpeed,
			Alt:         e.Altitude,
			Height:      e.HeightAboveGround,
			Description: strings.Join(e.DescriptionFragments, DescriptionSeparator),
		}
		if e.SignalStrength != nil {
			rec.RSSI = *e.SignalStrength
		}
		out = append(out, rec)
	}
	return out
}

// Suppress drops suppressed aircraft and the pilots they own
func Suppress(entities []types.Entity, suppressed map[string]struct{}) []types.Entity {
	if len(suppressed) == 0 {
		return entities
	}
	out := entities[:0:0]
	for _, e := range entities {
		id := e.ID
		if e.Kind == types.KindPilot {
			id = e.Owner
		}
		if _, ok := suppressed[id]; ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Encode renders the output document
func Encode(records []types.OutputRecord) ([]byte, error) {
	if records == nil {
		records = []types.OutputRecord{}
	}
	return jsoncodec.MarshalIndent(records, "", "  ")
}

// Options configures a Publisher
type Options struct {
	MaxAge time.Duration
	Filter Filter
	Stats  *stats.Stats
	Logger logrus.FieldLogger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Publisher periodically evicts stale entities and commits a snapshot
type Publisher struct {
	source Source
	writer Writer
	opts   Options
}

// NewPublisher creates a Publisher
func NewPublisher(source Source, writer Writer, opts Options) *Publisher {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{source: source, writer: writer, opts: opts}
}

// Tick runs one eviction sweep and publishes the result. It returns the
// number of records written.
func (p *Publisher) Tick(ctx context.Context) (int, error) {
	now := p.opts.Now()
	log := p.opts.Logger

	evicted := p.source.Evict(now, p.opts.MaxAge)
	for _, e := range evicted {
		log.WithFields(logrus.Fields{
			"id":        e.ID,
			"session":   e.SessionID,
			"last_seen": e.LastSeen,
		}).Info("Aircraft expired")
	}

	entities := p.source.Snapshot()
	if p.opts.Filter != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), filterTimeout)
		suppressed, err := p.opts.Filter.SuppressedIDs(fctx)
		cancel()
		if err != nil {
			log.WithError(err).Warn("Suppression list unavailable, publishing unfiltered")
		} else {
			entities = Suppress(entities, suppressed)
		}
	}

	records := Render(entities, now)
	data, err := Encode(records)
	if err == nil {
		err = p.writer.Write(data)
	}

	if st := p.opts.Stats; st != nil {
		st.AddStaleEvictions(len(evicted))
		st.SetActive(p.source.AircraftCount(), p.source.PilotCount())
		if err != nil {
			st.IncrementSnapshotFailures()
		} else {
			st.IncrementSnapshotsWritten()
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to publish snapshot: %w", err)
	}

	log.WithField("records", len(records)).Debug("Snapshot published")
	return len(records), nil
}

// Run calls Tick every interval until ctx is done. Failures are logged and
// retried on the next tick. A commit in progress when ctx is cancelled runs
// to completion.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil {
				p.opts.Logger.WithError(err).Error("Snapshot publication failed")
			}
		}
	}
}
