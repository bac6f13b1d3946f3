package main

import (
	"errors"
	"fmt"

	"github.com/saviobatista/rid-tracker/internal/capture"
	"github.com/saviobatista/rid-tracker/internal/frame"
	"github.com/saviobatista/rid-tracker/internal/parser"
	"github.com/saviobatista/rid-tracker/internal/registry"
	"github.com/saviobatista/rid-tracker/internal/stats"
	"github.com/saviobatista/rid-tracker/internal/types"
	"github.com/sirupsen/logrus"
)

// ErrPositionRejected is returned for bus records whose aircraft position
// is out of range or unset.
var ErrPositionRejected = errors.New("aircraft position rejected")

// Tracker validates decoded records and consolidates them into the registry
type Tracker struct {
	registry *registry.Registry
	stats    *stats.Stats
	logger   logrus.FieldLogger
	decode   frame.Options
}

// NewTracker creates a tracker feeding reg
func NewTracker(reg *registry.Registry, st *stats.Stats, decode frame.Options, logger logrus.FieldLogger) *Tracker {
	return &Tracker{
		registry: reg,
		stats:    st,
		logger:   logger,
		decode:   decode,
	}
}

// ProcessFrame decodes a stream frame and consolidates the result
func (t *Tracker) ProcessFrame(msg capture.Message) error {
	t.stats.IncrementFramesReceived()
	t.stats.UpdateLastMessageTime()

	rec, err := frame.Decode(msg.Data, msg.Timestamp, t.decode)
	if rec != nil {
		if rec.Degraded {
			t.stats.IncrementDegradedFrames()
		} else {
			t.stats.IncrementDecodedFrames()
		}
	}
	if err != nil {
		if errors.Is(err, frame.ErrPositionOutOfRange) || errors.Is(err, frame.ErrPositionUnset) {
			t.stats.IncrementPositionRejects()
		} else {
			t.stats.IncrementFailedMessages()
		}
		return fmt.Errorf("failed to decode frame from %s: %w", msg.Source, err)
	}
	rec.Source = msg.Source

	return t.consolidate(rec)
}

// ProcessMessage normalizes a bus message and consolidates the result
func (t *Tracker) ProcessMessage(msg *types.BusMessage) error {
	t.stats.IncrementBusMessages()
	t.stats.UpdateLastMessageTime()

	rec, err := parser.ParseMessage(msg.Data, msg.Timestamp)
	if err != nil {
		t.stats.IncrementFailedMessages()
		return fmt.Errorf("failed to parse message: %w", err)
	}

	if !rec.Position.Valid(t.decode.RejectZero) {
		t.stats.IncrementPositionRejects()
		return fmt.Errorf("%w: %s lat=%f lon=%f", ErrPositionRejected,
			rec.Identity.Serial, rec.Position.Lat, rec.Position.Lon)
	}
	rec.Source = msg.Subject

	return t.consolidate(rec)
}

func (t *Tracker) consolidate(rec *types.CanonicalRecord) error {
	res, err := t.registry.Upsert(rec)
	if err != nil {
		if errors.Is(err, registry.ErrNoIdentity) {
			t.stats.IncrementIdentityDrops()
		}
		return err
	}

	log := t.logger.WithField("id", res.Entity.ID)

	if res.Created {
		t.stats.IncrementCreatedEntities()
		log.WithFields(logrus.Fields{
			"session": res.Entity.SessionID,
			"address": res.Entity.HardwareAddress,
			"source":  rec.Source,
		}).Info("Aircraft admitted")
	} else {
		t.stats.IncrementUpdatedEntities()
	}

	if res.RenamedFrom != "" {
		t.stats.IncrementRenamedEntities()
		log.WithField("previous", res.RenamedFrom).Info("Aircraft renamed")
	}
	if res.Absorbed != "" {
		log.WithField("duplicate", res.Absorbed).Debug("Merged duplicate aircraft")
	}
	if res.SerialConflict != "" {
		log.WithFields(logrus.Fields{
			"serial":  res.SerialConflict,
			"address": res.Entity.HardwareAddress,
		}).Warn("Serial already shown by another aircraft, keeping address as id")
	}

	if len(res.Evicted) > 0 {
		t.stats.AddCapacityEvictions(len(res.Evicted))
		for _, e := range res.Evicted {
			t.logger.WithFields(logrus.Fields{
				"id":      e.ID,
				"session": e.SessionID,
			}).Info("Aircraft evicted at capacity")
		}
	}

	t.stats.SetActive(t.registry.AircraftCount(), t.registry.PilotCount())
	return nil
}
