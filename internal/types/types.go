package types

import (
	"time"
)

// Coordinate is a geographic position. The zero value is the "absent"
// sentinel: a Coordinate only carries a position when Present is set, so a
// missing report is never confused with the equator/prime meridian.
type Coordinate struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Present bool    `json:"present"`
}

// NoCoordinate is the explicit absent position.
var NoCoordinate = Coordinate{}

// NewCoordinate returns a present coordinate
func NewCoordinate(lat, lon float64) Coordinate {
	return Coordinate{Lat: lat, Lon: lon, Present: true}
}

// InRange reports whether the coordinate is present and within
// -90..90 / -180..180.
func (c Coordinate) InRange() bool {
	if !c.Present {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Unset reports whether the coordinate is absent or uses the upstream
// "unset" encoding (either component exactly zero).
func (c Coordinate) Unset() bool {
	return !c.Present || c.Lat == 0 || c.Lon == 0
}

// Valid reports whether the coordinate is in range and, when rejectZero is
// set, not the zero "unset" value.
func (c Coordinate) Valid(rejectZero bool) bool {
	if !c.InRange() {
		return false
	}
	return !rejectZero || !c.Unset()
}

// IdentityHint carries the identity fields a record declares. Either may be
// empty; a record with both empty has no usable identity.
type IdentityHint struct {
	Serial          string `json:"serial,omitempty"`
	HardwareAddress string `json:"hardware_address,omitempty"`
}

// Empty reports whether the hint carries no identity at all
func (h IdentityHint) Empty() bool {
	return h.Serial == "" && h.HardwareAddress == ""
}

// CanonicalRecord is the transport-agnostic telemetry shape produced by the
// frame decoder and the message normalizer.
type CanonicalRecord struct {
	Identity          IdentityHint `json:"identity"`
	Position          Coordinate   `json:"position"`
	PilotPosition     Coordinate   `json:"pilot_position"`
	HomePosition      Coordinate   `json:"home_position"`
	Altitude          float64      `json:"altitude"`
	HeightAboveGround float64      `json:"height"`
	HorizontalSpeed   float64      `json:"speed"`
	VerticalSpeed     float64      `json:"vspeed"`
	SignalStrength    *float64     `json:"rssi,omitempty"`
	FrequencyMHz      float64      `json:"frequency,omitempty"`
	Description       string       `json:"description"`
	ObservedAt        time.Time    `json:"observed_at"`
	Source            string       `json:"source,omitempty"`

	// Degraded marks a record built from sentinel values because the
	// underlying frame could not be fully decoded.
	Degraded bool `json:"degraded,omitempty"`
}

// Kind distinguishes aircraft from their derived pilot entities
type Kind int

const (
	KindAircraft Kind = iota
	KindPilot
)

func (k Kind) String() string {
	switch k {
	case KindAircraft:
		return "aircraft"
	case KindPilot:
		return "pilot"
	default:
		return "unknown"
	}
}

// Entity is a registry-owned aircraft or pilot. Values handed out by the
// registry are copies; mutating them does not affect registry state.
type Entity struct {
	ID                   string     `json:"id"`
	SessionID            string     `json:"session_id"`
	HardwareAddress      string     `json:"hardware_address,omitempty"`
	Kind                 Kind       `json:"kind"`
	Owner                string     `json:"owner,omitempty"`
	Position             Coordinate `json:"position"`
	Altitude             float64    `json:"altitude"`
	HeightAboveGround    float64    `json:"height"`
	HorizontalSpeed      float64    `json:"speed"`
	VerticalSpeed        float64    `json:"vspeed"`
	SignalStrength       *float64   `json:"rssi,omitempty"`
	DescriptionFragments []string   `json:"description"`
	FirstSeen            time.Time  `json:"first_seen"`
	LastSeen             time.Time  `json:"last_seen"`
}

// OutputRecord is one element of the published snapshot document
type OutputRecord struct {
	ID          string  `json:"id"`
	Callsign    string  `json:"callsign"`
	Time        string  `json:"time"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Speed       float64 `json:"speed"`
	VSpeed      float64 `json:"vspeed"`
	Alt         float64 `json:"alt"`
	Height      float64 `json:"height"`
	Description string  `json:"description"`
	RSSI        float64 `json:"rssi"`
}

// BusMessage is one message received from the publish/subscribe bus
type BusMessage struct {
	Subject   string    `json:"subject"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestStats is a point-in-time copy of the tracker counters
type IngestStats struct {
	InstanceID        string
	Time              time.Time
	FramesReceived    uint64
	BusMessages       uint64
	DecodedFrames     uint64
	DegradedFrames    uint64
	FailedMessages    uint64
	IdentityDrops     uint64
	PositionRejects   uint64
	CreatedEntities   uint64
	UpdatedEntities   uint64
	RenamedEntities   uint64
	CapacityEvictions uint64
	StaleEvictions    uint64
	SnapshotsWritten  uint64
	SnapshotFailures  uint64
	ActiveAircraft    uint64
	ActivePilots      uint64
	LastMessageTime   time.Time
	Uptime            time.Duration
}
