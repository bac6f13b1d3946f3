package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/saviobatista/rid-tracker/internal/types"
)

// Frame layout on the AntSDR stream socket:
//
//	[0:2]  header bytes
//	[2]    package type
//	[3:5]  payload length, little-endian uint16
//	[5:]   payload
const (
	HeaderSize   = 5
	PayloadSize  = 227
	FrameSize    = HeaderSize + PayloadSize
	MaxPayload   = 4096
	TypeDroneID  = 0x01
	textFieldLen = 64
)

// Payload offsets. Numeric fields are little-endian.
const (
	offSerial     = 0
	offDeviceType = offSerial + textFieldLen
	offTypeCode   = offDeviceType + textFieldLen
	offPilotLat   = offTypeCode + 1
	offPilotLon   = offPilotLat + 8
	offDroneLat   = offPilotLon + 8
	offDroneLon   = offDroneLat + 8
	offHeight     = offDroneLon + 8
	offAltitude   = offHeight + 8
	offHomeLat    = offAltitude + 8
	offHomeLon    = offHomeLat + 8
	offFrequency  = offHomeLon + 8
	offSpeedE     = offFrequency + 8
	offSpeedN     = offSpeedE + 8
	offSpeedU     = offSpeedN + 8
	offRSSI       = offSpeedU + 8
)

// Sentinels substituted into degraded records
const (
	UnknownSerial      = "unknown"
	UndecodableDevice  = "encrypted/undecodable"
	DefaultDescription = "DJI Drone"
)

var (
	ErrShortFrame         = errors.New("frame shorter than header")
	ErrUnsupportedType    = errors.New("unsupported package type")
	ErrTruncatedPayload   = errors.New("payload truncated")
	ErrInvalidText        = errors.New("text field is not valid UTF-8")
	ErrPositionOutOfRange = errors.New("aircraft position out of range")
	ErrPositionUnset      = errors.New("aircraft position unset")
)

// Mode selects what happens when the payload cannot be fully decoded
type Mode int

const (
	// ModeDegrade forwards a record built from sentinel values.
	ModeDegrade Mode = iota
	// ModeDrop rejects the frame with the decode error.
	ModeDrop
)

func (m Mode) String() string {
	if m == ModeDrop {
		return "drop"
	}
	return "degrade"
}

// ParseMode maps a configuration value to a Mode
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "degrade":
		return ModeDegrade, nil
	case "drop":
		return ModeDrop, nil
	default:
		return ModeDegrade, fmt.Errorf("unknown decode mode %q", s)
	}
}

// Options controls decoding
type Options struct {
	Mode Mode
	// RejectZero treats a zero latitude or longitude as unset (post-2024
	// protocol revision). When false only range checks apply.
	RejectZero bool
}

// Header is the fixed frame prefix
type Header struct {
	Magic  [2]byte
	Type   byte
	Length uint16
}

// Payload holds the raw DroneID fields in wire order
type Payload struct {
	Serial         string
	DeviceType     string
	DeviceTypeCode byte
	PilotLat       float64
	PilotLon       float64
	DroneLat       float64
	DroneLon       float64
	Height         float64
	Altitude       float64
	HomeLat        float64
	HomeLon        float64
	Frequency      float64
	SpeedE         float64
	SpeedN         float64
	SpeedU         float64
	RSSI           int16
}

// ParseHeader reads the frame header
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	return Header{
		Magic:  [2]byte{buf[0], buf[1]},
		Type:   buf[2],
		Length: binary.LittleEndian.Uint16(buf[3:5]),
	}, nil
}

// PayloadBytes returns the payload slice, bounded by both the declared length
// and the bytes actually present.
func PayloadBytes(buf []byte) (Header, []byte, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return h, nil, err
	}
	n := int(h.Length)
	if avail := len(buf) - HeaderSize; avail < n {
		n = avail
	}
	return h, buf[HeaderSize : HeaderSize+n], nil
}

// ParsePayload decodes the fixed-offset payload fields
func ParsePayload(p []byte) (Payload, error) {
	var out Payload

	if len(p) < offTypeCode {
		return out, fmt.Errorf("%w: %d bytes, text fields need %d", ErrTruncatedPayload, len(p), offTypeCode)
	}
	serial, ok := decodeText(p[offSerial:offDeviceType])
	if !ok {
		return out, fmt.Errorf("%w: serial", ErrInvalidText)
	}
	device, ok := decodeText(p[offDeviceType:offTypeCode])
	if !ok {
		return out, fmt.Errorf("%w: device type", ErrInvalidText)
	}
	if len(p) < PayloadSize {
		return out, fmt.Errorf("%w: %d of %d bytes", ErrTruncatedPayload, len(p), PayloadSize)
	}

	out.Serial = serial
	out.DeviceType = device
	out.DeviceTypeCode = p[offTypeCode]
	out.PilotLat = readFloat(p, offPilotLat)
	out.PilotLon = readFloat(p, offPilotLon)
	out.DroneLat = readFloat(p, offDroneLat)
	out.DroneLon = readFloat(p, offDroneLon)
	out.Height = readFloat(p, offHeight)
	out.Altitude = readFloat(p, offAltitude)
	out.HomeLat = readFloat(p, offHomeLat)
	out.HomeLon = readFloat(p, offHomeLon)
	out.Frequency = readFloat(p, offFrequency)
	out.SpeedE = readFloat(p, offSpeedE)
	out.SpeedN = readFloat(p, offSpeedN)
	out.SpeedU = readFloat(p, offSpeedU)
	out.RSSI = int16(binary.LittleEndian.Uint16(p[offRSSI : offRSSI+2]))
	return out, nil
}

// MarshalBinary encodes the payload in wire layout. Text longer than the
// field width is truncated.
func (p Payload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PayloadSize)
	copy(buf[offSerial:offDeviceType], p.Serial)
	copy(buf[offDeviceType:offTypeCode], p.DeviceType)
	buf[offTypeCode] = p.DeviceTypeCode
	putFloat(buf, offPilotLat, p.PilotLat)
	putFloat(buf, offPilotLon, p.PilotLon)
	putFloat(buf, offDroneLat, p.DroneLat)
	putFloat(buf, offDroneLon, p.DroneLon)
	putFloat(buf, offHeight, p.Height)
	putFloat(buf, offAltitude, p.Altitude)
	putFloat(buf, offHomeLat, p.HomeLat)
	putFloat(buf, offHomeLon, p.HomeLon)
	putFloat(buf, offFrequency, p.Frequency)
	putFloat(buf, offSpeedE, p.SpeedE)
	putFloat(buf, offSpeedN, p.SpeedN)
	putFloat(buf, offSpeedU, p.SpeedU)
	binary.LittleEndian.PutUint16(buf[offRSSI:offRSSI+2], uint16(p.RSSI))
	return buf, nil
}

// Encode builds a complete DroneID frame around the payload
func Encode(p Payload) []byte {
	body, _ := p.MarshalBinary()
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[2] = TypeDroneID
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(body)))
	return append(buf, body...)
}

// Decode turns a frame into a canonical record. Records whose aircraft
// position fails validation are rejected with ErrPositionOutOfRange or
// ErrPositionUnset; the decoded record is still returned alongside those two
// errors so callers can account for it. Degraded set means the payload was
// undecodable and sentinel values were substituted.
func Decode(buf []byte, observedAt time.Time, opts Options) (*types.CanonicalRecord, error) {
	h, body, err := PayloadBytes(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeDroneID {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, h.Type)
	}

	var rec *types.CanonicalRecord
	p, err := ParsePayload(body)
	switch {
	case err == nil:
		rec = p.Record(observedAt)
	case opts.Mode == ModeDegrade && (errors.Is(err, ErrInvalidText) || errors.Is(err, ErrTruncatedPayload)):
		rec = DegradedRecord(observedAt)
	default:
		return nil, err
	}

	if !rec.Position.InRange() {
		return rec, fmt.Errorf("%w: lat=%f lon=%f", ErrPositionOutOfRange, rec.Position.Lat, rec.Position.Lon)
	}
	if opts.RejectZero && rec.Position.Unset() {
		return rec, fmt.Errorf("%w: lat=%f lon=%f", ErrPositionUnset, rec.Position.Lat, rec.Position.Lon)
	}
	return rec, nil
}

// Record converts the raw payload to a canonical record
func (p Payload) Record(observedAt time.Time) *types.CanonicalRecord {
	desc := p.DeviceType
	if desc == "" {
		desc = DefaultDescription
	}
	rssi := float64(p.RSSI)
	return &types.CanonicalRecord{
		Identity:          types.IdentityHint{Serial: p.Serial},
		Position:          types.NewCoordinate(p.DroneLat, p.DroneLon),
		PilotPosition:     types.NewCoordinate(p.PilotLat, p.PilotLon),
		HomePosition:      types.NewCoordinate(p.HomeLat, p.HomeLon),
		Altitude:          finite(p.Altitude),
		HeightAboveGround: finite(p.Height),
		HorizontalSpeed:   finite(math.Hypot(p.SpeedE, p.SpeedN)),
		VerticalSpeed:     finite(p.SpeedU),
		SignalStrength:    &rssi,
		FrequencyMHz:      finite(p.Frequency),
		Description:       desc,
		ObservedAt:        observedAt,
	}
}

// DegradedRecord is the sentinel record used for undecodable payloads. All
// numeric fields are zero, so positions are present-but-zero and the record
// is flagged.
func DegradedRecord(observedAt time.Time) *types.CanonicalRecord {
	return &types.CanonicalRecord{
		Identity:      types.IdentityHint{Serial: UnknownSerial},
		Position:      types.NewCoordinate(0, 0),
		PilotPosition: types.NewCoordinate(0, 0),
		HomePosition:  types.NewCoordinate(0, 0),
		Description:   UndecodableDevice,
		ObservedAt:    observedAt,
		Degraded:      true,
	}
}

func decodeText(b []byte) (string, bool) {
	b = bytes.TrimRight(b, "\x00")
	if !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}

// finite maps NaN and infinities to zero. Positions are left alone since
// range validation already rejects them.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func readFloat(p []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(p[off : off+8]))
}

func putFloat(p []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(p[off:off+8], math.Float64bits(v))
}
