package parser

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/saviobatista/rid-tracker/internal/jsoncodec"
	"github.com/saviobatista/rid-tracker/internal/types"
)

// Sub-message discriminators used by the tagged-list format
const (
	TagBasicID        = "Basic ID"
	TagLocationVector = "Location/Vector Message"
	TagSelfID         = "Self-ID Message"
	TagSystem         = "System Message"
	TagOperatorID     = "Operator ID Message"
)

// Recognized Basic ID identity types
const (
	IDTypeSerial       = "Serial Number (ANSI/CTA-2063-A)"
	IDTypeRegistration = "CAA Assigned Registration ID"
)

var (
	ErrInvalidJSON  = errors.New("invalid JSON message")
	ErrUnknownShape = errors.New("message is neither a tagged list nor a flat object")
)

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// Message is one upstream bus message. It is either a TaggedMessage or a
// FlatMessage.
type Message interface {
	shape() string
}

// Part is one tagged sub-message
type Part struct {
	Tag  string
	Body map[string]any
}

// TaggedMessage is an ordered list of independent sub-messages
type TaggedMessage struct {
	Parts []Part
}

func (TaggedMessage) shape() string { return "tagged" }

// FlatMessage carries all fields at the top level
type FlatMessage struct {
	Fields map[string]any
}

func (FlatMessage) shape() string { return "flat" }

// Decode classifies a raw JSON body into one of the message variants
func Decode(data []byte) (Message, error) {
	var raw any
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	switch v := raw.(type) {
	case []any:
		msg := TaggedMessage{}
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			// Several tags in one element are taken in sorted order.
			for _, tag := range slices.Sorted(maps.Keys(obj)) {
				b, ok := obj[tag].(map[string]any)
				if !ok {
					continue
				}
				msg.Parts = append(msg.Parts, Part{Tag: tag, Body: b})
			}
		}
		return msg, nil
	case map[string]any:
		return FlatMessage{Fields: v}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownShape, raw)
	}
}

// ParseMessage decodes and normalizes a raw bus message
func ParseMessage(data []byte, observedAt time.Time) (*types.CanonicalRecord, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Normalize(msg, observedAt)
}

// Normalize folds a message into a canonical record
func Normalize(msg Message, observedAt time.Time) (*types.CanonicalRecord, error) {
	switch m := msg.(type) {
	case TaggedMessage:
		return normalizeTagged(m, observedAt), nil
	case *TaggedMessage:
		return normalizeTagged(*m, observedAt), nil
	case FlatMessage:
		return normalizeFlat(m, observedAt), nil
	case *FlatMessage:
		return normalizeFlat(*m, observedAt), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownShape, msg)
	}
}

func normalizeTagged(m TaggedMessage, observedAt time.Time) *types.CanonicalRecord {
	rec := &types.CanonicalRecord{ObservedAt: observedAt}
	var descriptions []string
	identitySet := false

	for _, part := range m.Parts {
		body := part.Body
		switch part.Tag {
		case TagBasicID:
			if !identitySet && recognizedIDType(stringField(body, "id_type")) {
				if id := strings.TrimSpace(stringField(body, "id")); id != "" {
					rec.Identity.Serial = id
					identitySet = true
				}
			}
			if rec.Identity.HardwareAddress == "" {
				rec.Identity.HardwareAddress = HardwareAddress(firstField(body, "MAC", "mac"))
			}
			if rec.SignalStrength == nil {
				rec.SignalStrength = optionalFloat(body, "RSSI", "rssi")
			}
			if d := stringField(body, "description"); d != "" {
				descriptions = append(descriptions, d)
			}

		case TagLocationVector:
			rec.Position = coordinate(body, "latitude", "longitude")
			rec.HorizontalSpeed = ParseFloat(body["speed"])
			rec.VerticalSpeed = ParseFloat(body["vert_speed"])
			rec.Altitude = ParseFloat(body["geodetic_altitude"])
			rec.HeightAboveGround = ParseFloat(body["height_agl"])

		case TagSelfID:
			if text := stringField(body, "text"); text != "" {
				descriptions = append(descriptions, text)
			}

		case TagSystem:
			if _, ok := body["operator_lat"]; ok {
				rec.PilotPosition = coordinate(body, "operator_lat", "operator_lon")
			} else {
				rec.PilotPosition = coordinate(body, "latitude", "longitude")
			}
			if _, ok := body["home_lat"]; ok {
				rec.HomePosition = coordinate(body, "home_lat", "home_lon")
			}
		}
	}

	rec.Description = strings.Join(descriptions, "; ")
	return rec
}

func normalizeFlat(m FlatMessage, observedAt time.Time) *types.CanonicalRecord {
	f := m.Fields
	rec := &types.CanonicalRecord{ObservedAt: observedAt}

	if basic, ok := f[TagBasicID].(map[string]any); ok && recognizedIDType(stringField(basic, "id_type")) {
		rec.Identity.Serial = strings.TrimSpace(stringField(basic, "id"))
	}
	if rec.Identity.Serial == "" {
		rec.Identity.Serial = strings.TrimSpace(firstField(f, "drone_id", "id", "serial"))
	}
	rec.Identity.HardwareAddress = HardwareAddress(firstField(f, "mac", "MAC", "hardware_address"))

	rec.Position = coordinate(f, "latitude", "longitude")
	rec.PilotPosition = coordinate(f, "pilot_lat", "pilot_lon")
	if _, ok := f["home_lat"]; ok {
		rec.HomePosition = coordinate(f, "home_lat", "home_lon")
	}
	rec.Altitude = ParseFloat(f["altitude"])
	rec.HorizontalSpeed = ParseFloat(f["speed"])
	rec.VerticalSpeed = ParseFloat(f["vert_speed"])
	rec.HeightAboveGround = ParseFloat(f["height"])
	rec.SignalStrength = optionalFloat(f, "rssi", "RSSI")

	if d, ok := f["description"]; ok {
		rec.Description = toString(d)
	} else if self, ok := f[TagSelfID].(map[string]any); ok {
		rec.Description = stringField(self, "text")
	}
	return rec
}

// HardwareAddress validates a six-group colon-hex address and returns it in
// lower case. Anything else is treated as absent.
func HardwareAddress(s string) string {
	s = strings.TrimSpace(s)
	if !macPattern.MatchString(s) {
		return ""
	}
	return strings.ToLower(s)
}

// ParseFloat leniently parses a numeric field: numbers are used as-is and
// strings contribute their leading token ("12.5 m/s" -> 12.5). Anything that
// does not parse, including NaN and infinities, yields 0.
func ParseFloat(v any) float64 {
	f, _ := parseNumber(v)
	return f
}

func parseNumber(v any) (float64, bool) {
	f, ok := rawNumber(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		fields := strings.Fields(n)
		if len(fields) == 0 {
			return 0, false
		}
		f, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// coordinate builds a position from two fields. A missing or unparsable
// component yields the absent sentinel rather than a zero.
func coordinate(m map[string]any, latKey, lonKey string) types.Coordinate {
	lat, ok := parseNumber(m[latKey])
	if !ok {
		return types.NoCoordinate
	}
	lon, ok := parseNumber(m[lonKey])
	if !ok {
		return types.NoCoordinate
	}
	return types.NewCoordinate(lat, lon)
}

func optionalFloat(m map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		if f, ok := parseNumber(m[k]); ok {
			return &f
		}
	}
	return nil
}

func recognizedIDType(t string) bool {
	return t == IDTypeSerial || t == IDTypeRegistration
}

func stringField(m map[string]any, key string) string {
	return toString(m[key])
}

func firstField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := toString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}
