package types

import (
	"testing"

	"github.com/saviobatista/rid-tracker/internal/jsoncodec"
)

func TestCoordinate(t *testing.T) {
	tests := []struct {
		name        string
		c           Coordinate
		inRange     bool
		unset       bool
		validStrict bool
		validLegacy bool
	}{
		{"absent", NoCoordinate, false, true, false, false},
		{"normal", NewCoordinate(52.1, 4.3), true, false, true, true},
		{"origin", NewCoordinate(0, 0), true, true, false, true},
		{"zero latitude", NewCoordinate(0, 4.3), true, true, false, true},
		{"zero longitude", NewCoordinate(52.1, 0), true, true, false, true},
		{"poles and antimeridian", NewCoordinate(-90, 180), true, false, true, true},
		{"latitude too large", NewCoordinate(90.0001, 4.3), false, false, false, false},
		{"longitude too small", NewCoordinate(52.1, -180.5), false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.InRange(); got != tt.inRange {
				t.Errorf("InRange() = %v, want %v", got, tt.inRange)
			}
			if got := tt.c.Unset(); got != tt.unset {
				t.Errorf("Unset() = %v, want %v", got, tt.unset)
			}
			if got := tt.c.Valid(true); got != tt.validStrict {
				t.Errorf("Valid(true) = %v, want %v", got, tt.validStrict)
			}
			if got := tt.c.Valid(false); got != tt.validLegacy {
				t.Errorf("Valid(false) = %v, want %v", got, tt.validLegacy)
			}
		})
	}
}

func TestIdentityHintEmpty(t *testing.T) {
	tests := []struct {
		hint IdentityHint
		want bool
	}{
		{IdentityHint{}, true},
		{IdentityHint{Serial: "1581F5FJD228400A"}, false},
		{IdentityHint{HardwareAddress: "aa:bb:cc:dd:ee:ff"}, false},
		{IdentityHint{Serial: "X1", HardwareAddress: "aa:bb:cc:dd:ee:ff"}, false},
	}
	for _, tt := range tests {
		if got := tt.hint.Empty(); got != tt.want {
			t.Errorf("%+v.Empty() = %v, want %v", tt.hint, got, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	tests := map[Kind]string{
		KindAircraft: "aircraft",
		KindPilot:    "pilot",
		Kind(7):      "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %s, want %s", int(k), got, want)
		}
	}
}

// The snapshot consumer reads these exact keys.
func TestOutputRecordKeys(t *testing.T) {
	data, err := jsoncodec.Marshal(OutputRecord{ID: "X1", Callsign: "X1"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var m map[string]any
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := []string{"id", "callsign", "time", "lat", "lon", "speed", "vspeed", "alt", "height", "description", "rssi"}
	if len(m) != len(want) {
		t.Errorf("Expected %d keys, got %d: %v", len(want), len(m), m)
	}
	for _, k := range want {
		if _, ok := m[k]; !ok {
			t.Errorf("Missing key %q", k)
		}
	}
}

func TestEntityJSONOmitsAbsentSignal(t *testing.T) {
	data, err := jsoncodec.Marshal(Entity{ID: "X1"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var m map[string]any
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := m["rssi"]; ok {
		t.Error("Absent signal strength should be omitted")
	}
}
