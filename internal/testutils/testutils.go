package testutils

import (
	"context"
	"fmt"
	"time"

	"github.com/saviobatista/rid-tracker/internal/frame"
	"github.com/saviobatista/rid-tracker/internal/jsoncodec"
	"github.com/saviobatista/rid-tracker/internal/types"
)

// MockPayload creates a DroneID payload with plausible telemetry
func MockPayload(serial string, lat, lon float64) frame.Payload {
	return frame.Payload{
		Serial:         serial,
		DeviceType:     "Mini 4 Pro",
		DeviceTypeCode: 68,
		PilotLat:       lat - 0.001,
		PilotLon:       lon - 0.001,
		DroneLat:       lat,
		DroneLon:       lon,
		Height:         30,
		Altitude:       55,
		HomeLat:        lat - 0.001,
		HomeLon:        lon - 0.001,
		Frequency:      2437,
		SpeedE:         3,
		SpeedN:         4,
		SpeedU:         0.5,
		RSSI:           -72,
	}
}

// MockFrame creates a complete DroneID frame for testing
func MockFrame(serial string, lat, lon float64) []byte {
	return frame.Encode(MockPayload(serial, lat, lon))
}

// MockFlatMessage creates a flat bus message for testing
func MockFlatMessage(serial, mac string, lat, lon float64) []byte {
	data, _ := jsoncodec.Marshal(map[string]any{
		"drone_id":   serial,
		"mac":        mac,
		"latitude":   lat,
		"longitude":  lon,
		"altitude":   "120.0 m",
		"speed":      "6.5 m/s",
		"vert_speed": "0.0 m/s",
		"height":     "45 m",
		"rssi":       -65,
	})
	return data
}

// MockTaggedMessage creates a tagged-list bus message for testing. A zero
// pilot position omits the System Message.
func MockTaggedMessage(serial, mac string, lat, lon, pilotLat, pilotLon float64) []byte {
	parts := []map[string]any{
		{"Basic ID": map[string]any{
			"id_type": "Serial Number (ANSI/CTA-2063-A)",
			"id":      serial,
			"MAC":     mac,
			"RSSI":    -70,
		}},
		{"Location/Vector Message": map[string]any{
			"latitude":          lat,
			"longitude":         lon,
			"speed":             "5.0 m/s",
			"vert_speed":        "0.0 m/s",
			"geodetic_altitude": "100.0 m",
			"height_agl":        "40.0 m",
		}},
	}
	if pilotLat != 0 || pilotLon != 0 {
		parts = append(parts, map[string]any{"System Message": map[string]any{
			"latitude":  pilotLat,
			"longitude": pilotLon,
		}})
	}
	data, _ := jsoncodec.Marshal(parts)
	return data
}

// MockBusMessage wraps a body as a received bus message
func MockBusMessage(data []byte) *types.BusMessage {
	return &types.BusMessage{
		Subject:   "remoteid.telemetry",
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
