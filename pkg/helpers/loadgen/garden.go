package loadgen

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/types"
)

// GardenPayloadGenerator emits plausible garden monitor readings with a
// per-device sequence number.
type GardenPayloadGenerator struct {
	mu        sync.Mutex
	sequences map[string]int
	rng       *rand.Rand
	now       func() time.Time
	// Padding adds a filler SIM string of this length, for building records
	// of a chosen size.
	Padding int
}

func NewGardenPayloadGenerator(seed int64) *GardenPayloadGenerator {
	return &GardenPayloadGenerator{
		sequences: make(map[string]int),
		rng:       rand.New(rand.NewSource(seed)),
		now:       time.Now,
	}
}

func (g *GardenPayloadGenerator) GeneratePayload(device *Device) ([]byte, error) {
	g.mu.Lock()
	g.sequences[device.ID]++
	readings := types.GardenMonitorReadings{
		DE:           device.ID,
		Version:      device.Firmware,
		Sequence:     g.sequences[device.ID],
		Battery:      20 + g.rng.Intn(80),
		Temperature:  5 + g.rng.Intn(25),
		Humidity:     30 + g.rng.Intn(60),
		SoilMoisture: g.rng.Intn(100),
		WaterFlow:    g.rng.Intn(10),
		WaterQuality: g.rng.Intn(100),
		TankLevel:    g.rng.Intn(100),
		AmbientLight: g.rng.Intn(1000),
		RSSI:         fmt.Sprintf("-%d", 50+g.rng.Intn(60)),
		Timestamp:    g.now().UTC(),
	}
	g.mu.Unlock()

	if g.Padding > 0 {
		b := make([]byte, g.Padding)
		for i := range b {
			b[i] = '0'
		}
		readings.SIM = string(b)
	}
	payload, err := json.Marshal(readings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal readings for %s: %w", device.ID, err)
	}
	return payload, nil
}
