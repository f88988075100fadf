package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// GardenMonitorMessage is the envelope garden monitor devices publish over MQTT.
type GardenMonitorMessage struct {
	Payload *GardenMonitorReadings `json:"payload"`
}

// DecodeGardenMonitorMessage unwraps the readings from a device message.
// A message without a payload is reported with skip set so the caller can
// drop it without treating it as malformed.
func DecodeGardenMonitorMessage(raw []byte) (readings *GardenMonitorReadings, skip bool, err error) {
	var msg GardenMonitorMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal garden monitor message: %w", err)
	}
	if msg.Payload == nil {
		return nil, true, nil
	}
	return msg.Payload, false, nil
}

// GardenMonitorReadings is a single report from a garden monitor. The short
// JSON names are what the firmware emits.
type GardenMonitorReadings struct {
	DE           string    `json:"DE"`
	SIM          string    `json:"SIM"`
	RSSI         string    `json:"RS"`
	Version      string    `json:"VR"`
	Sequence     int       `json:"SQ"`
	Battery      int       `json:"BA"`
	Temperature  int       `json:"TM"`
	Humidity     int       `json:"HM"`
	SoilMoisture int       `json:"SM1"`
	WaterFlow    int       `json:"FL1"`
	WaterQuality int       `json:"WQ"`
	TankLevel    int       `json:"DL1"`
	AmbientLight int       `json:"AM"`
	Timestamp    time.Time `json:"timestamp"`
}
