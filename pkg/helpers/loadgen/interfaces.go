package loadgen

import (
	"context"
)

// PayloadGenerator produces the reading a device sends on each tick.
type PayloadGenerator interface {
	GeneratePayload(device *Device) ([]byte, error)
}

// Client delivers generated readings somewhere: straight into a record
// store, or to a broker the ingester listens on.
type Client interface {
	Connect() error
	Disconnect()
	// Publish generates the device's payload and sends it. It reports
	// whether the reading was accepted.
	Publish(ctx context.Context, device *Device) (bool, error)
}
