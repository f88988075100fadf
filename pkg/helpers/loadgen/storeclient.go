package loadgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/recordstore"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

// StoreClient writes readings straight into a record store as probes, as
// the ingester would.
type StoreClient struct {
	writer     recordstore.Writer
	owner      string
	observerID string
	streamID   string
	logger     zerolog.Logger
}

func NewStoreClient(writer recordstore.Writer, owner, observerID, streamID string, logger zerolog.Logger) *StoreClient {
	return &StoreClient{
		writer:     writer,
		owner:      owner,
		observerID: observerID,
		streamID:   streamID,
		logger:     logger.With().Str("component", "LoadGenStoreClient").Logger(),
	}
}

func (c *StoreClient) Connect() error {
	if c.writer == nil {
		return errors.New("record writer cannot be nil")
	}
	return nil
}

func (c *StoreClient) Disconnect() {}

func (c *StoreClient) Publish(ctx context.Context, device *Device) (bool, error) {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return false, fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}
	version := device.Firmware
	if version == "" {
		version = "0"
	}
	id, err := c.writer.InsertObservation(ctx, types.Observation{
		Owner:           c.owner,
		ObserverID:      c.observerID,
		ObserverVersion: version,
		StreamID:        c.streamID,
		StreamVersion:   1,
		Data:            payload,
		Time:            time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to store reading for device %s: %w", device.ID, err)
	}
	c.logger.Debug().Str("device_id", device.ID).Int64("record_id", int64(id)).Msg("Reading stored")
	return true, nil
}
