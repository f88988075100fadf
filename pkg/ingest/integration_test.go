//go:build integration

package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/helpers/emulators"
	"github.com/illmade-knight/go-fieldsync/pkg/ingest"
	"github.com/illmade-knight/go-fieldsync/pkg/recordstore"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMQTTIngester_Integration_MQTT_To_Store(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn := emulators.SetupMosquittoContainer(t, ctx, emulators.GetDefaultMqttImageContainer())

	store := recordstore.NewMemoryStore(zerolog.Nop())
	cfg := ingest.DefaultIngesterConfig()
	cfg.Owner = "alice"
	ingester, err := ingest.NewMQTTIngester(store, cfg, ingest.MQTTClientConfig{
		BrokerURL:      conn.EmulatorAddress,
		Topic:          "devices/+/data",
		ClientIDPrefix: "ingest-test-",
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ingester.Start())
	defer ingester.Stop()

	publisher, err := emulators.CreateTestMqttPublisher(conn.EmulatorAddress, "ingest-test-publisher")
	require.NoError(t, err)
	defer publisher.Disconnect(250)

	const messages = 5
	// The subscription is made in the connect handler, give it a moment.
	time.Sleep(500 * time.Millisecond)
	for i := 0; i < messages; i++ {
		token := publisher.Publish("devices/dev-1/data", 1, false, `{"payload":{"DE":"dev-1","VR":"2.0"}}`)
		require.True(t, token.WaitTimeout(5*time.Second))
		require.NoError(t, token.Error())
	}

	require.Eventually(t, func() bool {
		n, err := store.PendingCount(ctx, types.DomainProbes, "alice")
		return err == nil && n == messages
	}, 15*time.Second, 100*time.Millisecond)
}
