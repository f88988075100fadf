package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-fieldsync/internal/app"
	"github.com/illmade-knight/go-fieldsync/pkg/helpers/loadgen"
	"github.com/illmade-knight/go-fieldsync/pkg/ingest"
	"github.com/spf13/cobra"
)

// LoadgenOptions holds flags for the loadgen command.
type LoadgenOptions struct {
	*RootOptions
	Devices  int
	Rate     float64
	Duration time.Duration
	Firmware string
	Padding  int
	// ViaMQTT publishes to the configured broker instead of writing to the
	// store directly.
	ViaMQTT bool
}

func NewLoadgenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadgenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Simulate garden monitors filling the probe buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadgen(opts, cmd)
		},
	}
	cmd.Flags().IntVar(&opts.Devices, "devices", 5, "number of simulated devices")
	cmd.Flags().Float64Var(&opts.Rate, "rate", 1, "readings per second per device")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 10*time.Second, "how long to generate readings")
	cmd.Flags().StringVar(&opts.Firmware, "firmware", "1.0.0", "firmware version reported by the devices")
	cmd.Flags().IntVar(&opts.Padding, "padding", 0, "extra bytes per reading")
	cmd.Flags().BoolVar(&opts.ViaMQTT, "mqtt", false, "publish to mqtt.broker_url instead of the store")
	return cmd
}

func runLoadgen(opts *LoadgenOptions, cmd *cobra.Command) error {
	if opts.Devices <= 0 {
		return errors.New("--devices must be positive")
	}
	cfg, logger, err := opts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	gen := loadgen.NewGardenPayloadGenerator(time.Now().UnixNano())
	gen.Padding = opts.Padding
	devices := make([]*loadgen.Device, opts.Devices)
	for i := range devices {
		devices[i] = &loadgen.Device{
			ID:               fmt.Sprintf("loadgen-%03d", i),
			Firmware:         opts.Firmware,
			MessageRate:      opts.Rate,
			PayloadGenerator: gen,
		}
	}

	var client loadgen.Client
	if opts.ViaMQTT {
		if cfg.MQTT.BrokerURL == "" {
			return errors.New("--mqtt requires mqtt.broker_url")
		}
		client = loadgen.NewMqttClient(cfg.MQTT.BrokerURL, cfg.MQTT.Topic, 1, logger)
	} else {
		a, err := app.Build(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		observer := cfg.MQTT.ObserverID
		if observer == "" {
			observer = ingest.DefaultObserverID
		}
		client = loadgen.NewStoreClient(a.Store, cfg.Account.Username, observer, ingest.DefaultStreamID, logger)
	}

	count, err := loadgen.NewLoadGenerator(client, devices, logger).Run(cmd.Context(), opts.Duration)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Generated %d readings from %d devices\n", count, len(devices))
	return nil
}
