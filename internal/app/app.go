// Package app wires the fieldsync components from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-fieldsync/pkg/config"
	"github.com/illmade-knight/go-fieldsync/pkg/events"
	"github.com/illmade-knight/go-fieldsync/pkg/ingest"
	"github.com/illmade-knight/go-fieldsync/pkg/pipelines"
	"github.com/illmade-knight/go-fieldsync/pkg/recordstore"
	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/syncservice"
	"github.com/illmade-knight/go-fieldsync/pkg/transport"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/illmade-knight/go-fieldsync/pkg/watermark"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// App holds the wired components. Close releases everything Build opened.
type App struct {
	Config      *config.Config
	Store       recordstore.Store
	Service     *syncservice.Service
	Broadcaster *events.Broadcaster
	Registry    *prometheus.Registry

	closers []func() error
	logger  zerolog.Logger
}

// Build opens the store, watermark and transports and assembles the sync
// service. Run the Broadcaster before syncing.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		logger:   logger.With().Str("component", "App").Logger(),
	}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := syncengine.NewMetrics(a.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	mark, err := a.openWatermark(ctx, logger)
	if err != nil {
		return nil, err
	}

	probeTransport, err := a.newTransport(ctx, types.DomainProbes, logger)
	if err != nil {
		return nil, err
	}
	responseTransport, err := a.newTransport(ctx, types.DomainResponses, logger)
	if err != nil {
		return nil, err
	}

	a.Broadcaster = events.NewBroadcaster(logger)
	logSink := events.NewLogSink(logger)

	service, err := syncservice.New(syncservice.Options{
		Engine: syncengine.NewEngine(cfg.EngineConfig(), metrics, logger),
		Pipelines: []syncengine.Pipeline{
			pipelines.Probes(pipelines.Options{Store: store.Probes(), Transport: probeTransport}),
			pipelines.Responses(pipelines.Options{Store: store.Responses(), Transport: responseTransport}),
		},
		Accounts:       syncservice.StaticAccount{Username: cfg.Account.Username, Token: cfg.Account.Password},
		Watermark:      mark,
		Pending:        store,
		ForegroundSink: events.MultiSink{a.Broadcaster, logSink},
		BackgroundSink: events.MultiSink{a.Broadcaster, logSink, events.NewNotificationSink(events.LogNotifier{Logger: logger})},
		Listener: syncservice.ReportListenerFunc(func(r types.SyncReport) {
			a.logger.Info().Str("run_id", r.RunID.String()).Bool("watermark_advanced", r.WatermarkAdvanced).
				Dur("duration", r.FinishedAt.Sub(r.StartedAt)).Msg("Sync finished")
		}),
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Service = service

	ok = true
	return a, nil
}

// Scheduler builds the background scheduler for the service.
func (a *App) Scheduler(power syncservice.PowerSource) *syncservice.Scheduler {
	return syncservice.NewScheduler(a.Service, power, a.Config.SchedulerConfig(), a.logger)
}

// Ingester builds the MQTT ingester writing into the app's store.
func (a *App) Ingester() (*ingest.MQTTIngester, error) {
	m := a.Config.MQTT
	cfg := ingest.DefaultIngesterConfig()
	cfg.Owner = a.Config.Account.Username
	if m.ObserverID != "" {
		cfg.ObserverID = m.ObserverID
	}
	if m.Workers > 0 {
		cfg.NumProcessingWorkers = m.Workers
	}
	return ingest.NewMQTTIngester(a.Store, cfg, ingest.MQTTClientConfig{
		BrokerURL:      m.BrokerURL,
		Topic:          m.Topic,
		ClientIDPrefix: m.ClientIDPrefix,
		Username:       m.Username,
		Password:       m.Password,
		KeepAlive:      m.KeepAlive.Std(),
		ConnectTimeout: m.ConnectTimeout.Std(),
	}, a.logger)
}

// Close releases resources in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (recordstore.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return recordstore.NewSQLiteStore(cfg.Path, logger)
	case "postgres":
		return recordstore.NewPostgresStore(ctx, cfg.DSN, logger)
	case "memory":
		logger.Warn().Msg("Using the in-memory store, pending records are lost on exit")
		return recordstore.NewMemoryStore(logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalid, cfg.Driver)
	}
}

func (a *App) openWatermark(ctx context.Context, logger zerolog.Logger) (watermark.Store, error) {
	cfg := a.Config.Watermark
	switch cfg.Backend {
	case "store":
		return a.Store, nil
	case "memory":
		logger.Warn().Msg("Using the in-memory watermark, the last successful sync is lost on exit")
		return watermark.NewMemoryStore(), nil
	case "redis":
		rs, err := watermark.NewRedisStore(ctx, watermark.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL.Std(),
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil
	default:
		return nil, fmt.Errorf("%w: unknown watermark backend %q", config.ErrInvalid, cfg.Backend)
	}
}

func clientOptions(cfg config.TransportConfig) []option.ClientOption {
	if f := cfg.CredentialsFile; f != "" {
		return []option.ClientOption{option.WithCredentialsFile(f)}
	}
	return nil
}

// newTransport builds the upload transport of one domain. GCP clients are
// created per domain and closed with the app.
func (a *App) newTransport(ctx context.Context, domain types.Domain, logger zerolog.Logger) (syncengine.UploadTransport, error) {
	cfg := a.Config.Transport
	switch cfg.Kind {
	case "ohmage":
		return transport.NewOhmageTransport(transport.OhmageConfig{
			ServerURL:  a.Config.Server.URL,
			ClientName: a.Config.Server.ClientName,
			Timeout:    a.Config.Server.Timeout.Std(),
		}, domain, logger)

	case "gcs":
		client, err := storage.NewClient(ctx, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return transport.NewGCSArchiveTransport(transport.NewGCSClientAdapter(client), transport.GCSArchiveConfig{
			BucketName:   cfg.GCS.Bucket,
			ObjectPrefix: cfg.GCS.Prefix,
		}, domain, logger)

	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		t, err := transport.NewPubSubTransport(client, transport.PubSubConfig{
			TopicID: cfg.TopicID(domain),
			Ordered: cfg.PubSub.Ordered,
		}, domain, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { t.Stop(); return nil })
		return t, nil

	case "bigquery":
		client, err := bigquery.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create bigquery client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return transport.NewBigQueryTransport(setupCtx, client, transport.BigQueryConfig{
			DatasetID: cfg.BigQuery.Dataset,
			TableID:   cfg.TableID(domain),
		}, domain, logger)

	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Kind)
	}
}
