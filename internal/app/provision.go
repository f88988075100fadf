package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-fieldsync/pkg/config"
	"github.com/illmade-knight/go-fieldsync/pkg/provision"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

// ProvisionResources lists the cloud resources the configured transport
// uploads into. The ohmage transport needs none.
func ProvisionResources(cfg *config.Config) provision.Resources {
	t := cfg.Transport
	res := provision.Resources{
		ProjectID: t.ProjectID,
		Location:  t.Location,
		Labels:    t.Labels,
		Protected: t.TeardownProtection,
	}
	domains := []types.Domain{types.DomainProbes, types.DomainResponses}
	switch t.Kind {
	case "gcs":
		res.Bucket = t.GCS.Bucket
	case "pubsub":
		for _, d := range domains {
			res.Topics = append(res.Topics, t.TopicID(d))
		}
	case "bigquery":
		res.DatasetID = t.BigQuery.Dataset
		for _, d := range domains {
			res.Tables = append(res.Tables, t.TableID(d))
		}
	}
	return res
}

// Provision creates, or with teardown removes, the transport's resources.
func Provision(ctx context.Context, cfg *config.Config, teardown bool, logger zerolog.Logger) error {
	res := ProvisionResources(cfg)
	t := cfg.Transport

	var clients provision.Clients
	var closers []func() error
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()
	switch {
	case res.Bucket != "":
		client, err := storage.NewClient(ctx, clientOptions(t)...)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		closers = append(closers, client.Close)
		clients.Storage = provision.NewStorageClientAdapter(client)
	case len(res.Topics) > 0:
		client, err := pubsub.NewClient(ctx, t.ProjectID, clientOptions(t)...)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		closers = append(closers, client.Close)
		clients.PubSub = client
	case res.DatasetID != "":
		client, err := bigquery.NewClient(ctx, t.ProjectID, clientOptions(t)...)
		if err != nil {
			return fmt.Errorf("failed to create bigquery client: %w", err)
		}
		closers = append(closers, client.Close)
		clients.BigQuery = provision.NewBigQueryClientAdapter(client)
	default:
		logger.Info().Str("transport", t.Kind).Msg("Transport needs no cloud resources")
		return nil
	}

	m := provision.NewManager(clients, logger)
	if teardown {
		return m.Teardown(ctx, res)
	}
	return m.Setup(ctx, res)
}
