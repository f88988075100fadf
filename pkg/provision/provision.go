// Package provision creates and removes the cloud resources the upload
// transports write to: the archive bucket, the batch topics and the record
// dataset with its tables.
package provision

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-fieldsync/pkg/transport"
	"github.com/rs/zerolog"
)

// ErrTeardownProtected is returned by Teardown when Resources.Protected is set.
var ErrTeardownProtected = errors.New("teardown protection is enabled")

// Resources lists what one transport configuration needs.
type Resources struct {
	ProjectID string
	Location  string
	Labels    map[string]string
	// Protected refuses Teardown.
	Protected bool

	Bucket    string
	Topics    []string
	DatasetID string
	Tables    []string
}

// Clients are the admin clients. A nil client is only an error when
// Resources needs it.
type Clients struct {
	Storage  StorageClient
	PubSub   *pubsub.Client
	BigQuery BQClient
}

// Manager makes resources exist. Setup is idempotent.
type Manager struct {
	clients Clients
	logger  zerolog.Logger
}

func NewManager(clients Clients, logger zerolog.Logger) *Manager {
	return &Manager{
		clients: clients,
		logger:  logger.With().Str("component", "ProvisionManager").Logger(),
	}
}

// Setup creates whatever in res does not exist yet.
func (m *Manager) Setup(ctx context.Context, res Resources) error {
	m.logger.Info().Str("project_id", res.ProjectID).Msg("Starting resource setup")
	if res.Bucket != "" {
		if err := m.setupBucket(ctx, res); err != nil {
			return err
		}
	}
	if len(res.Topics) > 0 {
		if err := m.setupTopics(ctx, res); err != nil {
			return err
		}
	}
	if res.DatasetID != "" {
		if err := m.setupDataset(ctx, res); err != nil {
			return err
		}
	}
	m.logger.Info().Str("project_id", res.ProjectID).Msg("Resource setup completed")
	return nil
}

// Teardown deletes the resources in reverse order of Setup. Missing
// resources are skipped.
func (m *Manager) Teardown(ctx context.Context, res Resources) error {
	if res.Protected {
		return ErrTeardownProtected
	}
	var errs []error
	if res.DatasetID != "" {
		errs = append(errs, m.teardownDataset(ctx, res.DatasetID))
	}
	for _, id := range res.Topics {
		errs = append(errs, m.teardownTopic(ctx, id))
	}
	if res.Bucket != "" {
		errs = append(errs, m.teardownBucket(ctx, res.Bucket))
	}
	return errors.Join(errs...)
}

func (m *Manager) setupBucket(ctx context.Context, res Resources) error {
	if m.clients.Storage == nil {
		return errors.New("a storage client is required to provision a bucket")
	}
	log := m.logger.With().Str("bucket_name", res.Bucket).Logger()
	handle := m.clients.Storage.Bucket(res.Bucket)
	_, err := handle.Attrs(ctx)
	switch {
	case err == nil:
		log.Info().Msg("Bucket already exists")
		return nil
	case !errors.Is(err, storage.ErrBucketNotExist):
		return fmt.Errorf("failed to get attributes of bucket %q: %w", res.Bucket, err)
	}
	log.Info().Msg("Creating bucket")
	attrs := &storage.BucketAttrs{Location: res.Location, Labels: res.Labels}
	if err := handle.Create(ctx, res.ProjectID, attrs); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", res.Bucket, err)
	}
	return nil
}

func (m *Manager) teardownBucket(ctx context.Context, name string) error {
	if m.clients.Storage == nil {
		return errors.New("a storage client is required to remove a bucket")
	}
	handle := m.clients.Storage.Bucket(name)
	if _, err := handle.Attrs(ctx); errors.Is(err, storage.ErrBucketNotExist) {
		m.logger.Info().Str("bucket_name", name).Msg("Bucket does not exist, skipping deletion")
		return nil
	}
	if err := handle.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete bucket %q: %w", name, err)
	}
	m.logger.Info().Str("bucket_name", name).Msg("Bucket deleted")
	return nil
}

func (m *Manager) setupTopics(ctx context.Context, res Resources) error {
	if m.clients.PubSub == nil {
		return errors.New("a pubsub client is required to provision topics")
	}
	for _, id := range res.Topics {
		exists, err := m.clients.PubSub.Topic(id).Exists(ctx)
		if err != nil {
			return fmt.Errorf("failed to check existence of topic %q: %w", id, err)
		}
		if exists {
			m.logger.Info().Str("topic_id", id).Msg("Topic already exists")
			continue
		}
		m.logger.Info().Str("topic_id", id).Msg("Creating topic")
		topic, err := m.clients.PubSub.CreateTopicWithConfig(ctx, id, &pubsub.TopicConfig{Labels: res.Labels})
		if err != nil {
			return fmt.Errorf("failed to create topic %q: %w", id, err)
		}
		topic.Stop()
	}
	return nil
}

func (m *Manager) teardownTopic(ctx context.Context, id string) error {
	if m.clients.PubSub == nil {
		return errors.New("a pubsub client is required to remove topics")
	}
	topic := m.clients.PubSub.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check existence of topic %q: %w", id, err)
	}
	if !exists {
		m.logger.Info().Str("topic_id", id).Msg("Topic does not exist, skipping deletion")
		return nil
	}
	if err := topic.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete topic %q: %w", id, err)
	}
	m.logger.Info().Str("topic_id", id).Msg("Topic deleted")
	return nil
}

func (m *Manager) setupDataset(ctx context.Context, res Resources) error {
	if m.clients.BigQuery == nil {
		return errors.New("a bigquery client is required to provision a dataset")
	}
	dataset := m.clients.BigQuery.Dataset(res.DatasetID)
	if _, err := dataset.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("failed to get metadata for dataset %q: %w", res.DatasetID, err)
		}
		m.logger.Info().Str("dataset_id", res.DatasetID).Msg("Dataset not found, creating it")
		meta := &bigquery.DatasetMetadata{Location: res.Location, Labels: res.Labels}
		if res.Location == "" {
			m.logger.Warn().Str("dataset_id", res.DatasetID).Msg("Dataset location not specified, relying on BigQuery defaults")
		}
		if err := dataset.Create(ctx, meta); err != nil {
			return fmt.Errorf("failed to create dataset %q: %w", res.DatasetID, err)
		}
	}

	for _, id := range res.Tables {
		table := dataset.Table(id)
		_, err := table.Metadata(ctx)
		if err == nil {
			m.logger.Info().Str("table_id", id).Msg("Table already exists")
			continue
		}
		if !isNotFound(err) {
			return fmt.Errorf("failed to get metadata for table %s.%s: %w", res.DatasetID, id, err)
		}
		m.logger.Info().Str("table_id", id).Msg("Creating table")
		meta := transport.RecordTableMetadata()
		meta.Labels = res.Labels
		if err := table.Create(ctx, meta); err != nil {
			return fmt.Errorf("failed to create table %s.%s: %w", res.DatasetID, id, err)
		}
	}
	return nil
}

func (m *Manager) teardownDataset(ctx context.Context, id string) error {
	if m.clients.BigQuery == nil {
		return errors.New("a bigquery client is required to remove a dataset")
	}
	dataset := m.clients.BigQuery.Dataset(id)
	if _, err := dataset.Metadata(ctx); isNotFound(err) {
		m.logger.Info().Str("dataset_id", id).Msg("Dataset does not exist, skipping deletion")
		return nil
	}
	if err := dataset.DeleteWithContents(ctx); err != nil {
		return fmt.Errorf("failed to delete dataset %q: %w", id, err)
	}
	m.logger.Info().Str("dataset_id", id).Msg("Dataset deleted")
	return nil
}
