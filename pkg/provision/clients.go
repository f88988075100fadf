package provision

import (
	"context"
	"errors"
	"net/http"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// --- Storage ---

// StorageClient abstracts the bucket administration calls of *storage.Client.
type StorageClient interface {
	Bucket(name string) BucketHandle
}

// BucketHandle abstracts a bucket. Attrs returns storage.ErrBucketNotExist
// for a missing bucket.
type BucketHandle interface {
	Attrs(ctx context.Context) (*storage.BucketAttrs, error)
	Create(ctx context.Context, projectID string, attrs *storage.BucketAttrs) error
	Delete(ctx context.Context) error
}

type storageClientAdapter struct{ client *storage.Client }

// NewStorageClientAdapter wraps a *storage.Client as a StorageClient.
func NewStorageClientAdapter(client *storage.Client) StorageClient {
	if client == nil {
		return nil
	}
	return &storageClientAdapter{client: client}
}

func (a *storageClientAdapter) Bucket(name string) BucketHandle {
	return a.client.Bucket(name)
}

// --- BigQuery ---

// BQClient abstracts the dataset administration calls of *bigquery.Client.
type BQClient interface {
	Dataset(id string) BQDataset
}

// BQDataset abstracts a dataset.
type BQDataset interface {
	Metadata(ctx context.Context) (*bigquery.DatasetMetadata, error)
	Create(ctx context.Context, meta *bigquery.DatasetMetadata) error
	DeleteWithContents(ctx context.Context) error
	Table(id string) BQTable
}

// BQTable abstracts a table.
type BQTable interface {
	Metadata(ctx context.Context, opts ...bigquery.TableMetadataOption) (*bigquery.TableMetadata, error)
	Create(ctx context.Context, meta *bigquery.TableMetadata) error
}

type bqClientAdapter struct{ client *bigquery.Client }

// NewBigQueryClientAdapter wraps a *bigquery.Client as a BQClient.
func NewBigQueryClientAdapter(client *bigquery.Client) BQClient {
	if client == nil {
		return nil
	}
	return &bqClientAdapter{client: client}
}

func (a *bqClientAdapter) Dataset(id string) BQDataset {
	return &bqDatasetAdapter{dataset: a.client.Dataset(id)}
}

type bqDatasetAdapter struct{ dataset *bigquery.Dataset }

func (a *bqDatasetAdapter) Metadata(ctx context.Context) (*bigquery.DatasetMetadata, error) {
	return a.dataset.Metadata(ctx)
}
func (a *bqDatasetAdapter) Create(ctx context.Context, meta *bigquery.DatasetMetadata) error {
	return a.dataset.Create(ctx, meta)
}
func (a *bqDatasetAdapter) DeleteWithContents(ctx context.Context) error {
	return a.dataset.DeleteWithContents(ctx)
}
func (a *bqDatasetAdapter) Table(id string) BQTable { return a.dataset.Table(id) }

// isNotFound reports a 404 from a Google REST API.
func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
