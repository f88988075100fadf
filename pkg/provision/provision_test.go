package provision_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-fieldsync/pkg/provision"
	"github.com/illmade-knight/go-fieldsync/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// --- Fakes ---

type fakeStorage struct {
	mu      sync.Mutex
	buckets map[string]*storage.BucketAttrs
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{buckets: make(map[string]*storage.BucketAttrs)}
}

func (f *fakeStorage) Bucket(name string) provision.BucketHandle {
	return &fakeBucket{parent: f, name: name}
}

type fakeBucket struct {
	parent *fakeStorage
	name   string
}

func (b *fakeBucket) Attrs(context.Context) (*storage.BucketAttrs, error) {
	b.parent.mu.Lock()
	defer b.parent.mu.Unlock()
	attrs, ok := b.parent.buckets[b.name]
	if !ok {
		return nil, storage.ErrBucketNotExist
	}
	return attrs, nil
}

func (b *fakeBucket) Create(_ context.Context, _ string, attrs *storage.BucketAttrs) error {
	b.parent.mu.Lock()
	defer b.parent.mu.Unlock()
	b.parent.buckets[b.name] = attrs
	return nil
}

func (b *fakeBucket) Delete(context.Context) error {
	b.parent.mu.Lock()
	defer b.parent.mu.Unlock()
	delete(b.parent.buckets, b.name)
	return nil
}

var notFound = &googleapi.Error{Code: http.StatusNotFound, Message: "notFound"}

type fakeBigQuery struct {
	mu       sync.Mutex
	datasets map[string]*bigquery.DatasetMetadata
	tables   map[string]*bigquery.TableMetadata
	creates  int
}

func newFakeBigQuery() *fakeBigQuery {
	return &fakeBigQuery{
		datasets: make(map[string]*bigquery.DatasetMetadata),
		tables:   make(map[string]*bigquery.TableMetadata),
	}
}

func (f *fakeBigQuery) Dataset(id string) provision.BQDataset { return &fakeDataset{parent: f, id: id} }

type fakeDataset struct {
	parent *fakeBigQuery
	id     string
}

func (d *fakeDataset) Metadata(context.Context) (*bigquery.DatasetMetadata, error) {
	d.parent.mu.Lock()
	defer d.parent.mu.Unlock()
	meta, ok := d.parent.datasets[d.id]
	if !ok {
		return nil, notFound
	}
	return meta, nil
}

func (d *fakeDataset) Create(_ context.Context, meta *bigquery.DatasetMetadata) error {
	d.parent.mu.Lock()
	defer d.parent.mu.Unlock()
	d.parent.datasets[d.id] = meta
	d.parent.creates++
	return nil
}

func (d *fakeDataset) DeleteWithContents(context.Context) error {
	d.parent.mu.Lock()
	defer d.parent.mu.Unlock()
	delete(d.parent.datasets, d.id)
	for k := range d.parent.tables {
		delete(d.parent.tables, k)
	}
	return nil
}

func (d *fakeDataset) Table(id string) provision.BQTable {
	return &fakeTable{parent: d.parent, key: d.id + "." + id}
}

type fakeTable struct {
	parent *fakeBigQuery
	key    string
}

func (t *fakeTable) Metadata(context.Context, ...bigquery.TableMetadataOption) (*bigquery.TableMetadata, error) {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	meta, ok := t.parent.tables[t.key]
	if !ok {
		return nil, notFound
	}
	return meta, nil
}

func (t *fakeTable) Create(_ context.Context, meta *bigquery.TableMetadata) error {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	t.parent.tables[t.key] = meta
	t.parent.creates++
	return nil
}

func newPubSubClient(t *testing.T) *pubsub.Client {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })
	client, err := pubsub.NewClient(context.Background(), "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// --- Tests ---

func TestManager_SetupIsIdempotent(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gcs := newFakeStorage()
	bq := newFakeBigQuery()
	ps := newPubSubClient(t)
	m := provision.NewManager(provision.Clients{Storage: gcs, PubSub: ps, BigQuery: bq}, zerolog.New(zerolog.NewTestWriter(t)))
	res := provision.Resources{
		ProjectID: "test-project",
		Location:  "EU",
		Labels:    map[string]string{"app": "fieldsync"},
		Bucket:    "archive",
		Topics:    []string{"fieldsync-probes", "fieldsync-responses"},
		DatasetID: "field",
		Tables:    []string{"fieldsync_probes", "fieldsync_responses"},
	}

	// Act
	require.NoError(t, m.Setup(ctx, res))
	require.NoError(t, m.Setup(ctx, res))

	// Assert
	require.Contains(t, gcs.buckets, "archive")
	assert.Equal(t, "EU", gcs.buckets["archive"].Location)
	for _, id := range res.Topics {
		exists, err := ps.Topic(id).Exists(ctx)
		require.NoError(t, err)
		assert.True(t, exists, id)
	}
	assert.Equal(t, 3, bq.creates, "one dataset and two tables, created once")
	meta := bq.tables["field.fieldsync_probes"]
	require.NotNil(t, meta)
	assert.Equal(t, transport.RecordSchema, meta.Schema)
	assert.Equal(t, "uploaded_at", meta.TimePartitioning.Field)
}

func TestManager_Teardown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gcs := newFakeStorage()
	bq := newFakeBigQuery()
	ps := newPubSubClient(t)
	m := provision.NewManager(provision.Clients{Storage: gcs, PubSub: ps, BigQuery: bq}, zerolog.Nop())
	res := provision.Resources{Bucket: "archive", Topics: []string{"t1"}, DatasetID: "field", Tables: []string{"records"}}
	require.NoError(t, m.Setup(ctx, res))

	t.Run("protected", func(t *testing.T) {
		protected := res
		protected.Protected = true
		assert.ErrorIs(t, m.Teardown(ctx, protected), provision.ErrTeardownProtected)
		assert.Contains(t, gcs.buckets, "archive")
	})

	t.Run("removes everything", func(t *testing.T) {
		require.NoError(t, m.Teardown(ctx, res))
		assert.Empty(t, gcs.buckets)
		assert.Empty(t, bq.datasets)
		exists, err := ps.Topic("t1").Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("missing resources are skipped", func(t *testing.T) {
		assert.NoError(t, m.Teardown(ctx, res))
	})
}

func TestManager_MissingClient(t *testing.T) {
	m := provision.NewManager(provision.Clients{}, zerolog.Nop())
	assert.Error(t, m.Setup(context.Background(), provision.Resources{Bucket: "archive"}))
	assert.Error(t, m.Setup(context.Background(), provision.Resources{Topics: []string{"t"}}))
	assert.Error(t, m.Setup(context.Background(), provision.Resources{DatasetID: "d"}))
	assert.NoError(t, m.Setup(context.Background(), provision.Resources{}), "nothing to do needs no clients")
}
