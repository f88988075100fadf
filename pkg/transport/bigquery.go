package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
)

// BigQueryConfig names the table batches are streamed into.
type BigQueryConfig struct {
	DatasetID string
	TableID   string
}

// RowInserter is the subset of *bigquery.Inserter the transport uses.
type RowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// RecordSchema is the table layout written by BigQueryTransport.
var RecordSchema = bigquery.Schema{
	{Name: "record_id", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "domain", Type: bigquery.StringFieldType, Required: true},
	{Name: "owner", Type: bigquery.StringFieldType, Required: true},
	{Name: "group_name", Type: bigquery.StringFieldType},
	{Name: "group_version", Type: bigquery.StringFieldType},
	{Name: "payload", Type: bigquery.JSONFieldType},
	{Name: "uploaded_at", Type: bigquery.TimestampFieldType, Required: true},
}

// BigQueryTransport streams every record of a batch as one row. Rows carry an
// insert id derived from the record, so a batch retried after a partial
// failure is deduplicated upstream.
type BigQueryTransport struct {
	inserter RowInserter
	domain   types.Domain
	now      func() time.Time
	logger   zerolog.Logger
}

type recordRow struct {
	insertID string
	values   map[string]bigquery.Value
}

func (r recordRow) Save() (map[string]bigquery.Value, string, error) {
	return r.values, r.insertID, nil
}

// RecordTableMetadata describes a record table: RecordSchema partitioned by
// upload day.
func RecordTableMetadata() *bigquery.TableMetadata {
	return &bigquery.TableMetadata{
		Schema: RecordSchema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "uploaded_at",
		},
	}
}

// NewBigQueryTransport connects to the configured table, creating it with
// RecordSchema when it does not exist.
func NewBigQueryTransport(ctx context.Context, client *bigquery.Client, cfg BigQueryConfig, domain types.Domain, logger zerolog.Logger) (*BigQueryTransport, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("bigquery dataset and table are required")
	}
	logger = logger.With().Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found, creating it")
		if err := table.Create(ctx, RecordTableMetadata()); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
	}
	return NewBigQueryTransportWithInserter(table.Inserter(), domain, logger), nil
}

// NewBigQueryTransportWithInserter creates a transport writing through inserter.
func NewBigQueryTransportWithInserter(inserter RowInserter, domain types.Domain, logger zerolog.Logger) *BigQueryTransport {
	return &BigQueryTransport{
		inserter: inserter,
		domain:   domain,
		now:      time.Now,
		logger:   logger.With().Str("component", "BigQueryTransport").Str("domain", string(domain)).Logger(),
	}
}

// InsertID is the deduplication id of a record's row.
func InsertID(domain types.Domain, owner string, id types.RecordID) string {
	return fmt.Sprintf("%s/%s/%d", domain, owner, id)
}

// Upload inserts the batch's rows. Any row error fails the whole batch.
func (t *BigQueryTransport) Upload(ctx context.Context, account types.Account, group types.Group, batch types.Batch) (types.SyncResult, error) {
	uploadedAt := t.now().UTC()
	rows := make([]bigquery.ValueSaver, 0, len(batch.Records))
	for _, rec := range batch.Records {
		rows = append(rows, recordRow{
			insertID: InsertID(t.domain, account.Username, rec.ID),
			values: map[string]bigquery.Value{
				"record_id":     int64(rec.ID),
				"domain":        string(t.domain),
				"owner":         account.Username,
				"group_name":    group.Name,
				"group_version": group.Version,
				"payload":       string(rec.Payload),
				"uploaded_at":   uploadedAt,
			},
		})
	}

	err := t.inserter.Put(ctx, rows)
	if err == nil {
		t.logger.Info().Str("group_key", group.Key).Int("batch_size", len(rows)).Msg("Inserted batch into BigQuery")
		return types.Succeeded(), nil
	}

	var multiErr bigquery.PutMultiError
	if errors.As(err, &multiErr) {
		reasons := make([]string, 0)
		seen := make(map[string]struct{})
		for _, rowErr := range multiErr {
			t.logger.Error().Int("row_index", rowErr.RowIndex).Str("insert_id", rowErr.InsertID).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			for _, e := range rowErr.Errors {
				reason := "unknown"
				var bqErr *bigquery.Error
				if errors.As(e, &bqErr) && bqErr.Reason != "" {
					reason = bqErr.Reason
				}
				if _, ok := seen[reason]; !ok {
					seen[reason] = struct{}{}
					reasons = append(reasons, reason)
				}
			}
		}
		return types.Failed(reasons...), nil
	}
	if result, ok := classifyGoogleAPIError(err); ok {
		return result, nil
	}
	return types.SyncResult{}, fmt.Errorf("bigquery Inserter.Put failed: %w", err)
}

var _ syncengine.UploadTransport = (*BigQueryTransport)(nil)
