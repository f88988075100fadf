package transport

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
)

// GCSArchiveConfig configures the archive transport.
type GCSArchiveConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSArchiveTransport writes every batch to its own gzip-compressed JSON
// lines object under <prefix>/<domain>/<owner>/<group>/.
type GCSArchiveTransport struct {
	client GCSClient
	config GCSArchiveConfig
	domain types.Domain
	logger zerolog.Logger
}

// archiveLine is one line of an archive object.
type archiveLine struct {
	ID      types.RecordID  `json:"id"`
	Owner   string          `json:"owner"`
	Group   string          `json:"group"`
	Version string          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// NewGCSArchiveTransport creates an archive transport for domain.
func NewGCSArchiveTransport(client GCSClient, config GCSArchiveConfig, domain types.Domain, logger zerolog.Logger) (*GCSArchiveTransport, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSArchiveTransport{
		client: client,
		config: config,
		domain: domain,
		logger: logger.With().Str("component", "GCSArchiveTransport").Str("domain", string(domain)).Logger(),
	}, nil
}

// ObjectDir returns the directory a group's archive objects are written to.
func (t *GCSArchiveTransport) ObjectDir(owner string, group types.Group) string {
	return path.Join(t.config.ObjectPrefix, string(t.domain), objectSegment(owner), objectSegment(group.Name), objectSegment(group.Version))
}

// Upload streams the batch into a new object. The batch is delivered once the
// object writer closes without error.
func (t *GCSArchiveTransport) Upload(ctx context.Context, account types.Account, group types.Group, batch types.Batch) (types.SyncResult, error) {
	objectName := path.Join(t.ObjectDir(account.Username, group), uuid.NewString()+".jsonl.gz")
	t.logger.Debug().Str("object_name", objectName).Int("batch_size", len(batch.Records)).Msg("Starting archive upload")

	gcsWriter := t.client.Bucket(t.config.BucketName).Object(objectName).NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() {
			pw.CloseWithError(err)
		}()

		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, rec := range batch.Records {
			line := archiveLine{ID: rec.ID, Owner: account.Username, Group: group.Name, Version: group.Version, Payload: rec.Payload}
			if err = enc.Encode(line); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
		if err = gz.Close(); err != nil {
			err = fmt.Errorf("gzip writer close failed for %s: %w", objectName, err)
		}
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)
	// Unblocks the encoder if the copy stopped early.
	_ = pr.Close()
	closeErr := gcsWriter.Close()

	if pipeReadErr != nil {
		return types.SyncResult{}, fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		if result, ok := classifyGoogleAPIError(closeErr); ok {
			return result, nil
		}
		return types.SyncResult{}, fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	t.logger.Info().
		Str("object_name", objectName).
		Int64("bytes_written", bytesWritten).
		Msg("Archived batch to GCS")
	return types.Succeeded(), nil
}

// classifyGoogleAPIError maps REST API rejections to sync results. Errors that
// are not API responses are left to the caller.
func classifyGoogleAPIError(err error) (types.SyncResult, bool) {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return types.SyncResult{}, false
	}
	code := fmt.Sprintf("http_%d", apiErr.Code)
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.AuthFailed(code), true
	default:
		return types.Failed(code), true
	}
}

// objectSegment keeps group names such as campaign urns usable as a single
// path element.
func objectSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", " ", "_").Replace(s)
}

var _ syncengine.UploadTransport = (*GCSArchiveTransport)(nil)
