package transport_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/illmade-knight/go-fieldsync/pkg/transport"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestGCSArchiveTransport_Upload(t *testing.T) {
	// Arrange
	mockClient := newMockGCSClient()
	config := transport.GCSArchiveConfig{BucketName: "test-bucket", ObjectPrefix: "archive"}
	tr, err := transport.NewGCSArchiveTransport(mockClient, config, types.DomainResponses, zerolog.Nop())
	require.NoError(t, err)
	group := types.NewGroup("urn:campaign:ca/ucla", "2012-06-13 10:00:00")

	// Act
	result, err := tr.Upload(context.Background(), types.Account{Username: "alice"}, group, testBatch())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.Equal(t, "test-bucket", mockClient.bucketName)

	mockClient.bucket.Lock()
	defer mockClient.bucket.Unlock()
	require.Len(t, mockClient.bucket.objects, 1)
	for objectName, handle := range mockClient.bucket.objects {
		assert.True(t, strings.HasPrefix(objectName, "archive/responses/alice/urn:campaign:ca_ucla/2012-06-13_10:00:00/"), objectName)
		assert.True(t, strings.HasSuffix(objectName, ".jsonl.gz"))
		assert.True(t, handle.writer.closed)

		gzReader, err := gzip.NewReader(&handle.writer.buf)
		require.NoError(t, err)
		content, err := io.ReadAll(gzReader)
		require.NoError(t, err)

		lines := bytes.Split(bytes.TrimSpace(content), []byte("\n"))
		require.Len(t, lines, 2)
		var first struct {
			ID      int64           `json:"id"`
			Owner   string          `json:"owner"`
			Group   string          `json:"group"`
			Version string          `json:"version"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(lines[0], &first))
		assert.Equal(t, int64(1), first.ID)
		assert.Equal(t, "alice", first.Owner)
		assert.Equal(t, group.Name, first.Group)
		assert.Equal(t, group.Version, first.Version)
		assert.JSONEq(t, `{"stream_id":"accel","stream_version":1}`, string(first.Payload))
	}
}

func TestGCSArchiveTransport_CloseErrors(t *testing.T) {
	testCases := []struct {
		name       string
		closeErr   error
		wantStatus types.SyncStatus
		wantErr    bool
	}{
		{"forbidden is an auth failure", &googleapi.Error{Code: 403}, types.StatusAuthFailure, false},
		{"server error is a failure", &googleapi.Error{Code: 503}, types.StatusFailure, false},
		{"other errors are returned", errors.New("connection reset"), 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mockClient := newMockGCSClient()
			mockClient.bucket.closeErr = tc.closeErr
			tr, err := transport.NewGCSArchiveTransport(mockClient, transport.GCSArchiveConfig{BucketName: "b"}, types.DomainProbes, zerolog.Nop())
			require.NoError(t, err)

			result, err := tr.Upload(context.Background(), types.Account{Username: "alice"}, types.NewGroup("obs", "1"), testBatch())

			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, result.Status)
			assert.NotEmpty(t, result.ErrorCodes)
		})
	}
}

func TestNewGCSArchiveTransport_Validation(t *testing.T) {
	_, err := transport.NewGCSArchiveTransport(nil, transport.GCSArchiveConfig{BucketName: "b"}, types.DomainProbes, zerolog.Nop())
	assert.Error(t, err)
	_, err = transport.NewGCSArchiveTransport(newMockGCSClient(), transport.GCSArchiveConfig{}, types.DomainProbes, zerolog.Nop())
	assert.Error(t, err)
}
