package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/transport"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ohmageServer answers every request with status and body and keeps the
// forms it received.
type ohmageServer struct {
	*httptest.Server
	mu     sync.Mutex
	paths  []string
	forms  []url.Values
	status int
	body   string
}

func newOhmageServer(t *testing.T, status int, body string) *ohmageServer {
	t.Helper()
	s := &ohmageServer{status: status, body: body}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.forms = append(s.forms, r.PostForm)
		s.mu.Unlock()
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(s.body))
	}))
	t.Cleanup(s.Close)
	return s
}

func testBatch() types.Batch {
	a := types.Record{ID: 1}.WithPayload([]byte(`{"stream_id":"accel","stream_version":1}`))
	b := types.Record{ID: 2}.WithPayload([]byte(`{"stream_id":"accel","stream_version":1}`))
	return types.Batch{Records: []types.Record{a, b}, ConsumedIDs: []types.RecordID{1, 2}, Bytes: a.SerializedSize + b.SerializedSize}
}

func TestOhmageTransport_ProbeUpload(t *testing.T) {
	// Arrange
	server := newOhmageServer(t, http.StatusOK, `{"result":"success"}`)
	tr, err := transport.NewOhmageTransport(transport.OhmageConfig{ServerURL: server.URL + "/", ClientName: "field-test"}, types.DomainProbes, zerolog.Nop())
	require.NoError(t, err)
	account := types.Account{Username: "alice", Token: "hashed"}

	// Act
	result, err := tr.Upload(context.Background(), account, types.NewGroup("edu.ucla.cens.Mobility", "2012061300"), testBatch())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, result.Status)
	require.Len(t, server.forms, 1)
	assert.Equal(t, transport.ProbeEndpoint, server.paths[0])
	form := server.forms[0]
	assert.Equal(t, "alice", form.Get("user"))
	assert.Equal(t, "hashed", form.Get("password"))
	assert.Equal(t, "field-test", form.Get("client"))
	assert.Equal(t, "edu.ucla.cens.Mobility", form.Get("observer_id"))
	assert.Equal(t, "2012061300", form.Get("observer_version"))
	assert.JSONEq(t, `[{"stream_id":"accel","stream_version":1},{"stream_id":"accel","stream_version":1}]`, form.Get("data"))
}

func TestOhmageTransport_ResponseUpload(t *testing.T) {
	server := newOhmageServer(t, http.StatusOK, `{"result":"success"}`)
	tr, err := transport.NewOhmageTransport(transport.OhmageConfig{ServerURL: server.URL}, types.DomainResponses, zerolog.Nop())
	require.NoError(t, err)

	result, err := tr.Upload(context.Background(), types.Account{Username: "bob"}, types.NewGroup("urn:campaign:mood", "2012-06-13 10:00:00"), testBatch())

	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.Equal(t, transport.ResponseEndpoint, server.paths[0])
	form := server.forms[0]
	assert.Equal(t, transport.DefaultClientName, form.Get("client"))
	assert.Equal(t, "urn:campaign:mood", form.Get("campaign_urn"))
	assert.Equal(t, "2012-06-13 10:00:00", form.Get("campaign_creation_timestamp"))
	assert.NotEmpty(t, form.Get("surveys"))
	assert.Empty(t, form.Get("data"))
}

func TestOhmageTransport_Classification(t *testing.T) {
	testCases := []struct {
		name       string
		status     int
		body       string
		wantStatus types.SyncStatus
		wantCodes  []string
		wantErr    bool
	}{
		{
			name:       "failure with codes",
			status:     http.StatusOK,
			body:       `{"result":"failure","errors":[{"code":"0700","text":"invalid data"}]}`,
			wantStatus: types.StatusFailure,
			wantCodes:  []string{"0700"},
		},
		{
			name:       "bad password",
			status:     http.StatusOK,
			body:       `{"result":"failure","errors":[{"code":"0200","text":"authentication failed"}]}`,
			wantStatus: types.StatusAuthFailure,
			wantCodes:  []string{"0200"},
		},
		{
			name:       "disabled account among other errors",
			status:     http.StatusOK,
			body:       `{"result":"failure","errors":[{"code":"0700"},{"code":"0202"}]}`,
			wantStatus: types.StatusAuthFailure,
			wantCodes:  []string{"0700", "0202"},
		},
		{
			name:       "unexpected result value",
			status:     http.StatusOK,
			body:       `{"result":"maybe"}`,
			wantStatus: types.StatusFailure,
		},
		{
			name:       "http unauthorized",
			status:     http.StatusUnauthorized,
			body:       ``,
			wantStatus: types.StatusAuthFailure,
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `oops`,
			wantErr: true,
		},
		{
			name:    "unreadable body",
			status:  http.StatusOK,
			body:    `<html>`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newOhmageServer(t, tc.status, tc.body)
			tr, err := transport.NewOhmageTransport(transport.OhmageConfig{ServerURL: server.URL}, types.DomainProbes, zerolog.Nop())
			require.NoError(t, err)

			result, err := tr.Upload(context.Background(), types.Account{Username: "alice"}, types.NewGroup("obs", "1"), testBatch())

			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, result.Status)
			if tc.wantCodes == nil {
				assert.Empty(t, result.ErrorCodes)
			} else {
				assert.Equal(t, tc.wantCodes, result.ErrorCodes)
			}
		})
	}
}

func TestOhmageTransport_NetworkError(t *testing.T) {
	server := newOhmageServer(t, http.StatusOK, `{"result":"success"}`)
	serverURL := server.URL
	server.Close()

	tr, err := transport.NewOhmageTransport(transport.OhmageConfig{ServerURL: serverURL, Timeout: time.Second}, types.DomainProbes, zerolog.Nop())
	require.NoError(t, err)

	_, err = tr.Upload(context.Background(), types.Account{Username: "alice"}, types.NewGroup("obs", "1"), testBatch())
	assert.Error(t, err)
}

func TestNewOhmageTransport_Validation(t *testing.T) {
	_, err := transport.NewOhmageTransport(transport.OhmageConfig{ServerURL: "not a url"}, types.DomainProbes, zerolog.Nop())
	assert.Error(t, err)

	_, err = transport.NewOhmageTransport(transport.OhmageConfig{ServerURL: "https://ohmage.example.org"}, types.Domain("photos"), zerolog.Nop())
	assert.ErrorIs(t, err, transport.ErrUnknownDomain)
}
