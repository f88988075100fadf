package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-fieldsync/pkg/transport"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

type MockRowInserter struct {
	mock.Mock
}

func (m *MockRowInserter) Put(ctx context.Context, src interface{}) error {
	args := m.Called(ctx, src)
	return args.Error(0)
}

func TestBigQueryTransport_Upload(t *testing.T) {
	// Arrange
	inserter := new(MockRowInserter)
	var captured interface{}
	inserter.On("Put", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(1)
	}).Return(nil).Once()
	tr := transport.NewBigQueryTransportWithInserter(inserter, types.DomainProbes, zerolog.Nop())
	group := types.NewGroup("edu.ucla.cens.Mobility", "2012061300")

	// Act
	result, err := tr.Upload(context.Background(), types.Account{Username: "alice"}, group, testBatch())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, result.Status)
	inserter.AssertExpectations(t)

	savers, ok := captured.([]bigquery.ValueSaver)
	require.True(t, ok, "rows are passed as value savers")
	require.Len(t, savers, 2)
	values, insertID, err := savers[1].Save()
	require.NoError(t, err)
	assert.Equal(t, transport.InsertID(types.DomainProbes, "alice", 2), insertID)
	assert.Equal(t, "probes/alice/2", insertID)
	assert.Equal(t, int64(2), values["record_id"])
	assert.Equal(t, "alice", values["owner"])
	assert.Equal(t, group.Name, values["group_name"])
	assert.Equal(t, group.Version, values["group_version"])
	assert.JSONEq(t, `{"stream_id":"accel","stream_version":1}`, values["payload"].(string))
	assert.IsType(t, time.Time{}, values["uploaded_at"])
}

func TestBigQueryTransport_Errors(t *testing.T) {
	testCases := []struct {
		name       string
		putErr     error
		wantStatus types.SyncStatus
		wantCodes  []string
		wantErr    bool
	}{
		{
			name: "row errors fail the batch with their reasons",
			putErr: bigquery.PutMultiError{
				{InsertID: "probes/alice/1", RowIndex: 0, Errors: bigquery.MultiError{&bigquery.Error{Reason: "invalid"}}},
				{InsertID: "probes/alice/2", RowIndex: 1, Errors: bigquery.MultiError{&bigquery.Error{Reason: "invalid"}, &bigquery.Error{Reason: "stopped"}}},
			},
			wantStatus: types.StatusFailure,
			wantCodes:  []string{"invalid", "stopped"},
		},
		{
			name:       "unauthorized",
			putErr:     &googleapi.Error{Code: 401},
			wantStatus: types.StatusAuthFailure,
			wantCodes:  []string{"http_401"},
		},
		{
			name:    "network error",
			putErr:  errors.New("dial tcp: timeout"),
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inserter := new(MockRowInserter)
			inserter.On("Put", mock.Anything, mock.Anything).Return(tc.putErr)
			tr := transport.NewBigQueryTransportWithInserter(inserter, types.DomainProbes, zerolog.Nop())

			result, err := tr.Upload(context.Background(), types.Account{Username: "alice"}, types.NewGroup("obs", "1"), testBatch())

			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, result.Status)
			assert.Equal(t, tc.wantCodes, result.ErrorCodes)
		})
	}
}
