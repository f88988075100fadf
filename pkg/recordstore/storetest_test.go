package recordstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-fieldsync/pkg/recordstore"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeSuite runs the behaviour every Store implementation must share.
// Each case uses a fresh owner so suites can share one database.
func storeSuite(t *testing.T, store recordstore.Store) {
	t.Run("groups are listed oldest first and filtered", func(t *testing.T) {
		ctx := context.Background()
		owner := newOwner()
		insertObservation(t, store, owner, "gps", "2", "loc")
		insertObservation(t, store, owner, "accel", "1", "xyz")
		insertObservation(t, store, owner, "gps", "2", "loc")
		insertObservation(t, store, owner, "gps", "3", "loc")
		insertObservation(t, store, newOwner(), "wifi", "1", "scan")

		groups, err := store.Probes().ListGroups(ctx, owner, types.GroupFilter{})
		require.NoError(t, err)
		assert.Equal(t, []types.Group{
			types.NewGroup("gps", "2"),
			types.NewGroup("accel", "1"),
			types.NewGroup("gps", "3"),
		}, groups)

		groups, err = store.Probes().ListGroups(ctx, owner, types.GroupFilter{Name: "gps"})
		require.NoError(t, err)
		assert.Equal(t, []types.Group{types.NewGroup("gps", "2"), types.NewGroup("gps", "3")}, groups)

		groups, err = store.Probes().ListGroups(ctx, owner, types.GroupFilter{Name: "gps", Version: "3"})
		require.NoError(t, err)
		assert.Equal(t, []types.Group{types.NewGroup("gps", "3")}, groups)
	})

	t.Run("fetch returns projected rows in id order", func(t *testing.T) {
		ctx := context.Background()
		owner := newOwner()
		group := types.NewGroup("accel", "7")
		var ids []types.RecordID
		for i := 0; i < 5; i++ {
			ids = append(ids, insertObservation(t, store, owner, group.Name, group.Version, "xyz"))
		}
		_, err := store.InsertObservation(ctx, types.Observation{
			Owner: owner, ObserverID: group.Name, ObserverVersion: group.Version,
			StreamID: "bare", StreamVersion: 3, Time: time.Now(),
		})
		require.NoError(t, err)

		records, err := store.Probes().FetchRecords(ctx, owner, group, 0, 3)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, ids[:3], []types.RecordID{records[0].ID, records[1].ID, records[2].ID})
		assert.Equal(t, group.Key, records[0].GroupKey)
		assert.Equal(t, len(records[0].Payload), records[0].SerializedSize)

		row, err := recordstore.DecodeRow(records[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, "xyz", row.Get(recordstore.ProbeColumns.StreamID))
		assert.Equal(t, "1", row.Get(recordstore.ProbeColumns.StreamVersion))
		assert.JSONEq(t, `{"x":1}`, row.Get(recordstore.ProbeColumns.Data))

		records, err = store.Probes().FetchRecords(ctx, owner, group, ids[3], 10)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, ids[4], records[0].ID)

		row, err = recordstore.DecodeRow(records[1].Payload)
		require.NoError(t, err)
		assert.Nil(t, row[recordstore.ProbeColumns.Data], "empty data is stored as NULL")
		assert.Equal(t, "3", row.Get(recordstore.ProbeColumns.StreamVersion))
	})

	t.Run("deleted records are never returned again", func(t *testing.T) {
		ctx := context.Background()
		owner := newOwner()
		group := types.NewGroup("urn:campaign:ca:ucla:test", "2024-03-01 10:00:00")
		var ids []types.RecordID
		for i := 0; i < 4; i++ {
			ids = append(ids, insertResponse(t, store, owner, group))
		}

		err := store.Responses().DeleteRecords(ctx, ids[:3], 998)
		require.NoError(t, err)

		records, err := store.Responses().FetchRecords(ctx, owner, group, 0, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ids[3], records[0].ID)

		count, err := store.PendingCount(ctx, types.DomainResponses, owner)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		require.NoError(t, store.Responses().DeleteRecords(ctx, ids[3:], 998))
		groups, err := store.Responses().ListGroups(ctx, owner, types.GroupFilter{})
		require.NoError(t, err)
		assert.Empty(t, groups, "a drained group is no longer listed")
	})

	t.Run("deletes over the cap are rejected", func(t *testing.T) {
		ctx := context.Background()
		owner := newOwner()
		group := types.NewGroup("accel", "1")
		a := insertObservation(t, store, owner, group.Name, group.Version, "xyz")
		b := insertObservation(t, store, owner, group.Name, group.Version, "xyz")

		err := store.Probes().DeleteRecords(ctx, []types.RecordID{a, b}, 1)
		require.ErrorIs(t, err, recordstore.ErrTooManyIDs)

		count, err := store.PendingCount(ctx, types.DomainProbes, owner)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("response payload carries the stored document", func(t *testing.T) {
		ctx := context.Background()
		owner := newOwner()
		group := types.NewGroup("urn:campaign:x", "2024-01-01 00:00:00")
		insertResponse(t, store, owner, group)

		records, err := store.Responses().FetchRecords(ctx, owner, group, 0, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		row, err := recordstore.DecodeRow(records[0].Payload)
		require.NoError(t, err)
		assert.JSONEq(t, `{"survey_id":"mood","responses":[{"prompt_id":"q1","value":3}]}`, row.Get(recordstore.ResponseColumns.Response))
	})

	t.Run("invalid records are rejected", func(t *testing.T) {
		ctx := context.Background()
		_, err := store.InsertObservation(ctx, types.Observation{Owner: newOwner(), ObserverID: "accel"})
		assert.ErrorIs(t, err, recordstore.ErrInvalidRecord)

		_, err = store.InsertResponse(ctx, types.SurveyResponse{Owner: newOwner(), CampaignURN: "urn:x", Response: []byte("{not json")})
		assert.ErrorIs(t, err, recordstore.ErrInvalidRecord)
	})

	t.Run("watermark round trip", func(t *testing.T) {
		ctx := context.Background()
		owner := newOwner()

		_, found, err := store.LastSuccessfulSync(ctx, owner)
		require.NoError(t, err)
		assert.False(t, found)

		first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.AdvanceLastSuccessfulSync(ctx, owner, first))
		second := first.Add(time.Hour)
		require.NoError(t, store.AdvanceLastSuccessfulSync(ctx, owner, second))

		at, found, err := store.LastSuccessfulSync(ctx, owner)
		require.NoError(t, err)
		assert.True(t, found)
		assert.True(t, second.Equal(at), "expected %v, got %v", second, at)
	})
}

func newOwner() string {
	return "user-" + uuid.NewString()
}

func insertObservation(t *testing.T, store recordstore.Writer, owner, observer, version, stream string) types.RecordID {
	t.Helper()
	id, err := store.InsertObservation(context.Background(), types.Observation{
		Owner:           owner,
		ObserverID:      observer,
		ObserverVersion: version,
		StreamID:        stream,
		StreamVersion:   1,
		Data:            json.RawMessage(`{"x": 1}`),
		Metadata:        json.RawMessage(`{"time":"2024-05-01T12:00:00Z"}`),
		Time:            time.Now(),
	})
	require.NoError(t, err)
	return id
}

func insertResponse(t *testing.T, store recordstore.Writer, owner string, group types.Group) types.RecordID {
	t.Helper()
	id, err := store.InsertResponse(context.Background(), types.SurveyResponse{
		Owner:           owner,
		CampaignURN:     group.Name,
		CampaignCreated: group.Version,
		Response:        json.RawMessage(`{"survey_id":"mood","responses":[{"prompt_id":"q1","value":3}]}`),
		Time:            time.Now(),
	})
	require.NoError(t, err)
	return id
}
