package types_test

import (
	"encoding/json"
	"testing"

	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupFilter_Matches(t *testing.T) {
	gps2 := types.NewGroup("gps", "2")
	assert.Equal(t, "gps:2", gps2.Key)

	testCases := []struct {
		name   string
		filter types.GroupFilter
		want   bool
	}{
		{"zero filter matches everything", types.GroupFilter{}, true},
		{"name only", types.GroupFilter{Name: "gps"}, true},
		{"name and version", types.GroupFilter{Name: "gps", Version: "2"}, true},
		{"other version", types.GroupFilter{Name: "gps", Version: "3"}, false},
		{"other name", types.GroupFilter{Name: "accel"}, false},
		{"version without name is ignored", types.GroupFilter{Version: "9"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(gps2))
		})
	}
	assert.True(t, types.GroupFilter{Version: "9"}.IsZero())
}

func TestBatch_Payload(t *testing.T) {
	t.Run("empty batch is an empty array", func(t *testing.T) {
		b := types.Batch{}
		assert.True(t, b.Empty())
		assert.Equal(t, "[]", string(b.Payload()))
	})

	t.Run("records are joined in order", func(t *testing.T) {
		a := types.Record{ID: 1}.WithPayload(json.RawMessage(`{"a":1}`))
		b := types.Record{ID: 2}.WithPayload(json.RawMessage(`{"b":2}`))
		batch := types.Batch{Records: []types.Record{a, b}, Bytes: a.SerializedSize + b.SerializedSize}

		payload := batch.Payload()

		assert.Equal(t, `[{"a":1},{"b":2}]`, string(payload))
		var decoded []map[string]int
		require.NoError(t, json.Unmarshal(payload, &decoded))
		assert.Len(t, decoded, 2)
	})
}

func TestSyncReport_Flags(t *testing.T) {
	report := types.SyncReport{Outcomes: []types.RunOutcome{
		{Domain: types.DomainProbes},
		{Domain: types.DomainResponses, AuthRequired: true},
	}}
	assert.False(t, report.HadError())
	assert.True(t, report.AuthRequired())
	assert.True(t, report.Outcomes[0].Clean())
	assert.False(t, report.Outcomes[1].Clean())

	report.Outcomes[0].HadError = true
	assert.True(t, report.HadError())

	assert.Equal(t, "auth_failure", types.AuthFailed("0200").Status.String())
	assert.Equal(t, []string{"0200"}, types.AuthFailed("0200").ErrorCodes)
}

func TestDecodeGardenMonitorMessage(t *testing.T) {
	readings, skip, err := types.DecodeGardenMonitorMessage([]byte(`{"payload":{"DE":"dev-1","SQ":4,"TM":21,"timestamp":"2024-05-01T12:00:00Z"}}`))
	require.NoError(t, err)
	assert.False(t, skip)
	assert.Equal(t, "dev-1", readings.DE)
	assert.Equal(t, 4, readings.Sequence)
	assert.Equal(t, 21, readings.Temperature)

	_, skip, err = types.DecodeGardenMonitorMessage([]byte(`{"topic":"x"}`))
	require.NoError(t, err)
	assert.True(t, skip)

	_, _, err = types.DecodeGardenMonitorMessage([]byte(`{`))
	assert.Error(t, err)
}
