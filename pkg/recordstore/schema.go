package recordstore

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/illmade-knight/go-fieldsync/pkg/types"
)

// TableSpec describes how one table of pending records is grouped and which
// columns make up a record's payload.
type TableSpec struct {
	Name          string
	OwnerColumn   string
	NameColumn    string
	VersionColumn string
	// Projection lists the columns copied into a record's payload.
	Projection []string
}

// ProbeColumns names the columns of the probes table.
var ProbeColumns = struct {
	Owner, ObserverID, ObserverVersion, StreamID, StreamVersion, Data, Metadata, CreatedAt string
}{
	Owner:           "username",
	ObserverID:      "observer_id",
	ObserverVersion: "observer_version",
	StreamID:        "stream_id",
	StreamVersion:   "stream_version",
	Data:            "data",
	Metadata:        "metadata",
	CreatedAt:       "created_at",
}

// ResponseColumns names the columns of the responses table.
var ResponseColumns = struct {
	Owner, CampaignURN, CampaignCreated, Response, CreatedAt string
}{
	Owner:           "username",
	CampaignURN:     "campaign_urn",
	CampaignCreated: "campaign_created",
	Response:        "response",
	CreatedAt:       "created_at",
}

// ProbesTable groups observations by observer id and version.
var ProbesTable = TableSpec{
	Name:          "probes",
	OwnerColumn:   ProbeColumns.Owner,
	NameColumn:    ProbeColumns.ObserverID,
	VersionColumn: ProbeColumns.ObserverVersion,
	Projection:    []string{ProbeColumns.StreamID, ProbeColumns.StreamVersion, ProbeColumns.Data, ProbeColumns.Metadata},
}

// ResponsesTable groups survey responses by campaign urn and creation time.
var ResponsesTable = TableSpec{
	Name:          "responses",
	OwnerColumn:   ResponseColumns.Owner,
	NameColumn:    ResponseColumns.CampaignURN,
	VersionColumn: ResponseColumns.CampaignCreated,
	Projection:    []string{ResponseColumns.Response},
}

// Row is the projected column set of one stored record, keyed by column
// name. A nil value is a NULL column.
type Row map[string]*string

// Get returns the column value, or "" when it is missing or NULL.
func (r Row) Get(column string) string {
	if v, ok := r[column]; ok && v != nil {
		return *v
	}
	return ""
}

// EncodeRow serializes a row into a record payload.
func EncodeRow(row Row) (json.RawMessage, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	return raw, nil
}

// DecodeRow parses a record payload produced by EncodeRow.
func DecodeRow(payload json.RawMessage) (Row, error) {
	var row Row
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}

// newRecord builds the record for a projected row.
func newRecord(id types.RecordID, group types.Group, row Row) (types.Record, error) {
	payload, err := EncodeRow(row)
	if err != nil {
		return types.Record{}, err
	}
	return types.Record{
		ID:             id,
		GroupKey:       group.Key,
		Payload:        payload,
		SerializedSize: len(payload),
	}, nil
}

// columnValue is one column of an insert.
type columnValue struct {
	name  string
	value any
}

func observationValues(obs types.Observation) []columnValue {
	return []columnValue{
		{ProbeColumns.Owner, obs.Owner},
		{ProbeColumns.ObserverID, obs.ObserverID},
		{ProbeColumns.ObserverVersion, obs.ObserverVersion},
		{ProbeColumns.StreamID, obs.StreamID},
		{ProbeColumns.StreamVersion, obs.StreamVersion},
		{ProbeColumns.Data, nullableJSON(obs.Data)},
		{ProbeColumns.Metadata, nullableJSON(obs.Metadata)},
		{ProbeColumns.CreatedAt, obs.Time.UnixMilli()},
	}
}

func responseValues(resp types.SurveyResponse) []columnValue {
	return []columnValue{
		{ResponseColumns.Owner, resp.Owner},
		{ResponseColumns.CampaignURN, resp.CampaignURN},
		{ResponseColumns.CampaignCreated, resp.CampaignCreated},
		{ResponseColumns.Response, string(resp.Response)},
		{ResponseColumns.CreatedAt, resp.Time.UnixMilli()},
	}
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// stringValue renders an insert value the way a TEXT cast would.
func stringValue(v any) *string {
	var s string
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		s = val
	case int:
		s = strconv.Itoa(val)
	case int64:
		s = strconv.FormatInt(val, 10)
	default:
		s = fmt.Sprint(val)
	}
	return &s
}

func validateObservation(obs types.Observation) error {
	if obs.Owner == "" || obs.ObserverID == "" || obs.StreamID == "" {
		return fmt.Errorf("%w: observation is missing its owner, observer or stream", ErrInvalidRecord)
	}
	if len(obs.Data) > 0 && !json.Valid(obs.Data) {
		return fmt.Errorf("%w: observation data is not valid JSON", ErrInvalidRecord)
	}
	if len(obs.Metadata) > 0 && !json.Valid(obs.Metadata) {
		return fmt.Errorf("%w: observation metadata is not valid JSON", ErrInvalidRecord)
	}
	return nil
}

func validateResponse(resp types.SurveyResponse) error {
	if resp.Owner == "" || resp.CampaignURN == "" {
		return fmt.Errorf("%w: response needs owner and campaign urn", ErrInvalidRecord)
	}
	if !json.Valid(resp.Response) {
		return fmt.Errorf("%w: response is not valid JSON", ErrInvalidRecord)
	}
	return nil
}
