package types

import (
	"encoding/json"
	"fmt"
)

// RecordID is the store-assigned identifier of a pending record. IDs are
// unique within a domain and increase in insertion order.
type RecordID int64

// Record is one pending, not-yet-delivered item read from a record store.
//
// Payload holds the JSON the record contributes to an upload and
// SerializedSize its length in bytes. A Record is never mutated after it has
// been read; shaping produces a new value.
type Record struct {
	ID             RecordID
	GroupKey       string
	Payload        json.RawMessage
	SerializedSize int
}

// WithPayload returns a copy of the record carrying payload, with the
// serialized size recomputed.
func (r Record) WithPayload(payload json.RawMessage) Record {
	r.Payload = payload
	r.SerializedSize = len(payload)
	return r
}

// Group identifies the records that share an upload destination, e.g. the
// observations of one observer version or the responses of one campaign.
type Group struct {
	Key     string
	Name    string
	Version string
}

// NewGroup builds a Group with its canonical "<name>:<version>" key.
func NewGroup(name, version string) Group {
	return Group{
		Key:     GroupKey(name, version),
		Name:    name,
		Version: version,
	}
}

// GroupKey returns the canonical key for a name and version pair.
func GroupKey(name, version string) string {
	return fmt.Sprintf("%s:%s", name, version)
}

// GroupFilter optionally restricts a run to a single group. An empty Name
// matches every group; Version is ignored unless Name is set.
type GroupFilter struct {
	Name    string
	Version string
}

// IsZero reports whether the filter matches every group.
func (f GroupFilter) IsZero() bool {
	return f.Name == ""
}

// Matches reports whether g passes the filter.
func (f GroupFilter) Matches(g Group) bool {
	if f.Name == "" {
		return true
	}
	if f.Name != g.Name {
		return false
	}
	return f.Version == "" || f.Version == g.Version
}

// Batch is the set of records selected for one upload attempt. It is built
// fresh for every attempt and never persisted.
type Batch struct {
	// Records are the records sent to the transport, in fetch order.
	Records []Record
	// ConsumedIDs are the ids to delete once the upload succeeds.
	ConsumedIDs []RecordID
	// Skipped are candidates that were passed over because they could never
	// fit into a batch on their own.
	Skipped []RecordID
	// Bytes is the sum of the serialized sizes of Records.
	Bytes int
}

// Empty reports whether the batch carries no records.
func (b Batch) Empty() bool {
	return len(b.Records) == 0
}

// Payload joins the record payloads into the JSON array sent upstream.
func (b Batch) Payload() json.RawMessage {
	out := make([]byte, 0, b.Bytes+len(b.Records)+2)
	out = append(out, '[')
	for i, r := range b.Records {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, r.Payload...)
	}
	out = append(out, ']')
	return out
}
