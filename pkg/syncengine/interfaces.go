package syncengine

import (
	"context"

	"github.com/illmade-knight/go-fieldsync/pkg/types"
)

// RecordStore is the engine's view of a durable buffer of pending records.
// Implementations must offer read-after-write consistency for one owner: a
// fetch that follows a delete never returns the deleted records.
type RecordStore interface {
	// ListGroups returns the distinct groups that still have pending records
	// for owner, restricted by filter.
	ListGroups(ctx context.Context, owner string, filter types.GroupFilter) ([]types.Group, error)
	// FetchRecords returns up to maxRows pending records of group with an id
	// greater than afterID, in ascending id order.
	FetchRecords(ctx context.Context, owner string, group types.Group, afterID types.RecordID, maxRows int) ([]types.Record, error)
	// DeleteRecords removes the given records. Callers never pass more than
	// maxIDsPerCall ids.
	DeleteRecords(ctx context.Context, ids []types.RecordID, maxIDsPerCall int) error
}

// UploadTransport sends one batch upstream and classifies the response.
// A returned error is treated exactly like a failure result.
type UploadTransport interface {
	Upload(ctx context.Context, account types.Account, group types.Group, batch types.Batch) (types.SyncResult, error)
}

// PayloadShaper turns a record read from the store into the JSON document
// that is uploaded for it.
type PayloadShaper interface {
	Shape(record types.Record) (types.Record, error)
}

// ShapeFunc adapts a function to the PayloadShaper interface.
type ShapeFunc func(record types.Record) (types.Record, error)

func (f ShapeFunc) Shape(record types.Record) (types.Record, error) {
	return f(record)
}

// EventSink receives the lifecycle events of a pipeline run.
type EventSink interface {
	OnStarted(domain types.Domain)
	OnFinished(domain types.Domain)
	// OnError is called once when a run stops on a failure. codes is nil when
	// the failure carried no remote error codes.
	OnError(domain types.Domain, codes []string)
	OnAuthRequired(domain types.Domain)
	// OnSkipped reports records that cannot be uploaded, such as records
	// larger than the batch quota.
	OnSkipped(domain types.Domain, group types.Group, ids []types.RecordID)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnStarted(types.Domain)                                {}
func (NopSink) OnFinished(types.Domain)                               {}
func (NopSink) OnError(types.Domain, []string)                        {}
func (NopSink) OnAuthRequired(types.Domain)                           {}
func (NopSink) OnSkipped(types.Domain, types.Group, []types.RecordID) {}

// Pipeline binds the engine to one domain: where its records live, how they
// are shaped and where they are sent.
type Pipeline struct {
	Domain    types.Domain
	Store     RecordStore
	Shaper    PayloadShaper
	Transport UploadTransport
	// Filter restricts a run to a single group when set.
	Filter types.GroupFilter
}

// WithFilter returns a copy of the pipeline restricted by filter.
func (p Pipeline) WithFilter(filter types.GroupFilter) Pipeline {
	p.Filter = filter
	return p
}
