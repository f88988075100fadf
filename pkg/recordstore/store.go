// Package recordstore holds the local buffers of pending records: observations
// and survey responses that have been captured but not yet uploaded.
package recordstore

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
)

// ErrTooManyIDs is returned by DeleteRecords when asked to remove more ids
// than the caller's per-call cap allows.
var ErrTooManyIDs = errors.New("too many ids for a single delete")

// ErrInvalidRecord is returned when a record cannot be stored.
var ErrInvalidRecord = errors.New("invalid record")

// Writer accepts newly captured records.
type Writer interface {
	InsertObservation(ctx context.Context, obs types.Observation) (types.RecordID, error)
	InsertResponse(ctx context.Context, resp types.SurveyResponse) (types.RecordID, error)
}

// Store is a complete local buffer: both record collections, the writer side
// and the per-owner sync watermark.
type Store interface {
	Writer
	Probes() syncengine.RecordStore
	Responses() syncengine.RecordStore
	// PendingCount returns how many records of the domain await upload.
	PendingCount(ctx context.Context, domain types.Domain, owner string) (int, error)
	LastSuccessfulSync(ctx context.Context, owner string) (time.Time, bool, error)
	AdvanceLastSuccessfulSync(ctx context.Context, owner string, at time.Time) error
	Close() error
}

// Collection returns the record collection of a domain, or nil for an
// unknown domain.
func Collection(s Store, domain types.Domain) syncengine.RecordStore {
	switch domain {
	case types.DomainProbes:
		return s.Probes()
	case types.DomainResponses:
		return s.Responses()
	default:
		return nil
	}
}

func tableFor(domain types.Domain) (TableSpec, bool) {
	switch domain {
	case types.DomainProbes:
		return ProbesTable, true
	case types.DomainResponses:
		return ResponsesTable, true
	default:
		return TableSpec{}, false
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
