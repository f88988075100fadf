// Package pipelines defines the two synchronized domains, sensor observations
// and survey responses, as engine pipelines: how their rows are grouped and
// how each row becomes the JSON document uploaded for it.
package pipelines

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/illmade-knight/go-fieldsync/pkg/recordstore"
	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
)

// ErrInvalidPayload is returned by the shapers for rows that cannot be
// turned into valid upload JSON.
var ErrInvalidPayload = errors.New("invalid record payload")

// Options configures the pipelines built by Probes and Responses.
type Options struct {
	Store     syncengine.RecordStore
	Transport syncengine.UploadTransport
	Filter    types.GroupFilter
}

// Probes returns the pipeline for sensor observations.
func Probes(opts Options) syncengine.Pipeline {
	return syncengine.Pipeline{
		Domain:    types.DomainProbes,
		Store:     opts.Store,
		Shaper:    syncengine.ShapeFunc(ShapeProbe),
		Transport: opts.Transport,
		Filter:    opts.Filter,
	}
}

// Responses returns the pipeline for survey responses.
func Responses(opts Options) syncengine.Pipeline {
	return syncengine.Pipeline{
		Domain:    types.DomainResponses,
		Store:     opts.Store,
		Shaper:    syncengine.ShapeFunc(ShapeResponse),
		Transport: opts.Transport,
		Filter:    opts.Filter,
	}
}

type probeDocument struct {
	StreamID      string          `json:"stream_id"`
	StreamVersion int             `json:"stream_version"`
	Data          json.RawMessage `json:"data,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// ShapeProbe builds the upload document of one observation:
// {"stream_id", "stream_version", "data", "metadata"}, where data and metadata
// are embedded as JSON and omitted when empty.
func ShapeProbe(r types.Record) (types.Record, error) {
	row, err := recordstore.DecodeRow(r.Payload)
	if err != nil {
		return types.Record{}, fmt.Errorf("%w: record %d: %v", ErrInvalidPayload, r.ID, err)
	}

	doc := probeDocument{StreamID: row.Get(recordstore.ProbeColumns.StreamID)}
	if v := row.Get(recordstore.ProbeColumns.StreamVersion); v != "" {
		doc.StreamVersion, err = strconv.Atoi(v)
		if err != nil {
			return types.Record{}, fmt.Errorf("%w: record %d: stream_version %q", ErrInvalidPayload, r.ID, v)
		}
	}
	if doc.Data, err = embedJSON(r.ID, "data", row.Get(recordstore.ProbeColumns.Data)); err != nil {
		return types.Record{}, err
	}
	if doc.Metadata, err = embedJSON(r.ID, "metadata", row.Get(recordstore.ProbeColumns.Metadata)); err != nil {
		return types.Record{}, err
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return types.Record{}, fmt.Errorf("failed to marshal probe %d: %w", r.ID, err)
	}
	return r.WithPayload(payload), nil
}

// ShapeResponse uploads the stored response document itself, compacted.
func ShapeResponse(r types.Record) (types.Record, error) {
	row, err := recordstore.DecodeRow(r.Payload)
	if err != nil {
		return types.Record{}, fmt.Errorf("%w: record %d: %v", ErrInvalidPayload, r.ID, err)
	}
	doc, err := embedJSON(r.ID, "response", row.Get(recordstore.ResponseColumns.Response))
	if err != nil {
		return types.Record{}, err
	}
	if doc == nil {
		return types.Record{}, fmt.Errorf("%w: record %d: empty response", ErrInvalidPayload, r.ID)
	}
	return r.WithPayload(doc), nil
}

// embedJSON validates and compacts a stored JSON column. Empty columns yield nil.
func embedJSON(id types.RecordID, column, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(value)); err != nil {
		return nil, fmt.Errorf("%w: record %d: %s: %v", ErrInvalidPayload, id, column, err)
	}
	return compact.Bytes(), nil
}
