package syncengine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/illmade-knight/go-fieldsync/pkg/types"
)

// rec builds a record whose payload is a JSON string of exactly size bytes.
func rec(id types.RecordID, groupKey string, size int) types.Record {
	payload := json.RawMessage(`"` + strings.Repeat("a", size-2) + `"`)
	return types.Record{ID: id, GroupKey: groupKey, Payload: payload, SerializedSize: size}
}

// --- Fake RecordStore ---

type fakeStore struct {
	mu      sync.Mutex
	groups  []types.Group
	records map[string][]types.Record

	listErr   error
	fetchErr  error
	deleteErr error

	lastFilter  types.GroupFilter
	fetchCalls  int
	deleteCalls [][]types.RecordID
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string][]types.Record)}
}

func (s *fakeStore) add(group types.Group, records ...types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[group.Key]; !ok {
		s.groups = append(s.groups, group)
	}
	for _, r := range records {
		r.GroupKey = group.Key
		s.records[group.Key] = append(s.records[group.Key], r)
	}
}

func (s *fakeStore) ListGroups(_ context.Context, _ string, filter types.GroupFilter) ([]types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = filter
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []types.Group
	for _, g := range s.groups {
		if len(s.records[g.Key]) > 0 && filter.Matches(g) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fakeStore) FetchRecords(_ context.Context, _ string, group types.Group, afterID types.RecordID, maxRows int) ([]types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []types.Record
	for _, r := range s.records[group.Key] {
		if r.ID > afterID {
			out = append(out, r)
		}
		if len(out) == maxRows {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteRecords(_ context.Context, ids []types.RecordID, maxIDsPerCall int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) > maxIDsPerCall {
		return fmt.Errorf("delete of %d ids exceeds cap %d", len(ids), maxIDsPerCall)
	}
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleteCalls = append(s.deleteCalls, append([]types.RecordID(nil), ids...))
	drop := make(map[types.RecordID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	for key, records := range s.records {
		kept := records[:0]
		for _, r := range records {
			if _, ok := drop[r.ID]; !ok {
				kept = append(kept, r)
			}
		}
		s.records[key] = kept
	}
	return nil
}

func (s *fakeStore) remaining(groupKey string) []types.RecordID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []types.RecordID
	for _, r := range s.records[groupKey] {
		ids = append(ids, r.ID)
	}
	return ids
}

func (s *fakeStore) deleted() []types.RecordID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []types.RecordID
	for _, call := range s.deleteCalls {
		ids = append(ids, call...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --- Fake UploadTransport ---

type uploadCall struct {
	group types.Group
	ids   []types.RecordID
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   []uploadCall
	respond func(ctx context.Context, group types.Group, batch types.Batch) (types.SyncResult, error)
}

func (t *fakeTransport) Upload(ctx context.Context, _ types.Account, group types.Group, batch types.Batch) (types.SyncResult, error) {
	t.mu.Lock()
	t.calls = append(t.calls, uploadCall{group: group, ids: append([]types.RecordID(nil), batch.ConsumedIDs...)})
	respond := t.respond
	t.mu.Unlock()
	if respond == nil {
		return types.Succeeded(), nil
	}
	return respond(ctx, group, batch)
}

func (t *fakeTransport) uploadedIDs() []types.RecordID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []types.RecordID
	for _, c := range t.calls {
		ids = append(ids, c.ids...)
	}
	return ids
}

// --- Recording EventSink ---

type sinkEvent struct {
	kind  string
	codes []string
	ids   []types.RecordID
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) push(e sinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) OnStarted(types.Domain)  { s.push(sinkEvent{kind: "started"}) }
func (s *recordingSink) OnFinished(types.Domain) { s.push(sinkEvent{kind: "finished"}) }
func (s *recordingSink) OnError(_ types.Domain, codes []string) {
	s.push(sinkEvent{kind: "error", codes: codes})
}
func (s *recordingSink) OnAuthRequired(types.Domain) { s.push(sinkEvent{kind: "auth"}) }
func (s *recordingSink) OnSkipped(_ types.Domain, _ types.Group, ids []types.RecordID) {
	s.push(sinkEvent{kind: "skipped", ids: ids})
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, len(s.events))
	for i, e := range s.events {
		kinds[i] = e.kind
	}
	return kinds
}

func (s *recordingSink) find(kind string) (sinkEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.kind == kind {
			return e, true
		}
	}
	return sinkEvent{}, false
}
