package recordstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

// MemoryStore implements Store with in-process maps. It is used for tests,
// demos and load generation where durability is not required.
type MemoryStore struct {
	mu         sync.RWMutex
	tables     map[string]*memTable
	watermarks map[string]time.Time
	probes     *memCollection
	responses  *memCollection
	logger     zerolog.Logger
}

type memTable struct {
	nextID types.RecordID
	rows   []memRow
}

type memRow struct {
	id      types.RecordID
	owner   string
	group   types.Group
	columns Row
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	s := &MemoryStore{
		tables: map[string]*memTable{
			ProbesTable.Name:    {},
			ResponsesTable.Name: {},
		},
		watermarks: make(map[string]time.Time),
		logger:     logger.With().Str("component", "MemoryStore").Logger(),
	}
	s.probes = &memCollection{store: s, spec: ProbesTable}
	s.responses = &memCollection{store: s, spec: ResponsesTable}
	return s
}

func (s *MemoryStore) Probes() syncengine.RecordStore    { return s.probes }
func (s *MemoryStore) Responses() syncengine.RecordStore { return s.responses }

func (s *MemoryStore) InsertObservation(ctx context.Context, obs types.Observation) (types.RecordID, error) {
	if err := validateObservation(obs); err != nil {
		return 0, err
	}
	return s.insert(ctx, ProbesTable, observationValues(obs))
}

func (s *MemoryStore) InsertResponse(ctx context.Context, resp types.SurveyResponse) (types.RecordID, error) {
	if err := validateResponse(resp); err != nil {
		return 0, err
	}
	return s.insert(ctx, ResponsesTable, responseValues(resp))
}

func (s *MemoryStore) insert(ctx context.Context, spec TableSpec, values []columnValue) (types.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	columns := make(Row, len(values))
	for _, v := range values {
		columns[v.name] = stringValue(v.value)
	}
	table := s.tables[spec.Name]
	table.nextID++
	table.rows = append(table.rows, memRow{
		id:      table.nextID,
		owner:   columns.Get(spec.OwnerColumn),
		group:   types.NewGroup(columns.Get(spec.NameColumn), columns.Get(spec.VersionColumn)),
		columns: columns,
	})
	return table.nextID, nil
}

func (s *MemoryStore) PendingCount(ctx context.Context, domain types.Domain, owner string) (int, error) {
	spec, ok := tableFor(domain)
	if !ok {
		return 0, fmt.Errorf("unknown domain %q", domain)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	count := 0
	for _, row := range s.tables[spec.Name].rows {
		if row.owner == owner {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) LastSuccessfulSync(_ context.Context, owner string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.watermarks[owner]
	return at, ok, nil
}

func (s *MemoryStore) AdvanceLastSuccessfulSync(_ context.Context, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[owner] = at.UTC()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	s.logger.Info().Msg("In-memory record store closed.")
	return nil
}

// memCollection is the RecordStore view of one in-memory table.
type memCollection struct {
	store *MemoryStore
	spec  TableSpec
}

func (c *memCollection) ListGroups(ctx context.Context, owner string, filter types.GroupFilter) ([]types.Group, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// Rows are kept in id order, so first appearance is the oldest record.
	seen := make(map[string]struct{})
	var groups []types.Group
	for _, row := range c.store.tables[c.spec.Name].rows {
		if row.owner != owner || !filter.Matches(row.group) {
			continue
		}
		if _, ok := seen[row.group.Key]; ok {
			continue
		}
		seen[row.group.Key] = struct{}{}
		groups = append(groups, row.group)
	}
	return groups, nil
}

func (c *memCollection) FetchRecords(ctx context.Context, owner string, group types.Group, afterID types.RecordID, maxRows int) ([]types.Record, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var records []types.Record
	for _, row := range c.store.tables[c.spec.Name].rows {
		if len(records) == maxRows {
			break
		}
		if row.owner != owner || row.group.Key != group.Key || row.id <= afterID {
			continue
		}
		projected := make(Row, len(c.spec.Projection))
		for _, col := range c.spec.Projection {
			projected[col] = row.columns[col]
		}
		record, err := newRecord(row.id, group, projected)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (c *memCollection) DeleteRecords(ctx context.Context, ids []types.RecordID, maxIDsPerCall int) error {
	if len(ids) > maxIDsPerCall {
		return fmt.Errorf("%w: %d ids, cap %d", ErrTooManyIDs, len(ids), maxIDsPerCall)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	drop := make(map[types.RecordID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	table := c.store.tables[c.spec.Name]
	kept := table.rows[:0]
	for _, row := range table.rows {
		if _, ok := drop[row.id]; !ok {
			kept = append(kept, row)
		}
	}
	table.rows = kept
	return nil
}
