package recordstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// querier is the common surface of database/sql and pgx used by sqlStore.
type querier interface {
	query(ctx context.Context, q string, args []any, each func(scan func(dest ...any) error) error) error
	exec(ctx context.Context, q string, args ...any) (int64, error)
}

type sqlDB struct {
	db *sql.DB
}

func (d sqlDB) query(ctx context.Context, q string, args []any, each func(scan func(dest ...any) error) error) error {
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (d sqlDB) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := d.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type pgxDB struct {
	pool *pgxpool.Pool
}

func (d pgxDB) query(ctx context.Context, q string, args []any, each func(scan func(dest ...any) error) error) error {
	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (d pgxDB) exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := d.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// placeholderFunc renders the n-th (1-based) bind parameter of a dialect.
type placeholderFunc func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

// sqlStore implements Store on top of any querier. The SQLite and Postgres
// stores differ only in connection setup and placeholder style.
type sqlStore struct {
	db        querier
	ph        placeholderFunc
	probes    *sqlCollection
	responses *sqlCollection
	logger    zerolog.Logger
}

func newSQLStore(db querier, ph placeholderFunc, logger zerolog.Logger) *sqlStore {
	return &sqlStore{
		db:        db,
		ph:        ph,
		probes:    &sqlCollection{db: db, ph: ph, spec: ProbesTable, logger: logger.With().Str("table", ProbesTable.Name).Logger()},
		responses: &sqlCollection{db: db, ph: ph, spec: ResponsesTable, logger: logger.With().Str("table", ResponsesTable.Name).Logger()},
		logger:    logger,
	}
}

func (s *sqlStore) Probes() syncengine.RecordStore    { return s.probes }
func (s *sqlStore) Responses() syncengine.RecordStore { return s.responses }

func (s *sqlStore) InsertObservation(ctx context.Context, obs types.Observation) (types.RecordID, error) {
	if err := validateObservation(obs); err != nil {
		return 0, err
	}
	return s.insert(ctx, ProbesTable.Name, observationValues(obs))
}

func (s *sqlStore) InsertResponse(ctx context.Context, resp types.SurveyResponse) (types.RecordID, error) {
	if err := validateResponse(resp); err != nil {
		return 0, err
	}
	return s.insert(ctx, ResponsesTable.Name, responseValues(resp))
}

func (s *sqlStore) insert(ctx context.Context, table string, values []columnValue) (types.RecordID, error) {
	names := make([]string, len(values))
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		names[i] = v.name
		marks[i] = s.ph(i + 1)
		args[i] = v.value
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id", table, strings.Join(names, ", "), strings.Join(marks, ", "))

	var id int64
	err := s.db.query(ctx, q, args, func(scan func(dest ...any) error) error {
		return scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return types.RecordID(id), nil
}

func (s *sqlStore) PendingCount(ctx context.Context, domain types.Domain, owner string) (int, error) {
	spec, ok := tableFor(domain)
	if !ok {
		return 0, fmt.Errorf("unknown domain %q", domain)
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = %s", spec.Name, spec.OwnerColumn, s.ph(1))
	var count int64
	err := s.db.query(ctx, q, []any{owner}, func(scan func(dest ...any) error) error {
		return scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", spec.Name, err)
	}
	return int(count), nil
}

func (s *sqlStore) LastSuccessfulSync(ctx context.Context, owner string) (time.Time, bool, error) {
	q := fmt.Sprintf("SELECT last_sync FROM sync_state WHERE username = %s", s.ph(1))
	var millis int64
	found := false
	err := s.db.query(ctx, q, []any{owner}, func(scan func(dest ...any) error) error {
		found = true
		return scan(&millis)
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read sync watermark: %w", err)
	}
	if !found {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(millis).UTC(), true, nil
}

func (s *sqlStore) AdvanceLastSuccessfulSync(ctx context.Context, owner string, at time.Time) error {
	q := fmt.Sprintf(
		"INSERT INTO sync_state (username, last_sync) VALUES (%s, %s) ON CONFLICT (username) DO UPDATE SET last_sync = excluded.last_sync",
		s.ph(1), s.ph(2),
	)
	if _, err := s.db.exec(ctx, q, owner, at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to write sync watermark: %w", err)
	}
	return nil
}

// sqlCollection is one table of pending records.
type sqlCollection struct {
	db     querier
	ph     placeholderFunc
	spec   TableSpec
	logger zerolog.Logger
}

// ListGroups orders groups by their oldest pending record.
func (c *sqlCollection) ListGroups(ctx context.Context, owner string, filter types.GroupFilter) ([]types.Group, error) {
	var b strings.Builder
	args := []any{owner}
	fmt.Fprintf(&b, "SELECT %s, %s FROM %s WHERE %s = %s",
		c.spec.NameColumn, c.spec.VersionColumn, c.spec.Name, c.spec.OwnerColumn, c.ph(1))
	if filter.Name != "" {
		args = append(args, filter.Name)
		fmt.Fprintf(&b, " AND %s = %s", c.spec.NameColumn, c.ph(len(args)))
		if filter.Version != "" {
			args = append(args, filter.Version)
			fmt.Fprintf(&b, " AND %s = %s", c.spec.VersionColumn, c.ph(len(args)))
		}
	}
	fmt.Fprintf(&b, " GROUP BY %s, %s ORDER BY MIN(id)", c.spec.NameColumn, c.spec.VersionColumn)

	var groups []types.Group
	err := c.db.query(ctx, b.String(), args, func(scan func(dest ...any) error) error {
		var name, version string
		if err := scan(&name, &version); err != nil {
			return err
		}
		groups = append(groups, types.NewGroup(name, version))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list groups of %s: %w", c.spec.Name, err)
	}
	return groups, nil
}

func (c *sqlCollection) FetchRecords(ctx context.Context, owner string, group types.Group, afterID types.RecordID, maxRows int) ([]types.Record, error) {
	cols := make([]string, len(c.spec.Projection))
	for i, col := range c.spec.Projection {
		cols[i] = fmt.Sprintf("CAST(%s AS TEXT)", col)
	}
	q := fmt.Sprintf(
		"SELECT id, %s FROM %s WHERE %s = %s AND %s = %s AND %s = %s AND id > %s ORDER BY id LIMIT %s",
		strings.Join(cols, ", "), c.spec.Name,
		c.spec.OwnerColumn, c.ph(1),
		c.spec.NameColumn, c.ph(2),
		c.spec.VersionColumn, c.ph(3),
		c.ph(4), c.ph(5),
	)
	args := []any{owner, group.Name, group.Version, int64(afterID), maxRows}

	var records []types.Record
	err := c.db.query(ctx, q, args, func(scan func(dest ...any) error) error {
		var id int64
		values := make([]*string, len(c.spec.Projection))
		dest := make([]any, 0, len(values)+1)
		dest = append(dest, &id)
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := scan(dest...); err != nil {
			return err
		}
		row := make(Row, len(values))
		for i, col := range c.spec.Projection {
			row[col] = values[i]
		}
		record, err := newRecord(types.RecordID(id), group, row)
		if err != nil {
			return err
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s for group %s: %w", c.spec.Name, group.Key, err)
	}
	return records, nil
}

func (c *sqlCollection) DeleteRecords(ctx context.Context, ids []types.RecordID, maxIDsPerCall int) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > maxIDsPerCall {
		return fmt.Errorf("%w: %d ids, cap %d", ErrTooManyIDs, len(ids), maxIDsPerCall)
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = c.ph(i + 1)
		args[i] = int64(id)
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", c.spec.Name, strings.Join(marks, ", "))
	n, err := c.db.exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", c.spec.Name, err)
	}
	c.logger.Debug().Int("requested", len(ids)).Int64("deleted", n).Msg("Deleted uploaded records")
	return nil
}
