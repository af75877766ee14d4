package data

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/lib/pq"                  // PostgreSQL driver
	_ "github.com/snowflakedb/gosnowflake" // Snowflake driver

	"github.com/ignite/sccs/internal/config"
	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/pkg/logger"
)

// SQLSource streams case batches from a relational source using keyset
// pagination on case_id, so no query ever materializes the whole case table.
// The case table carries one row per outcome-overlapping observation period:
// (case_id, person_id, age_in_days, start_date, observed_days, nesting_flag,
// censor_type). The era table carries (case_id, era_type, era_id, start_day,
// end_day).
type SQLSource struct {
	db       *sql.DB
	cfg      config.SourceConfig
	lastID   int64
	done     bool
	postgres bool
}

// Open connects to the configured source. Driver is "postgres" or
// "snowflake"; both are registered.
func Open(cfg config.SourceConfig) (*SQLSource, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewSQLSource(db, cfg), nil
}

// NewSQLSource wraps an existing connection, for callers that manage their
// own pool (and for tests).
func NewSQLSource(db *sql.DB, cfg config.SourceConfig) *SQLSource {
	return &SQLSource{db: db, cfg: cfg, postgres: cfg.Driver != "snowflake"}
}

// placeholder renders the i-th (1-based) bind parameter for the driver.
func (s *SQLSource) placeholder(i int) string {
	if s.postgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// NextBatch fetches the next n cases and their eras. Returns io.EOF when the
// table is exhausted.
func (s *SQLSource) NextBatch(ctx context.Context, n int) (*CaseBatch, error) {
	if s.done {
		return nil, io.EOF
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()

	q := fmt.Sprintf(`
		SELECT case_id, person_id, age_in_days, start_date, observed_days, nesting_flag, censor_type
		FROM %s
		WHERE case_id > %s
		ORDER BY case_id
		LIMIT %s`, s.cfg.CaseTable, s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, q, s.lastID, n)
	if err != nil {
		return nil, fmt.Errorf("fetch case batch after id %d: %w", s.lastID, err)
	}
	defer rows.Close()

	batch := &CaseBatch{}
	for rows.Next() {
		var c domain.Case
		var censorType string
		if err := rows.Scan(&c.CaseID, &c.PersonID, &c.AgeAtObsStart, &c.ObsStartDate, &c.ObsDays, &c.NestingCohort, &censorType); err != nil {
			return nil, fmt.Errorf("scan case row: %w", err)
		}
		batch.Cases = append(batch.Cases, c)
		batch.Periods = append(batch.Periods, domain.ObservationPeriod{
			CaseID:     c.CaseID,
			PersonID:   c.PersonID,
			StartDate:  c.ObsStartDate,
			Days:       c.ObsDays,
			CensorType: domain.CensorType(censorType),
		})
		s.lastID = c.CaseID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case rows: %w", err)
	}
	if len(batch.Cases) == 0 {
		s.done = true
		return nil, io.EOF
	}

	if err := s.fetchEras(ctx, batch); err != nil {
		return nil, err
	}
	logger.Debug("case batch fetched", "cases", len(batch.Cases), "eras", len(batch.Eras), "last_id", s.lastID)
	return batch, nil
}

func (s *SQLSource) fetchEras(ctx context.Context, batch *CaseBatch) error {
	ids := make([]interface{}, len(batch.Cases))
	marks := make([]string, len(batch.Cases))
	for i, c := range batch.Cases {
		ids[i] = c.CaseID
		marks[i] = s.placeholder(i + 1)
	}
	q := fmt.Sprintf(`
		SELECT case_id, era_type, era_id, start_day, end_day
		FROM %s
		WHERE case_id IN (%s)
		ORDER BY case_id, era_id, start_day`, s.cfg.EraTable, strings.Join(marks, ", "))
	rows, err := s.db.QueryContext(ctx, q, ids...)
	if err != nil {
		return fmt.Errorf("fetch eras for %d cases: %w", len(ids), err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.Era
		var eraType string
		if err := rows.Scan(&e.CaseID, &eraType, &e.EraID, &e.StartDay, &e.EndDay); err != nil {
			return fmt.Errorf("scan era row: %w", err)
		}
		e.Type = domain.EraType(eraType)
		batch.Eras = append(batch.Eras, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate era rows: %w", err)
	}
	return nil
}

// Bounds fetches the population-level aggregates needed for spline knot
// placement before streaming begins.
func (s *SQLSource) Bounds(ctx context.Context) (Bounds, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()

	var b Bounds
	q := fmt.Sprintf(`
		SELECT MIN(age_in_days), MAX(age_in_days + observed_days - 1),
		       MIN(start_date), MAX(start_date)
		FROM %s`, s.cfg.CaseTable)
	if err := s.db.QueryRowContext(ctx, q).Scan(&b.MinAgeDays, &b.MaxAgeDays, &b.MinDate, &b.MaxDate); err != nil {
		return Bounds{}, fmt.Errorf("fetch case bounds: %w", err)
	}
	// MaxDate from the aggregate is the latest start; extend by the longest
	// observation so calendar knots cover every observed day.
	var maxObs int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(observed_days) FROM %s`, s.cfg.CaseTable)).Scan(&maxObs); err != nil {
		return Bounds{}, fmt.Errorf("fetch max observed days: %w", err)
	}
	b.MaxDate = b.MaxDate.AddDate(0, 0, maxObs-1)
	return b, nil
}

// EraRefs fetches the era reference table.
func (s *SQLSource) EraRefs(ctx context.Context) ([]domain.EraRef, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT era_id, era_name FROM %s`, s.cfg.EraRefTable))
	if err != nil {
		return nil, fmt.Errorf("fetch era refs: %w", err)
	}
	defer rows.Close()
	var out []domain.EraRef
	for rows.Next() {
		var ref domain.EraRef
		if err := rows.Scan(&ref.EraID, &ref.Name); err != nil {
			return nil, fmt.Errorf("scan era ref row: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *SQLSource) Close() error { return s.db.Close() }

// DB exposes the underlying pool for health checks.
func (s *SQLSource) DB() *sql.DB { return s.db }
