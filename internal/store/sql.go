package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Compile-time contract assertion.
var _ Store = (*SQLStore)(nil)

// SQLStore persists experiments in SQLite or Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open opens (or creates) a SQLite database at dbPath.
func Open(dbPath string) (*SQLStore, error) {
	return OpenDriver(DriverSQLite, dbPath)
}

// OpenDriver opens a database with the given driver and applies the schema.
func OpenDriver(driver, dsn string) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", withForeignKeys(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// One connection serializes writers, so the assignment race is decided
		// by the unique index rather than surfacing as SQLITE_BUSY.
		db.SetMaxOpenConns(1)

		// Enable WAL mode
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	// Apply schema
	for _, stmt := range splitStatements(schema) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withForeignKeys turns on foreign key enforcement for every connection the
// pool opens. SQLite leaves it off by default.
func withForeignKeys(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// isForeignKeyViolation reports whether err is a rejected reference to a
// missing experiment.
func isForeignKeyViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23503"
	}
	return false
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const experimentColumns = `id, name, description, status, audience, start_date, end_date, created_by, created_at, updated_at`

func (s *SQLStore) CreateTest(ctx context.Context, test *Experiment) error {
	audienceJSON, err := marshalNullable(test.Audience)
	if err != nil {
		return fmt.Errorf("failed to marshal audience: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO experiments (`+experimentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		test.ID, test.Name, test.Description, string(test.Status), audienceJSON,
		nullableMillis(test.StartDate), nullableMillis(test.EndDate),
		test.CreatedBy, test.CreatedAt.UnixMilli(), test.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert test: %w", err)
	}

	for i, v := range test.Variants {
		var config sql.NullString
		if len(v.Config) > 0 {
			config = sql.NullString{String: string(v.Config), Valid: true}
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO variants (id, test_id, position, name, description, allocation, is_control, config)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			v.ID, test.ID, i, v.Name, v.Description, v.Allocation, boolToInt(v.IsControl), config,
		)
		if err != nil {
			return fmt.Errorf("failed to insert variant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit test: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTest(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`), id)

	test, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	if test.Variants, err = s.loadVariants(ctx, id); err != nil {
		return nil, err
	}
	return test, nil
}

func (s *SQLStore) ListTests(ctx context.Context, filter ListFilter) ([]*Experiment, int, error) {
	filter = filter.Normalize()

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM experiments`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tests: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+experimentColumns+` FROM experiments`+clause+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
		append(args, filter.PageSize, filter.offset())...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tests: %w", err)
	}

	var tests []*Experiment
	for rows.Next() {
		test, err := scanExperiment(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, test)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("failed to list tests: %w", err)
	}
	// Release the connection before loading variants
	rows.Close()

	for _, test := range tests {
		if test.Variants, err = s.loadVariants(ctx, test.ID); err != nil {
			return nil, 0, err
		}
	}

	return tests, total, nil
}

func (s *SQLStore) UpdateTest(ctx context.Context, id string, update TestUpdate, at time.Time) (*Experiment, error) {
	sets := []string{"updated_at = ?"}
	args := []any{at.UnixMilli()}

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.ClearAudience {
		sets = append(sets, "audience = NULL")
	} else if update.Audience != nil {
		audienceJSON, err := marshalNullable(update.Audience)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audience: %w", err)
		}
		sets = append(sets, "audience = ?")
		args = append(args, audienceJSON)
	}
	if update.ClearEndDate {
		sets = append(sets, "end_date = NULL")
	} else if update.EndDate != nil {
		sets = append(sets, "end_date = ?")
		args = append(args, update.EndDate.UnixMilli())
	}

	args = append(args, id, string(StatusCompleted), string(StatusArchived))
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE experiments SET `+strings.Join(sets, ", ")+
			` WHERE id = ? AND status NOT IN (?, ?)`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update test: %w", err)
	}

	if err := s.checkGuardedWrite(ctx, result, id); err != nil {
		return nil, err
	}
	return s.GetTest(ctx, id)
}

func (s *SQLStore) TransitionTest(ctx context.Context, id string, from []TestStatus, to TestStatus, at time.Time) (*Experiment, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: no source status allowed", ErrConflict)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), at.UnixMilli()}
	switch to {
	case StatusRunning:
		sets = append(sets, "start_date = COALESCE(start_date, ?)")
		args = append(args, at.UnixMilli())
	case StatusCompleted:
		sets = append(sets, "end_date = ?")
		args = append(args, at.UnixMilli())
	}

	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE experiments SET `+strings.Join(sets, ", ")+
			` WHERE id = ? AND status IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update test status: %w", err)
	}

	if err := s.checkGuardedWrite(ctx, result, id); err != nil {
		return nil, err
	}
	return s.GetTest(ctx, id)
}

// checkGuardedWrite turns a zero-row guarded UPDATE into ErrNotFound or ErrConflict.
func (s *SQLStore) checkGuardedWrite(ctx context.Context, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM experiments WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get test status: %w", err)
	}
	return fmt.Errorf("%w: test %s is %s", ErrConflict, id, status)
}

func (s *SQLStore) DeleteTest(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM experiments WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get test: %w", err)
	}
	if TestStatus(status) == StatusRunning {
		return fmt.Errorf("%w: test %s is running", ErrConflict, id)
	}

	// First delete related rows
	for _, table := range []string{"conversions", "assignments", "variants"} {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE test_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}

	result, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM experiments WHERE id = ? AND status <> ?`), id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: test %s started while deleting", ErrConflict, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAssignment(ctx context.Context, testID, userID string) (*Assignment, error) {
	var a Assignment
	var assignedAt int64

	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, test_id, variant_id, user_id, assigned_at
		 FROM assignments WHERE test_id = ? AND user_id = ?`), testID, userID,
	).Scan(&a.ID, &a.TestID, &a.VariantID, &a.UserID, &assignedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}

	a.AssignedAt = fromMillis(assignedAt)
	return &a, nil
}

func (s *SQLStore) CreateAssignmentIfAbsent(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	// The unique index on (test_id, user_id) decides concurrent first assignments
	result, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO assignments (id, test_id, variant_id, user_id, assigned_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (test_id, user_id) DO NOTHING`),
		a.ID, a.TestID, a.VariantID, a.UserID, a.AssignedAt.UnixMilli(),
	)
	if isForeignKeyViolation(err) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create assignment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err := s.GetAssignment(ctx, a.TestID, a.UserID)
	if err != nil {
		return nil, false, err
	}
	return stored, rowsAffected == 1, nil
}

func (s *SQLStore) CountAssignments(ctx context.Context, testID, variantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM assignments WHERE test_id = ? AND variant_id = ?`), testID, variantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count assignments: %w", err)
	}
	return count, nil
}

func (s *SQLStore) RecordConversion(ctx context.Context, c *Conversion) error {
	var metadata sql.NullString
	if len(c.Metadata) > 0 {
		b, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	var value sql.NullFloat64
	if c.Value != nil {
		value = sql.NullFloat64{Float64: *c.Value, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversions (id, test_id, variant_id, user_id, event_type, value, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.TestID, c.VariantID, c.UserID, c.EventType, value, metadata, c.CreatedAt.UnixMilli(),
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to record conversion: %w", err)
	}
	return nil
}

func (s *SQLStore) CountUniqueConverters(ctx context.Context, testID, variantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(DISTINCT user_id) FROM conversions WHERE test_id = ? AND variant_id = ?`), testID, variantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count converters: %w", err)
	}
	return count, nil
}

func (s *SQLStore) ListConversions(ctx context.Context, testID string) ([]*Conversion, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, test_id, variant_id, user_id, event_type, value, metadata, created_at
		 FROM conversions WHERE test_id = ? ORDER BY created_at DESC, id DESC`),
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversions: %w", err)
	}
	defer rows.Close()

	var conversions []*Conversion
	for rows.Next() {
		var c Conversion
		var value sql.NullFloat64
		var metadata sql.NullString
		var createdAt int64

		if err := rows.Scan(&c.ID, &c.TestID, &c.VariantID, &c.UserID, &c.EventType, &value, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		if value.Valid {
			v := value.Float64
			c.Value = &v
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		c.CreatedAt = fromMillis(createdAt)
		conversions = append(conversions, &c)
	}

	return conversions, rows.Err()
}

func (s *SQLStore) loadVariants(ctx context.Context, testID string) ([]Variant, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, test_id, name, description, allocation, is_control, config
		 FROM variants WHERE test_id = ? ORDER BY position`), testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get variants: %w", err)
	}
	defer rows.Close()

	var variants []Variant
	for rows.Next() {
		var v Variant
		var isControl int
		var config sql.NullString
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.Description, &v.Allocation, &isControl, &config); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		v.IsControl = isControl != 0
		if config.Valid && config.String != "" {
			v.Config = json.RawMessage(config.String)
		}
		variants = append(variants, v)
	}

	return variants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	var test Experiment
	var status string
	var audienceJSON sql.NullString
	var startDate, endDate sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&test.ID, &test.Name, &test.Description, &status, &audienceJSON,
		&startDate, &endDate, &test.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	test.Status = TestStatus(status)
	if audienceJSON.Valid && audienceJSON.String != "" {
		test.Audience = &AudienceFilter{}
		if err := json.Unmarshal([]byte(audienceJSON.String), test.Audience); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audience: %w", err)
		}
	}
	if startDate.Valid {
		t := fromMillis(startDate.Int64)
		test.StartDate = &t
	}
	if endDate.Valid {
		t := fromMillis(endDate.Int64)
		test.EndDate = &t
	}
	test.CreatedAt = fromMillis(createdAt)
	test.UpdatedAt = fromMillis(updatedAt)

	return &test, nil
}

func marshalNullable(a *AudienceFilter) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
