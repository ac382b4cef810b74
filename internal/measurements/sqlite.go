package measurements

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"aqpredict/internal/records"
)

// SQLite is a file-backed Store for local development and tests. Unlike the
// Postgres store it can also bootstrap its own schema from a column list.
type SQLite struct {
	db    *sql.DB
	table string
}

// NewSQLite opens (or creates) the database file.
func NewSQLite(path, table string) (*SQLite, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc's driver serializes writes per connection; a single connection
	// avoids SQLITE_BUSY under concurrent updates.
	db.SetMaxOpenConns(1)
	return &SQLite{db: db, table: table}, nil
}

// EnsureSchema creates the measurements table if missing, inferring column
// types from names. An id primary key is always present and a predicted_label
// flag is appended when the column list lacks one.
func (s *SQLite) EnsureSchema(ctx context.Context, columns []string) error {
	defs := []string{"id INTEGER PRIMARY KEY"}
	hasPredicted := false
	for _, col := range columns {
		if err := validIdentifier(col); err != nil {
			return err
		}
		if strings.EqualFold(col, "id") {
			continue
		}
		if strings.EqualFold(col, "predicted_label") {
			hasPredicted = true
		}
		defs = append(defs, fmt.Sprintf("%q %s", col, sqliteType(records.InferColumnType(col))))
	}
	if !hasPredicted {
		defs = append(defs, `"predicted_label" BOOLEAN DEFAULT FALSE`)
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", s.table, strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// InsertRows loads raw rows, marking each as unpredicted. Empty strings in
// value-like columns become NULL rather than failing numeric coercion.
func (s *SQLite) InsertRows(ctx context.Context, columns []string, rows [][]string) error {
	for _, col := range columns {
		if err := validIdentifier(col); err != nil {
			return err
		}
	}
	quoted := make([]string, len(columns))
	holes := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = fmt.Sprintf("%q", col)
		holes[i] = "?"
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %q (%s, \"predicted_label\") VALUES (%s, FALSE)",
		s.table, strings.Join(quoted, ", "), strings.Join(holes, ", "),
	)

	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row has %d fields for %d columns", len(row), len(columns))
		}
		args := make([]any, len(row))
		for i, v := range row {
			if v == "" && records.InferColumnType(columns[i]) == records.TypeFloat {
				args[i] = nil
				continue
			}
			args[i] = v
		}
		if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}
	return nil
}

// SelectCandidates returns unpredicted sentinel rows for the parameter,
// ordered by id so the exported row order is stable.
func (s *SQLite) SelectCandidates(ctx context.Context, q CandidateQuery) (*records.Frame, error) {
	query := fmt.Sprintf(
		"SELECT * FROM %q WHERE parameter = ? AND value = ? AND predicted_label = 0",
		s.table,
	)
	args := []any{q.Parameter, q.Sentinel}
	if q.WindowHours > 0 && s.hasTimeColumn(ctx) {
		query += fmt.Sprintf(" AND %q >= datetime('now', ?)", timeColumn)
		args = append(args, fmt.Sprintf("-%d hours", q.WindowHours))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	frame := &records.Frame{Columns: cols}

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("read candidate row: %w", err)
		}
		row := make([]string, len(raw))
		for i, v := range raw {
			row[i] = formatValue(v)
		}
		frame.Rows = append(frame.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	return frame, nil
}

// ApplyPrediction updates one row's value and predicted flag.
func (s *SQLite) ApplyPrediction(ctx context.Context, id, value string) (bool, error) {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid row id %q: %w", id, err)
	}
	numeric, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false, fmt.Errorf("invalid predicted value %q: %w", value, err)
	}

	stmt := fmt.Sprintf("UPDATE %q SET value = ?, predicted_label = 1 WHERE id = ?", s.table)
	res, err := s.db.ExecContext(ctx, stmt, numeric, rowID)
	if err != nil {
		return false, fmt.Errorf("apply prediction to id %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply prediction to id %s: %w", id, err)
	}
	return affected > 0, nil
}

// Ready pings the database.
func (s *SQLite) Ready(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) hasTimeColumn(ctx context.Context) bool {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", s.table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return false
		}
		if name == timeColumn {
			return true
		}
	}
	return false
}

func sqliteType(t records.ColumnType) string {
	switch t {
	case records.TypeBoolean:
		return "BOOLEAN"
	case records.TypeDateTime:
		return "TIMESTAMP"
	case records.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func validIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier must not be empty")
	}
	for _, r := range name {
		if r == '"' || r == ';' {
			return fmt.Errorf("invalid identifier %q", name)
		}
	}
	return nil
}
