package measurements

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aqpredict/internal/records"
)

// timeColumn is the conventional recency column. The window filter is applied
// only when the table actually has it.
const timeColumn = "timestamp"

// Postgres is the production Store, backed by a pgx connection pool.
type Postgres struct {
	pool          *pgxpool.Pool
	table         string // sanitized identifier, safe to interpolate
	hasTimeColumn bool
}

// NewPostgres connects a pool and inspects the table for a usable time
// column.
func NewPostgres(ctx context.Context, url, table string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	p := &Postgres{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}

	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = $1 AND column_name = $2)`,
		table, timeColumn,
	).Scan(&exists)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	p.hasTimeColumn = exists
	return p, nil
}

// SelectCandidates returns unpredicted sentinel rows for the parameter,
// ordered by id. The stable order is part of the positional-join contract:
// the exported file's row order is the only correlation key downstream.
func (p *Postgres) SelectCandidates(ctx context.Context, q CandidateQuery) (*records.Frame, error) {
	sql := fmt.Sprintf(
		`SELECT * FROM %s WHERE parameter = $1 AND value = $2 AND predicted_label = false`,
		p.table,
	)
	args := []any{q.Parameter, q.Sentinel}
	if p.hasTimeColumn && q.WindowHours > 0 {
		sql += fmt.Sprintf(` AND %s >= now() - make_interval(hours => $3)`, pgx.Identifier{timeColumn}.Sanitize())
		args = append(args, q.WindowHours)
	}
	sql += ` ORDER BY id`

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	frame := &records.Frame{Columns: make([]string, len(fields))}
	for i, fd := range fields {
		frame.Columns[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read candidate row: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		frame.Rows = append(frame.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	return frame, nil
}

// ApplyPrediction updates one row's value and predicted flag. A malformed id
// or value is reported as an error so the writer can skip the row.
func (p *Postgres) ApplyPrediction(ctx context.Context, id, value string) (bool, error) {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid row id %q: %w", id, err)
	}
	numeric, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false, fmt.Errorf("invalid predicted value %q: %w", value, err)
	}

	sql := fmt.Sprintf(`UPDATE %s SET value = $1, predicted_label = true WHERE id = $2`, p.table)
	tag, err := p.pool.Exec(ctx, sql, numeric, rowID)
	if err != nil {
		return false, fmt.Errorf("apply prediction to id %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Ready pings the pool.
func (p *Postgres) Ready(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
