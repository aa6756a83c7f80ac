// Package load persists final tabular datasets into PostgreSQL. The default
// policy is drop-and-recreate: the destination table is dropped (cascading)
// and fully rewritten every run. A second variant appends with
// insert-on-conflict-ignore over a natural uniqueness key for snapshot-style
// tables.
package load

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/table"
	"github.com/jackc/pgx/v5"
)

// Sink is the capability the load stages depend on. *Postgres is the real
// implementation; tests substitute an in-memory fake.
type Sink interface {
	// Replace drops and fully rewrites the destination table, creates any
	// requested secondary indexes and verifies the load with a row count.
	Replace(ctx context.Context, t *table.Table, dest config.Destination) (int64, error)
	// AppendUnique truncates the previous snapshot and inserts rows,
	// ignoring conflicts on the destination's unique column set.
	AppendUnique(ctx context.Context, t *table.Table, dest config.Destination) (int64, error)
	Close(ctx context.Context) error
}

// Postgres is a Sink over a single connection whose lifetime is scoped to
// one pipeline run: acquire at the load stage, release when it finishes.
type Postgres struct {
	Logger *slog.Logger
	Conn   *pgx.Conn
}

// Connect resolves the connection string from the environment and opens a
// connection for the duration of one run.
func Connect(ctx context.Context, logger *slog.Logger) (*Postgres, error) {
	dsn, err := ResolveDSN()
	if err != nil {
		return nil, err
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	logger.Info("database connection established")
	return &Postgres{Logger: logger, Conn: conn}, nil
}

func (p *Postgres) Close(ctx context.Context) error {
	return p.Conn.Close(ctx)
}

func (p *Postgres) Replace(ctx context.Context, t *table.Table, dest config.Destination) (int64, error) {
	tbl := pgx.Identifier{dest.TableName}.Sanitize()

	p.Logger.Info("dropping existing table if exists", "table", dest.TableName)
	if _, err := p.Conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", tbl)); err != nil {
		return 0, fmt.Errorf("dropping table %s: %w", dest.TableName, err)
	}

	if _, err := p.Conn.Exec(ctx, createTableSQL(tbl, t, false)); err != nil {
		return 0, fmt.Errorf("creating table %s: %w", dest.TableName, err)
	}

	n, err := p.copyRows(ctx, t, dest.TableName)
	if err != nil {
		return 0, fmt.Errorf("bulk write to %s: %w", dest.TableName, err)
	}
	p.Logger.Info("rows inserted", "table", dest.TableName, "rows", n)

	if dest.CreateIndexes {
		p.createIndexes(ctx, t, dest)
	}

	if err := p.verify(ctx, t, dest.TableName); err != nil {
		return n, err
	}
	return n, nil
}

func (p *Postgres) AppendUnique(ctx context.Context, t *table.Table, dest config.Destination) (int64, error) {
	tbl := pgx.Identifier{dest.TableName}.Sanitize()

	if _, err := p.Conn.Exec(ctx, createTableSQL(tbl, t, true)); err != nil {
		return 0, fmt.Errorf("creating table %s: %w", dest.TableName, err)
	}

	if len(dest.UniqueColumns) > 0 {
		name := fmt.Sprintf("ux_%s_%s", dest.TableName, strings.Join(dest.UniqueColumns, "_"))
		sql := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			pgx.Identifier{name}.Sanitize(), tbl, identifierList(dest.UniqueColumns))
		if _, err := p.Conn.Exec(ctx, sql); err != nil {
			return 0, fmt.Errorf("creating unique index on %s: %w", dest.TableName, err)
		}
	}

	// Replace the previous snapshot; the conflict key dedupes within it.
	if _, err := p.Conn.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", tbl)); err != nil {
		return 0, fmt.Errorf("truncating table %s: %w", dest.TableName, err)
	}

	cols := t.Columns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tbl, identifierList(cols), strings.Join(placeholders, ", "))
	if len(dest.UniqueColumns) > 0 {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", identifierList(dest.UniqueColumns))
	}

	var inserted int64
	for _, r := range t.Rows() {
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = r[c]
		}
		tag, err := p.Conn.Exec(ctx, sql, args...)
		if err != nil {
			return inserted, fmt.Errorf("inserting into %s: %w", dest.TableName, err)
		}
		inserted += tag.RowsAffected()
	}
	p.Logger.Info("rows inserted", "table", dest.TableName, "rows", inserted)

	if err := p.verify(ctx, t, dest.TableName); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func (p *Postgres) copyRows(ctx context.Context, t *table.Table, tableName string) (int64, error) {
	cols := t.Columns()
	rows := t.Rows()
	return p.Conn.CopyFrom(ctx,
		pgx.Identifier{tableName},
		cols,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			out := make([]any, len(cols))
			for j, c := range cols {
				out[j] = rows[i][c]
			}
			return out, nil
		}),
	)
}

// createIndexes creates a secondary index per requested column that exists
// in the dataset. Failures are logged and skipped: a missing index degrades
// query performance, not correctness.
func (p *Postgres) createIndexes(ctx context.Context, t *table.Table, dest config.Destination) {
	for _, col := range dest.IndexColumns {
		if !t.HasColumn(col) {
			continue
		}
		name := fmt.Sprintf("idx_%s_%s", dest.TableName, col)
		sql := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pgx.Identifier{name}.Sanitize(),
			pgx.Identifier{dest.TableName}.Sanitize(),
			pgx.Identifier{col}.Sanitize())
		if _, err := p.Conn.Exec(ctx, sql); err != nil {
			p.Logger.Warn("failed to create index", "index", name, "error", err)
			continue
		}
		p.Logger.Info("created index", "index", name)
	}
}

// verify confirms the load with a post-write row count. A count of zero
// after a non-empty input is the same severity as a missing table.
func (p *Postgres) verify(ctx context.Context, t *table.Table, tableName string) error {
	var count int64
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s", pgx.Identifier{tableName}.Sanitize())
	if err := p.Conn.QueryRow(ctx, sql).Scan(&count); err != nil {
		return fmt.Errorf("verifying row count of %s: %w", tableName, err)
	}
	if count == 0 && t.Len() > 0 {
		return fmt.Errorf("verification failed: %s holds 0 rows after loading %d", tableName, t.Len())
	}
	p.Logger.Info("verified row count", "table", tableName, "rows", count)
	return nil
}

// createTableSQL builds the DDL for the destination from the dataset's
// column set, inferring a column type from the first non-nil value.
func createTableSQL(sanitizedTable string, t *table.Table, ifNotExists bool) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if ifNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(sanitizedTable)
	b.WriteString(" (")
	for i, col := range t.Columns() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgx.Identifier{col}.Sanitize())
		b.WriteByte(' ')
		b.WriteString(columnType(t, col))
	}
	b.WriteString(")")
	return b.String()
}

func columnType(t *table.Table, col string) string {
	for _, r := range t.Rows() {
		switch r[col].(type) {
		case nil:
			continue
		case bool:
			return "BOOLEAN"
		case int64, int:
			return "BIGINT"
		case float64:
			return "DOUBLE PRECISION"
		case time.Time:
			return "TIMESTAMPTZ"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func identifierList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(parts, ", ")
}
