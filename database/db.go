package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Postgres is the persistence port for the simulation target database.
// The pool underneath database/sql handles connection acquisition; every
// statement runs on a pooled connection and releases it on return.
type Postgres struct {
	db *sql.DB
}

// Connect opens the PostgreSQL pool and verifies it with a ping.
func Connect(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Generator intervals dwarf exec latency, so a small pool is enough.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Exec runs a parameterized statement and returns the affected row count.
func (p *Postgres) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Ping verifies the pool is alive.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Query runs a parameterized query returning multiple rows.
func (p *Postgres) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a parameterized query returning at most one row.
func (p *Postgres) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

// EnsurePartition makes sure the half-year partition covering date exists
// for a range-partitioned table. Partitions are named {table}_{year}_h1
// for [Jan 1, Jul 1) and {table}_{year}_h2 for [Jul 1, next Jan 1).
// Idempotent: a concurrent "already exists" error is swallowed.
func (p *Postgres) EnsurePartition(ctx context.Context, table string, date time.Time) error {
	date = date.UTC()
	year := date.Year()

	var half string
	var from, to time.Time
	if date.Month() < time.July {
		half = "h1"
		from = time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		to = time.Date(year, time.July, 1, 0, 0, 0, 0, time.UTC)
	} else {
		half = "h2"
		from = time.Date(year, time.July, 1, 0, 0, 0, 0, time.UTC)
		to = time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	}

	partition := fmt.Sprintf("%s_%d_%s", table, year, half)

	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_tables WHERE tablename = $1)`, partition).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check partition %s: %w", partition, err)
	}
	if exists {
		return nil
	}

	createSQL := fmt.Sprintf(
		`CREATE TABLE %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		partition, table, from.Format("2006-01-02"), to.Format("2006-01-02"))

	if _, err := p.db.ExecContext(ctx, createSQL); err != nil {
		// Another connection may have created it between check and create.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create partition %s: %w", partition, err)
	}

	log.Printf("[DB] created partition %s", partition)
	return nil
}

// LastTimestamp returns the newest value of column in table for one
// tenant, or nil when the table holds no rows for that tenant.
func (p *Postgres) LastTimestamp(ctx context.Context, table, column, tenantID string) (*time.Time, error) {
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s WHERE tenant_id = $1`, column, table)
	var ts sql.NullTime
	if err := p.db.QueryRowContext(ctx, query, tenantID).Scan(&ts); err != nil {
		return nil, fmt.Errorf("failed to read last timestamp of %s: %w", table, err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time.UTC()
	return &t, nil
}

// Close shuts the pool down.
func (p *Postgres) Close() error {
	return p.db.Close()
}
