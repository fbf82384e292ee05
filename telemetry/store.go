// Package telemetry exports runtime statistics: a recorder biote that
// persists flushed stats windows through database/sql, a prometheus
// collector over the manager gauges, and the HTTP monitor serving both.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// database/sql drivers selectable by telemetry.recorder.driver
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jarney/snackbot/config"
	"github.com/jarney/snackbot/core"
)

// Telemetry errors
var (
	ErrUnsupportedDriver = errors.New("unsupported stats driver")
	ErrNoStore           = errors.New("stats store is not configured")
)

// dialect holds the SQL that differs between drivers.
type dialect struct {
	idColumn string
	bindvar  func(n int) string
}

var dialects = map[string]dialect{
	"sqlite3": {
		idColumn: "id INTEGER PRIMARY KEY AUTOINCREMENT",
		bindvar:  func(int) string { return "?" },
	},
	"mysql": {
		idColumn: "id BIGINT AUTO_INCREMENT PRIMARY KEY",
		bindvar:  func(int) string { return "?" },
	},
	"postgres": {
		idColumn: "id BIGSERIAL PRIMARY KEY",
		bindvar:  func(n int) string { return fmt.Sprintf("$%d", n) },
	},
}

// StatRecord is one persisted stats window entry.
type StatRecord struct {
	RecordedAt time.Time `json:"recorded_at"`
	Name       string    `json:"name"`
	Samples    int64     `json:"samples"`
	Min        int64     `json:"min"`
	Max        int64     `json:"max"`
	Total      int64     `json:"total"`
}

// Store persists stats windows in the system_stats table.
type Store struct {
	db      *sql.DB
	driver  string
	dialect dialect
}

// Open connects to the configured database and creates the schema.
// MySQL DSNs need parseTime=true for Recent to scan timestamps.
func Open(ctx context.Context, cfg config.RecorderConfig) (*Store, error) {
	if _, ok := dialects[cfg.Driver]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s stats database: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite3" {
		// a second connection to :memory: would see an empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s stats database: %w", cfg.Driver, err)
	}

	s, err := NewStore(db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database. The caller keeps ownership of db unless
// it calls Close.
func NewStore(db *sql.DB, driver string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	return &Store{db: db, driver: driver, dialect: d}, nil
}

// Driver returns the database/sql driver name.
func (s *Store) Driver() string {
	return s.driver
}

// EnsureSchema creates the system_stats table if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS system_stats (
	` + s.dialect.idColumn + `,
	recorded_at TIMESTAMP NOT NULL,
	name VARCHAR(64) NOT NULL,
	samples BIGINT NOT NULL,
	min_value BIGINT NOT NULL,
	max_value BIGINT NOT NULL,
	total BIGINT NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create system_stats: %w", err)
	}
	return nil
}

// Insert stores one row per stat in a single transaction and returns the
// number of rows written.
func (s *Store) Insert(ctx context.Context, at time.Time, stats []core.SystemStat) (int, error) {
	if len(stats) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin stats insert: %w", err)
	}
	defer tx.Rollback()

	binds := make([]string, 6)
	for i := range binds {
		binds[i] = s.dialect.bindvar(i + 1)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO system_stats (recorded_at, name, samples, min_value, max_value, total) VALUES ("+
		strings.Join(binds, ", ")+")")
	if err != nil {
		return 0, fmt.Errorf("prepare stats insert: %w", err)
	}
	defer stmt.Close()

	at = at.UTC()
	for _, st := range stats {
		if _, err := stmt.ExecContext(ctx, at, st.Name, st.Samples, st.Min, st.Max, st.Total); err != nil {
			return 0, fmt.Errorf("insert stat %s: %w", st.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit stats insert: %w", err)
	}
	return len(stats), nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]StatRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT recorded_at, name, samples, min_value, max_value, total FROM system_stats ORDER BY id DESC LIMIT "+
			s.dialect.bindvar(1), limit)
	if err != nil {
		return nil, fmt.Errorf("query system_stats: %w", err)
	}
	defer rows.Close()

	var out []StatRecord
	for rows.Next() {
		var r StatRecord
		if err := rows.Scan(&r.RecordedAt, &r.Name, &r.Samples, &r.Min, &r.Max, &r.Total); err != nil {
			return nil, fmt.Errorf("scan system_stats: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
