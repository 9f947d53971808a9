// Package store owns the relational schema for matches, ticks, positions and
// the interned enum tables. One capture process is the sole writer; any
// number of readers (viewer API, replication client) query concurrently.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var (
	// ErrMatchEnded is returned when appending a tick to an ended match.
	ErrMatchEnded = errors.New("match already ended")
	// ErrNonMonotonicTick is returned when a tick's timestamp does not
	// advance past the match's latest stored tick.
	ErrNonMonotonicTick = errors.New("tick timestamp not strictly increasing")
	// ErrNotFound is returned for lookups of absent rows.
	ErrNotFound = errors.New("not found")
)

// Options tunes store precision. Zero values select the defaults.
type Options struct {
	// CoordPrecision is the decimal precision of position coordinates.
	CoordPrecision int
	// CapturePrecision is the decimal precision of the initial capture
	// barycenter.
	CapturePrecision int
}

func (o Options) withDefaults() Options {
	if o.CoordPrecision == 0 {
		o.CoordPrecision = 5
	}
	if o.CapturePrecision == 0 {
		o.CapturePrecision = 6
	}
	return o
}

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	opts Options
}

// Open opens (creating if needed) the SQLite store at path and applies
// pending migrations. Use ":memory:" for an in-memory store in tests.
//
// File-backed stores keep the regular connection pool so WAL readers (viewer
// API, replication client) run concurrently with the single capture writer;
// connection-scoped pragmas travel in the DSN so every pooled connection
// gets them.
func Open(path string, opts Options) (*Store, error) {
	memory := path == ":memory:"

	dsn := path
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + path + "?" + strings.Join([]string{
			"_pragma=foreign_keys(1)",
			"_pragma=journal_mode(WAL)",
			"_pragma=synchronous(NORMAL)",
			"_pragma=temp_store(2)",
			"_pragma=busy_timeout(5000)",
		}, "&")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if memory {
		// Each pooled connection would otherwise open its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA temp_store = MEMORY",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("configure sqlite: %w", err)
			}
		}
	} else {
		// Database-level setting; must precede table creation.
		if _, err := db.Exec("PRAGMA auto_vacuum = INCREMENTAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	if err := applyMigrations(db, migrationFS, "migrations"); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, opts: opts.withDefaults()}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for custom queries.
func (s *Store) DB() *sql.DB { return s.db }

// quantizeCoord rounds a coordinate to the store's position precision so
// that re-deriving from the same raw sample yields the same stored value.
func (s *Store) quantizeCoord(v float64) float64 {
	return roundTo(v, s.opts.CoordPrecision)
}

// quantizeCapture rounds a barycenter coordinate to capture precision.
func (s *Store) quantizeCapture(v float64) float64 {
	return roundTo(v, s.opts.CapturePrecision)
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}
