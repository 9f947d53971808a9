// Package pg is the central aggregation store used by the WTHM ingestion
// server. It implements the same writer contract as the local SQLite store,
// with its own independent enum id space: envelope strings are re-interned
// here and ids are never assumed portable across stores.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wtplotter/internal/store"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS matches (
		id BIGSERIAL PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		map_hash TEXT NOT NULL DEFAULT '',
		air_map_hash TEXT,
		initial_capture_count INTEGER,
		initial_capture_x DOUBLE PRECISION,
		initial_capture_y DOUBLE PRECISION,
		nuke_detected BOOLEAN NOT NULL DEFAULT FALSE,
		air_transform_a DOUBLE PRECISION,
		air_transform_b DOUBLE PRECISION,
		air_transform_c DOUBLE PRECISION,
		air_transform_d DOUBLE PRECISION
	)`,
	`CREATE TABLE IF NOT EXISTS enum_colors (id BIGSERIAL PRIMARY KEY, value TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE IF NOT EXISTS enum_types (id BIGSERIAL PRIMARY KEY, value TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE IF NOT EXISTS enum_icons (id BIGSERIAL PRIMARY KEY, value TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE IF NOT EXISTS enum_army_types (id BIGSERIAL PRIMARY KEY, value TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE IF NOT EXISTS enum_vehicle_types (id BIGSERIAL PRIMARY KEY, value TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE IF NOT EXISTS ticks (
		id BIGSERIAL PRIMARY KEY,
		match_id BIGINT NOT NULL REFERENCES matches(id),
		timestamp_ms BIGINT NOT NULL,
		army_type_id BIGINT NOT NULL REFERENCES enum_army_types(id),
		vehicle_type_id BIGINT NOT NULL REFERENCES enum_vehicle_types(id),
		is_player_air BOOLEAN NOT NULL DEFAULT FALSE,
		is_player_air_view BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id BIGSERIAL PRIMARY KEY,
		match_id BIGINT NOT NULL REFERENCES matches(id),
		tick_id BIGINT NOT NULL REFERENCES ticks(id),
		x DOUBLE PRECISION NOT NULL,
		y DOUBLE PRECISION NOT NULL,
		color_id BIGINT NOT NULL REFERENCES enum_colors(id),
		type_id BIGINT NOT NULL REFERENCES enum_types(id),
		icon_id BIGINT NOT NULL REFERENCES enum_icons(id),
		is_poi BOOLEAN NOT NULL DEFAULT FALSE,
		x_ground DOUBLE PRECISION,
		y_ground DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ticks_match_ts ON ticks(match_id, timestamp_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_tick ON positions(tick_id)`,
}

// Store is a pgx-backed match store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and ensures the schema exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ImportMatch creates a match row preserving the sending client's start
// timestamp and metadata.
func (s *Store) ImportMatch(ctx context.Context, rec store.MatchRecord) (int64, error) {
	var a, b, c, d *float64
	if rec.AirTransform != nil {
		a, b, c, d = &rec.AirTransform.A, &rec.AirTransform.B, &rec.AirTransform.C, &rec.AirTransform.D
	}
	var airHash *string
	if rec.AirMapHash != "" {
		airHash = &rec.AirMapHash
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO matches (
			started_at, map_hash, air_map_hash,
			initial_capture_count, initial_capture_x, initial_capture_y,
			nuke_detected, air_transform_a, air_transform_b, air_transform_c, air_transform_d
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		rec.StartedAt.UTC(), rec.MapHash, airHash,
		rec.InitialCaptureCount, rec.InitialCaptureX, rec.InitialCaptureY,
		rec.NukeDetected, a, b, c, d,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("import match: %w", err)
	}
	return id, nil
}

// EndMatch sets the match's end timestamp; already-ended matches are left
// untouched.
func (s *Store) EndMatch(ctx context.Context, matchID int64, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE matches SET ended_at = $1 WHERE id = $2 AND ended_at IS NULL",
		endedAt.UTC(), matchID)
	if err != nil {
		return fmt.Errorf("end match: %w", err)
	}
	return nil
}

// AppendTick writes one tick and its positions atomically, re-interning the
// enum strings into this store's own id space.
func (s *Store) AppendTick(ctx context.Context, matchID int64, tick store.TickInput, positions []store.PositionInput) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tick tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var endedAt *time.Time
	err = tx.QueryRow(ctx, "SELECT ended_at FROM matches WHERE id = $1", matchID).Scan(&endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load match: %w", err)
	}
	if endedAt != nil {
		return 0, store.ErrMatchEnded
	}

	var lastTS *int64
	if err := tx.QueryRow(ctx,
		"SELECT MAX(timestamp_ms) FROM ticks WHERE match_id = $1", matchID).Scan(&lastTS); err != nil {
		return 0, fmt.Errorf("load last tick: %w", err)
	}
	if lastTS != nil && tick.TimestampMS <= *lastTS {
		return 0, store.ErrNonMonotonicTick
	}

	armyID, err := intern(ctx, tx, "enum_army_types", tick.ArmyType)
	if err != nil {
		return 0, err
	}
	vehicleID, err := intern(ctx, tx, "enum_vehicle_types", tick.VehicleType)
	if err != nil {
		return 0, err
	}

	var tickID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO ticks (match_id, timestamp_ms, army_type_id, vehicle_type_id,
			is_player_air, is_player_air_view)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		matchID, tick.TimestampMS, armyID, vehicleID,
		tick.IsPlayerAir, tick.IsPlayerAirView,
	).Scan(&tickID)
	if err != nil {
		return 0, fmt.Errorf("insert tick: %w", err)
	}

	for _, pos := range positions {
		colorID, err := intern(ctx, tx, "enum_colors", pos.Color)
		if err != nil {
			return 0, err
		}
		typeID, err := intern(ctx, tx, "enum_types", pos.Type)
		if err != nil {
			return 0, err
		}
		iconID, err := intern(ctx, tx, "enum_icons", pos.Icon)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (match_id, tick_id, x, y, color_id, type_id,
				icon_id, is_poi, x_ground, y_ground)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			matchID, tickID, pos.X, pos.Y, colorID, typeID, iconID,
			pos.IsPOI, pos.XGround, pos.YGround,
		); err != nil {
			return 0, fmt.Errorf("insert position: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tick: %w", err)
	}
	return tickID, nil
}

// intern returns the id for value in the given enum table, inserting it
// first if absent. ON CONFLICT DO NOTHING keeps the operation safe when two
// envelopes intern the same new value concurrently.
func intern(ctx context.Context, tx pgx.Tx, table, value string) (int64, error) {
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (value) VALUES ($1) ON CONFLICT (value) DO NOTHING", table),
		value); err != nil {
		return 0, fmt.Errorf("intern %s: %w", table, err)
	}
	var id int64
	if err := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE value = $1", table), value).Scan(&id); err != nil {
		return 0, fmt.Errorf("intern %s lookup: %w", table, err)
	}
	return id, nil
}
