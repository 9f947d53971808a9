package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BeginMatch creates a new match row seeded with the primary map hash and
// returns its id.
func (s *Store) BeginMatch(ctx context.Context, startedAt time.Time, mapHash string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO matches (started_at, map_hash) VALUES (?, ?)",
		startedAt.UTC().Format(time.RFC3339Nano), mapHash,
	)
	if err != nil {
		return 0, fmt.Errorf("begin match: %w", err)
	}
	return res.LastInsertId()
}

// ImportMatch creates a match row from a replication envelope, preserving
// the sender's start timestamp and metadata. The end timestamp is applied
// separately via EndMatch once the match's ticks have been appended, the
// same order a local capture follows.
func (s *Store) ImportMatch(ctx context.Context, rec MatchRecord) (int64, error) {
	var a, b, c, d *float64
	if rec.AirTransform != nil {
		a, b, c, d = &rec.AirTransform.A, &rec.AirTransform.B, &rec.AirTransform.C, &rec.AirTransform.D
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO matches (
			started_at, map_hash, air_map_hash,
			initial_capture_count, initial_capture_x, initial_capture_y,
			nuke_detected, air_transform_a, air_transform_b, air_transform_c, air_transform_d
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.MapHash, nullString(rec.AirMapHash),
		rec.InitialCaptureCount, rec.InitialCaptureX, rec.InitialCaptureY,
		boolInt(rec.NukeDetected), a, b, c, d,
	)
	if err != nil {
		return 0, fmt.Errorf("import match: %w", err)
	}
	return res.LastInsertId()
}

// EndMatch sets the match's end timestamp. Once set it is never cleared;
// ending an already-ended match is a no-op.
func (s *Store) EndMatch(ctx context.Context, matchID int64, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE matches SET ended_at = ? WHERE id = ? AND ended_at IS NULL",
		endedAt.UTC().Format(time.RFC3339Nano), matchID,
	)
	if err != nil {
		return fmt.Errorf("end match: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM matches WHERE id = ?", matchID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
	}
	return nil
}

// SetAirMap records the secondary (air) map hash for a match. Set once, the
// first time an air view is observed.
func (s *Store) SetAirMap(ctx context.Context, matchID int64, airMapHash string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE matches SET air_map_hash = ? WHERE id = ?", airMapHash, matchID)
	if err != nil {
		return fmt.Errorf("set air map: %w", err)
	}
	return nil
}

// SetAirTransform stores the affine coefficients projecting ground
// coordinates onto the air map frame.
func (s *Store) SetAirTransform(ctx context.Context, matchID int64, t Transform) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE matches SET air_transform_a = ?, air_transform_b = ?,
			air_transform_c = ?, air_transform_d = ? WHERE id = ?`,
		t.A, t.B, t.C, t.D, matchID)
	if err != nil {
		return fmt.Errorf("set air transform: %w", err)
	}
	return nil
}

// SetInitialCapture stores the capture-zone count and barycenter observed at
// match start.
func (s *Store) SetInitialCapture(ctx context.Context, matchID int64, count int, x, y float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE matches SET initial_capture_count = ?, initial_capture_x = ?,
			initial_capture_y = ? WHERE id = ?`,
		count, s.quantizeCapture(x), s.quantizeCapture(y), matchID)
	if err != nil {
		return fmt.Errorf("set initial capture: %w", err)
	}
	return nil
}

// SetNukeDetected flags the match as containing a detected nuke.
func (s *Store) SetNukeDetected(ctx context.Context, matchID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE matches SET nuke_detected = 1 WHERE id = ?", matchID)
	if err != nil {
		return fmt.Errorf("set nuke detected: %w", err)
	}
	return nil
}

// AppendTick writes one tick and its positions in a single transaction:
// either the tick and every position become visible together, or nothing
// does. Enum strings are interned inside the same transaction. Appending to
// an ended match or with a non-advancing timestamp is rejected.
func (s *Store) AppendTick(ctx context.Context, matchID int64, tick TickInput, positions []PositionInput) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tick tx: %w", err)
	}
	defer tx.Rollback()

	var endedAt sql.NullString
	if err := tx.QueryRow(
		"SELECT ended_at FROM matches WHERE id = ?", matchID).Scan(&endedAt); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("load match: %w", err)
	}
	if endedAt.Valid {
		return 0, ErrMatchEnded
	}

	var lastTS sql.NullInt64
	if err := tx.QueryRow(
		"SELECT MAX(timestamp_ms) FROM ticks WHERE match_id = ?", matchID).Scan(&lastTS); err != nil {
		return 0, fmt.Errorf("load last tick: %w", err)
	}
	if lastTS.Valid && tick.TimestampMS <= lastTS.Int64 {
		return 0, ErrNonMonotonicTick
	}

	armyID, err := intern(tx, enumArmyTypes, tick.ArmyType)
	if err != nil {
		return 0, err
	}
	vehicleID, err := intern(tx, enumVehicleTypes, tick.VehicleType)
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(
		`INSERT INTO ticks (match_id, timestamp_ms, army_type_id, vehicle_type_id,
			is_player_air, is_player_air_view) VALUES (?, ?, ?, ?, ?, ?)`,
		matchID, tick.TimestampMS, armyID, vehicleID,
		boolInt(tick.IsPlayerAir), boolInt(tick.IsPlayerAirView),
	)
	if err != nil {
		return 0, fmt.Errorf("insert tick: %w", err)
	}
	tickID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, pos := range positions {
		colorID, err := intern(tx, enumColors, pos.Color)
		if err != nil {
			return 0, err
		}
		typeID, err := intern(tx, enumTypes, pos.Type)
		if err != nil {
			return 0, err
		}
		iconID, err := intern(tx, enumIcons, pos.Icon)
		if err != nil {
			return 0, err
		}

		var xg, yg any
		if pos.XGround != nil {
			xg = s.quantizeCoord(*pos.XGround)
		}
		if pos.YGround != nil {
			yg = s.quantizeCoord(*pos.YGround)
		}
		if _, err := tx.Exec(
			`INSERT INTO positions (match_id, tick_id, x, y, color_id, type_id,
				icon_id, is_poi, x_ground, y_ground) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			matchID, tickID, s.quantizeCoord(pos.X), s.quantizeCoord(pos.Y),
			colorID, typeID, iconID, boolInt(pos.IsPOI), xg, yg,
		); err != nil {
			return 0, fmt.Errorf("insert position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tick: %w", err)
	}
	return tickID, nil
}

// DeleteMatch removes a match with all its ticks and positions. Enum tables
// are left alone: their values may be referenced by other matches and ids
// must stay stable.
func (s *Store) DeleteMatch(ctx context.Context, matchID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM positions WHERE match_id = ?", matchID); err != nil {
		return fmt.Errorf("delete positions: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM ticks WHERE match_id = ?", matchID); err != nil {
		return fmt.Errorf("delete ticks: %w", err)
	}
	res, err := tx.Exec("DELETE FROM matches WHERE id = ?", matchID)
	if err != nil {
		return fmt.Errorf("delete match: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	// Reclaim freed pages; failure here is not fatal.
	s.db.Exec("PRAGMA incremental_vacuum")
	return nil
}

// CloseOrphanedMatches ends any match left open by a previous hard quit.
// Returns the number of matches closed.
func (s *Store) CloseOrphanedMatches(ctx context.Context, endedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE matches SET ended_at = ? WHERE ended_at IS NULL",
		endedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("close orphaned matches: %w", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
