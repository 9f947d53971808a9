package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const matchColumns = `id, started_at, ended_at, map_hash, air_map_hash,
	initial_capture_count, initial_capture_x, initial_capture_y, nuke_detected,
	air_transform_a, air_transform_b, air_transform_c, air_transform_d`

// ActiveMatch returns the most recent match without an end timestamp, or
// ErrNotFound when no match is active.
func (s *Store) ActiveMatch(ctx context.Context) (Match, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+matchColumns+" FROM matches WHERE ended_at IS NULL ORDER BY id DESC LIMIT 1")
	return scanMatch(row)
}

// Match returns a single match by id.
func (s *Store) Match(ctx context.Context, matchID int64) (Match, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+matchColumns+" FROM matches WHERE id = ?", matchID)
	return scanMatch(row)
}

// ListMatches returns all matches, newest first.
func (s *Store) ListMatches(ctx context.Context) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+matchColumns+" FROM matches ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// PositionsSince returns the ticks of a match strictly newer than sinceMS,
// with every position belonging to them. Results are ordered by timestamp
// then id, so a caller feeding the max returned timestamp back in never sees
// a row twice and never misses one.
func (s *Store) PositionsSince(ctx context.Context, matchID int64, sinceMS int64) (Bundle, error) {
	var bundle Bundle

	tickRows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.match_id, t.timestamp_ms, at.value, vt.value,
			t.is_player_air, t.is_player_air_view
		FROM ticks t
		JOIN enum_army_types at ON at.id = t.army_type_id
		JOIN enum_vehicle_types vt ON vt.id = t.vehicle_type_id
		WHERE t.match_id = ? AND t.timestamp_ms > ?
		ORDER BY t.timestamp_ms, t.id`,
		matchID, sinceMS)
	if err != nil {
		return bundle, fmt.Errorf("query ticks: %w", err)
	}
	defer tickRows.Close()

	for tickRows.Next() {
		var t Tick
		var air, airView int
		if err := tickRows.Scan(&t.ID, &t.MatchID, &t.TimestampMS,
			&t.ArmyType, &t.VehicleType, &air, &airView); err != nil {
			return bundle, fmt.Errorf("scan tick: %w", err)
		}
		t.IsPlayerAir = air != 0
		t.IsPlayerAirView = airView != 0
		bundle.Ticks = append(bundle.Ticks, t)
	}
	if err := tickRows.Err(); err != nil {
		return bundle, err
	}

	posRows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.match_id, p.tick_id, p.x, p.y, c.value, ty.value, i.value,
			p.is_poi, p.x_ground, p.y_ground
		FROM positions p
		JOIN ticks t ON t.id = p.tick_id
		JOIN enum_colors c ON c.id = p.color_id
		JOIN enum_types ty ON ty.id = p.type_id
		JOIN enum_icons i ON i.id = p.icon_id
		WHERE p.match_id = ? AND t.timestamp_ms > ?
		ORDER BY t.timestamp_ms, p.id`,
		matchID, sinceMS)
	if err != nil {
		return bundle, fmt.Errorf("query positions: %w", err)
	}
	defer posRows.Close()

	for posRows.Next() {
		var p Position
		var poi int
		var xg, yg sql.NullFloat64
		if err := posRows.Scan(&p.ID, &p.MatchID, &p.TickID, &p.X, &p.Y,
			&p.Color, &p.Type, &p.Icon, &poi, &xg, &yg); err != nil {
			return bundle, fmt.Errorf("scan position: %w", err)
		}
		p.IsPOI = poi != 0
		if xg.Valid {
			v := xg.Float64
			p.XGround = &v
		}
		if yg.Valid {
			v := yg.Float64
			p.YGround = &v
		}
		bundle.Positions = append(bundle.Positions, p)
	}
	return bundle, posRows.Err()
}

// PositionCount returns the number of positions captured for a match.
func (s *Store) PositionCount(ctx context.Context, matchID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM positions WHERE match_id = ?", matchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return count, nil
}

// LastTickMS returns the newest tick timestamp of a match, or 0 when the
// match has no ticks yet.
func (s *Store) LastTickMS(ctx context.Context, matchID int64) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(timestamp_ms) FROM ticks WHERE match_id = ?", matchID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last tick: %w", err)
	}
	return last.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (Match, error) {
	var m Match
	var startedAt string
	var endedAt, airMapHash sql.NullString
	var capCount sql.NullInt64
	var capX, capY sql.NullFloat64
	var nuke int
	var a, b, c, d sql.NullFloat64

	err := row.Scan(&m.ID, &startedAt, &endedAt, &m.MapHash, &airMapHash,
		&capCount, &capX, &capY, &nuke, &a, &b, &c, &d)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("scan match: %w", err)
	}

	m.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return m, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return m, fmt.Errorf("parse ended_at: %w", err)
		}
		m.EndedAt = &t
	}
	if airMapHash.Valid {
		m.AirMapHash = airMapHash.String
	}
	if capCount.Valid {
		v := int(capCount.Int64)
		m.InitialCaptureCount = &v
	}
	if capX.Valid {
		v := capX.Float64
		m.InitialCaptureX = &v
	}
	if capY.Valid {
		v := capY.Float64
		m.InitialCaptureY = &v
	}
	m.NukeDetected = nuke != 0
	if a.Valid && b.Valid && c.Valid && d.Valid {
		m.AirTransform = &Transform{A: a.Float64, B: b.Float64, C: c.Float64, D: d.Float64}
	}
	return m, nil
}
