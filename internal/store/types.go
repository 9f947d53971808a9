package store

import "time"

// Transform holds the affine coefficients projecting ground coordinates into
// the air map's frame: x_air = A*x_ground + B, y_air = C*y_ground + D.
type Transform struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
	D float64 `json:"d"`
}

// GroundX converts an air-frame x back into the ground frame.
func (t Transform) GroundX(xAir float64) float64 { return (xAir - t.B) / t.A }

// GroundY converts an air-frame y back into the ground frame.
func (t Transform) GroundY(yAir float64) float64 { return (yAir - t.D) / t.C }

// Match is one played session. Map name/id/battle type are never stored;
// they are derived from MapHash by the maps resolver on the read path.
type Match struct {
	ID                  int64
	StartedAt           time.Time
	EndedAt             *time.Time
	MapHash             string
	AirMapHash          string
	InitialCaptureCount *int
	InitialCaptureX     *float64
	InitialCaptureY     *float64
	NukeDetected        bool
	AirTransform        *Transform
}

// Active reports whether the match has no end timestamp yet.
func (m Match) Active() bool { return m.EndedAt == nil }

// MatchRecord seeds a match row on the ingestion path, preserving the
// sending client's timestamps and metadata.
type MatchRecord struct {
	StartedAt           time.Time
	EndedAt             *time.Time
	MapHash             string
	AirMapHash          string
	InitialCaptureCount *int
	InitialCaptureX     *float64
	InitialCaptureY     *float64
	NukeDetected        bool
	AirTransform        *Transform
}

// TickInput is one polling cycle's shared metadata to be appended. Enum
// fields carry raw strings; the store interns them on write.
type TickInput struct {
	TimestampMS     int64
	ArmyType        string
	VehicleType     string
	IsPlayerAir     bool
	IsPlayerAirView bool
}

// PositionInput is one captured object to be appended under a tick.
type PositionInput struct {
	X       float64
	Y       float64
	Color   string
	Type    string
	Icon    string
	IsPOI   bool
	XGround *float64
	YGround *float64
}

// Tick is a stored tick with its enum values resolved back to strings.
type Tick struct {
	ID              int64  `json:"id"`
	MatchID         int64  `json:"match_id"`
	TimestampMS     int64  `json:"timestamp_ms"`
	ArmyType        string `json:"army_type"`
	VehicleType     string `json:"vehicle_type"`
	IsPlayerAir     bool   `json:"is_player_air"`
	IsPlayerAirView bool   `json:"is_player_air_view"`
}

// Position is a stored position with its enum values resolved. It references
// its tick by id so callers reconstruct full rows by join instead of the
// server repeating tick fields per position.
type Position struct {
	ID      int64    `json:"id"`
	MatchID int64    `json:"match_id"`
	TickID  int64    `json:"tick_id"`
	X       float64  `json:"x"`
	Y       float64  `json:"y"`
	Color   string   `json:"color"`
	Type    string   `json:"type"`
	Icon    string   `json:"icon"`
	IsPOI   bool     `json:"is_poi"`
	XGround *float64 `json:"x_ground"`
	YGround *float64 `json:"y_ground"`
}

// Bundle is the incremental query result: the ticks newer than the requested
// timestamp plus every position belonging to them.
type Bundle struct {
	Ticks     []Tick     `json:"ticks"`
	Positions []Position `json:"positions"`
}
