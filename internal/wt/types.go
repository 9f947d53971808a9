package wt

import "strings"

// MapInfo is the game's map_info.json response. Valid is the only field the
// pipeline relies on: it flips to false between matches. The remaining
// payload (grid bounds as two-element arrays, generation counters) is
// deliberately not mapped so its shape can never break the decode.
type MapInfo struct {
	Valid bool `json:"valid"`
}

// Indicators is the subset of the indicators endpoint the pipeline consumes.
type Indicators struct {
	Army string `json:"army"`
	Type string `json:"type"`
}

// VehicleType returns the vehicle identifier with the model prefix
// (tankModels/, aircraftModels/, ...) stripped.
func (i Indicators) VehicleType() string {
	if idx := strings.IndexByte(i.Type, '/'); idx >= 0 {
		return i.Type[idx+1:]
	}
	return i.Type
}

// MapObject is one entry of map_obj.json: a unit, marker or point of
// interest in normalized map space.
type MapObject struct {
	Type  string   `json:"type"`
	Icon  string   `json:"icon"`
	Color string   `json:"color"`
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	DX    *float64 `json:"dx,omitempty"`
	DY    *float64 `json:"dy,omitempty"`
}

// Snapshot bundles one polling cycle's fetches. Nil members mean the
// corresponding request failed this cycle.
type Snapshot struct {
	MapInfo    *MapInfo
	Indicators *Indicators
	Objects    []MapObject
}

// MatchRunning reports whether the game currently exposes a valid match.
func (s Snapshot) MatchRunning() bool {
	return s.MapInfo != nil && s.MapInfo.Valid
}
