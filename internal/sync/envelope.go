// Package sync replicates finished matches to the central aggregation
// server. A match travels as one self-contained envelope; enum values are
// raw strings so each side keeps its own interning id space.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wtplotter/internal/store"
)

// SchemaVersion is the envelope format produced by this client and the only
// one the ingestion endpoint accepts.
const SchemaVersion = 1

// ErrIncompatibleSchema rejects envelopes with a different schema version.
var ErrIncompatibleSchema = errors.New("incompatible envelope schema version")

// Envelope is one finished match with all its telemetry.
type Envelope struct {
	SchemaVersion int              `json:"schema_version"`
	ClientID      string           `json:"client_id"`
	Match         EnvelopeMatch    `json:"match"`
	Ticks         []store.Tick     `json:"ticks"`
	Positions     []store.Position `json:"positions"`
}

// EnvelopeMatch carries the match row's metadata. Map name or battle type
// are never included; the receiver derives them from the hash with its own
// table.
type EnvelopeMatch struct {
	StartedAt           time.Time        `json:"started_at"`
	EndedAt             *time.Time       `json:"ended_at"`
	MapHash             string           `json:"map_hash"`
	AirMapHash          string           `json:"air_map_hash,omitempty"`
	InitialCaptureCount *int             `json:"initial_capture_count"`
	InitialCaptureX     *float64         `json:"initial_capture_x"`
	InitialCaptureY     *float64         `json:"initial_capture_y"`
	NukeDetected        bool             `json:"nuke_detected"`
	AirTransform        *store.Transform `json:"air_transform"`
}

// Record converts the envelope's match back into a store import record.
func (m EnvelopeMatch) Record() store.MatchRecord {
	return store.MatchRecord{
		StartedAt:           m.StartedAt,
		EndedAt:             m.EndedAt,
		MapHash:             m.MapHash,
		AirMapHash:          m.AirMapHash,
		InitialCaptureCount: m.InitialCaptureCount,
		InitialCaptureX:     m.InitialCaptureX,
		InitialCaptureY:     m.InitialCaptureY,
		NukeDetected:        m.NukeDetected,
		AirTransform:        m.AirTransform,
	}
}

// BuildEnvelope reads a match with all its ticks and positions out of the
// local store.
func BuildEnvelope(ctx context.Context, st *store.Store, matchID int64, clientID string) (Envelope, error) {
	var env Envelope

	m, err := st.Match(ctx, matchID)
	if err != nil {
		return env, fmt.Errorf("load match %d: %w", matchID, err)
	}
	bundle, err := st.PositionsSince(ctx, matchID, 0)
	if err != nil {
		return env, fmt.Errorf("load telemetry for match %d: %w", matchID, err)
	}

	env = Envelope{
		SchemaVersion: SchemaVersion,
		ClientID:      clientID,
		Match: EnvelopeMatch{
			StartedAt:           m.StartedAt,
			EndedAt:             m.EndedAt,
			MapHash:             m.MapHash,
			AirMapHash:          m.AirMapHash,
			InitialCaptureCount: m.InitialCaptureCount,
			InitialCaptureX:     m.InitialCaptureX,
			InitialCaptureY:     m.InitialCaptureY,
			NukeDetected:        m.NukeDetected,
			AirTransform:        m.AirTransform,
		},
		Ticks:     bundle.Ticks,
		Positions: bundle.Positions,
	}
	return env, nil
}
