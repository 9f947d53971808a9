package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	stdsync "sync"
	"time"

	"wtplotter/internal/store"
)

// MatchWriter is the store surface the ingestion endpoint needs. Both the
// local SQLite store and the central pgx store satisfy it.
type MatchWriter interface {
	ImportMatch(ctx context.Context, rec store.MatchRecord) (int64, error)
	AppendTick(ctx context.Context, matchID int64, tick store.TickInput, positions []store.PositionInput) (int64, error)
	EndMatch(ctx context.Context, matchID int64, endedAt time.Time) error
}

const maxEnvelopeBytes = 64 << 20

// IngestHandler accepts match envelopes and replays them into a MatchWriter.
// Envelopes are processed one at a time: ticks must be appended in order and
// the writers assume a single writer per match.
type IngestHandler struct {
	writer MatchWriter
	// AuthToken, when non-empty, must match the request's bearer token.
	authToken string

	mu stdsync.Mutex
}

// NewIngestHandler creates the handler. authToken may be empty to disable
// authentication.
func NewIngestHandler(writer MatchWriter, authToken string) *IngestHandler {
	return &IngestHandler{writer: writer, authToken: authToken}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeIngestError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		writeIngestError(w, http.StatusUnauthorized, fmt.Errorf("missing or invalid token"))
		return
	}

	var env Envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err := dec.Decode(&env); err != nil {
		writeIngestError(w, http.StatusBadRequest, fmt.Errorf("decode envelope: %w", err))
		return
	}
	// Version check comes before any write: an incompatible envelope must
	// leave the store untouched.
	if env.SchemaVersion != SchemaVersion {
		writeIngestError(w, http.StatusBadRequest,
			fmt.Errorf("%w: got %d, want %d", ErrIncompatibleSchema, env.SchemaVersion, SchemaVersion))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	matchID, ticks, positions, err := h.replay(r.Context(), env)
	if err != nil {
		log.Printf("[Ingest] Envelope from %q failed: %v", env.ClientID, err)
		writeIngestError(w, http.StatusInternalServerError, err)
		return
	}

	log.Printf("[Ingest] Imported match %d from %q (%d ticks, %d positions)",
		matchID, env.ClientID, ticks, positions)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"match_id":  matchID,
		"ticks":     ticks,
		"positions": positions,
	})
}

// replay re-expands the envelope through the writer's normal lifecycle:
// import the match open, append every tick in order, then end it. Running
// the same validated write path as live capture keeps the invariants (tick
// atomicity, monotonic timestamps, per-store interning) enforced on ingest
// too.
func (h *IngestHandler) replay(ctx context.Context, env Envelope) (int64, int, int, error) {
	matchID, err := h.writer.ImportMatch(ctx, env.Match.Record())
	if err != nil {
		return 0, 0, 0, err
	}

	grouped := make(map[int64][]store.PositionInput, len(env.Ticks))
	for _, p := range env.Positions {
		grouped[p.TickID] = append(grouped[p.TickID], store.PositionInput{
			X:       p.X,
			Y:       p.Y,
			Color:   p.Color,
			Type:    p.Type,
			Icon:    p.Icon,
			IsPOI:   p.IsPOI,
			XGround: p.XGround,
			YGround: p.YGround,
		})
	}

	written := 0
	for _, t := range env.Ticks {
		_, err := h.writer.AppendTick(ctx, matchID, store.TickInput{
			TimestampMS:     t.TimestampMS,
			ArmyType:        t.ArmyType,
			VehicleType:     t.VehicleType,
			IsPlayerAir:     t.IsPlayerAir,
			IsPlayerAirView: t.IsPlayerAirView,
		}, grouped[t.ID])
		if err != nil {
			return matchID, 0, 0, fmt.Errorf("append tick at %dms: %w", t.TimestampMS, err)
		}
		written += len(grouped[t.ID])
	}

	if env.Match.EndedAt != nil {
		if err := h.writer.EndMatch(ctx, matchID, *env.Match.EndedAt); err != nil {
			return matchID, 0, 0, fmt.Errorf("end imported match: %w", err)
		}
	}
	return matchID, len(env.Ticks), written, nil
}

func writeIngestError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
