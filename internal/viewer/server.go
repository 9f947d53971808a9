// Package viewer exposes the local read-only query API over captured
// matches, plus a websocket feed of live ticks.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"wtplotter/internal/maps"
	"wtplotter/internal/store"
)

// Server serves the query API for a local match store.
type Server struct {
	store     *store.Store
	table     *maps.Table
	hub       *Hub
	startedAt time.Time
}

// NewServer creates a viewer server over st, deriving map metadata through
// table. hub may be nil to disable the live feed.
func NewServer(st *store.Store, table *maps.Table, hub *Hub) *Server {
	return &Server{
		store:     st,
		table:     table,
		hub:       hub,
		startedAt: time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/active", s.handleActive)
	mux.HandleFunc("GET /api/matches", s.handleMatches)
	mux.HandleFunc("GET /api/match/{id}", s.handleMatch)
	mux.HandleFunc("GET /api/match/{id}/positions", s.handlePositions)
	mux.HandleFunc("DELETE /api/match/{id}", s.handleDelete)
	if s.hub != nil {
		mux.Handle("/ws/live", s.hub)
	}
	return mux
}

// matchPayload is a stored match joined with the metadata its map hash
// resolves to.
type matchPayload struct {
	ID                  int64            `json:"id"`
	StartedAt           time.Time        `json:"started_at"`
	EndedAt             *time.Time       `json:"ended_at"`
	Active              bool             `json:"active"`
	MapHash             string           `json:"map_hash"`
	MapName             string           `json:"map_name"`
	MapID               string           `json:"map_id"`
	BattleType          maps.BattleType  `json:"battle_type"`
	AirMapHash          string           `json:"air_map_hash,omitempty"`
	AirMapName          string           `json:"air_map_name,omitempty"`
	InitialCaptureCount *int             `json:"initial_capture_count"`
	InitialCaptureX     *float64         `json:"initial_capture_x"`
	InitialCaptureY     *float64         `json:"initial_capture_y"`
	NukeDetected        bool             `json:"nuke_detected"`
	AirTransform        *store.Transform `json:"air_transform"`
}

func (s *Server) toPayload(m store.Match) matchPayload {
	info := s.table.Resolve(m.MapHash)
	p := matchPayload{
		ID:                  m.ID,
		StartedAt:           m.StartedAt,
		EndedAt:             m.EndedAt,
		Active:              m.Active(),
		MapHash:             m.MapHash,
		MapName:             info.Name,
		MapID:               info.ID,
		BattleType:          info.BattleType,
		AirMapHash:          m.AirMapHash,
		InitialCaptureCount: m.InitialCaptureCount,
		InitialCaptureX:     m.InitialCaptureX,
		InitialCaptureY:     m.InitialCaptureY,
		NukeDetected:        m.NukeDetected,
		AirTransform:        m.AirTransform,
	}
	if m.AirMapHash != "" {
		p.AirMapName = s.table.Resolve(m.AirMapHash).Name
	}
	return p
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.ActiveMatch(r.Context())
	var activeID *int64
	switch {
	case err == nil:
		activeID = &active.ID
	case !errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	matches, err := s.store.ListMatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active_match_id": activeID,
		"match_count":     len(matches),
		"known_maps":      s.table.Len(),
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.ActiveMatch(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"match": nil})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"match": s.toPayload(m)})
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.store.ListMatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	payloads := make([]matchPayload, 0, len(matches))
	for _, m := range matches {
		payloads = append(payloads, s.toPayload(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": payloads})
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := s.store.Match(r.Context(), matchID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toPayload(m))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Match(r.Context(), matchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	sinceMS := int64(0)
	if raw := r.URL.Query().Get("since_ms"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since_ms must be an integer"))
			return
		}
		sinceMS = v
	}

	bundle, err := s.store.PositionsSince(r.Context(), matchID, sinceMS)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	latest := sinceMS
	for _, t := range bundle.Ticks {
		if t.TimestampMS > latest {
			latest = t.TimestampMS
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticks":     orEmptyTicks(bundle.Ticks),
		"positions": orEmptyPositions(bundle.Positions),
		"latest_ms": latest,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteMatch(r.Context(), matchID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("[Viewer] Deleted match %d", matchID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": matchID})
}

// Run serves the API on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Viewer] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid match id"))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Viewer] Encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func orEmptyTicks(t []store.Tick) []store.Tick {
	if t == nil {
		return []store.Tick{}
	}
	return t
}

func orEmptyPositions(p []store.Position) []store.Position {
	if p == nil {
		return []store.Position{}
	}
	return p
}
