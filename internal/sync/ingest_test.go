package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wtplotter/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedMatch records a small finished match and returns its id.
func seedMatch(t *testing.T, s *store.Store) int64 {
	t.Helper()
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := s.BeginMatch(ctx, start, "ground_hash")
	require.NoError(t, err)

	require.NoError(t, s.SetAirMap(ctx, id, "air_hash"))
	require.NoError(t, s.SetAirTransform(ctx, id, store.Transform{A: 0.25, B: 0.1, C: 0.25, D: 0.2}))
	require.NoError(t, s.SetInitialCapture(ctx, id, 2, 0.5, 0.5))
	require.NoError(t, s.SetNukeDetected(ctx, id))

	xg := 0.4
	for ms := int64(1000); ms <= 3000; ms += 1000 {
		_, err := s.AppendTick(ctx, id,
			store.TickInput{TimestampMS: ms, ArmyType: "tank", VehicleType: "t34"},
			[]store.PositionInput{
				{X: 0.5, Y: 0.5, Color: "#FF0000", Type: "ground_model", Icon: "medium_tank"},
				{X: 0.3, Y: 0.7, Color: "#0000FF", Type: "capture_zone", Icon: "capture_zone",
					IsPOI: true, XGround: &xg, YGround: &xg},
			})
		require.NoError(t, err)
	}

	require.NoError(t, s.EndMatch(ctx, id, start.Add(20*time.Minute)))
	return id
}

func TestBuildEnvelope(t *testing.T) {
	s := openTestStore(t)
	id := seedMatch(t, s)

	env, err := BuildEnvelope(context.Background(), s, id, "client-1")
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	assert.Equal(t, "client-1", env.ClientID)
	assert.Equal(t, "ground_hash", env.Match.MapHash)
	assert.Equal(t, "air_hash", env.Match.AirMapHash)
	require.NotNil(t, env.Match.EndedAt)
	assert.True(t, env.Match.NukeDetected)
	require.NotNil(t, env.Match.AirTransform)
	assert.Len(t, env.Ticks, 3)
	assert.Len(t, env.Positions, 6)
	// Enum values travel as raw strings, never as local ids.
	assert.Equal(t, "tank", env.Ticks[0].ArmyType)
	assert.Equal(t, "#FF0000", env.Positions[0].Color)
}

func TestBuildEnvelopeUnknownMatch(t *testing.T) {
	s := openTestStore(t)
	_, err := BuildEnvelope(context.Background(), s, 999, "client-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func postEnvelope(t *testing.T, h http.Handler, env Envelope, token string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestRoundTrip(t *testing.T) {
	src := openTestStore(t)
	srcID := seedMatch(t, src)
	env, err := BuildEnvelope(context.Background(), src, srcID, "client-1")
	require.NoError(t, err)

	dst := openTestStore(t)
	rec := postEnvelope(t, NewIngestHandler(dst, ""), env, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		MatchID   int64 `json:"match_id"`
		Ticks     int   `json:"ticks"`
		Positions int   `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Ticks)
	assert.Equal(t, 6, resp.Positions)

	ctx := context.Background()
	imported, err := dst.Match(ctx, resp.MatchID)
	require.NoError(t, err)
	assert.Equal(t, "ground_hash", imported.MapHash)
	assert.Equal(t, "air_hash", imported.AirMapHash)
	assert.True(t, imported.NukeDetected)
	require.NotNil(t, imported.EndedAt)
	assert.True(t, imported.EndedAt.Equal(*env.Match.EndedAt))
	require.NotNil(t, imported.AirTransform)
	assert.Equal(t, 0.25, imported.AirTransform.A)

	bundle, err := dst.PositionsSince(ctx, resp.MatchID, 0)
	require.NoError(t, err)
	require.Len(t, bundle.Ticks, 3)
	require.Len(t, bundle.Positions, 6)
	assert.Equal(t, "tank", bundle.Ticks[0].ArmyType)
	assert.Equal(t, "capture_zone", bundle.Positions[1].Type)
	require.NotNil(t, bundle.Positions[1].XGround)
	assert.InDelta(t, 0.4, *bundle.Positions[1].XGround, 1e-9)

	// The imported match is closed; late ticks are refused.
	_, err = dst.AppendTick(ctx, resp.MatchID, store.TickInput{TimestampMS: 99999}, nil)
	assert.ErrorIs(t, err, store.ErrMatchEnded)
}

func TestIngestRejectsIncompatibleSchema(t *testing.T) {
	src := openTestStore(t)
	env, err := BuildEnvelope(context.Background(), src, seedMatch(t, src), "client-1")
	require.NoError(t, err)
	env.SchemaVersion = 99

	dst := openTestStore(t)
	rec := postEnvelope(t, NewIngestHandler(dst, ""), env, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "incompatible")

	// Rejection must leave the store untouched.
	matches, err := dst.ListMatches(context.Background())
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIngestRejectsMalformedBody(t *testing.T) {
	dst := openTestStore(t)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	NewIngestHandler(dst, "").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestAuthToken(t *testing.T) {
	src := openTestStore(t)
	env, err := BuildEnvelope(context.Background(), src, seedMatch(t, src), "client-1")
	require.NoError(t, err)

	dst := openTestStore(t)
	h := NewIngestHandler(dst, "secret")

	rec := postEnvelope(t, h, env, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = postEnvelope(t, h, env, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = postEnvelope(t, h, env, "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestRejectsNonPost(t *testing.T) {
	dst := openTestStore(t)
	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	rec := httptest.NewRecorder()
	NewIngestHandler(dst, "").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
