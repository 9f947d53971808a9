package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wtplotter/internal/maps"
	"wtplotter/internal/store"
	"wtplotter/internal/wt"
)

const (
	groundHash = "0000"
	airHash    = "ffff"
	noMapHash  = "0f0f"
	otherHash  = "f0f0"
)

type fakeHasher struct {
	hash string
	err  error
}

func (f *fakeHasher) CurrentMapHash(ctx context.Context) (string, error) {
	return f.hash, f.err
}

func newTestMachine(t *testing.T) (*Machine, *store.Store, *fakeHasher) {
	t.Helper()
	st, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	table, err := maps.ParseTable([]byte(`{
		"`+groundHash+`": {"name": "Karelia", "id": "karelia", "battle_type": "ground"},
		"`+airHash+`": {"name": "Sicily Air", "id": "sicily_air", "battle_type": "air"},
		"`+noMapHash+`": {"name": "No Map", "id": "no_map", "battle_type": "unknown"},
		"`+otherHash+`": {"name": "Poland", "id": "poland", "battle_type": "ground"}
	}`), 2)
	require.NoError(t, err)

	hasher := &fakeHasher{hash: groundHash}
	m := NewMachine(st, table, hasher, maps.NewMissingHashLog(""), MachineConfig{
		GracePeriod: 20 * time.Second,
		NukeIcons:   []string{"nuke"},
	})
	return m, st, hasher
}

func fptr(v float64) *float64 { return &v }

func unitObject(x, y float64) wt.MapObject {
	return wt.MapObject{
		Type: "ground_model", Icon: "medium_tank", Color: "#FF0000",
		X: fptr(x), Y: fptr(y),
	}
}

func zoneObject(x, y float64) wt.MapObject {
	return wt.MapObject{
		Type: "capture_zone", Icon: "capture_zone", Color: "#FFFFFF",
		X: fptr(x), Y: fptr(y),
	}
}

func validSnap(army string, objs ...wt.MapObject) wt.Snapshot {
	return wt.Snapshot{
		MapInfo:    &wt.MapInfo{Valid: true},
		Indicators: &wt.Indicators{Army: army, Type: army + "Models/test_vehicle"},
		Objects:    objs,
	}
}

func invalidSnap() wt.Snapshot {
	return wt.Snapshot{MapInfo: &wt.MapInfo{Valid: false}}
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMatchStartsOnValidSnapshot(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	var started []int64
	m.OnMatchStart = func(id int64) { started = append(started, id) }

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.6)), baseTime))
	assert.Equal(t, StateActiveGround, m.State())
	require.Len(t, started, 1)

	match, err := st.ActiveMatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, groundHash, match.MapHash)
	assert.True(t, match.StartedAt.Equal(baseTime))

	bundle, err := st.PositionsSince(ctx, match.ID, 0)
	require.NoError(t, err)
	require.Len(t, bundle.Ticks, 1)
	assert.Equal(t, "tank", bundle.Ticks[0].ArmyType)
	assert.Equal(t, "test_vehicle", bundle.Ticks[0].VehicleType)
	assert.False(t, bundle.Ticks[0].IsPlayerAir)
	require.Len(t, bundle.Positions, 1)
	assert.InDelta(t, 0.5, bundle.Positions[0].X, 1e-9)
	assert.InDelta(t, 0.6, bundle.Positions[0].Y, 1e-9)
}

func TestIdleOnInvalidSnapshot(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), baseTime))
	assert.Equal(t, StateIdle, m.State())
	_, err := st.ActiveMatch(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestArmySwitchStaysInSameMatch(t *testing.T) {
	m, st, hasher := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.6)), baseTime))
	matchID := m.MatchID()

	hasher.hash = airHash
	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("air", unitObject(0.3, 0.3)), baseTime.Add(time.Second)))

	assert.Equal(t, StateActiveAir, m.State())
	assert.Equal(t, matchID, m.MatchID())

	match, err := st.Match(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, airHash, match.AirMapHash)

	bundle, err := st.PositionsSince(ctx, matchID, 0)
	require.NoError(t, err)
	require.Len(t, bundle.Ticks, 2)
	assert.True(t, bundle.Ticks[1].IsPlayerAir)
	assert.True(t, bundle.Ticks[1].IsPlayerAirView)

	// Back on the ground: still the same match.
	hasher.hash = groundHash
	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("tank", unitObject(0.4, 0.4)), baseTime.Add(2*time.Second)))
	assert.Equal(t, StateActiveGround, m.State())
	assert.Equal(t, matchID, m.MatchID())
}

func TestAirViewOnAirBattleIsNotAirView(t *testing.T) {
	m, st, hasher := newTestMachine(t)
	ctx := context.Background()

	hasher.hash = airHash
	require.NoError(t, m.HandleSnapshot(ctx, validSnap("air", unitObject(0.5, 0.5)), baseTime))

	match, err := st.ActiveMatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, match.AirMapHash)

	bundle, err := st.PositionsSince(ctx, match.ID, 0)
	require.NoError(t, err)
	require.Len(t, bundle.Ticks, 1)
	assert.True(t, bundle.Ticks[0].IsPlayerAir)
	assert.False(t, bundle.Ticks[0].IsPlayerAirView)
}

func TestGracePeriodEndsMatchAtFirstInvalidResult(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	var ended []int64
	m.OnMatchEnd = func(id int64) { ended = append(ended, id) }

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.6)), baseTime))
	matchID := m.MatchID()

	t1 := baseTime.Add(time.Minute)
	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t1))
	assert.Equal(t, StateActiveGround, m.State())

	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t1.Add(10*time.Second)))
	assert.NotEqual(t, StateIdle, m.State())
	assert.Empty(t, ended)

	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t1.Add(20*time.Second)))
	assert.Equal(t, StateIdle, m.State())
	require.Len(t, ended, 1)

	match, err := st.Match(ctx, matchID)
	require.NoError(t, err)
	require.NotNil(t, match.EndedAt)
	assert.True(t, match.EndedAt.Equal(t1), "end timestamp must be the first invalid result")
}

func TestValidSnapshotResetsGrace(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.6)), baseTime))
	matchID := m.MatchID()

	t1 := baseTime.Add(time.Minute)
	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t1))
	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("tank", unitObject(0.5, 0.6)), t1.Add(10*time.Second)))

	// A fresh invalid stretch starts its own grace window.
	t2 := t1.Add(15 * time.Second)
	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t2))
	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t2.Add(19*time.Second)))
	assert.NotEqual(t, StateIdle, m.State())

	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t2.Add(21*time.Second)))
	assert.Equal(t, StateIdle, m.State())

	match, err := st.Match(ctx, matchID)
	require.NoError(t, err)
	require.NotNil(t, match.EndedAt)
	assert.True(t, match.EndedAt.Equal(t2))
}

func TestMapChangeDuringGraceEndsMatch(t *testing.T) {
	m, st, hasher := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.6)), baseTime))
	matchID := m.MatchID()

	t1 := baseTime.Add(time.Minute)
	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t1))

	hasher.hash = otherHash
	t2 := t1.Add(2 * time.Second)
	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t2))
	assert.Equal(t, StateIdle, m.State())

	match, err := st.Match(ctx, matchID)
	require.NoError(t, err)
	require.NotNil(t, match.EndedAt)
	assert.True(t, match.EndedAt.Equal(t2))

	// The next valid snapshot opens the new match on the new map.
	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("tank", unitObject(0.2, 0.2)), t2.Add(time.Second)))
	next, err := st.ActiveMatch(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, matchID, next.ID)
	assert.Equal(t, otherHash, next.MapHash)
}

func TestNoMapEndsMatchImmediately(t *testing.T) {
	m, st, hasher := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.6)), baseTime))
	matchID := m.MatchID()

	hasher.hash = noMapHash
	t1 := baseTime.Add(time.Minute)
	require.NoError(t, m.HandleSnapshot(ctx, invalidSnap(), t1))
	assert.Equal(t, StateIdle, m.State())

	match, err := st.Match(ctx, matchID)
	require.NoError(t, err)
	require.NotNil(t, match.EndedAt)
	assert.True(t, match.EndedAt.Equal(t1))
}

func TestUnreachableUsesGracePeriod(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleUnreachable(ctx, baseTime))
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.6)), baseTime))
	matchID := m.MatchID()

	t1 := baseTime.Add(time.Minute)
	require.NoError(t, m.HandleUnreachable(ctx, t1))
	assert.NotEqual(t, StateIdle, m.State())
	require.NoError(t, m.HandleUnreachable(ctx, t1.Add(25*time.Second)))
	assert.Equal(t, StateIdle, m.State())

	match, err := st.Match(ctx, matchID)
	require.NoError(t, err)
	require.NotNil(t, match.EndedAt)
	assert.True(t, match.EndedAt.Equal(t1))
}

func TestStaticPOIsCapturedOnce(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	airfield := wt.MapObject{
		Type: "airfield", Icon: "airfield", Color: "#AAAAAA",
		X: fptr(0.1), Y: fptr(0.9),
	}

	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("tank", airfield, zoneObject(0.4, 0.4), unitObject(0.5, 0.5)), baseTime))
	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("tank", airfield, zoneObject(0.4, 0.4), unitObject(0.6, 0.6)),
		baseTime.Add(time.Second)))

	bundle, err := st.PositionsSince(ctx, m.MatchID(), 0)
	require.NoError(t, err)
	require.Len(t, bundle.Ticks, 2)

	// Tick 1: airfield + zone + unit. Tick 2: zone + unit only; capture
	// zones stay because their ownership color changes over time.
	byTick := map[int64][]store.Position{}
	for _, p := range bundle.Positions {
		byTick[p.TickID] = append(byTick[p.TickID], p)
	}
	assert.Len(t, byTick[bundle.Ticks[0].ID], 3)
	assert.Len(t, byTick[bundle.Ticks[1].ID], 2)
	for _, p := range byTick[bundle.Ticks[1].ID] {
		assert.NotEqual(t, "airfield", p.Type)
	}
}

func TestOutOfRangeCoordinatesSkipped(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank",
		unitObject(0.5, 0.5),
		unitObject(0, 0.5),
		unitObject(1.2, 0.5),
		wt.MapObject{Type: "ground_model", Icon: "x", Color: "#fff", Y: fptr(0.5)},
	), baseTime))

	count, err := st.PositionCount(ctx, m.MatchID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAllObjectsInvalidWritesNoTick(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(1.5, 0.5)), baseTime))

	last, err := st.LastTickMS(ctx, m.MatchID())
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestDefaultsAppliedToSparseObjects(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank",
		wt.MapObject{X: fptr(0.5), Y: fptr(0.5)}), baseTime))

	bundle, err := st.PositionsSince(ctx, m.MatchID(), 0)
	require.NoError(t, err)
	require.Len(t, bundle.Positions, 1)
	assert.Equal(t, "#FFFFFF", bundle.Positions[0].Color)
	assert.Equal(t, "unknown", bundle.Positions[0].Type)
	assert.Equal(t, "unknown", bundle.Positions[0].Icon)
}

func TestMissingIndicatorsDefaultsToTank(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	snap := wt.Snapshot{
		MapInfo: &wt.MapInfo{Valid: true},
		Objects: []wt.MapObject{unitObject(0.5, 0.5)},
	}
	require.NoError(t, m.HandleSnapshot(ctx, snap, baseTime))

	bundle, err := st.PositionsSince(ctx, m.MatchID(), 0)
	require.NoError(t, err)
	require.Len(t, bundle.Ticks, 1)
	assert.Equal(t, "tank", bundle.Ticks[0].ArmyType)
}

func TestInitialCaptureBarycenter(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank",
		zoneObject(0.4, 0.4), zoneObject(0.6, 0.6), unitObject(0.5, 0.5)), baseTime))

	match, err := st.Match(ctx, m.MatchID())
	require.NoError(t, err)
	require.NotNil(t, match.InitialCaptureCount)
	assert.Equal(t, 2, *match.InitialCaptureCount)
	assert.InDelta(t, 0.5, *match.InitialCaptureX, 1e-6)
	assert.InDelta(t, 0.5, *match.InitialCaptureY, 1e-6)
}

func TestNukeIconDetection(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.5)), baseTime))
	match, err := st.Match(ctx, m.MatchID())
	require.NoError(t, err)
	assert.False(t, match.NukeDetected)

	nuke := wt.MapObject{Type: "aircraft", Icon: "nuke", Color: "#FF0000", X: fptr(0.5), Y: fptr(0.5)}
	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", nuke), baseTime.Add(time.Second)))

	match, err = st.Match(ctx, m.MatchID())
	require.NoError(t, err)
	assert.True(t, match.NukeDetected)
}

func TestTimestampsStrictlyMonotonic(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	// Two cycles sampled at the same wall-clock instant still get distinct,
	// increasing timestamps.
	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.5)), baseTime))
	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.6, 0.6)), baseTime))
	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("tank", unitObject(0.7, 0.7)), baseTime.Add(time.Second)))

	bundle, err := st.PositionsSince(ctx, m.MatchID(), 0)
	require.NoError(t, err)
	require.Len(t, bundle.Ticks, 3)
	var prev int64
	for _, tick := range bundle.Ticks {
		assert.Greater(t, tick.TimestampMS, prev)
		prev = tick.TimestampMS
	}
	assert.Equal(t, int64(1000), bundle.Ticks[2].TimestampMS)
}

func TestDeletedMatchReturnsMachineToIdle(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", unitObject(0.5, 0.5)), baseTime))
	require.NoError(t, st.DeleteMatch(ctx, m.MatchID()))

	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("tank", unitObject(0.6, 0.6)), baseTime.Add(time.Second)))
	assert.Equal(t, StateIdle, m.State())

	// The next cycle starts fresh.
	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("tank", unitObject(0.7, 0.7)), baseTime.Add(2*time.Second)))
	assert.Equal(t, StateActiveGround, m.State())
}

func TestAirTransformFitAndProjection(t *testing.T) {
	m, st, hasher := newTestMachine(t)
	ctx := context.Background()

	tr := store.Transform{A: 0.25, B: 0.1, C: 0.25, D: 0.2}
	ground := []Point{{0.2, 0.3}, {0.5, 0.6}, {0.8, 0.4}}
	air := applyTransform(tr, ground)

	groundObjs := make([]wt.MapObject, len(ground))
	for i, p := range ground {
		groundObjs[i] = zoneObject(p.X, p.Y)
	}
	require.NoError(t, m.HandleSnapshot(ctx, validSnap("tank", groundObjs...), baseTime))

	airObjs := make([]wt.MapObject, len(air))
	for i, p := range air {
		airObjs[i] = zoneObject(p.X, p.Y)
	}
	hasher.hash = airHash
	require.NoError(t, m.HandleSnapshot(ctx,
		validSnap("air", airObjs...), baseTime.Add(time.Second)))

	match, err := st.Match(ctx, m.MatchID())
	require.NoError(t, err)
	assert.Equal(t, airHash, match.AirMapHash)
	require.NotNil(t, match.AirTransform)
	assert.InDelta(t, tr.A, match.AirTransform.A, 1e-6)
	assert.InDelta(t, tr.D, match.AirTransform.D, 1e-6)

	// The air tick's positions carry projected ground coordinates.
	bundle, err := st.PositionsSince(ctx, m.MatchID(), 0)
	require.NoError(t, err)
	var projected int
	for _, p := range bundle.Positions {
		if p.XGround != nil {
			projected++
			assert.Greater(t, *p.XGround, 0.0)
			assert.Less(t, *p.XGround, 1.0)
		}
	}
	assert.Equal(t, len(air), projected)
}
