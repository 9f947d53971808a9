// Package capture drives the match lifecycle: it polls the game's telemetry
// API, decides when matches start and end, and normalizes each snapshot into
// ticks and positions in the store.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"wtplotter/internal/maps"
	"wtplotter/internal/store"
	"wtplotter/internal/wt"
)

// State is the match lifecycle state.
type State int

const (
	// StateIdle means no match is being tracked.
	StateIdle State = iota
	// StateActiveGround means a match is active with the player on the
	// ground map.
	StateActiveGround
	// StateActiveAir means a match is active with the player in an air view.
	StateActiveAir
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActiveGround:
		return "ACTIVE_GROUND"
	case StateActiveAir:
		return "ACTIVE_AIR"
	}
	return "UNKNOWN"
}

// Object types treated as static points of interest rather than units.
var poiTypes = map[string]bool{
	"capture_zone":         true,
	"respawn_base_tank":    true,
	"respawn_base_fighter": true,
	"airfield":             true,
}

const (
	captureZoneType = "capture_zone"
	airArmyType     = "air"
	defaultArmyType = "tank"
	defaultColor    = "#FFFFFF"
	defaultValue    = "unknown"
)

// MapHasher supplies the identity hash of the currently displayed map.
type MapHasher interface {
	CurrentMapHash(ctx context.Context) (string, error)
}

// MachineConfig tunes the state machine.
type MachineConfig struct {
	// GracePeriod is how long a match may report invalid before it ends.
	GracePeriod time.Duration
	// NukeIcons are object icons that flag a detected nuke.
	NukeIcons []string
}

// Machine is the match state machine. It is driven by a single goroutine
// (the poller) and is the sole writer to the store.
type Machine struct {
	store   *store.Store
	table   *maps.Table
	hasher  MapHasher
	missing *maps.MissingHashLog
	cfg     MachineConfig

	state      State
	matchID    int64
	matchStart time.Time
	mapHash    string
	mapInfo    maps.Info
	airMapHash string
	transform  *store.Transform
	lastTickMS int64

	poiCaptured     bool
	initialCaptured bool
	nukeDetected    bool
	graceStart      *time.Time
	groundZones     []Point

	// Optional hooks, invoked from the poller goroutine after the
	// corresponding write committed.
	OnMatchStart func(matchID int64)
	OnMatchEnd   func(matchID int64)
	OnTick       func(matchID, tickID int64, tick store.TickInput, positions []store.PositionInput)
}

// NewMachine creates a state machine writing through st.
func NewMachine(st *store.Store, table *maps.Table, hasher MapHasher, missing *maps.MissingHashLog, cfg MachineConfig) *Machine {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 20 * time.Second
	}
	return &Machine{
		store:   st,
		table:   table,
		hasher:  hasher,
		missing: missing,
		cfg:     cfg,
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// MatchID returns the id of the tracked match, or 0 when idle.
func (m *Machine) MatchID() int64 { return m.matchID }

// HandleSnapshot consumes one polling cycle's snapshot taken at now.
func (m *Machine) HandleSnapshot(ctx context.Context, snap wt.Snapshot, now time.Time) error {
	running := snap.MatchRunning()

	switch {
	case m.state == StateIdle && running:
		return m.startMatch(ctx, snap, now)
	case m.state != StateIdle && running:
		m.graceStart = nil
		return m.processTick(ctx, snap, now)
	case m.state != StateIdle && !running:
		return m.handleInvalid(ctx, now)
	}
	return nil
}

// HandleUnreachable consumes a cycle on which the upstream API could not be
// reached at all. An active match enters the same grace handling as an
// invalid snapshot; otherwise nothing happens.
func (m *Machine) HandleUnreachable(ctx context.Context, now time.Time) error {
	if m.state == StateIdle {
		return nil
	}
	return m.grace(ctx, now)
}

func (m *Machine) startMatch(ctx context.Context, snap wt.Snapshot, now time.Time) error {
	hash := ""
	if h, err := m.hasher.CurrentMapHash(ctx); err == nil {
		hash = h
	} else {
		log.Printf("[Capture] Cannot hash map image: %v", err)
	}

	info := m.table.Resolve(hash)
	if info == maps.Unknown && hash != "" {
		m.missing.Record(hash)
	}

	matchID, err := m.store.BeginMatch(ctx, now, hash)
	if err != nil {
		return fmt.Errorf("begin match: %w", err)
	}

	m.matchID = matchID
	m.matchStart = now
	m.mapHash = hash
	m.mapInfo = info
	m.airMapHash = ""
	m.transform = nil
	m.lastTickMS = 0
	m.poiCaptured = false
	m.initialCaptured = false
	m.nukeDetected = false
	m.graceStart = nil
	m.groundZones = nil
	m.state = StateActiveGround

	log.Printf("[Capture] Match %d started on %q (%s)", matchID, info.Name, hash)
	if m.OnMatchStart != nil {
		m.OnMatchStart(matchID)
	}

	return m.processTick(ctx, snap, now)
}

func (m *Machine) endMatch(ctx context.Context, at time.Time) error {
	matchID := m.matchID
	err := m.store.EndMatch(ctx, matchID, at)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("end match %d: %w", matchID, err)
	}
	log.Printf("[Capture] Match %d ended", matchID)
	m.reset()

	if err == nil && m.OnMatchEnd != nil {
		m.OnMatchEnd(matchID)
	}
	return nil
}

func (m *Machine) reset() {
	m.state = StateIdle
	m.matchID = 0
	m.mapHash = ""
	m.mapInfo = maps.Unknown
	m.airMapHash = ""
	m.transform = nil
	m.graceStart = nil
	m.groundZones = nil
}

// handleInvalid runs when an active match's snapshot reports invalid. A map
// switched to "No Map" ends the match at once; a changed map means a new
// match already started and the old one is closed; the same map starts (or
// continues) the grace period.
func (m *Machine) handleInvalid(ctx context.Context, now time.Time) error {
	hash, err := m.hasher.CurrentMapHash(ctx)
	if err != nil {
		return m.grace(ctx, now)
	}

	info := m.table.Resolve(hash)
	switch {
	case info.ID == "no_map":
		log.Printf("[Capture] Map switched to No Map, ending match %d", m.matchID)
		return m.endMatch(ctx, now)
	case hash != m.mapHash:
		log.Printf("[Capture] Map changed during grace period (%s -> %s), ending match %d",
			m.mapHash, hash, m.matchID)
		return m.endMatch(ctx, now)
	default:
		return m.grace(ctx, now)
	}
}

func (m *Machine) grace(ctx context.Context, now time.Time) error {
	if m.graceStart == nil {
		start := now
		m.graceStart = &start
		log.Printf("[Capture] Match %d invalid, starting %s grace period", m.matchID, m.cfg.GracePeriod)
		return nil
	}
	if now.Sub(*m.graceStart) >= m.cfg.GracePeriod {
		log.Printf("[Capture] Match %d invalid for %s, ending", m.matchID, m.cfg.GracePeriod)
		// The end timestamp is the first moment the match went invalid,
		// not the moment the grace period expired.
		return m.endMatch(ctx, *m.graceStart)
	}
	return nil
}

// processTick normalizes one snapshot into a tick and its positions.
func (m *Machine) processTick(ctx context.Context, snap wt.Snapshot, now time.Time) error {
	army := defaultArmyType
	vehicle := ""
	if snap.Indicators != nil {
		if snap.Indicators.Army != "" {
			army = snap.Indicators.Army
		}
		vehicle = snap.Indicators.VehicleType()
	}

	isAir := army == airArmyType
	// An air view over a ground or naval battle uses a different map image
	// with its own coordinate frame.
	isAirView := isAir && m.mapInfo.BattleType != maps.BattleAir

	if isAirView && m.airMapHash == "" {
		m.captureAirMap(ctx, snap)
	}

	if isAir {
		m.state = StateActiveAir
	} else {
		m.state = StateActiveGround
	}

	if len(snap.Objects) == 0 {
		return nil
	}

	tick := store.TickInput{
		TimestampMS:     m.quantizeTimestamp(now),
		ArmyType:        army,
		VehicleType:     vehicle,
		IsPlayerAir:     isAir,
		IsPlayerAirView: isAirView,
	}

	var positions []store.PositionInput
	var zones []Point
	sawPOI := false
	sawNuke := false

	for _, obj := range snap.Objects {
		pos, ok := m.normalizeObject(obj, isAirView)
		if !ok {
			continue
		}
		if pos.IsPOI {
			sawPOI = true
		}
		if pos.Type == captureZoneType {
			zones = append(zones, Point{X: pos.X, Y: pos.Y})
		}
		if !sawNuke && m.isNukeIcon(pos.Icon) {
			sawNuke = true
		}
		positions = append(positions, pos)
	}

	if len(positions) == 0 {
		return nil
	}

	tickID, err := m.store.AppendTick(ctx, m.matchID, tick, positions)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrMatchEnded) {
		// The match was deleted or closed out from under us, likely through
		// the viewer API. Stop tracking it.
		log.Printf("[Capture] Match %d gone (%v), returning to idle", m.matchID, err)
		m.reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("append tick: %w", err)
	}
	m.lastTickMS = tick.TimestampMS

	if sawPOI {
		m.poiCaptured = true
	}
	if !isAirView && len(zones) > 0 {
		m.groundZones = zones
		if !m.initialCaptured {
			m.recordInitialCapture(ctx, zones)
		}
	}
	if sawNuke && !m.nukeDetected {
		m.nukeDetected = true
		if err := m.store.SetNukeDetected(ctx, m.matchID); err != nil {
			log.Printf("[Capture] Cannot flag nuke on match %d: %v", m.matchID, err)
		} else {
			log.Printf("[Capture] Nuke detected in match %d", m.matchID)
		}
	}

	if m.OnTick != nil {
		m.OnTick(m.matchID, tickID, tick, positions)
	}
	return nil
}

// normalizeObject validates and converts one raw map object. Malformed
// objects are skipped without discarding the rest of the snapshot.
func (m *Machine) normalizeObject(obj wt.MapObject, isAirView bool) (store.PositionInput, bool) {
	var pos store.PositionInput
	if obj.X == nil || obj.Y == nil {
		log.Printf("[Capture] Skipping object without coordinates (type=%q)", obj.Type)
		return pos, false
	}
	x, y := *obj.X, *obj.Y
	if x <= 0 || x >= 1 || y <= 0 || y >= 1 {
		return pos, false
	}

	objType := obj.Type
	if objType == "" {
		objType = defaultValue
	}
	isPOI := poiTypes[objType]

	// Static POIs only need to be captured once, except capture zones whose
	// ownership color keeps changing.
	if isPOI && objType != captureZoneType && m.poiCaptured {
		return pos, false
	}

	pos = store.PositionInput{
		X:     x,
		Y:     y,
		Color: obj.Color,
		Type:  objType,
		Icon:  obj.Icon,
		IsPOI: isPOI,
	}
	if pos.Color == "" {
		pos.Color = defaultColor
	}
	if pos.Icon == "" {
		pos.Icon = defaultValue
	}

	if isAirView && m.transform != nil {
		xg := m.transform.GroundX(x)
		yg := m.transform.GroundY(y)
		pos.XGround = &xg
		pos.YGround = &yg
	}
	return pos, true
}

// captureAirMap records the air map hash the first time the player goes
// airborne over a ground battle, and fits the affine transform from the
// capture zones visible in both frames.
func (m *Machine) captureAirMap(ctx context.Context, snap wt.Snapshot) {
	hash, err := m.hasher.CurrentMapHash(ctx)
	if err != nil || hash == "" || hash == m.mapHash {
		return
	}

	if err := m.store.SetAirMap(ctx, m.matchID, hash); err != nil {
		log.Printf("[Capture] Cannot set air map on match %d: %v", m.matchID, err)
		return
	}
	m.airMapHash = hash
	if m.table.Resolve(hash) == maps.Unknown {
		m.missing.Record(hash)
	}
	log.Printf("[Capture] Match %d air map captured (%s)", m.matchID, hash)

	var airZones []Point
	for _, obj := range snap.Objects {
		if obj.Type != captureZoneType || obj.X == nil || obj.Y == nil {
			continue
		}
		airZones = append(airZones, Point{X: *obj.X, Y: *obj.Y})
	}

	t, err := fitTransform(m.groundZones, airZones)
	if err != nil {
		log.Printf("[Capture] Air transform not fitted for match %d: %v", m.matchID, err)
		return
	}
	if err := m.store.SetAirTransform(ctx, m.matchID, t); err != nil {
		log.Printf("[Capture] Cannot store air transform on match %d: %v", m.matchID, err)
		return
	}
	m.transform = &t
	log.Printf("[Capture] Match %d air transform fitted (a=%.4f c=%.4f)", m.matchID, t.A, t.C)
}

func (m *Machine) recordInitialCapture(ctx context.Context, zones []Point) {
	var sx, sy float64
	for _, z := range zones {
		sx += z.X
		sy += z.Y
	}
	n := float64(len(zones))
	if err := m.store.SetInitialCapture(ctx, m.matchID, len(zones), sx/n, sy/n); err != nil {
		log.Printf("[Capture] Cannot store initial capture on match %d: %v", m.matchID, err)
		return
	}
	m.initialCaptured = true
}

// quantizeTimestamp converts the wall-clock sample time into milliseconds
// since match start, forced strictly monotonic within the match.
func (m *Machine) quantizeTimestamp(now time.Time) int64 {
	ms := int64(math.Round(float64(now.Sub(m.matchStart).Microseconds()) / 1000.0))
	if ms <= m.lastTickMS {
		ms = m.lastTickMS + 1
	}
	return ms
}

func (m *Machine) isNukeIcon(icon string) bool {
	for _, nuke := range m.cfg.NukeIcons {
		if icon == nuke {
			return true
		}
	}
	return false
}
