// Command capture is the local daemon: it polls the game client's telemetry
// API, records matches into a local SQLite store, serves the viewer API and
// replicates finished matches to the central server.
package main

import (
	"context"
	"log"
	"sync"
	"time"

	"wtplotter/internal/capture"
	"wtplotter/internal/config"
	"wtplotter/internal/maps"
	"wtplotter/internal/store"
	syncpkg "wtplotter/internal/sync"
	"wtplotter/internal/viewer"
	"wtplotter/internal/wt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Capture] Config: %v", err)
	}

	st, err := store.Open(cfg.Storage.Path, store.Options{
		CoordPrecision:   cfg.Storage.CoordPrecision,
		CapturePrecision: cfg.Storage.CapturePrecision,
	})
	if err != nil {
		log.Fatalf("[Capture] Open store: %v", err)
	}
	defer st.Close()

	ctx := capture.SetupSignalHandler()

	// A hard quit mid-match leaves a dangling open row; close it before any
	// new match can start.
	if n, err := st.CloseOrphanedMatches(ctx, time.Now()); err != nil {
		log.Fatalf("[Capture] Close orphaned matches: %v", err)
	} else if n > 0 {
		log.Printf("[Capture] Closed %d orphaned match(es)", n)
	}

	table, err := maps.LoadTable(cfg.Maps.TablePath, cfg.Maps.HashTolerance)
	if err != nil {
		log.Fatalf("[Capture] Load map table: %v", err)
	}
	log.Printf("[Capture] Map table loaded (%d hashes)", table.Len())

	missing := maps.NewMissingHashLog(cfg.Maps.MissingHashLog)

	client := wt.NewClient(cfg.Capture.BaseURL, cfg.Capture.RequestTimeout, cfg.Capture.MapImageTimeout)

	machine := capture.NewMachine(st, table, client, missing, capture.MachineConfig{
		GracePeriod: cfg.Capture.GracePeriod,
		NukeIcons:   cfg.Capture.NukeIcons,
	})

	hub := viewer.NewHub()
	machine.OnTick = func(matchID, tickID int64, tick store.TickInput, positions []store.PositionInput) {
		hub.Broadcast(map[string]any{
			"event":        "tick",
			"match_id":     matchID,
			"tick_id":      tickID,
			"timestamp_ms": tick.TimestampMS,
			"positions":    len(positions),
		})
	}
	machine.OnMatchStart = func(matchID int64) {
		hub.Broadcast(map[string]any{"event": "match_start", "match_id": matchID})
	}

	poller := capture.NewPoller(client, machine, capture.PollerConfig{
		PollInterval:  cfg.Capture.PollInterval,
		RetryInterval: cfg.Capture.RetryInterval,
	})

	var wg sync.WaitGroup

	if cfg.Sync.Enabled {
		syncClient := syncpkg.NewClient(st, syncpkg.ClientConfig{
			ServerURL:  cfg.Sync.ServerURL,
			IngestPath: cfg.Sync.IngestPath,
			AuthToken:  cfg.Sync.AuthToken,
			ClientID:   cfg.Sync.ClientID,
			Timeout:    cfg.Sync.Timeout,
			MaxTries:   cfg.Sync.MaxTries,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			syncClient.Run(ctx, poller.Finished)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv := viewer.NewServer(st, table, hub)
		if err := srv.Run(ctx, cfg.Viewer.Addr); err != nil {
			log.Printf("[Capture] Viewer server: %v", err)
		}
	}()

	poller.Run(ctx)

	// End a still-active match before exiting so the row is never orphaned.
	if machine.State() != capture.StateIdle {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := st.EndMatch(endCtx, machine.MatchID(), time.Now()); err != nil {
			log.Printf("[Capture] End active match on shutdown: %v", err)
		}
		cancel()
	}

	wg.Wait()
	log.Println("[Capture] Shutdown complete")
}
