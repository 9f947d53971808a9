// Command server is the central aggregation server: it accepts match
// envelopes from capture clients and stores them in PostgreSQL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"wtplotter/internal/capture"
	"wtplotter/internal/config"
	"wtplotter/internal/store/pg"
	syncpkg "wtplotter/internal/sync"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("[Server] Config: %v", err)
	}

	ctx := capture.SetupSignalHandler()

	st, err := pg.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[Server] Connect database: %v", err)
	}
	defer st.Close()

	mux := http.NewServeMux()
	mux.Handle("POST /ingest", syncpkg.NewIngestHandler(st, cfg.AuthToken))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] Listening on %s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Server] Shutdown: %v", err)
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Server] Serve: %v", err)
		}
	}
	log.Println("[Server] Shutdown complete")
}
