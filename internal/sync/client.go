package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"wtplotter/internal/store"
)

// ClientConfig tunes the replication client.
type ClientConfig struct {
	// ServerURL is the central server base URL, IngestPath the endpoint path.
	ServerURL  string
	IngestPath string
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
	// ClientID identifies this capture installation in every envelope.
	ClientID string
	// Timeout bounds a single submission attempt.
	Timeout time.Duration
	// MaxTries bounds the retry loop per envelope; the envelope is dropped
	// after the last failure. The match stays in the local store either way.
	MaxTries uint
}

// Client pushes finished matches to the central server. Match ids arrive on
// a channel fed by the poller; the capture loop never blocks on the network.
type Client struct {
	store      *store.Store
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient creates a replication client reading envelopes from st.
func NewClient(st *store.Store, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	return &Client{
		store:      st,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Run consumes match ids from finished until ctx is cancelled.
func (c *Client) Run(ctx context.Context, finished <-chan int64) {
	log.Printf("[Sync] Started, pushing to %s%s", c.cfg.ServerURL, c.cfg.IngestPath)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Sync] Stopping")
			return
		case matchID := <-finished:
			if err := c.Push(ctx, matchID); err != nil {
				log.Printf("[Sync] Match %d not replicated: %v", matchID, err)
			}
		}
	}
}

// Push builds the envelope for matchID and submits it, retrying transient
// failures with exponential backoff.
func (c *Client) Push(ctx context.Context, matchID int64) error {
	env, err := BuildEnvelope(ctx, c.store, matchID, c.cfg.ClientID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.submit(ctx, body)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.MaxTries),
	)
	if err != nil {
		return err
	}
	log.Printf("[Sync] Match %d replicated (%d ticks, %d positions)",
		matchID, len(env.Ticks), len(env.Positions))
	return nil
}

func (c *Client) submit(ctx context.Context, body []byte) error {
	url := c.cfg.ServerURL + c.cfg.IngestPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The server will never accept this envelope; retrying is pointless.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(fmt.Errorf("rejected with status %d: %s", resp.StatusCode, msg))
	default:
		return fmt.Errorf("submit failed with status %d", resp.StatusCode)
	}
}
