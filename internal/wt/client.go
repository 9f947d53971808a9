package wt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrGameNotRunning indicates the game's telemetry API is unreachable.
var ErrGameNotRunning = errors.New("game telemetry api is not reachable")

// Client talks to the game's local telemetry API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	imgClient  *http.Client
}

// NewClient creates a client for the local telemetry API. requestTimeout
// bounds the JSON endpoints, imageTimeout the larger map image download.
func NewClient(baseURL string, requestTimeout, imageTimeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		imgClient:  &http.Client{Timeout: imageTimeout},
	}
}

// Fetch retrieves one cycle's snapshot. Individual endpoint failures leave
// the corresponding Snapshot member nil; only a fully unreachable API
// returns an error.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	info, err := c.fetchMapInfo(ctx)
	if err != nil {
		return snap, fmt.Errorf("%w: %v", ErrGameNotRunning, err)
	}
	snap.MapInfo = info

	if ind, err := c.fetchIndicators(ctx); err == nil {
		snap.Indicators = ind
	}
	if objs, err := c.fetchMapObjects(ctx); err == nil {
		snap.Objects = objs
	}
	return snap, nil
}

// MapImage downloads the current map image (map.img).
func (c *Client) MapImage(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/map.img", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.imgClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("map.img: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// CurrentMapHash downloads the current map image and returns its perceptual
// hash, the match's map identity key.
func (c *Client) CurrentMapHash(ctx context.Context) (string, error) {
	img, err := c.MapImage(ctx)
	if err != nil {
		return "", err
	}
	return DHash(img)
}

func (c *Client) fetchMapInfo(ctx context.Context) (*MapInfo, error) {
	var info MapInfo
	if err := c.getJSON(ctx, "/map_info.json", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) fetchIndicators(ctx context.Context) (*Indicators, error) {
	var ind Indicators
	if err := c.getJSON(ctx, "/indicators", &ind); err != nil {
		return nil, err
	}
	return &ind, nil
}

func (c *Client) fetchMapObjects(ctx context.Context) ([]MapObject, error) {
	var objs []MapObject
	if err := c.getJSON(ctx, "/map_obj.json", &objs); err != nil {
		return nil, err
	}
	return objs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}
