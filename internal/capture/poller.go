package capture

import (
	"context"
	"errors"
	"log"
	"time"

	"wtplotter/internal/wt"
)

// Fetcher retrieves one polling cycle's snapshot from the game client.
type Fetcher interface {
	Fetch(ctx context.Context) (wt.Snapshot, error)
}

// PollerConfig tunes the polling loop.
type PollerConfig struct {
	// PollInterval is the sampling cadence while a match is active.
	PollInterval time.Duration
	// RetryInterval is the slower cadence used while waiting for a match.
	RetryInterval time.Duration
}

// Poller drives the state machine on a timer. It is the only goroutine that
// touches the machine, which keeps the store single-writer without locks.
type Poller struct {
	fetcher Fetcher
	machine *Machine
	cfg     PollerConfig

	// Finished receives the id of each ended match. Sends never block; when
	// the consumer falls behind the id is dropped.
	Finished chan int64
}

// NewPoller wires a poller around fetcher and machine.
func NewPoller(fetcher Fetcher, machine *Machine, cfg PollerConfig) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	p := &Poller{
		fetcher:  fetcher,
		machine:  machine,
		cfg:      cfg,
		Finished: make(chan int64, 16),
	}
	prev := machine.OnMatchEnd
	machine.OnMatchEnd = func(matchID int64) {
		select {
		case p.Finished <- matchID:
		default:
			log.Printf("[Poller] Finished queue full, dropping match %d", matchID)
		}
		if prev != nil {
			prev(matchID)
		}
	}
	return p
}

// Run polls until ctx is cancelled. The in-flight cycle always completes, so
// a tick mid-write is never torn by shutdown.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("[Poller] Started (poll=%s retry=%s)", p.cfg.PollInterval, p.cfg.RetryInterval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Poller] Stopping")
			return
		case <-timer.C:
		}

		p.cycle(ctx)

		interval := p.cfg.RetryInterval
		if p.machine.State() != StateIdle {
			interval = p.cfg.PollInterval
		}
		timer.Reset(interval)
	}
}

func (p *Poller) cycle(ctx context.Context) {
	now := time.Now()
	snap, err := p.fetcher.Fetch(ctx)
	if err != nil {
		if !errors.Is(err, wt.ErrGameNotRunning) {
			log.Printf("[Poller] Fetch failed: %v", err)
		}
		if err := p.machine.HandleUnreachable(ctx, now); err != nil {
			log.Printf("[Poller] Unreachable handling failed: %v", err)
		}
		return
	}
	if err := p.machine.HandleSnapshot(ctx, snap, now); err != nil {
		log.Printf("[Poller] Snapshot handling failed: %v", err)
	}
}
