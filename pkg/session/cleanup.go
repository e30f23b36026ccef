package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRunRetention   = 7 * 24 * time.Hour
	DefaultPruneInterval  = time.Hour
	defaultPruneOpTimeout = time.Minute
)

// Cleanup periodically drops finished run records so the dedup ledger does
// not grow without bound. Thread logs are never touched.
type Cleanup struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewCleanup creates a cleanup handler. Zero durations use the defaults.
func NewCleanup(store Store, retention, interval time.Duration, logger zerolog.Logger) *Cleanup {
	if retention <= 0 {
		retention = DefaultRunRetention
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Cleanup{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger.With().Str("component", "session.cleanup").Logger(),
		now:       time.Now,
	}
}

// Start launches the prune loop.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("cleanup is already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)

	c.logger.Info().Dur("retention", c.retention).Dur("interval", c.interval).Msg("Run cleanup started")
	return nil
}

// Stop ends the prune loop and waits for it to exit.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleanup is not running")
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	<-done
	c.logger.Info().Msg("Run cleanup stopped")
	return nil
}

func (c *Cleanup) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.prune()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-stop:
			return
		}
	}
}

func (c *Cleanup) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPruneOpTimeout)
	defer cancel()
	if _, err := c.CleanupNow(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to prune run records")
	}
}

// CleanupNow prunes immediately and returns the number of records removed.
func (c *Cleanup) CleanupNow(ctx context.Context) (int, error) {
	n, err := c.store.PruneRuns(ctx, c.now().Add(-c.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info().Int("pruned", n).Msg("Pruned old run records")
	}
	return n, nil
}

// IsRunning reports whether the loop is active.
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
