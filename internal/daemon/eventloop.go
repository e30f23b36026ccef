package daemon

import (
	"context"
	"time"

	"github.com/harun/agentcore/internal/observability"
)

// statsInterval is how often the event loop samples the queue.
const statsInterval = 30 * time.Second

// EventLoop handles periodic maintenance while the daemon runs
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: statsInterval,
	}
}

// Run runs the event loop until ctx is done
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks publishes queue depth per lane and logs busy lanes.
func (e *EventLoop) processTasks() {
	for lane, ls := range e.daemon.queue.Stats() {
		observability.SetQueueSize(lane, ls.Queued)
		if ls.Queued > 0 || ls.Running > 0 {
			e.daemon.log.Debug().
				Str("lane", lane).
				Int("queued", ls.Queued).
				Int("running", ls.Running).
				Msg("Queue stats")
		}
	}
}

// HandleShutdown waits up to timeout for running runs to finish.
func (e *EventLoop) HandleShutdown(timeout time.Duration) {
	e.daemon.log.Info().Msg("Handling graceful shutdown")

	if e.daemon.queue.WaitForActive(timeout) {
		e.daemon.log.Info().Msg("All active runs completed")
		return
	}
	e.daemon.log.Warn().Dur("timeout", timeout).Msg("Active runs still running at shutdown")
}
