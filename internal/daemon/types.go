package daemon

import "time"

// Status represents daemon status
type Status struct {
	Running    bool          `json:"running"`
	StartTime  time.Time     `json:"start_time,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	QueuedRuns int           `json:"queued_runs"`
	ActiveRuns int           `json:"active_runs"`
	Sandboxes  int           `json:"sandboxes"`
}
