package commandqueue

import (
	"context"
	"sync"
	"time"
)

// flight is one execution shared by every delivery of a request id.
type flight struct {
	done chan struct{}
	res  taskResult
}

// Wait blocks until the leader finished.
func (f *flight) Wait() taskResult {
	<-f.done
	return f.res
}

type dedupEntry struct {
	flight    *flight
	completed time.Time
}

// dedupCache tracks in-flight and recently completed request ids.
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	go cache.cleanup()
	return cache
}

func (dc *dedupCache) Stop() {
	dc.cancel()
}

// Acquire returns the flight for id. leader is true when the caller must
// execute it; otherwise the flight is running or completed within the TTL.
func (dc *dedupCache) Acquire(id string) (f *flight, leader bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if entry, ok := dc.entries[id]; ok {
		if entry.completed.IsZero() || dc.now().Sub(entry.completed) <= dc.ttl {
			return entry.flight, false
		}
	}
	f = &flight{done: make(chan struct{})}
	dc.entries[id] = &dedupEntry{flight: f}
	return f, true
}

// Complete publishes the leader's result. Results carrying an error are
// not cached so a later redelivery runs again.
func (dc *dedupCache) Complete(id string, f *flight) {
	dc.mu.Lock()
	if entry, ok := dc.entries[id]; ok && entry.flight == f {
		if f.res.err != nil {
			delete(dc.entries, id)
		} else {
			entry.completed = dc.now()
		}
	}
	dc.mu.Unlock()
	close(f.done)
}

func (dc *dedupCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.prune()
		}
	}
}

func (dc *dedupCache) prune() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := dc.now()
	for id, entry := range dc.entries {
		if !entry.completed.IsZero() && now.Sub(entry.completed) > dc.ttl {
			delete(dc.entries, id)
		}
	}
}

// Size returns the number of tracked ids.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
