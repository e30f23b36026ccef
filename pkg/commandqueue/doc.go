// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - Tasks in different lanes may execute concurrently, up to MaxWorkers.
// - A RequestID is executed at most once while in flight or cached.
// - Queue activity is observable through events and metrics.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{MaxWorkers: 8, Logger: logger})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, commandqueue.ThreadLane(threadID), func(ctx context.Context) (any, error) {
//		return "ok", nil
//	}, &commandqueue.TaskOptions{RequestID: runID})
package commandqueue
