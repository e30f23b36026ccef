package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
)

var (
	// ErrLaneCleared is returned to tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrLaneReset is returned to tasks dropped by ResetLane.
	ErrLaneReset = errors.New("lane reset")
	// ErrClosed is returned when enqueueing on a closed queue.
	ErrClosed = errors.New("command queue closed")
)

// Task is an asynchronous operation executed by the queue.
type Task func(ctx context.Context) (any, error)

// TaskOptions configures one enqueued task.
type TaskOptions struct {
	// RequestID deduplicates deliveries: a duplicate joins the in-flight
	// task or receives the cached result of a completed one.
	RequestID string
	// WarnAfter logs and calls OnWait when the task is still queued.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// Config configures a CommandQueue.
type Config struct {
	// MaxWorkers caps tasks running across all lanes. Zero means unbounded.
	MaxWorkers int
	// DedupTTL is how long completed results are kept for RequestID lookups.
	DedupTTL time.Duration
	Logger   zerolog.Logger
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

// EventHandler handles queue events.
type EventHandler func(event Event)

// Event types.
const (
	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
	EventDeduped   = "deduped"
)

// Event describes queue activity.
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]any
}

// CommandQueue runs tasks in named lanes. Tasks in one lane run in FIFO
// order up to the lane's concurrency; lanes run in parallel up to the
// global worker cap.
type CommandQueue struct {
	cfg    Config
	logger zerolog.Logger

	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	slots     chan struct{}
	dedup     *dedupCache

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a CommandQueue.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		cfg:           cfg,
		logger:        cfg.Logger.With().Str("component", "commandqueue").Logger(),
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		dedup:         newDedupCache(ctx, cfg.DedupTTL),
		eventHandlers: make(map[string][]EventHandler),
	}
	if cfg.MaxWorkers > 0 {
		cq.slots = make(chan struct{}, cfg.MaxWorkers)
	}
	return cq
}

// ThreadLane is the lane that serializes runs of one thread.
func ThreadLane(threadID string) string {
	return "thread-" + threadID
}

func (cq *CommandQueue) initLane(lane string, concurrency int) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{
			concurrency: concurrency,
			activeIDs:   make(map[string]bool),
		}
		cq.lanes[lane] = ls
		cq.logger.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	}
	return ls
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[name]
	cq.mu.RUnlock()
	if exists {
		return ls
	}
	return cq.initLane(name, 1)
}

// Enqueue adds task to lane and waits for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cq.ctx.Err() != nil {
		return nil, ErrClosed
	}
	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	ctx, span := tracing.StartSpan(ctx, "agentcore.commandqueue", "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, cq.logger).With().Str("lane", lane).Logger()

	if opts.RequestID != "" {
		fl, leader := cq.dedup.Acquire(opts.RequestID)
		if !leader {
			observability.RecordDedup("queue", "joined")
			logger.Info().Str("request_id", opts.RequestID).Msg("Duplicate request joined existing task")
			cq.emit(Event{Type: EventDeduped, Lane: lane, Data: map[string]any{"request_id": opts.RequestID}})
			res := fl.Wait()
			return res.value, res.err
		}
		observability.RecordDedup("queue", "miss")
		res := cq.run(ctx, lane, task, opts, logger)
		fl.res = res
		cq.dedup.Complete(opts.RequestID, fl)
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		return res.value, res.err
	}

	res := cq.run(ctx, lane, task, opts, logger)
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.value, res.err
}

// Submit enqueues task without waiting. onDone, when set, receives the result.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions, onDone func(any, error)) {
	go func() {
		value, err := cq.Enqueue(ctx, lane, task, options)
		if onDone != nil {
			onDone(value, err)
		}
	}()
}

func (cq *CommandQueue) run(ctx context.Context, lane string, task Task, opts TaskOptions, logger zerolog.Logger) taskResult {
	ls := cq.lane(lane)

	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().Str("task_id", taskID).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)
	cq.emit(Event{Type: EventEnqueued, Lane: lane, TaskID: taskID, Data: map[string]any{"queue_size": queueSize}})

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane)
	}
	go cq.processLane(lane)

	return <-record.result
}

func (cq *CommandQueue) acquireSlot() bool {
	if cq.slots == nil {
		return true
	}
	select {
	case cq.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (cq *CommandQueue) releaseSlot() {
	if cq.slots != nil {
		<-cq.slots
	}
}

func (cq *CommandQueue) processLane(lane string) {
	cq.mu.RLock()
	ls, ok := cq.lanes[lane]
	cq.mu.RUnlock()
	if !ok {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		if record.generation != ls.generation {
			ls.queue = ls.queue[1:]
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}
		if !cq.acquireSlot() {
			return
		}
		ls.queue = ls.queue[1:]
		ls.running++
		ls.activeIDs[record.id] = true

		cq.logger.Debug().Str("lane", lane).Str("task_id", record.id).Int("running", ls.running).Msg("Task started")

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

// processAll gives every lane with queued work a chance at a freed slot.
func (cq *CommandQueue) processAll() {
	cq.mu.RLock()
	names := make([]string, 0, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		if len(ls.queue) > 0 {
			names = append(names, name)
		}
		ls.mu.Unlock()
	}
	cq.mu.RUnlock()
	for _, name := range names {
		cq.processLane(name)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "agentcore.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, cq.logger).With().Str("lane", lane).Str("task_id", record.id).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := safeRun(runCtx, record.task)
	duration := time.Since(start)

	stopCancel()
	cancel()

	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.releaseSlot()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	cq.emit(Event{
		Type:   EventCompleted,
		Lane:   lane,
		TaskID: record.id,
		Data:   map[string]any{"duration_ms": duration.Milliseconds(), "success": err == nil},
	})

	go cq.processAll()
}

func safeRun(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls := cq.lane(lane)
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			cq.logger.Warn().Str("lane", lane).Str("task_id", record.id).Dur("wait", wait).Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")
			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-cq.ctx.Done():
	}
}

// QueueSize returns the number of queued tasks for a lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of executing tasks for a lane.
func (cq *CommandQueue) RunningCount(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Stats returns a snapshot of every lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects every queued task of lane with ErrLaneCleared.
func (cq *CommandQueue) ClearLane(lane string) int {
	return cq.dropQueued(lane, ErrLaneCleared, false)
}

// ResetLane starts a new generation: queued tasks fail with ErrLaneReset.
func (cq *CommandQueue) ResetLane(lane string) {
	cq.dropQueued(lane, ErrLaneReset, true)
}

func (cq *CommandQueue) dropQueued(lane string, reason error, bump bool) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if bump {
		ls.generation++
	}
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: reason}
	}
	ls.queue = nil

	cq.logger.Info().Str("lane", lane).Int("dropped", count).Int("generation", ls.generation).Msg(reason.Error())
	observability.SetQueueSize(lane, 0)
	return count
}

// SetConcurrency updates the concurrency limit for a lane.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	cq.logger.Info().Str("lane", lane).Int("old_max", oldMax).Int("new_max", concurrency).Msg("Lane concurrency updated")
	if concurrency > oldMax {
		go cq.processLane(lane)
	}
}

// WaitForActive waits until no task is running or the timeout elapses.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 {
				drained = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}

// On registers an event handler for an event type.
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes every handler of an event type.
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()
	for _, handler := range handlers {
		handler(event)
	}
}
