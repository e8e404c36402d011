// Package queue is the prompt scheduler. It admits work, orders it strictly
// by (priority, enqueue time, id), paces admission with a token bucket,
// bounds handler concurrency, retries retryable failures with exponential
// backoff, and signals completion per item.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hydraproject/hydra/internal/fault"
	"github.com/hydraproject/hydra/internal/tracing"
)

// Handler turns a dequeued item into a response text. It is the seam where
// cache, speculative executor, and backend are composed.
type Handler func(ctx context.Context, prompt, model string, metadata map[string]string) (string, error)

// Config tunes the scheduler.
type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	BucketCapacity int     // admission tokens; negative disables pacing
	RefillPerSec   float64 // tokens per second
	Retry          RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.BucketCapacity == 0 {
		c.BucketCapacity = 10
	}
	if c.RefillPerSec == 0 {
		c.RefillPerSec = 2
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Scheduler owns every queue item for its lifetime. All item state is
// guarded by mu; the dispatch loop is a single goroutine so ordering
// decisions are serialized.
type Scheduler struct {
	cfg    Config
	bucket *bucket

	mu        sync.Mutex
	cond      *sync.Cond
	handler   Handler
	ready     [priorityLevels][]*item
	items     map[int64]*item
	nextID    int64
	running   int
	paused    bool
	closed    bool
	observers []Observer

	completed int64
	failed    int64
	retried   int64
	cancelled int64
	failKinds map[string]int64
	latency   latencyWindow

	baseCtx    context.Context
	baseCancel context.CancelFunc
	loopDone   chan struct{}
	workers    sync.WaitGroup
	startedAt  time.Time
}

// New builds a Scheduler and starts its dispatch loop. Set a handler before
// enqueueing work.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:       cfg,
		bucket:    newBucket(cfg.BucketCapacity, cfg.RefillPerSec),
		items:     make(map[int64]*item),
		failKinds: make(map[string]int64),
		loopDone:  make(chan struct{}),
		startedAt: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	go s.loop()
	return s
}

// SetHandler installs the function that executes dequeued items.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Subscribe registers an observer for lifecycle events.
func (s *Scheduler) Subscribe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// SetRateLimit replaces the admission bucket, for config hot-reload. The
// new bucket starts full; a dispatch already waiting on the old bucket
// keeps its pacing for that one admission.
func (s *Scheduler) SetRateLimit(capacity int, refillPerSec float64) {
	s.mu.Lock()
	s.bucket = newBucket(capacity, refillPerSec)
	s.mu.Unlock()
	log.Info().Int("capacity", capacity).Float64("refill_per_sec", refillPerSec).Msg("queue rate limit updated")
}

// Enqueue admits one item and returns its id. An unset priority defaults
// to NORMAL.
func (s *Scheduler) Enqueue(req Request) (int64, error) {
	if req.Prompt == "" {
		return 0, fault.Validation("prompt must not be empty")
	}
	if req.Priority == 0 {
		req.Priority = PriorityNormal
	}
	if !req.Priority.Valid() {
		return 0, fault.Validation("invalid priority %d", req.Priority)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fault.Shutdown()
	}
	s.nextID++
	it := &item{
		id:         s.nextID,
		prompt:     req.Prompt,
		model:      req.Model,
		priority:   req.Priority,
		metadata:   req.Metadata,
		timeout:    req.Timeout,
		enqueuedAt: time.Now(),
		state:      StateQueued,
		done:       make(chan struct{}),
	}
	s.items[it.id] = it
	s.insertReady(it)
	s.mu.Unlock()
	s.cond.Signal()

	log.Debug().Int64("id", it.id).Str("priority", it.priority.String()).Msg("item enqueued")
	return it.id, nil
}

// EnqueueBatch admits items in order, returning the ids assigned so far
// alongside the first admission error.
func (s *Scheduler) EnqueueBatch(reqs []Request) ([]int64, error) {
	ids := make([]int64, 0, len(reqs))
	for _, req := range reqs {
		id, err := s.Enqueue(req)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cancel stops an item. A QUEUED item is removed outright; a RUNNING item
// has its handler context cancelled and is finalized as CANCELLED without
// waiting for the handler to unwind. Terminal items return false.
func (s *Scheduler) Cancel(id int64) bool {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok || it.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	switch it.state {
	case StateQueued:
		s.removeReady(it)
	case StateRunning:
		if it.cancelRun != nil {
			it.cancelRun()
		}
	}
	it.state = StateCancelled
	it.err = fault.Cancelled(nil)
	it.completedAt = time.Now()
	s.cancelled++
	close(it.done)
	ev := Event{Type: EventCancelled, Item: it.snapshot(), Attempt: it.attempts}
	s.mu.Unlock()

	s.emit(ev)
	log.Debug().Int64("id", id).Msg("item cancelled")
	return true
}

// CancelAll cancels every non-terminal item and returns their ids.
func (s *Scheduler) CancelAll() []int64 {
	s.mu.Lock()
	pending := make([]int64, 0, len(s.items))
	for id, it := range s.items {
		if !it.state.Terminal() {
			pending = append(pending, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	cancelled := pending[:0]
	for _, id := range pending {
		if s.Cancel(id) {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// Pause stops new attempts from starting. Running attempts finish, retry
// delay timers keep ticking, and Enqueue/Cancel stay available.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	log.Info().Msg("scheduler paused")
}

// Resume lifts a pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Broadcast()
	log.Info().Msg("scheduler resumed")
}

// Get returns a snapshot of one item.
func (s *Scheduler) Get(id int64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Snapshot{}, fault.Validation("unknown item %d", id)
	}
	return it.snapshot(), nil
}

// WaitFor blocks until the item reaches a terminal state or timeout
// elapses. On timeout the item is left untouched and the error kind is
// wait_timeout. A non-positive timeout waits indefinitely. Concurrent
// waiters all observe the terminal snapshot.
func (s *Scheduler) WaitFor(id int64, timeout time.Duration) (Snapshot, error) {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, fault.Validation("unknown item %d", id)
	}
	done := it.done
	s.mu.Unlock()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			return Snapshot{}, fault.WaitTimeout(id)
		}
	} else {
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return it.snapshot(), nil
}

// statusListCap truncates the per-state item lists in Status.
const statusListCap = 20

// Status is the aggregate scheduler view.
type Status struct {
	Counts          map[State]int    `json:"counts"`
	QueuedItems     []Snapshot       `json:"queued_items"`
	RunningItems    []Snapshot       `json:"running_items"`
	Completed       int64            `json:"completed"`
	Failed          int64            `json:"failed"`
	Retried         int64            `json:"retried"`
	Cancelled       int64            `json:"cancelled"`
	FailuresByKind  map[string]int64 `json:"failures_by_kind"`
	Latency         LatencyStats     `json:"latency"`
	TokensRemaining float64          `json:"tokens_remaining"`
	ActiveHandlers  int              `json:"active_handlers"`
	Paused          bool             `json:"paused"`
	UptimeSeconds   float64          `json:"uptime_seconds"`
}

// Status returns aggregate counts, truncated per-state lists, and rolling
// latency stats.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Counts:          make(map[State]int),
		FailuresByKind:  make(map[string]int64, len(s.failKinds)),
		Completed:       s.completed,
		Failed:          s.failed,
		Retried:         s.retried,
		Cancelled:       s.cancelled,
		ActiveHandlers:  s.running,
		Paused:          s.paused,
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
	}
	for k, v := range s.failKinds {
		st.FailuresByKind[k] = v
	}
	for _, it := range s.items {
		st.Counts[it.state]++
		switch it.state {
		case StateQueued:
			if len(st.QueuedItems) < statusListCap {
				st.QueuedItems = append(st.QueuedItems, it.snapshot())
			}
		case StateRunning:
			if len(st.RunningItems) < statusListCap {
				st.RunningItems = append(st.RunningItems, it.snapshot())
			}
		}
	}
	b := s.bucket
	s.mu.Unlock()

	st.Latency = s.latency.stats()
	st.TokensRemaining = b.remaining()
	return st
}

// Shutdown stops admission and the dispatch loop, then waits for running
// handlers. When ctx expires first, in-flight handlers are aborted. QUEUED
// items that will never run, including retries still in their delay, are
// failed with the shutdown kind so their waiters unblock.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.loopDone
		return nil
	}
	s.closed = true
	now := time.Now()
	var evs []Event
	for _, it := range s.items {
		if it.state != StateQueued {
			continue
		}
		s.removeReady(it)
		it.state = StateFailed
		it.err = fault.Shutdown()
		it.completedAt = now
		s.failed++
		s.failKinds[string(fault.KindShutdown)]++
		close(it.done)
		evs = append(evs, Event{Type: EventFailed, Item: it.snapshot(), Attempt: it.attempts})
	}
	s.mu.Unlock()
	s.cond.Broadcast()
	for _, ev := range evs {
		s.emit(ev)
	}

	idle := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(idle)
	}()

	var forced error
	select {
	case <-idle:
	case <-ctx.Done():
		forced = ctx.Err()
		s.baseCancel()
		<-idle
	}
	s.baseCancel()
	<-s.loopDone
	log.Info().Msg("scheduler stopped")
	return forced
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// loop is the single dispatcher: it pays the admission token and only then
// pops an item, so work that arrives or outranks the queue during a token
// wait or a pause is still admitted in strict (priority, enqueue time, id)
// order. Rate-limit waits happen outside both the lock and the item's own
// timeout.
func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		s.mu.Lock()
		for !s.closed && (s.paused || s.running >= s.cfg.MaxConcurrent || !s.hasReady()) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		b := s.bucket
		s.mu.Unlock()

		if err := b.take(s.baseCtx); err != nil {
			return
		}

		// Conditions may have shifted during the token wait: a pause, a
		// cancellation of the only ready item, a higher-priority arrival.
		// Re-check before committing the token to an item.
		s.mu.Lock()
		for !s.closed && (s.paused || s.running >= s.cfg.MaxConcurrent || !s.hasReady()) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		it := s.popNext()
		it.state = StateRunning
		it.attempts++
		if it.startedAt.IsZero() {
			it.startedAt = time.Now()
		}
		runCtx, cancel := context.WithCancel(s.baseCtx)
		it.cancelRun = cancel
		s.running++
		s.workers.Add(1)
		s.mu.Unlock()

		go s.run(runCtx, it)
	}
}

// run executes one attempt and finalizes the item.
func (s *Scheduler) run(ctx context.Context, it *item) {
	defer s.workers.Done()

	timeout := it.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	attemptCtx, cancelAttempt := context.WithTimeout(ctx, timeout)
	defer cancelAttempt()

	s.mu.Lock()
	attempt := it.attempts
	handler := s.handler
	s.mu.Unlock()

	spanCtx, span := tracing.StartQueueAttemptSpan(attemptCtx, it.id, attempt, it.priority.String())

	var text string
	var err error
	if handler == nil {
		err = fault.Internal(errors.New("no handler configured"))
	} else {
		text, err = handler(spanCtx, it.prompt, it.model, it.metadata)
	}
	if err != nil {
		tracing.RecordError(spanCtx, err)
	}
	span.End()

	// Classify bare context errors from handlers that bypass the backend
	// adapter.
	var fe *fault.Error
	if err != nil && !errors.As(err, &fe) {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = fault.BackendTimeout(err)
		case errors.Is(err, context.Canceled):
			err = fault.Cancelled(err)
		}
	}

	s.finish(it, text, err)

	s.mu.Lock()
	s.running--
	s.mu.Unlock()
	s.cond.Broadcast()
}

// finish applies the attempt outcome. Cancelled items were already
// finalized by Cancel; their late handler results are discarded.
func (s *Scheduler) finish(it *item, text string, err error) {
	now := time.Now()
	s.mu.Lock()
	if it.state != StateRunning {
		s.mu.Unlock()
		return
	}
	it.cancelRun = nil

	var ev Event
	switch {
	case err == nil:
		it.state = StateCompleted
		it.response = text
		it.completedAt = now
		s.completed++
		s.latency.record(now.Sub(it.enqueuedAt))
		close(it.done)
		ev = Event{Type: EventCompleted, Item: it.snapshot(), Attempt: it.attempts}

	case fault.IsKind(err, fault.KindCancelled):
		it.state = StateCancelled
		it.err = err
		it.completedAt = now
		s.cancelled++
		close(it.done)
		ev = Event{Type: EventCancelled, Item: it.snapshot(), Attempt: it.attempts}

	case !s.closed && s.cfg.Retry.ShouldRetry(err, it.attempts):
		it.state = StateQueued
		it.err = err
		delay := s.cfg.Retry.Delay(it.attempts, fault.RetryAfterOf(err))
		s.retried++
		ev = Event{Type: EventRetrying, Item: it.snapshot(), Attempt: it.attempts, Delay: delay}
		// The delay timer keeps ticking through a pause; the item re-enters
		// the ready list when it fires, keeping its original enqueue time
		// so it does not lose its place in the priority class.
		time.AfterFunc(delay, func() { s.readmit(it) })
		log.Debug().
			Int64("id", it.id).
			Int("attempt", it.attempts).
			Dur("delay", delay).
			Str("kind", string(fault.KindOf(err))).
			Msg("attempt failed, retrying")

	default:
		it.state = StateFailed
		it.err = err
		it.completedAt = now
		s.failed++
		s.failKinds[string(fault.KindOf(err))]++
		close(it.done)
		ev = Event{Type: EventFailed, Item: it.snapshot(), Attempt: it.attempts}
		log.Warn().Int64("id", it.id).Int("attempts", it.attempts).Err(err).Msg("item failed")
	}
	s.mu.Unlock()
	s.emit(ev)
}

// readmit puts a delayed retry back on the ready list, unless it was
// cancelled or the scheduler closed in the meantime.
func (s *Scheduler) readmit(it *item) {
	s.mu.Lock()
	if s.closed || it.state != StateQueued {
		s.mu.Unlock()
		return
	}
	s.insertReady(it)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Scheduler) emit(ev Event) {
	if ev.Type == "" {
		return
	}
	s.mu.Lock()
	obs := s.observers
	s.mu.Unlock()
	for _, o := range obs {
		o(ev)
	}
}

// ---------------------------------------------------------------------------
// Ready lists (caller holds mu)
// ---------------------------------------------------------------------------

func (s *Scheduler) hasReady() bool {
	for p := 0; p < priorityLevels; p++ {
		if len(s.ready[p]) > 0 {
			return true
		}
	}
	return false
}

func (s *Scheduler) popNext() *item {
	for p := 0; p < priorityLevels; p++ {
		if q := s.ready[p]; len(q) > 0 {
			it := q[0]
			s.ready[p] = q[1:]
			return it
		}
	}
	return nil
}

// insertReady places it by (enqueued_at, id) within its priority class, so
// readmitted retries regain their original position ahead of newer work.
func (s *Scheduler) insertReady(it *item) {
	q := s.ready[it.priority.index()]
	pos := sort.Search(len(q), func(i int) bool {
		if !q[i].enqueuedAt.Equal(it.enqueuedAt) {
			return q[i].enqueuedAt.After(it.enqueuedAt)
		}
		return q[i].id > it.id
	})
	q = append(q, nil)
	copy(q[pos+1:], q[pos:])
	q[pos] = it
	s.ready[it.priority.index()] = q
}

func (s *Scheduler) removeReady(it *item) {
	q := s.ready[it.priority.index()]
	for i, queued := range q {
		if queued.id == it.id {
			s.ready[it.priority.index()] = append(q[:i], q[i+1:]...)
			return
		}
	}
}
