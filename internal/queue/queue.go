// ABOUTME: Priority-aware task queue: named lanes with concurrency caps and
// ABOUTME: per-session lanes with strict serialization and a global session cap.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority buckets, lowest-numbered runs first.
type Priority int

const (
	Urgent     Priority = 0
	Normal     Priority = 1
	Background Priority = 2
	numBuckets          = 3
)

// TaskFunc is the opaque callable the queue schedules. Its result (or
// error) settles the future returned by the enqueue call.
type TaskFunc func(ctx context.Context) (any, error)

// Result is what the future returned by an enqueue call resolves with.
type Result struct {
	Value any
	Err   error
}

// EnqueueOptions configures a single enqueue call.
type EnqueueOptions struct {
	Priority    Priority
	WarnAfterMs int64
	OnWait      func(waitedMs int64, remainingQueued int)
}

type taskEntry struct {
	id          string
	task        TaskFunc
	priority    Priority
	enqueuedAt  time.Time
	warnAfterMs int64
	onWait      func(waitedMs int64, remainingQueued int)
	resultCh    chan Result
}

type namedLane struct {
	name          string
	buckets       [numBuckets][]*taskEntry
	active        int
	maxConcurrent int
}

func (l *namedLane) queuedCount() int {
	n := 0
	for _, b := range l.buckets {
		n += len(b)
	}
	return n
}

type sessionLane struct {
	key    string
	queue  []*taskEntry
	active bool
}

// Stats is the snapshot returned by GetQueueStats.
type Stats struct {
	Lanes      map[string]LaneStats
	Sessions   SessionStats
	ByPriority PriorityStats
}

// LaneStats describes a single named lane.
type LaneStats struct {
	Queued        int
	Active        int
	MaxConcurrent int
}

// SessionStats describes the session-lane subsystem as a whole.
type SessionStats struct {
	Total         int
	Active        int
	MaxConcurrent int
}

// PriorityStats counts queued work across both named and session lanes.
type PriorityStats struct {
	Urgent     int
	Normal     int
	Background int
}

// Queue implements §4.C: named lanes plus per-session lanes sharing the
// priority-bucket discipline. A single mutex serializes access to all
// lane/session state, standing in for the spec's single-threaded model on a
// runtime with real goroutines.
type Queue struct {
	mu                    sync.Mutex
	lanes                 map[string]*namedLane
	sessions              map[string]*sessionLane
	activeSessions        int
	maxConcurrentSessions int
	activeNamedTaskIDs    map[string]struct{}
	logger                *slog.Logger
}

// Config supplies the global session cap and per-lane concurrency
// overrides (e.g. cron.maxConcurrentRuns -> lanes["cron"]).
type Config struct {
	MaxConcurrentSessions int
	LaneConcurrency       map[string]int
}

// New creates a queue. A MaxConcurrentSessions below 1 is replaced by the
// default of 16.
func New(cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentSessions < 1 {
		cfg.MaxConcurrentSessions = 16
	}
	q := &Queue{
		lanes:                 make(map[string]*namedLane),
		sessions:              make(map[string]*sessionLane),
		maxConcurrentSessions: cfg.MaxConcurrentSessions,
		activeNamedTaskIDs:    make(map[string]struct{}),
		logger:                logger.With("component", "queue"),
	}
	for name, max := range cfg.LaneConcurrency {
		q.lanes[name] = &namedLane{name: name, maxConcurrent: max}
	}
	return q
}

func isProbeLaneName(name string) bool {
	if strings.HasPrefix(name, "auth-probe:") {
		return true
	}
	ok, _ := path.Match("session:probe-*", name)
	return ok
}

// EnqueueNamed places task into laneName's bucket for opts.Priority. The
// lane is created on first use with maxConcurrent=1 unless a concurrency
// override was supplied at construction.
func (q *Queue) EnqueueNamed(laneName string, task TaskFunc, opts EnqueueOptions) <-chan Result {
	resultCh := make(chan Result, 1)
	e := &taskEntry{
		id:          uuid.NewString(),
		task:        task,
		priority:    opts.Priority,
		enqueuedAt:  time.Now(),
		warnAfterMs: opts.WarnAfterMs,
		onWait:      opts.OnWait,
		resultCh:    resultCh,
	}

	q.mu.Lock()
	l, ok := q.lanes[laneName]
	if !ok {
		l = &namedLane{name: laneName, maxConcurrent: 1}
		q.lanes[laneName] = l
	}
	l.buckets[e.priority] = append(l.buckets[e.priority], e)
	q.pumpNamedLocked(l)
	q.mu.Unlock()

	return resultCh
}

// pumpNamedLocked must be called with q.mu held. It dequeues and launches
// work while the lane has capacity, always in strict priority order with
// FIFO-per-bucket among entries of equal priority.
func (q *Queue) pumpNamedLocked(l *namedLane) {
	for l.active < l.maxConcurrent {
		e := q.dequeueNamedLocked(l)
		if e == nil {
			return
		}

		waitedMs := time.Since(e.enqueuedAt).Milliseconds()
		if e.warnAfterMs > 0 && waitedMs >= e.warnAfterMs {
			remaining := l.queuedCount()
			probe := isProbeLaneName(l.name)
			if e.onWait != nil {
				e.onWait(waitedMs, remaining)
			}
			if !probe {
				q.logger.Warn("named lane task waited past warn threshold",
					"lane", l.name, "waited_ms", waitedMs, "remaining", remaining)
			}
		}

		l.active++
		q.activeNamedTaskIDs[e.id] = struct{}{}
		go q.runNamed(l, e)
	}
}

func (q *Queue) dequeueNamedLocked(l *namedLane) *taskEntry {
	for p := 0; p < numBuckets; p++ {
		if len(l.buckets[p]) > 0 {
			e := l.buckets[p][0]
			l.buckets[p] = l.buckets[p][1:]
			return e
		}
	}
	return nil
}

func (q *Queue) runNamed(l *namedLane, e *taskEntry) {
	res := q.safeRun(e.task, l.name)
	e.resultCh <- res
	close(e.resultCh)

	q.mu.Lock()
	l.active--
	delete(q.activeNamedTaskIDs, e.id)
	q.pumpNamedLocked(l)
	q.mu.Unlock()
}

// EnqueueSession inserts task into sessionKey's priority-ordered queue and
// triggers the session-drain routine. At most one task per session lane
// executes concurrently, and sessions activate only while the global
// active-session count is below maxConcurrentSessions.
func (q *Queue) EnqueueSession(sessionKey string, task TaskFunc, opts EnqueueOptions) <-chan Result {
	resultCh := make(chan Result, 1)
	e := &taskEntry{
		id:          uuid.NewString(),
		task:        task,
		priority:    opts.Priority,
		enqueuedAt:  time.Now(),
		warnAfterMs: opts.WarnAfterMs,
		onWait:      opts.OnWait,
		resultCh:    resultCh,
	}

	q.mu.Lock()
	s, ok := q.sessions[sessionKey]
	if !ok {
		s = &sessionLane{key: sessionKey}
		q.sessions[sessionKey] = s
	}
	insertByPriority(s, e)
	q.drainSessionLocked(s)
	q.mu.Unlock()

	return resultCh
}

// insertByPriority places e before the first queued entry whose priority is
// strictly lower (a larger numeric value) than e's; otherwise appends. Two
// entries of equal priority never trigger the early-stop, so same-priority
// arrivals always end up FIFO among themselves — this module's decision
// for the spec's open tie-break question.
func insertByPriority(s *sessionLane, e *taskEntry) {
	for i, existing := range s.queue {
		if existing.priority > e.priority {
			s.queue = append(s.queue[:i], append([]*taskEntry{e}, s.queue[i:]...)...)
			return
		}
	}
	s.queue = append(s.queue, e)
}

// drainSessionLocked must be called with q.mu held.
func (q *Queue) drainSessionLocked(s *sessionLane) {
	if s.active || len(s.queue) == 0 || q.activeSessions >= q.maxConcurrentSessions {
		return
	}

	e := s.queue[0]
	s.queue = s.queue[1:]

	waitedMs := time.Since(e.enqueuedAt).Milliseconds()
	if e.warnAfterMs > 0 && waitedMs >= e.warnAfterMs {
		probe := isProbeLaneName("session:" + s.key)
		if e.onWait != nil {
			e.onWait(waitedMs, len(s.queue))
		}
		if !probe {
			q.logger.Warn("session lane task waited past warn threshold",
				"session", s.key, "waited_ms", waitedMs, "remaining", len(s.queue))
		}
	}

	s.active = true
	q.activeSessions++
	go q.runSession(s, e)
}

func (q *Queue) runSession(s *sessionLane, e *taskEntry) {
	res := q.safeRun(e.task, "session:"+s.key)
	e.resultCh <- res
	close(e.resultCh)

	q.mu.Lock()
	s.active = false
	q.activeSessions--
	q.drainSessionLocked(s)
	// Fairness contract: scan all session lanes so a slot freed here can be
	// claimed by any idle session with pending work, not just s.
	q.scanAndActivateSessionsLocked()
	q.mu.Unlock()
}

func (q *Queue) scanAndActivateSessionsLocked() {
	for _, s := range q.sessions {
		if q.activeSessions >= q.maxConcurrentSessions {
			return
		}
		q.drainSessionLocked(s)
	}
}

func (q *Queue) safeRun(task TaskFunc, origin string) Result {
	var res Result
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				res = Result{Err: errorFromPanic(rec)}
				q.logger.Error("task panicked", "origin", origin, "panic", rec)
			}
		}()
		val, err := task(context.Background())
		if err != nil && !isProbeLaneName(origin) {
			q.logger.Error("task failed", "origin", origin, "err", err)
		}
		res = Result{Value: val, Err: err}
	}()
	return res
}

func errorFromPanic(rec any) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return errors.New("task panicked")
}

// GetQueueStats returns a point-in-time snapshot across named lanes,
// session lanes, and the priority-bucket breakdown of both.
func (q *Queue) GetQueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Lanes: make(map[string]LaneStats, len(q.lanes))}
	for name, l := range q.lanes {
		stats.Lanes[name] = LaneStats{
			Queued:        l.queuedCount(),
			Active:        l.active,
			MaxConcurrent: l.maxConcurrent,
		}
		stats.ByPriority.Urgent += len(l.buckets[Urgent])
		stats.ByPriority.Normal += len(l.buckets[Normal])
		stats.ByPriority.Background += len(l.buckets[Background])
	}

	activeSessions := 0
	for _, s := range q.sessions {
		if s.active {
			activeSessions++
		}
		for _, e := range s.queue {
			switch e.priority {
			case Urgent:
				stats.ByPriority.Urgent++
			case Normal:
				stats.ByPriority.Normal++
			case Background:
				stats.ByPriority.Background++
			}
		}
	}
	stats.Sessions = SessionStats{
		Total:         len(q.sessions),
		Active:        activeSessions,
		MaxConcurrent: q.maxConcurrentSessions,
	}
	return stats
}

// WaitForActiveTasks snapshots the task ids currently active across named
// lanes only (session-lane tasks are deliberately not waited on — see
// SPEC_FULL.md's Open Question decisions) and polls at ~250ms intervals
// until all snapshot members have finished or timeout elapses.
func (q *Queue) WaitForActiveTasks(timeout time.Duration) (drained bool) {
	q.mu.Lock()
	snapshot := make(map[string]struct{}, len(q.activeNamedTaskIDs))
	for id := range q.activeNamedTaskIDs {
		snapshot[id] = struct{}{}
	}
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return true
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		remaining := 0
		for id := range snapshot {
			if _, stillActive := q.activeNamedTaskIDs[id]; stillActive {
				remaining++
			}
		}
		q.mu.Unlock()

		if remaining == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}
