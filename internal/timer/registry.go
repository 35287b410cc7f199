// ABOUTME: Tracked timer registry with labels and bulk-cancel on shutdown.
// ABOUTME: Wraps callbacks so firing removes the entry before the callback runs.
package timer

import (
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"
)

// Kind distinguishes a one-shot timeout from a repeating interval.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindInterval Kind = "interval"
)

// Entry describes a registered timer as returned by List.
type Entry struct {
	ID        string
	Kind      Kind
	Label     string
	DelayMs   int64
	CreatedAt time.Time
}

// Stats reports lifetime counters for the registry.
type Stats struct {
	Created   int64
	Fired     int64
	Cancelled int64
	Size      int
}

type entry struct {
	id        string
	kind      Kind
	label     string
	delayMs   int64
	createdAt time.Time
	stop      func() bool
}

// Registry tracks every timeout/interval created through it so that callers
// can enumerate, cancel-by-label, or bulk-cancel on shutdown.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	counter uint64
	logger  *slog.Logger

	created   int64
	fired     int64
	cancelled int64
}

// New creates an empty timer registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "timer"),
	}
}

func (r *Registry) nextID(label string) string {
	n := atomic.AddUint64(&r.counter, 1)
	if label == "" {
		label = "timer"
	}
	return fmt.Sprintf("%s-%d", label, n)
}

// CreateTimeout schedules cb to run once after delayMs milliseconds. The
// entry is removed from the registry before cb runs; a panic inside cb is
// caught and logged, never propagated.
func (r *Registry) CreateTimeout(cb func(), delayMs int64, label string) string {
	id := r.nextID(label)
	r.mu.Lock()
	t := time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		r.fire(id, cb)
	})
	r.entries[id] = &entry{
		id:        id,
		kind:      KindTimeout,
		label:     label,
		delayMs:   delayMs,
		createdAt: time.Now(),
		stop:      t.Stop,
	}
	atomic.AddInt64(&r.created, 1)
	r.mu.Unlock()
	return id
}

// CreateInterval schedules cb to run every periodMs milliseconds until
// Clear/ClearAll/ClearByLabel removes it. Panics inside cb are caught and
// logged; the interval keeps running on its schedule.
func (r *Registry) CreateInterval(cb func(), periodMs int64, label string) string {
	id := r.nextID(label)
	ticker := time.NewTicker(time.Duration(periodMs) * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				r.runProtected(cb)
			case <-done:
				return
			}
		}
	}()

	stop := func() bool {
		ticker.Stop()
		close(done)
		return true
	}

	r.mu.Lock()
	r.entries[id] = &entry{
		id:        id,
		kind:      KindInterval,
		label:     label,
		delayMs:   periodMs,
		createdAt: time.Now(),
		stop:      stop,
	}
	atomic.AddInt64(&r.created, 1)
	r.mu.Unlock()
	return id
}

func (r *Registry) fire(id string, cb func()) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		// already cleared concurrently; do not run.
		return
	}
	atomic.AddInt64(&r.fired, 1)
	r.runProtected(cb)
}

func (r *Registry) runProtected(cb func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("timer callback panicked", "panic", rec)
		}
	}()
	cb()
}

// Clear cancels a single timer by id. Returns false if the id is unknown
// (ErrUnknownTimer is the recoverable case named in the spec — Clear never
// returns an error, only this boolean).
func (r *Registry) Clear(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	e.stop()
	atomic.AddInt64(&r.cancelled, 1)
	return true
}

// ClearAll cancels every registered timer and returns the count cleared.
// Idempotent: a second call returns 0.
func (r *Registry) ClearAll() int {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.stop()
	}
	atomic.AddInt64(&r.cancelled, int64(len(entries)))
	return len(entries)
}

// ClearByLabel cancels every timer whose label matches the glob pattern and
// returns the count cleared.
func (r *Registry) ClearByLabel(pattern string) int {
	r.mu.Lock()
	var matched []*entry
	for id, e := range r.entries {
		if ok, _ := path.Match(pattern, e.label); ok {
			matched = append(matched, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range matched {
		e.stop()
	}
	atomic.AddInt64(&r.cancelled, int64(len(matched)))
	return len(matched)
}

// List returns a snapshot of all currently registered timers.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Entry{
			ID:        e.id,
			Kind:      e.kind,
			Label:     e.label,
			DelayMs:   e.delayMs,
			CreatedAt: e.createdAt,
		})
	}
	return out
}

// Stats reports lifetime counters. Size = Created - Fired - Cancelled,
// the universal invariant the spec pins for the timer registry.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	size := len(r.entries)
	r.mu.Unlock()
	return Stats{
		Created:   atomic.LoadInt64(&r.created),
		Fired:     atomic.LoadInt64(&r.fired),
		Cancelled: atomic.LoadInt64(&r.cancelled),
		Size:      size,
	}
}
