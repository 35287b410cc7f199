// ABOUTME: Parent-tracked child-run registry with event-driven completion,
// ABOUTME: disk persistence, archival sweep, and an announce-to-parent flow.
package subagent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-scheduler/internal/events"
)

// ErrUnknownRun is returned by operations that require an already
// registered run.
var ErrUnknownRun = errors.New("subagent: unknown run")

// CleanupPolicy decides what happens to a run's record once its completion
// has been announced to the parent.
type CleanupPolicy string

const (
	CleanupDelete CleanupPolicy = "delete"
	CleanupKeep   CleanupPolicy = "keep"
)

// OutcomeKind classifies how a run ended.
type OutcomeKind string

const (
	OutcomeOK      OutcomeKind = "ok"
	OutcomeError   OutcomeKind = "error"
	OutcomeTimeout OutcomeKind = "timeout"
)

// Outcome is set exactly once, when a run ends.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

// Record is the full persisted state of one subagent run (§3 Subagent Run
// Record). Field names are exported so yaml/json persistence round-trips
// without custom marshaling and tolerates unknown fields on read.
type Record struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     any
	RequesterDisplayKey string
	Task                string
	Cleanup             CleanupPolicy
	Label               string
	CreatedAt           time.Time
	StartedAt           time.Time
	EndedAt             *time.Time `json:",omitempty"`
	Outcome             *Outcome   `json:",omitempty"`
	ArchiveAt           *time.Time `json:",omitempty"`
	CleanupHandled      bool
	CleanupCompletedAt  *time.Time `json:",omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.Outcome != nil {
		o := *r.Outcome
		cp.Outcome = &o
	}
	if r.ArchiveAt != nil {
		t := *r.ArchiveAt
		cp.ArchiveAt = &t
	}
	if r.CleanupCompletedAt != nil {
		t := *r.CleanupCompletedAt
		cp.CleanupCompletedAt = &t
	}
	return &cp
}

// RegisterOptions is the argument to Register.
type RegisterOptions struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     any
	RequesterDisplayKey string
	Task                string
	Cleanup             CleanupPolicy
	Label               string
	RunTimeoutSeconds   int64
}

// AnnounceFlow delivers a completed subagent's outcome to its parent.
// waitForCompletion distinguishes a normal post-completion announce from
// the best-effort resume-on-init announce, which does not block startup.
type AnnounceFlow interface {
	Announce(ctx context.Context, rec *Record, waitForCompletion bool) (didAnnounce bool, err error)
}

// SessionStore deletes a child session's backing state during archival.
type SessionStore interface {
	Delete(ctx context.Context, sessionKey string, deleteTranscript bool) error
}

// PersistStore is the single-file persistence collaborator for §6: the
// entire runId->record map is serialized on every mutation.
type PersistStore interface {
	SaveAll(records map[string]*Record) error
	LoadAll() (map[string]*Record, error)
}

const announceTimeout = 120 * time.Second

// Registry implements §4.F.
type Registry struct {
	mu           sync.Mutex
	records      map[string]*Record
	waiters      map[string][]chan *Record
	bus          *events.Bus
	unsubscribe  func()
	announce     AnnounceFlow
	sessions     SessionStore
	store        PersistStore
	archiveAfter time.Duration
	sweepTimer   *time.Timer
	initialized  bool
	logger       *slog.Logger
}

// New creates a registry subscribed to bus. The event subscription is
// established immediately and lives for the registry's lifetime, per the
// spec's "the bus does not know about the registry's type" leaf-component
// design — the registry is the only side that knows the wiring exists.
func New(bus *events.Bus, announce AnnounceFlow, sessions SessionStore, store PersistStore, archiveAfter time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		records:      make(map[string]*Record),
		waiters:      make(map[string][]chan *Record),
		bus:          bus,
		announce:     announce,
		sessions:     sessions,
		store:        store,
		archiveAfter: archiveAfter,
		logger:       logger.With("component", "subagent"),
	}
	r.unsubscribe = bus.Subscribe(r.handleEvent)
	return r
}

// Close tears down the bus subscription and any pending sweep timer.
func (r *Registry) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.mu.Lock()
	if r.sweepTimer != nil {
		r.sweepTimer.Stop()
	}
	r.mu.Unlock()
}

// Register inserts a new run record and persists it.
func (r *Registry) Register(ctx context.Context, opts RegisterOptions) error {
	now := time.Now()
	rec := &Record{
		RunID:               opts.RunID,
		ChildSessionKey:     opts.ChildSessionKey,
		RequesterSessionKey: opts.RequesterSessionKey,
		RequesterOrigin:     opts.RequesterOrigin,
		RequesterDisplayKey: opts.RequesterDisplayKey,
		Task:                opts.Task,
		Cleanup:             opts.Cleanup,
		Label:               opts.Label,
		CreatedAt:           now,
		StartedAt:           now,
	}

	r.mu.Lock()
	r.records[rec.RunID] = rec
	r.persistLocked()
	r.mu.Unlock()
	return nil
}

// GetRun returns a copy of the current record for runID, if known.
func (r *Registry) GetRun(runID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[runID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// GetActiveForRequester returns copies of records for parentKey that have
// not yet ended.
func (r *Registry) GetActiveForRequester(parentKey string) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.RequesterSessionKey == parentKey && rec.EndedAt == nil {
			out = append(out, rec.clone())
		}
	}
	return out
}

// ListForRequester returns copies of all records (ended or not) for parentKey.
func (r *Registry) ListForRequester(parentKey string) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.RequesterSessionKey == parentKey {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Release force-removes a run's record, waking any waiters with nil. It is
// for administrative removal (e.g. an aborted registration), not for the
// normal completion path.
func (r *Registry) Release(runID string) error {
	r.mu.Lock()
	if _, ok := r.records[runID]; !ok {
		r.mu.Unlock()
		return ErrUnknownRun
	}
	delete(r.records, runID)
	waiters := r.waiters[runID]
	delete(r.waiters, runID)
	r.persistLocked()
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- nil
		close(ch)
	}
	return nil
}

// WaitForRun resolves immediately if the run has already ended or is
// unknown; otherwise it registers a waiter and a deadline timer. Multiple
// concurrent waiters on the same run all receive the same record.
func (r *Registry) WaitForRun(runID string, timeout time.Duration) *Record {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if rec.EndedAt != nil {
		r.mu.Unlock()
		return rec.clone()
	}

	ch := make(chan *Record, 1)
	r.waiters[runID] = append(r.waiters[runID], ch)
	r.mu.Unlock()

	select {
	case rec := <-ch:
		return rec
	case <-time.After(timeout):
		r.deregisterWaiter(runID, ch)
		return nil
	}
}

func (r *Registry) deregisterWaiter(runID string, target chan *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[runID]
	for i, ch := range list {
		if ch == target {
			r.waiters[runID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// handleEvent is the registry's bus subscription. It reacts to lifecycle
// events tagged with a known run id.
func (r *Registry) handleEvent(ev events.Event) {
	if ev.Stream != "lifecycle" || ev.RunID == "" {
		return
	}

	switch ev.Phase {
	case "start":
		r.mu.Lock()
		if rec, ok := r.records[ev.RunID]; ok && rec.EndedAt == nil {
			rec.StartedAt = time.Now()
			r.persistLocked()
		}
		r.mu.Unlock()
	case "end", "error":
		r.completeRun(ev.RunID, outcomeFromEvent(ev))
	}
}

func outcomeFromEvent(ev events.Event) Outcome {
	switch ev.Phase {
	case "error":
		msg := ""
		if s, ok := ev.Data.(string); ok {
			msg = s
		}
		return Outcome{Kind: OutcomeError, Message: msg}
	default:
		if aborted, ok := ev.Data.(bool); ok && aborted {
			return Outcome{Kind: OutcomeTimeout}
		}
		return Outcome{Kind: OutcomeOK}
	}
}

// completeRun sets EndedAt exactly once, notifies every waiter in
// registration order, emits a synthetic subagent_complete event targeting
// the parent session, and then attempts cleanup.
func (r *Registry) completeRun(runID string, outcome Outcome) {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok || rec.EndedAt != nil {
		r.mu.Unlock()
		return
	}

	now := time.Now()
	rec.EndedAt = &now
	rec.Outcome = &outcome
	r.persistLocked()

	waiters := r.waiters[runID]
	delete(r.waiters, runID)
	snapshot := rec.clone()
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- snapshot
		close(ch)
	}

	r.bus.Emit(events.Event{
		RunID:      runID,
		Stream:     "lifecycle",
		Phase:      "subagent_complete",
		SessionKey: rec.RequesterSessionKey,
		Data:       snapshot,
	})

	r.tryStartCleanup(runID)
}

// tryStartCleanup launches the announce flow exactly once per completion,
// guarded by CleanupHandled. If another call (or a resumed-on-init retry)
// already claimed it, this is a no-op.
func (r *Registry) tryStartCleanup(runID string) {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok || rec.CleanupHandled {
		r.mu.Unlock()
		return
	}
	rec.CleanupHandled = true
	r.persistLocked()
	r.mu.Unlock()

	go r.announceAndCleanup(runID, false)
}

func (r *Registry) announceAndCleanup(runID string, waitForCompletion bool) {
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	r.mu.Lock()
	rec, ok := r.records[runID]
	r.mu.Unlock()
	if !ok {
		return
	}

	didAnnounce, err := r.announce.Announce(ctx, rec.clone(), waitForCompletion)
	if err != nil {
		r.logger.Warn("announce flow returned error", "run_id", runID, "err", err)
	}

	r.mu.Lock()
	cur, ok := r.records[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if didAnnounce {
		r.applyCleanupPolicyLocked(cur)
	} else {
		// AnnounceFailed: reset CleanupHandled so the next wake retries.
		cur.CleanupHandled = false
	}
	r.persistLocked()
	r.mu.Unlock()
}

// applyCleanupPolicyLocked must be called with r.mu held.
func (r *Registry) applyCleanupPolicyLocked(rec *Record) {
	switch rec.Cleanup {
	case CleanupDelete:
		delete(r.records, rec.RunID)
	default: // CleanupKeep
		now := time.Now()
		rec.CleanupCompletedAt = &now
		archiveAt := now.Add(r.archiveAfter)
		rec.ArchiveAt = &archiveAt
		r.rescheduleSweepLocked()
	}
}

// rescheduleSweepLocked cancels the pending sweep timer and schedules a new
// one at max(1s, earliestArchiveAt-now), or leaves none scheduled if no
// record currently carries an ArchiveAt.
func (r *Registry) rescheduleSweepLocked() {
	if r.sweepTimer != nil {
		r.sweepTimer.Stop()
		r.sweepTimer = nil
	}

	var earliest *time.Time
	for _, rec := range r.records {
		if rec.ArchiveAt == nil {
			continue
		}
		if earliest == nil || rec.ArchiveAt.Before(*earliest) {
			earliest = rec.ArchiveAt
		}
	}
	if earliest == nil {
		return
	}

	delay := time.Until(*earliest)
	if delay < time.Second {
		delay = time.Second
	}
	r.sweepTimer = time.AfterFunc(delay, r.runSweep)
}

// runSweep removes every record whose ArchiveAt has passed, best-effort
// deletes the corresponding child session, persists, and reschedules.
func (r *Registry) runSweep() {
	r.mu.Lock()
	now := time.Now()
	var toArchive []*Record
	for _, rec := range r.records {
		if rec.ArchiveAt != nil && !rec.ArchiveAt.After(now) {
			toArchive = append(toArchive, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range toArchive {
		if r.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := r.sessions.Delete(ctx, rec.ChildSessionKey, true); err != nil {
				r.logger.Warn("archival session delete failed", "run_id", rec.RunID, "err", err)
			}
			cancel()
		}
	}

	r.mu.Lock()
	for _, rec := range toArchive {
		delete(r.records, rec.RunID)
	}
	r.persistLocked()
	r.rescheduleSweepLocked()
	r.mu.Unlock()
}

// Init loads any persisted records (at most once per process), merges them
// newer-wins, schedules the sweep, and resumes completed-but-uncleaned runs.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = true
	r.mu.Unlock()

	loaded, err := r.store.LoadAll()
	if err != nil {
		r.logger.Warn("restoring subagent registry failed, starting empty", "err", err)
		loaded = nil
	}

	r.mu.Lock()
	var toResume []string
	for runID, rec := range loaded {
		existing, ok := r.records[runID]
		if !ok || rec.CreatedAt.After(existing.CreatedAt) {
			r.records[runID] = rec
		}
		if cur := r.records[runID]; cur.EndedAt != nil && cur.CleanupCompletedAt == nil {
			// Claim cleanup so a concurrent completion event's
			// tryStartCleanup does not announce the same run again.
			cur.CleanupHandled = true
			toResume = append(toResume, runID)
		}
	}
	r.rescheduleSweepLocked()
	r.mu.Unlock()

	for _, runID := range toResume {
		go r.announceAndCleanup(runID, false)
	}
	return nil
}

// persistLocked must be called with r.mu held. It serializes the whole map
// on every mutation; failures are swallowed and logged — in-memory state
// wins until the next successful write.
func (r *Registry) persistLocked() {
	snapshot := make(map[string]*Record, len(r.records))
	for id, rec := range r.records {
		snapshot[id] = rec.clone()
	}
	if err := r.store.SaveAll(snapshot); err != nil {
		r.logger.Error("persisting subagent registry failed", "err", err)
	}
}
