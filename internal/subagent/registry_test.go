package subagent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-scheduler/internal/events"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newMemStore() *memStore { return &memStore{records: make(map[string]*Record)} }

func (m *memStore) SaveAll(records map[string]*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*Record, len(records))
	for k, v := range records {
		m.records[k] = v
	}
	return nil
}

func (m *memStore) LoadAll() (map[string]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Record, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

type stubAnnounce struct {
	didAnnounce atomic.Bool
	calls       atomic.Int32
}

func newStubAnnounce(didAnnounce bool) *stubAnnounce {
	s := &stubAnnounce{}
	s.didAnnounce.Store(didAnnounce)
	return s
}

func (s *stubAnnounce) Announce(ctx context.Context, rec *Record, waitForCompletion bool) (bool, error) {
	s.calls.Add(1)
	return s.didAnnounce.Load(), nil
}

type stubSessions struct{ deleted atomic.Int32 }

func (s *stubSessions) Delete(ctx context.Context, sessionKey string, deleteTranscript bool) error {
	s.deleted.Add(1)
	return nil
}

func newTestRegistry(announce AnnounceFlow) (*Registry, *events.Bus) {
	bus := events.New(nil)
	r := New(bus, announce, &stubSessions{}, newMemStore(), 50*time.Millisecond, nil)
	return r, bus
}

func TestRegistry_Register_CreatesRecord(t *testing.T) {
	r, _ := newTestRegistry(newStubAnnounce(true))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", Cleanup: CleanupKeep}))

	rec, ok := r.GetRun("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", rec.RunID)
	assert.Nil(t, rec.EndedAt)
}

func TestRegistry_CompletionFanOut_MultipleWaiters(t *testing.T) {
	r, bus := newTestRegistry(newStubAnnounce(true))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", RequesterSessionKey: "parent1", Cleanup: CleanupKeep}))

	var wg sync.WaitGroup
	results := make([]*Record, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.WaitForRun("r1", 5*time.Second)
		}(i)
	}
	time.Sleep(10 * time.Millisecond)

	var complete atomic.Bool
	bus.Subscribe(func(e events.Event) {
		if e.Phase == "subagent_complete" {
			complete.Store(true)
		}
	})

	bus.Emit(events.Event{RunID: "r1", Stream: "lifecycle", Phase: "end"})
	wg.Wait()

	for _, rec := range results {
		require.NotNil(t, rec)
		assert.Equal(t, OutcomeOK, rec.Outcome.Kind)
	}
	assert.Eventually(t, complete.Load, time.Second, 5*time.Millisecond)
}

func TestRegistry_WaitForRun_Timeout_ResolvesNil(t *testing.T) {
	r, _ := newTestRegistry(newStubAnnounce(true))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", Cleanup: CleanupKeep}))

	rec := r.WaitForRun("r1", 30*time.Millisecond)
	assert.Nil(t, rec)

	cur, ok := r.GetRun("r1")
	require.True(t, ok)
	assert.Nil(t, cur.EndedAt, "record remains with endedAt unset after waiter timeout")
}

func TestRegistry_WaitForRun_UnknownRun_ResolvesNil(t *testing.T) {
	r, _ := newTestRegistry(newStubAnnounce(true))
	rec := r.WaitForRun("does-not-exist", 10*time.Millisecond)
	assert.Nil(t, rec)
}

func TestRegistry_WaitForRun_AlreadyEnded_ResolvesImmediately(t *testing.T) {
	r, bus := newTestRegistry(newStubAnnounce(true))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", Cleanup: CleanupKeep}))
	bus.Emit(events.Event{RunID: "r1", Stream: "lifecycle", Phase: "end"})

	time.Sleep(10 * time.Millisecond)
	rec := r.WaitForRun("r1", time.Second)
	require.NotNil(t, rec)
	assert.NotNil(t, rec.EndedAt)
}

func TestRegistry_EndedAtSetExactlyOnce(t *testing.T) {
	r, bus := newTestRegistry(newStubAnnounce(true))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", Cleanup: CleanupKeep}))

	bus.Emit(events.Event{RunID: "r1", Stream: "lifecycle", Phase: "end"})
	bus.Emit(events.Event{RunID: "r1", Stream: "lifecycle", Phase: "error"})

	rec, _ := r.GetRun("r1")
	assert.Equal(t, OutcomeOK, rec.Outcome.Kind, "second end-like event must not overwrite the first outcome")
}

func TestRegistry_CleanupPolicy_Delete_RemovesRecord(t *testing.T) {
	r, bus := newTestRegistry(newStubAnnounce(true))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", Cleanup: CleanupDelete}))

	bus.Emit(events.Event{RunID: "r1", Stream: "lifecycle", Phase: "end"})

	assert.Eventually(t, func() bool {
		_, ok := r.GetRun("r1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_CleanupPolicy_Keep_ArchivesAfterSweep(t *testing.T) {
	r, bus := newTestRegistry(newStubAnnounce(true))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", ChildSessionKey: "child1", Cleanup: CleanupKeep}))

	bus.Emit(events.Event{RunID: "r1", Stream: "lifecycle", Phase: "end"})

	assert.Eventually(t, func() bool {
		rec, ok := r.GetRun("r1")
		return ok && rec.ArchiveAt != nil
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, ok := r.GetRun("r1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "archival sweep should remove the record once archiveAt passes")
}

func TestRegistry_AnnounceFailed_ResetsCleanupHandledForRetry(t *testing.T) {
	announce := newStubAnnounce(false)
	r, bus := newTestRegistry(announce)
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", Cleanup: CleanupKeep}))

	bus.Emit(events.Event{RunID: "r1", Stream: "lifecycle", Phase: "end"})

	assert.Eventually(t, func() bool {
		rec, ok := r.GetRun("r1")
		return ok && !rec.CleanupHandled
	}, time.Second, 5*time.Millisecond, "didAnnounce=false must clear cleanupHandled so a later wake retries")
}

func TestRegistry_GetActiveForRequester(t *testing.T) {
	r, bus := newTestRegistry(newStubAnnounce(true))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", RequesterSessionKey: "p1", Cleanup: CleanupKeep}))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r2", RequesterSessionKey: "p1", Cleanup: CleanupKeep}))
	bus.Emit(events.Event{RunID: "r1", Stream: "lifecycle", Phase: "end"})
	time.Sleep(10 * time.Millisecond)

	active := r.GetActiveForRequester("p1")
	require.Len(t, active, 1)
	assert.Equal(t, "r2", active[0].RunID)

	all := r.ListForRequester("p1")
	assert.Len(t, all, 2)
}

func TestRegistry_Release_RemovesRecordAndWakesWaiters(t *testing.T) {
	r, _ := newTestRegistry(newStubAnnounce(true))
	require.NoError(t, r.Register(context.Background(), RegisterOptions{RunID: "r1", Cleanup: CleanupKeep}))

	waitDone := make(chan *Record, 1)
	go func() { waitDone <- r.WaitForRun("r1", time.Second) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, r.Release("r1"))

	assert.Nil(t, <-waitDone)
	_, ok := r.GetRun("r1")
	assert.False(t, ok)
}

func TestRegistry_Release_UnknownRunReturnsError(t *testing.T) {
	r, _ := newTestRegistry(newStubAnnounce(true))
	err := r.Release("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestRegistry_PersistenceRoundTrip(t *testing.T) {
	store := newMemStore()
	bus := events.New(nil)
	r := New(bus, newStubAnnounce(true), &stubSessions{}, store, time.Hour, nil)
	require.NoError(t, r.Register(context.Background(), RegisterOptions{
		RunID: "r1", ChildSessionKey: "child1", RequesterSessionKey: "parent1",
		Task: "do the thing", Cleanup: CleanupKeep, Label: "lbl",
	}))

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	rec := loaded["r1"]
	require.NotNil(t, rec)
	assert.Equal(t, "child1", rec.ChildSessionKey)
	assert.Equal(t, "do the thing", rec.Task)
	assert.Equal(t, CleanupKeep, rec.Cleanup)
}

func TestRegistry_Init_ResumesEndedUncleanedRuns(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.records["r1"] = &Record{
		RunID: "r1", CreatedAt: now, StartedAt: now, EndedAt: &now,
		Outcome: &Outcome{Kind: OutcomeOK}, Cleanup: CleanupDelete,
	}

	announce := newStubAnnounce(true)
	bus := events.New(nil)
	r := New(bus, announce, &stubSessions{}, store, time.Hour, nil)
	require.NoError(t, r.Init(context.Background()))

	assert.Eventually(t, func() bool { return announce.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := r.GetRun("r1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
