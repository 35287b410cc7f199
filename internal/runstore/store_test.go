// ABOUTME: Tests for the SQLite-backed subagent run store.
// ABOUTME: Covers round-tripping, directory creation, and unknown-field tolerance.
package runstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-scheduler/internal/subagent"
)

func TestOpen_CreatesDirectoryAndFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "runs.db")

	s, err := Open(dbPath, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestSaveAllLoadAll_RoundTrips(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	ended := time.Now().Add(-time.Minute)
	records := map[string]*subagent.Record{
		"run-1": {
			RunID:               "run-1",
			ChildSessionKey:     "child:1",
			RequesterSessionKey: "parent:1",
			Task:                "summarize the thread",
			Cleanup:             subagent.CleanupKeep,
			CreatedAt:           time.Now().Add(-time.Hour),
			EndedAt:             &ended,
			Outcome:             &subagent.Outcome{Kind: subagent.OutcomeOK},
		},
		"run-2": {
			RunID:           "run-2",
			ChildSessionKey: "child:2",
			Cleanup:         subagent.CleanupDelete,
			CreatedAt:       time.Now(),
		},
	}

	require.NoError(t, s.SaveAll(records))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, records["run-1"].Task, loaded["run-1"].Task)
	assert.Equal(t, subagent.OutcomeOK, loaded["run-1"].Outcome.Kind)
	assert.Equal(t, subagent.CleanupDelete, loaded["run-2"].Cleanup)
}

func TestSaveAll_ReplacesPreviousContents(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveAll(map[string]*subagent.Record{
		"stale": {RunID: "stale", CreatedAt: time.Now()},
	}))
	require.NoError(t, s.SaveAll(map[string]*subagent.Record{
		"fresh": {RunID: "fresh", CreatedAt: time.Now()},
	}))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
	_, hasFresh := loaded["fresh"]
	assert.True(t, hasFresh)
}

func TestLoadAll_SkipsUnparseableRows(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec(
		`INSERT INTO subagent_runs (run_id, record_json, updated_at) VALUES (?, ?, datetime('now'))`,
		"broken", "{not json",
	)
	require.NoError(t, err)
	okBlob, err := json.Marshal(&subagent.Record{RunID: "ok", CreatedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.db.Exec(
		`INSERT INTO subagent_runs (run_id, record_json, updated_at) VALUES (?, ?, datetime('now'))`,
		"ok", string(okBlob),
	)
	require.NoError(t, err)

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	_, hasBroken := loaded["broken"]
	assert.False(t, hasBroken)
	_, hasOK := loaded["ok"]
	assert.True(t, hasOK)
}
