package authcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	calls atomic.Int32
	fn    func(provider, profileID string) (any, string, error)
}

func (r *countingResolver) Resolve(ctx context.Context, provider, profileID string) (any, string, error) {
	r.calls.Add(1)
	if r.fn != nil {
		return r.fn(provider, profileID)
	}
	return "blob-" + provider + ":" + profileID, "test", nil
}

type staticProfiles struct {
	order    []string
	cooldown map[string]bool
}

func (s staticProfiles) Profiles(provider string) []string { return s.order }
func (s staticProfiles) InCooldown(profileID string) bool   { return s.cooldown[profileID] }

func TestCache_Preload_ResolvesAndCaches(t *testing.T) {
	r := &countingResolver{}
	c := New(Config{TTL: time.Minute}, r, staticProfiles{}, nil)

	cred1, err := c.Preload(context.Background(), "anthropic", "", false)
	require.NoError(t, err)
	cred2, err := c.Preload(context.Background(), "anthropic", "", false)
	require.NoError(t, err)

	assert.Equal(t, cred1.Blob, cred2.Blob)
	assert.Equal(t, int32(1), r.calls.Load(), "second call served from cache")
}

func TestCache_Preload_Force_ReplacesEntry(t *testing.T) {
	r := &countingResolver{}
	c := New(Config{TTL: time.Minute}, r, staticProfiles{}, nil)

	_, err := c.Preload(context.Background(), "anthropic", "", true)
	require.NoError(t, err)
	_, err = c.Preload(context.Background(), "anthropic", "", true)
	require.NoError(t, err)

	assert.Equal(t, int32(2), r.calls.Load())
}

func TestCache_Preload_ExpiredEntryResolvesAgain(t *testing.T) {
	r := &countingResolver{}
	c := New(Config{TTL: 10 * time.Millisecond, RefreshAhead: 0}, r, staticProfiles{}, nil)

	_, err := c.Preload(context.Background(), "p", "", false)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.Preload(context.Background(), "p", "", false)
	require.NoError(t, err)

	assert.Equal(t, int32(2), r.calls.Load())
}

func TestCache_DefaultTTL_RefreshAheadIsLast60Seconds(t *testing.T) {
	r := &countingResolver{}
	c := New(Config{}, r, staticProfiles{}, nil)

	assert.Equal(t, 5*time.Minute, c.cfg.TTL)
	assert.Equal(t, time.Minute, c.cfg.RefreshAhead, "§4.D: background refresh threshold = TTL - 60s")

	_, err := c.Preload(context.Background(), "p", "", false)
	require.NoError(t, err)

	// A fresh entry well outside the last 60s of its TTL must not trigger a
	// background refresh; a second Preload this soon is served purely from
	// cache with no extra resolver call.
	_, err = c.Preload(context.Background(), "p", "", false)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load(), "no refresh outside the last 60s of a 5-minute TTL")
}

func TestCache_LRU_EvictsOldestWhenFull(t *testing.T) {
	r := &countingResolver{}
	c := New(Config{TTL: time.Minute, MaxSize: 2}, r, staticProfiles{}, nil)

	c.Preload(context.Background(), "a", "", false)
	time.Sleep(time.Millisecond)
	c.Preload(context.Background(), "b", "", false)
	time.Sleep(time.Millisecond)
	c.Preload(context.Background(), "c", "", false)

	assert.Equal(t, 2, c.Stats().Size)
	_, ok := c.entries["a"]
	assert.False(t, ok, "oldest key evicted")
}

func TestCache_Invalidate_ForcesReResolution(t *testing.T) {
	r := &countingResolver{}
	c := New(Config{TTL: time.Minute}, r, staticProfiles{}, nil)

	c.Preload(context.Background(), "p", "", false)
	c.Invalidate("p", "")
	c.Preload(context.Background(), "p", "", false)

	assert.Equal(t, int32(2), r.calls.Load())
}

func TestCache_FindAvailable_SkipsCooldownAndFailures(t *testing.T) {
	r := &countingResolver{fn: func(provider, profileID string) (any, string, error) {
		if profileID == "P2" {
			return nil, "", errors.New("p2 down")
		}
		return "cred-" + profileID, "test", nil
	}}
	profiles := staticProfiles{
		order:    []string{"P1", "P2", "P3"},
		cooldown: map[string]bool{"P1": true},
	}
	c := New(Config{TTL: time.Minute}, r, profiles, nil)

	cred, err := c.FindAvailable(context.Background(), "anthropic", "")
	require.NoError(t, err)
	assert.Equal(t, "cred-P3", cred.Blob)

	_, ok := c.entries[normalizeKey("anthropic", "P1")]
	assert.False(t, ok, "no entry created for cooldown profile")
	_, ok = c.entries[normalizeKey("anthropic", "P2")]
	assert.False(t, ok, "no entry created for failed profile")
	_, ok = c.entries[normalizeKey("anthropic", "P3")]
	assert.True(t, ok)
}

func TestCache_FindAvailable_Exhausted(t *testing.T) {
	r := &countingResolver{fn: func(provider, profileID string) (any, string, error) {
		return nil, "", errors.New("always fails")
	}}
	c := New(Config{TTL: time.Minute}, r, staticProfiles{}, nil)

	_, err := c.FindAvailable(context.Background(), "anthropic", "")
	assert.Error(t, err)
}

func TestCache_Clear(t *testing.T) {
	r := &countingResolver{}
	c := New(Config{TTL: time.Minute}, r, staticProfiles{}, nil)
	c.Preload(context.Background(), "p", "", false)
	c.Clear()
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCache_BackgroundRefresh_FailureKeepsCurrentEntry(t *testing.T) {
	var fail atomic.Bool
	r := &countingResolver{fn: func(provider, profileID string) (any, string, error) {
		if fail.Load() {
			return nil, "", errors.New("refresh failed")
		}
		return "good", "test", nil
	}}
	c := New(Config{TTL: 50 * time.Millisecond, RefreshAhead: 45 * time.Millisecond}, r, staticProfiles{}, nil)

	cred, err := c.Preload(context.Background(), "p", "", false)
	require.NoError(t, err)
	assert.Equal(t, "good", cred.Blob)

	fail.Store(true)
	time.Sleep(10 * time.Millisecond) // now inside refresh-ahead window
	cred2, err := c.Preload(context.Background(), "p", "", false)
	require.NoError(t, err)
	assert.Equal(t, "good", cred2.Blob, "background refresh failure must not evict the still-valid entry")
}
