// ABOUTME: Tests for profile resolution order and cooldown tracking.
package profiles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-scheduler/internal/config"
)

func newTestStore() *Store {
	return New(map[string]config.Provider{
		"anthropic": {Profiles: []config.ProfileConfig{
			{ID: "p1"}, {ID: "p2"}, {ID: "p3"},
		}},
	})
}

func TestProfiles_ReturnsConfiguredOrder(t *testing.T) {
	s := newTestStore()
	assert.Equal(t, []string{"p1", "p2", "p3"}, s.Profiles("anthropic"))
}

func TestProfiles_UnknownProviderReturnsNil(t *testing.T) {
	s := newTestStore()
	assert.Nil(t, s.Profiles("unknown"))
}

func TestCooldown_MarksAndExpires(t *testing.T) {
	s := newTestStore()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.Cooldown("anthropic", "p1", time.Minute)
	assert.True(t, s.InCooldown("p1"))
	assert.False(t, s.InCooldown("p2"))

	s.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	assert.False(t, s.InCooldown("p1"))
}

func TestClearCooldown_LiftsEarly(t *testing.T) {
	s := newTestStore()
	s.Cooldown("anthropic", "p1", time.Hour)
	assert.True(t, s.InCooldown("p1"))

	s.ClearCooldown("anthropic", "p1")
	assert.False(t, s.InCooldown("p1"))
}
