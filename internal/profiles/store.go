// ABOUTME: Stateful profile resolution order and cooldown tracking for the
// ABOUTME: auth preload cache, generalized from the teacher's admin/principal state.
package profiles

import (
	"sync"
	"time"

	"github.com/2389/coven-scheduler/internal/config"
)

// Clock returns the current time; overridden in tests.
type Clock func() time.Time

type profileState struct {
	order         []string
	cooldownUntil map[string]time.Time
}

// Store implements authcache.ProfileStore: it holds each provider's
// configured profile resolution order and a per-profile CooldownUntil
// timestamp, mirroring the way the teacher's admin store backs "is this
// allowed right now" checks with concrete state rather than a bare
// callback (internal/auth/admin.go's principal/session bookkeeping).
type Store struct {
	mu    sync.Mutex
	state map[string]*profileState
	now   Clock
}

// New builds a Store from the loaded provider configuration. Profile order
// follows declaration order in the config file.
func New(providers map[string]config.Provider) *Store {
	s := &Store{
		state: make(map[string]*profileState, len(providers)),
		now:   time.Now,
	}
	for name, p := range providers {
		order := make([]string, len(p.Profiles))
		for i, prof := range p.Profiles {
			order[i] = prof.ID
		}
		s.state[name] = &profileState{
			order:         order,
			cooldownUntil: make(map[string]time.Time),
		}
	}
	return s
}

// Profiles returns provider's configured resolution order, or nil if the
// provider is unconfigured.
func (s *Store) Profiles(provider string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[provider]
	if !ok {
		return nil
	}
	out := make([]string, len(st.order))
	copy(out, st.order)
	return out
}

// InCooldown reports whether profileID is currently cooling down in any
// provider's state.
func (s *Store) InCooldown(profileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, st := range s.state {
		if until, ok := st.cooldownUntil[profileID]; ok && now.Before(until) {
			return true
		}
	}
	return false
}

// Cooldown puts profileID under provider into cooldown for the given
// duration. The auth cache only reads cooldown state through InCooldown;
// it does not call Cooldown on a resolution failure.
func (s *Store) Cooldown(provider, profileID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[provider]
	if !ok {
		st = &profileState{cooldownUntil: make(map[string]time.Time)}
		s.state[provider] = st
	}
	st.cooldownUntil[profileID] = s.now().Add(d)
}

// ClearCooldown lifts a profile's cooldown early, e.g. on an operator's
// manual intervention.
func (s *Store) ClearCooldown(provider, profileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[provider]; ok {
		delete(st.cooldownUntil, profileID)
	}
}
