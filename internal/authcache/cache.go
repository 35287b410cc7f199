// ABOUTME: LRU+TTL cache of resolved provider credentials with background
// ABOUTME: refresh and cooldown-aware failover across profiles.
package authcache

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrExhausted is returned by FindAvailable only when no candidate was
// attempted at all. The no-profile default is always attempted, so when
// every candidate fails FindAvailable returns the last resolver error.
var ErrExhausted = errors.New("authcache: no profile available")

// Credential is the opaque resolved auth blob along with provenance.
type Credential struct {
	Blob       any
	Source     string
	ResolvedAt time.Time
	ExpiresAt  time.Time
}

func (c Credential) fresh(now time.Time) bool { return now.Before(c.ExpiresAt) }

// Resolver resolves a fresh credential for (provider, profileID). profileID
// is empty for the default, no-profile resolution.
type Resolver interface {
	Resolve(ctx context.Context, provider, profileID string) (blob any, source string, err error)
}

// ProfileStore supplies the per-provider profile resolution order and
// cooldown state consulted by FindAvailable.
type ProfileStore interface {
	Profiles(provider string) []string
	InCooldown(profileID string) bool
}

type cacheEntry struct {
	key      string
	cred     Credential
	element  *list.Element
	inFlight bool
}

// Config controls TTL, refresh-ahead window, and LRU size.
type Config struct {
	TTL          time.Duration // default 5 minutes
	RefreshAhead time.Duration // lead time before expiry; default 60s (TTL - 60s threshold)
	MaxSize      int           // default 50
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.RefreshAhead <= 0 {
		c.RefreshAhead = time.Minute
		if c.RefreshAhead > c.TTL {
			c.RefreshAhead = c.TTL
		}
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 50
	}
	return c
}

// Stats reports point-in-time cache occupancy.
type Stats struct {
	Size          int
	MaxSize       int
	InFlightCount int
}

// Cache is the Auth Preload Cache of §4.D, structured exactly like the
// teacher's dedupe.Cache (container/list for O(1) LRU + a map), extended
// with expiry-aware freshness, a refresh-ahead window, and a per-key
// in-flight guard for background resolution.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	order    *list.List
	cfg      Config
	resolver Resolver
	profiles ProfileStore
	logger   *slog.Logger
}

// New creates an auth preload cache backed by resolver for synchronous
// resolution and profiles for failover ordering/cooldown checks.
func New(cfg Config, resolver Resolver, profiles ProfileStore, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:  make(map[string]*cacheEntry),
		order:    list.New(),
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		profiles: profiles,
		logger:   logger.With("component", "authcache"),
	}
}

func normalizeKey(provider, profileID string) string {
	provider = normalize(provider)
	if profileID == "" {
		return provider
	}
	return provider + ":" + profileID
}

func normalize(s string) string {
	// lowercases ASCII letters and drops every space character (leading,
	// trailing and interior alike); provider ids in this domain are already
	// slug-shaped, so this is kept distinct from plain string equality for
	// clarity at call sites.
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c == ' ' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// Preload resolves (provider, profileID), serving a fresh cached entry when
// available. If the entry is fresh but inside the refresh-ahead window, a
// single background resolution is kicked off (guarded by the per-key
// in-flight flag) and the still-valid cached entry is returned immediately.
func (c *Cache) Preload(ctx context.Context, provider, profileID string, force bool) (Credential, error) {
	key := normalizeKey(provider, profileID)
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !force && e.cred.fresh(now) {
		c.order.MoveToBack(e.element)
		if now.Add(c.cfg.RefreshAhead).After(e.cred.ExpiresAt) && !e.inFlight {
			e.inFlight = true
			c.mu.Unlock()
			go c.backgroundRefresh(key, provider, profileID)
			return e.cred, nil
		}
		cred := e.cred
		c.mu.Unlock()
		return cred, nil
	}
	c.mu.Unlock()

	return c.resolveAndStore(ctx, key, provider, profileID)
}

func (c *Cache) backgroundRefresh(key, provider, profileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	blob, source, err := c.resolver.Resolve(ctx, provider, profileID)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		// The key was invalidated (or evicted) while the refresh was in
		// flight; do not re-insert the dropped credential.
		return
	}
	e.inFlight = false
	if err != nil {
		// Failures in background refresh must not evict the still-valid
		// current entry.
		c.logger.Warn("background auth refresh failed", "key", key, "err", err)
		return
	}
	now := time.Now()
	c.storeLocked(key, Credential{Blob: blob, Source: source, ResolvedAt: now, ExpiresAt: now.Add(c.cfg.TTL)})
}

func (c *Cache) resolveAndStore(ctx context.Context, key, provider, profileID string) (Credential, error) {
	blob, source, err := c.resolver.Resolve(ctx, provider, profileID)
	if err != nil {
		return Credential{}, err
	}

	now := time.Now()
	cred := Credential{
		Blob:       blob,
		Source:     source,
		ResolvedAt: now,
		ExpiresAt:  now.Add(c.cfg.TTL),
	}

	c.mu.Lock()
	c.storeLocked(key, cred)
	c.mu.Unlock()
	return cred, nil
}

// storeLocked must be called with c.mu held.
func (c *Cache) storeLocked(key string, cred Credential) {
	if e, ok := c.entries[key]; ok {
		e.cred = cred
		c.order.MoveToBack(e.element)
		return
	}

	for len(c.entries) >= c.cfg.MaxSize {
		c.evictOldestLocked()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{key: key, cred: cred, element: elem}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// PreloadBatch resolves every request concurrently and returns a map keyed
// by the same normalized key Preload would use. Per-request errors are
// recorded in the errs map rather than aborting the batch.
type PreloadRequest struct {
	Provider  string
	ProfileID string
}

func (c *Cache) PreloadBatch(ctx context.Context, requests []PreloadRequest) (map[string]Credential, map[string]error) {
	creds := make(map[string]Credential, len(requests))
	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, req := range requests {
		wg.Add(1)
		go func(req PreloadRequest) {
			defer wg.Done()
			key := normalizeKey(req.Provider, req.ProfileID)
			cred, err := c.Preload(ctx, req.Provider, req.ProfileID, false)
			mu.Lock()
			if err != nil {
				errs[key] = err
			} else {
				creds[key] = cred
			}
			mu.Unlock()
		}(req)
	}
	wg.Wait()
	return creds, errs
}

// WarmCache batch-preloads every configured provider's default profile in
// parallel. Failures per provider are swallowed (logged only), matching the
// teacher's warm-cache-on-startup posture.
func (c *Cache) WarmCache(ctx context.Context, providers []string) {
	reqs := make([]PreloadRequest, len(providers))
	for i, p := range providers {
		reqs[i] = PreloadRequest{Provider: p}
	}
	_, errs := c.PreloadBatch(ctx, reqs)
	for key, err := range errs {
		c.logger.Warn("warm cache preload failed", "key", key, "err", err)
	}
}

// FindAvailable tries preferredProfile first, then the configured profile
// order, skipping any profile in cooldown, falling back to the no-profile
// default on exhaustion.
func (c *Cache) FindAvailable(ctx context.Context, provider, preferredProfile string) (Credential, error) {
	order := c.profiles.Profiles(provider)
	candidates := make([]string, 0, len(order)+2)
	if preferredProfile != "" {
		candidates = append(candidates, preferredProfile)
	}
	for _, p := range order {
		if p != preferredProfile {
			candidates = append(candidates, p)
		}
	}
	candidates = append(candidates, "") // default, no-profile fallback

	var lastErr error
	for _, profileID := range candidates {
		if profileID != "" && c.profiles.InCooldown(profileID) {
			continue
		}
		cred, err := c.Preload(ctx, provider, profileID, false)
		if err == nil {
			return cred, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return Credential{}, lastErr
	}
	return Credential{}, ErrExhausted
}

// Invalidate drops the cache entry for (provider, profileID), forcing the
// next call to re-resolve. Used on worker-observed 401s.
func (c *Cache) Invalidate(provider, profileID string) {
	key := normalizeKey(provider, profileID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order.Init()
}

// Stats reports current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	inFlight := 0
	for _, e := range c.entries {
		if e.inFlight {
			inFlight++
		}
	}
	return Stats{Size: len(c.entries), MaxSize: c.cfg.MaxSize, InFlightCount: inFlight}
}
