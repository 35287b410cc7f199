// ABOUTME: Wires coalescer, auth cache, priority queue, and subagent
// ABOUTME: registry: accept message -> coalesce -> preload auth -> enqueue.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-scheduler/internal/authcache"
	"github.com/2389/coven-scheduler/internal/coalesce"
	"github.com/2389/coven-scheduler/internal/queue"
	"github.com/2389/coven-scheduler/internal/subagent"
)

// AuthError is returned by a Worker when the provider rejected credentials
// (e.g. HTTP 401), triggering cache invalidation rather than plain retry.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string { return e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// PriorityHints carries the signals §4.G's priority-resolution rule
// consults. Explicit, if non-nil, always wins.
type PriorityHints struct {
	Explicit    *queue.Priority
	IsMention   bool
	IsReply     bool
	IsUrgent    bool
	IsHeartbeat bool
	IsCron      bool
	IsSubagent  bool
}

// ResolvePriority implements §4.G's priority-resolution rule: explicit wins;
// else urgent for {mention, reply, urgent}; background for {heartbeat,
// cron}; normal for {subagent} or as the default.
func ResolvePriority(h PriorityHints) queue.Priority {
	if h.Explicit != nil {
		return *h.Explicit
	}
	if h.IsMention || h.IsReply || h.IsUrgent {
		return queue.Urgent
	}
	if h.IsHeartbeat || h.IsCron {
		return queue.Background
	}
	return queue.Normal
}

// InboundMessage is a single unit of work accepted by the orchestrator.
type InboundMessage struct {
	SessionKey       string
	Text             string
	Images           []string
	Provider         string
	PreferredProfile string
	Hints            PriorityHints
	WarnAfterMs      int64
}

// Worker runs a combined, auth-resolved message and produces a result. The
// core treats the worker as an opaque collaborator — prompt construction
// and model-provider wire formats are explicitly out of scope (Non-goals).
type Worker interface {
	Run(ctx context.Context, msg InboundMessage, combined coalesce.Combined, cred authcache.Credential) (any, error)
}

const maxAuthAttempts = 3

// Orchestrator is the §4.G glue component.
type Orchestrator struct {
	coalescer *coalesce.Coalescer
	authCache *authcache.Cache
	queue     *queue.Queue
	subagents *subagent.Registry
	worker    Worker
	logger    *slog.Logger
}

// New wires the coalescer, auth cache, queue, subagent registry and worker
// together.
func New(coalescer *coalesce.Coalescer, authCache *authcache.Cache, q *queue.Queue, subagents *subagent.Registry, worker Worker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		coalescer: coalescer,
		authCache: authCache,
		queue:     q,
		subagents: subagents,
		worker:    worker,
		logger:    logger.With("component", "orchestrator"),
	}
}

// AcceptMessage coalesces msg, and once its window closes, combines the
// batch, resolves auth, and enqueues a session task at the resolved
// priority. The returned future settles with the worker's result.
func (o *Orchestrator) AcceptMessage(ctx context.Context, msg InboundMessage) <-chan queue.Result {
	windowCh := o.coalescer.Coalesce(msg.SessionKey, coalesce.Message{Text: msg.Text, Images: msg.Images})
	out := make(chan queue.Result, 1)

	go func() {
		batch := <-windowCh
		combined := coalesce.Combine(batch)
		priority := ResolvePriority(msg.Hints)

		cred, err := o.resolveAuthWithRetry(ctx, msg.Provider, msg.PreferredProfile)
		if err != nil {
			out <- queue.Result{Err: err}
			close(out)
			return
		}

		task := func(taskCtx context.Context) (any, error) {
			val, err := o.worker.Run(taskCtx, msg, combined, cred)
			var authErr *AuthError
			if errors.As(err, &authErr) {
				o.authCache.Invalidate(msg.Provider, msg.PreferredProfile)
			}
			return val, err
		}

		resultCh := o.queue.EnqueueSession(msg.SessionKey, task, queue.EnqueueOptions{
			Priority:    priority,
			WarnAfterMs: msg.WarnAfterMs,
		})
		res := <-resultCh
		out <- res
		close(out)
	}()

	return out
}

// resolveAuthWithRetry retries transient auth-resolution failures a bounded
// number of times before surfacing the last error to the caller.
func (o *Orchestrator) resolveAuthWithRetry(ctx context.Context, provider, preferredProfile string) (authcache.Credential, error) {
	var lastErr error
	for attempt := 0; attempt < maxAuthAttempts; attempt++ {
		cred, err := o.authCache.FindAvailable(ctx, provider, preferredProfile)
		if err == nil {
			return cred, nil
		}
		lastErr = err
		o.logger.Warn("auth resolution attempt failed", "provider", provider, "attempt", attempt+1, "err", err)
		select {
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			return authcache.Credential{}, ctx.Err()
		}
	}
	return authcache.Credential{}, lastErr
}

// SpawnSubagentOptions parameterizes registering and enqueueing a child run.
type SpawnSubagentOptions struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     any
	RequesterDisplayKey string
	Task                string
	Cleanup             subagent.CleanupPolicy
	Label               string
	Provider            string
	PreferredProfile    string
	Priority            queue.Priority
}

// SpawnSubagent registers a subagent run record before enqueueing the
// child's session task, so the registry's event subscription is already
// listening by the time the worker starts emitting lifecycle events.
func (o *Orchestrator) SpawnSubagent(ctx context.Context, opts SpawnSubagentOptions) (<-chan queue.Result, error) {
	if err := o.subagents.Register(ctx, subagent.RegisterOptions{
		RunID:               opts.RunID,
		ChildSessionKey:     opts.ChildSessionKey,
		RequesterSessionKey: opts.RequesterSessionKey,
		RequesterOrigin:     opts.RequesterOrigin,
		RequesterDisplayKey: opts.RequesterDisplayKey,
		Task:                opts.Task,
		Cleanup:             opts.Cleanup,
		Label:               opts.Label,
	}); err != nil {
		return nil, err
	}

	cred, err := o.resolveAuthWithRetry(ctx, opts.Provider, opts.PreferredProfile)
	if err != nil {
		return nil, err
	}

	msg := InboundMessage{SessionKey: opts.ChildSessionKey, Text: opts.Task, Provider: opts.Provider, PreferredProfile: opts.PreferredProfile}
	task := func(taskCtx context.Context) (any, error) {
		return o.worker.Run(taskCtx, msg, coalesce.Combined{Text: opts.Task}, cred)
	}
	resultCh := o.queue.EnqueueSession(opts.ChildSessionKey, task, queue.EnqueueOptions{Priority: opts.Priority})
	return resultCh, nil
}
