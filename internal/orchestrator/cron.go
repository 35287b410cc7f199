// ABOUTME: Optional cron-driven trigger feeding synthetic messages into the
// ABOUTME: orchestrator's accept-message path at background priority.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// CronTrigger ticks on a crontab schedule and calls the orchestrator's
// accept-message path with IsCron=true, so the scheduled work is enqueued at
// background priority on sessionKey's session lane. It does not go through
// the named "cron" lane, so cron.maxConcurrentRuns does not bound it.
type CronTrigger struct {
	cron   *cron.Cron
	o      *Orchestrator
	logger *slog.Logger
}

// NewCronTrigger creates a trigger bound to orchestrator o.
func NewCronTrigger(o *Orchestrator, logger *slog.Logger) *CronTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronTrigger{
		cron:   cron.New(),
		o:      o,
		logger: logger.With("component", "cron-trigger"),
	}
}

// Schedule registers a crontab spec that, on each tick, accepts a message
// on sessionKey with IsCron hinting set.
func (t *CronTrigger) Schedule(spec, sessionKey, text string) error {
	_, err := t.cron.AddFunc(spec, func() {
		ctx := context.Background()
		resultCh := t.o.AcceptMessage(ctx, InboundMessage{
			SessionKey: sessionKey,
			Text:       text,
			Hints:      PriorityHints{IsCron: true},
		})
		go func() {
			res := <-resultCh
			if res.Err != nil {
				t.logger.Error("cron-triggered message failed", "session", sessionKey, "err", res.Err)
			}
		}()
	})
	return err
}

// Start begins running scheduled crontabs in the background.
func (t *CronTrigger) Start() { t.cron.Start() }

// Stop halts the cron scheduler, waiting for any running job to complete.
func (t *CronTrigger) Stop() { t.cron.Stop() }
