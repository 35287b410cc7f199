// ABOUTME: Entry point for the coven-scheduler demonstrator binary
// ABOUTME: Wires the five scheduling subsystems and exposes a liveness endpoint

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/fatih/color"

	"github.com/2389/coven-scheduler/internal/authcache"
	"github.com/2389/coven-scheduler/internal/coalesce"
	"github.com/2389/coven-scheduler/internal/config"
	"github.com/2389/coven-scheduler/internal/events"
	"github.com/2389/coven-scheduler/internal/orchestrator"
	"github.com/2389/coven-scheduler/internal/profiles"
	"github.com/2389/coven-scheduler/internal/queue"
	"github.com/2389/coven-scheduler/internal/runstore"
	"github.com/2389/coven-scheduler/internal/subagent"
	"github.com/2389/coven-scheduler/internal/timer"
)

var version = "dev"

const banner = `
                                            _               _         _
  ___ _____   _____ _ __        ___  ___| |__   ___  __| |_   _| | ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____/ __|/ __| '_ \ / _ \/ _' | | | | |/ _ \ '__|
| (_| (_) \ V /  __/ | | |_____\__ \ (__| | | |  __/ (_| | |_| | |  __/ |
 \___\___/ \_/ \___|_| |_|     |___/\___|_| |_|\___|\__,_|\__,_|_|\___|_|
`

func getConfigPath() string {
	if envPath := os.Getenv("COVEN_SCHEDULER_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "scheduler.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "scheduler.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-scheduler <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the scheduler core and its liveness endpoint")
		fmt.Println("  health  Check the scheduler's liveness endpoint")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// noopWorker lets the demonstrator exercise the full accept -> coalesce ->
// preload auth -> enqueue -> emit-lifecycle path without a real agent
// process attached; model-provider wire formats and prompt construction
// are explicitly out of the core's scope (Non-goals).
type noopWorker struct {
	bus    *events.Bus
	logger *slog.Logger
}

func (w *noopWorker) Run(ctx context.Context, msg orchestrator.InboundMessage, combined coalesce.Combined, cred authcache.Credential) (any, error) {
	runID := msg.SessionKey + ":" + time.Now().Format("150405.000")
	w.bus.Emit(events.Event{RunID: runID, Stream: "lifecycle", Phase: "start", SessionKey: msg.SessionKey})
	w.logger.Info("demo worker ran", "session", msg.SessionKey, "text", combined.Text, "source", cred.Source)
	w.bus.Emit(events.Event{RunID: runID, Stream: "lifecycle", Phase: "end", SessionKey: msg.SessionKey})
	return combined.Text, nil
}

// noopSessionStore satisfies subagent.SessionStore for the demonstrator;
// a real deployment wires this to whatever persists session transcripts,
// which is conventional I/O glue outside the scheduling core.
type noopSessionStore struct{ logger *slog.Logger }

func (s *noopSessionStore) Delete(ctx context.Context, sessionKey string, deleteTranscript bool) error {
	s.logger.Debug("session archival delete (no-op)", "session", sessionKey, "transcript", deleteTranscript)
	return nil
}

// noopAnnounceFlow satisfies subagent.AnnounceFlow for the demonstrator;
// a real deployment wires this to the transport that delivers a completed
// subagent's outcome back to its parent, outside the scheduling core.
type noopAnnounceFlow struct{ logger *slog.Logger }

func (a *noopAnnounceFlow) Announce(ctx context.Context, rec *subagent.Record, waitForCompletion bool) (bool, error) {
	a.logger.Info("subagent announce (no-op)", "run_id", rec.RunID, "outcome", rec.Outcome)
	return true, nil
}

type scheduler struct {
	cfg          *config.Config
	bus          *events.Bus
	timers       *timer.Registry
	q            *queue.Queue
	authCache    *authcache.Cache
	coalescer    *coalesce.Coalescer
	subagents    *subagent.Registry
	orchestrator *orchestrator.Orchestrator
	cron         *orchestrator.CronTrigger
	runStore     *runstore.Store
	logger       *slog.Logger
}

func newScheduler(cfg *config.Config, logger *slog.Logger) (*scheduler, error) {
	bus := events.New(logger)
	timers := timer.New(logger)

	laneConcurrency := map[string]int{"cron": cfg.Cron.MaxConcurrentRuns}
	q := queue.New(queue.Config{
		MaxConcurrentSessions: cfg.Agents.Defaults.MaxConcurrentSessions,
		LaneConcurrency:       laneConcurrency,
	}, logger)

	resolver := authcache.NewJWTResolver([]byte(cfg.Auth.JWTSecret), 0)
	profileStore := profiles.New(cfg.Providers)
	authCache := authcache.New(authcache.Config{
		TTL:     time.Duration(cfg.Agents.Defaults.AuthCache.TTLMs) * time.Millisecond,
		MaxSize: cfg.Agents.Defaults.AuthCache.MaxSize,
	}, resolver, profileStore, logger)

	coalescer := coalesce.New(coalesce.Config{
		Enabled:     cfg.Agents.Defaults.Coalesce.Enabled,
		WindowMs:    cfg.Agents.Defaults.Coalesce.WindowMs,
		MaxMessages: cfg.Agents.Defaults.Coalesce.MaxMessages,
	})

	rs, err := runstore.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	archiveAfter := time.Duration(cfg.Agents.Defaults.Subagents.ArchiveAfterMinutes) * time.Minute
	subagents := subagent.New(bus, &noopAnnounceFlow{logger: logger}, &noopSessionStore{logger: logger}, rs, archiveAfter, logger)

	worker := &noopWorker{bus: bus, logger: logger}
	orch := orchestrator.New(coalescer, authCache, q, subagents, worker, logger)
	cron := orchestrator.NewCronTrigger(orch, logger)

	return &scheduler{
		cfg: cfg, bus: bus, timers: timers, q: q, authCache: authCache,
		coalescer: coalescer, subagents: subagents, orchestrator: orch,
		cron: cron, runStore: rs, logger: logger,
	}, nil
}

func (s *scheduler) shutdown() {
	cleared := s.timers.ClearAll()
	s.logger.Info("cleared timers on shutdown", "count", cleared)
	s.cron.Stop()
	s.subagents.Close()
	drained := s.q.WaitForActiveTasks(10 * time.Second)
	s.logger.Info("drained active tasks on shutdown", "drained", drained)
	if err := s.runStore.Close(); err != nil {
		s.logger.Warn("closing run store failed", "err", err)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Runs DB: %s\n", cfg.Database.Path)
	fmt.Println()

	sched, err := newScheduler(cfg, logger)
	if err != nil {
		return err
	}
	if err := sched.subagents.Init(ctx); err != nil {
		logger.Warn("subagent registry init returned error", "err", err)
	}
	sched.cron.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := sched.q.GetQueueStats()
		fmt.Fprintf(w, "ok sessions=%d/%d\n", stats.Sessions.Active, stats.Sessions.MaxConcurrent)
	})

	server := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
		}
	}()

	logger.Info("coven-scheduler running", "http_addr", cfg.Server.HTTPAddr)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.shutdown()
	wg.Wait()
	return nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scheduler unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("coven-scheduler is healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{level: level}
	}
	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes,
// adapted from the teacher's cmd/coven-gateway colorHandler.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{level: h.level, attrs: h.attrs, groups: newGroups}
}
