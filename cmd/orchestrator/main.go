package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/controller"
	"github.com/basket/orchestrator/internal/doctor"
	"github.com/basket/orchestrator/internal/httpapi"
	"github.com/basket/orchestrator/internal/items"
	otelPkg "github.com/basket/orchestrator/internal/otel"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/reaper"
	"github.com/basket/orchestrator/internal/recovery"
	"github.com/basket/orchestrator/internal/stage"
	"github.com/basket/orchestrator/internal/store"
	"github.com/basket/orchestrator/internal/telemetry"
	"github.com/basket/orchestrator/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s serve                    Start the orchestrator (HTTP API, worker pool, reaper)
  %s doctor [-json]           Run diagnostic checks
  %s reset                    Comprehensive reset: terminal-transition all non-terminal tasks
  %s archive -older-than 720h Archive terminal tasks older than the given age
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ORCHESTRATOR_HOME                Data directory (default: ~/.orchestrator)
  ORCHESTRATOR_REDIS_ADDR          Redis address for the multi-process bus
  ORCHESTRATOR_WORKER_CONCURRENCY  Tasks one process may run simultaneously
  ORCHESTRATOR_LOG_LEVEL           debug|info|warn|error
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
	case "version":
		fmt.Println(Version)
	case "doctor":
		os.Exit(runDoctor(ctx, args[1:]))
	case "reset":
		os.Exit(runReset(ctx))
	case "archive":
		os.Exit(runArchive(ctx, args[1:]))
	case "serve":
		os.Exit(runServe(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runDoctor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit the diagnosis as JSON")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	d := doctor.Run(ctx, &cfg, Version)

	if *asJSON {
		raw, _ := json.MarshalIndent(d, "", "  ")
		fmt.Println(string(raw))
	} else {
		for _, res := range d.Results {
			fmt.Printf("%-6s %-16s %s\n", res.Status, res.Name, res.Message)
		}
	}
	for _, res := range d.Results {
		if res.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func runReset(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	deps, cleanup, err := openDeps(ctx, cfg, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer cleanup()

	n, err := deps.reaper.ComprehensiveReset(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset: %v\n", err)
		return 1
	}
	fmt.Printf("reset complete: %d task(s) revoked\n", n)
	return 0
}

func runArchive(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "archive terminal tasks older than this")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open task store: %v\n", err)
		return 1
	}
	defer st.Close()

	n, err := st.ArchiveTasksOlderThan(ctx, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive: %v\n", err)
		return 1
	}
	fmt.Printf("archived %d task(s)\n", n)
	return 0
}

// serveDeps is everything runServe wires together.
type serveDeps struct {
	store      *store.Store
	items      *items.Repository
	queue      bus.Queue
	events     *bus.Bus
	progress   *progress.Bus
	registry   *stage.Registry
	controller *controller.Controller
	recovery   *recovery.API
	reaper     *reaper.Reaper
}

func openDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (*serveDeps, func(), error) {
	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}
	repo, err := items.Open(cfg.SQLitePath)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("open item repository: %w", err)
	}

	events := bus.NewWithLogger(logger)
	prog := progress.New(events)
	prog.SetRingSize(cfg.EventRingSize)

	var queue bus.Queue
	var closeQueue func()
	if cfg.RedisAddr != "" {
		rq, err := bus.NewRedisQueue(ctx, cfg.RedisAddr, logger)
		if err != nil {
			st.Close()
			repo.Close()
			return nil, nil, fmt.Errorf("connect redis bus: %w", err)
		}
		relay := bus.NewRelay(rq.Client(), "orchestrator.events", func(_ string, payload json.RawMessage) {
			var e progress.Event
			if err := json.Unmarshal(payload, &e); err != nil {
				logger.Warn("remote event decode failed", "error", err)
				return
			}
			prog.InjectRemote(e)
		}, logger)
		relay.Start(ctx)
		prog.SetRemotePublisher(func(topic string, payload interface{}) {
			relay.PublishRemote(ctx, topic, payload)
		})
		queue = rq
		closeQueue = func() { _ = rq.Close() }
	} else {
		queue = bus.NewMemQueue()
		closeQueue = func() {}
	}

	registry := stage.NewRegistry()

	ctrl := controller.New(controller.Config{
		Store:     st,
		Queue:     queue,
		QueueName: cfg.QueueName,
		Events:    events,
		Progress:  prog,
		Registry:  registry,
		Logger:    logger,

		MaxConcurrentItemsDefault: cfg.MaxConcurrentItemsDefault,
	})
	rec := recovery.New(st, prog)
	rp := reaper.New(reaper.Config{
		Store:            st,
		Queue:            queue,
		QueueName:        cfg.QueueName,
		Progress:         prog,
		Logger:           logger,
		CronExpr:         cfg.ReaperCronExpr,
		StuckThreshold:   cfg.StuckThreshold(),
		ArchiveRetention: cfg.ArchiveRetention(),
	})

	deps := &serveDeps{
		store:      st,
		items:      repo,
		queue:      queue,
		events:     events,
		progress:   prog,
		registry:   registry,
		controller: ctrl,
		recovery:   rec,
		reaper:     rp,
	}
	cleanup := func() {
		closeQueue()
		repo.Close()
		st.Close()
	}
	return deps, cleanup, nil
}

func runServe(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		logger.Error("otel init failed, continuing without export", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	deps, cleanup, err := openDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer cleanup()

	// Native handlers first, so the binary is operable out of the box;
	// WASM plug-ins loaded below override any stage they implement.
	stage.RegisterBuiltins(deps.registry, nil)

	// Stage handler plug-ins: load what's already in the plugin dir, then
	// hot-swap on change.
	if err := os.MkdirAll(cfg.StagePluginDir, 0o755); err != nil {
		logger.Error("create plugin dir failed", "dir", cfg.StagePluginDir, "error", err)
		return 1
	}
	host := stage.NewHost(ctx, stage.HostConfig{Logger: logger})
	defer func() { _ = host.Close(context.Background()) }()
	pluginWatcher := stage.NewWatcher(cfg.StagePluginDir, host, deps.registry, logger)
	if err := pluginWatcher.Start(ctx); err != nil {
		logger.Error("plugin watcher failed to start", "error", err)
		return 1
	}

	var metrics *otelPkg.Metrics
	if provider != nil {
		if m, err := otelPkg.NewMetrics(provider.Meter); err == nil {
			metrics = m
		} else {
			logger.Warn("otel metrics init failed", "error", err)
		}
	}

	pool := worker.New(worker.Config{
		WorkerID:       "worker-" + uuid.NewString()[:8],
		Concurrency:    cfg.WorkerConcurrency,
		QueueName:      cfg.QueueName,
		HandlerTimeout: cfg.HandlerTimeout(),
		ProjectRoot:    cfg.ProjectRoot,
	}, worker.Deps{
		Store:         deps.store,
		Items:         deps.items,
		Queue:         deps.queue,
		Events:        deps.events,
		Progress:      deps.progress,
		Registry:      deps.registry,
		Collaborators: stage.Collaborators{FilesystemRoot: cfg.ProjectRoot},
		Logger:        logger,
		Metrics:       metrics,
	})
	pool.Start(ctx)
	defer pool.Stop()

	deps.reaper.Start(ctx)
	defer deps.reaper.Stop()

	// Config hot-reload: on edit, reload and log what changed; mutable
	// settings (timeouts, thresholds) take effect on the next task.
	configWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := configWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for range configWatcher.Events() {
				if reloaded, err := config.Load(); err == nil {
					cfg = reloaded
					logger.Info("configuration reloaded")
				} else {
					logger.Error("config reload failed", "error", err)
				}
			}
		}()
	}

	api := httpapi.New(httpapi.Config{
		Controller: deps.controller,
		Recovery:   deps.recovery,
		Reaper:     deps.reaper,
		Progress:   deps.progress,
		Store:      deps.store,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           api.Handler(cfg.Auth, cfg.CORS),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("orchestrator serving", "addr", cfg.HTTPListenAddr, "queue", cfg.QueueName, "version", Version)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server failed", "error", err)
		return 1
	}
	return 0
}
