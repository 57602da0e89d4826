package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nuetzliches/commandfeed/internal/agentmap"
	"github.com/nuetzliches/commandfeed/internal/config"
	"github.com/nuetzliches/commandfeed/internal/feed"
	"github.com/nuetzliches/commandfeed/internal/lifecycle"
	"github.com/nuetzliches/commandfeed/internal/workitem"
)

const (
	shutdownTimeout = 5 * time.Second
	drainTimeout    = 15 * time.Second
)

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	dbPath := fs.String("db", "", "path to sqlite db file (overrides queue.path)")
	postgresDSN := fs.String("postgres-dsn", "", "postgres DSN for the queue (overrides queue.dsn)")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "", "log level (debug|info|warn|error); defaults to observability.log_level")
	var dotenv dotenvFiles
	fs.Var(&dotenv, "dotenv", "load environment variables from file (repeatable, dev only)")
	watch := fs.Bool("watch", false, "watch config and agent map files for reload")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if len(dotenv) > 0 {
		if err := loadDotenv(dotenv...); err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	cfg, err := readConfig(*configPath)
	if err != nil {
		baseLogger.Error("read_config_failed", slog.Any("err", err))
		return 1
	}
	compiled, res := config.Compile(cfg)
	if !res.OK {
		baseLogger.Error("compile_config_failed", slog.String("error", config.FormatValidationText(res)))
		return 1
	}
	for _, w := range res.Warnings {
		baseLogger.Warn("config_warning", slog.String("warning", w))
	}

	logger := baseLogger
	if strings.TrimSpace(*logLevel) == "" && compiled.Observability.LogLevel != "" {
		l, err := newLogger(compiled.Observability.LogLevel)
		if err != nil {
			baseLogger.Error("runtime_log_failed", slog.Any("err", err))
			return 1
		}
		logger = l
		slog.SetDefault(logger)
	}
	logger.Info("config_ok", slog.String("path", *configPath))

	if *dbPath != "" {
		compiled.Queue.Path = *dbPath
	}
	if v := strings.TrimSpace(*postgresDSN); v != "" {
		compiled.Queue.DSN = v
	}

	start := time.Now()
	appMetrics := newRuntimeMetrics(version, start)

	if compiled.Observability.TracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), compiled.Observability, func(err error) {
			appMetrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled", slog.String("collector", compiled.Observability.TracingCollector))
	}

	var accessLogger *slog.Logger
	if compiled.Observability.AccessLogEnabled {
		l, closer, err := newLoggerToSink("info", compiled.Observability.AccessLogOutput, compiled.Observability.AccessLogPath)
		if err != nil {
			logger.Error("access_log_failed", slog.Any("err", err))
			return 1
		}
		accessLogger = l
		if closer != nil {
			defer func() { _ = closer.Close() }()
		}
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(compiled.Queue, time.Now)
	if err != nil {
		logger.Error("open_store_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = st.Close() }()
	logger.Info("queue_backend_selected", slog.String("backend", st.backend), slog.String("moniker", compiled.Queue.Moniker))

	rt, err := newRuntime(compiled, st, logger, appMetrics)
	if err != nil {
		logger.Error("runtime_init_failed", slog.Any("err", err))
		return 1
	}

	running := compiled
	var reloadMu sync.Mutex
	var watcher *fileWatcher
	reloadNow := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		updated, err := reloadConfig(*configPath, running, rt.state, logger, trigger)
		if !errors.Is(err, errRestartRequired) {
			appMetrics.observeReload("config", err)
		}
		if err == nil {
			running = updated
		}
		m, err := rt.state.reloadAgents(running.Agents.File)
		appMetrics.observeReload("agents", err)
		if err != nil {
			logger.Error("agent_map_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		} else {
			logger.Info("agent_map_reloaded", slog.Int("agents", len(m.Agents)), slog.String("trigger", trigger))
		}
		if watcher != nil && running.Agents.Watch {
			if err := watcher.track(running.Agents.File); err != nil {
				logger.Warn("watch_failed", slog.Any("err", err))
			}
		}
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow("signal_sighup")
			}
		}
	}()

	servers, err := startServers(rt, compiled, logger, accessLogger, appMetrics, cancel)
	if err != nil {
		logger.Error("start_servers_failed", slog.Any("err", err))
		rt.shutdown(logger)
		return 1
	}

	rt.dispatcher.Start()
	logger.Info("workitem_dispatcher_started", slog.Int("concurrency", compiled.Workers.Concurrency))

	if *watch {
		fw, err := newFileWatcher(logger)
		if err != nil {
			logger.Warn("watch_disabled", slog.Any("err", err))
		} else {
			reloadMu.Lock()
			watcher = fw
			paths := []string{*configPath}
			if compiled.Agents.Watch {
				paths = append(paths, compiled.Agents.File)
			}
			for _, p := range paths {
				if err := fw.track(p); err != nil {
					logger.Warn("watch_failed", slog.String("path", p), slog.Any("err", err))
				}
			}
			reloadMu.Unlock()
			go fw.run(ctx, func() { reloadNow("watch") })
		}
	}

	<-ctx.Done()
	logger.Info("shutdown_started")

	servers.shutdown(logger)
	rt.shutdown(logger)
	logger.Info("shutdown_complete", slog.Duration("uptime", time.Since(start).Round(time.Second)))
	return 0
}

// feedRuntime is the wired feed with its background machinery.
type feedRuntime struct {
	feed       *feed.Server
	state      *runtimeState
	pool       *workitem.Pool
	dispatcher *workitem.Dispatcher
}

func newRuntime(compiled config.Compiled, st *stores, logger *slog.Logger, m *runtimeMetrics) (*feedRuntime, error) {
	agents, err := agentmap.LoadFile(compiled.Agents.File)
	if err != nil {
		return nil, err
	}
	holder := agentmap.NewHolder(agents)
	logger.Info("agent_map_loaded", slog.String("path", compiled.Agents.File), slog.Int("agents", len(agents.Agents)))

	srv := feed.NewServer(st.queue, holder, lifecycle.NewPublisher(st.history, logger))
	srv.History = st.history
	srv.Logger = logger
	srv.Settings = settingsFromCompiled(compiled)
	srv.Flags.Store(flagsFromCompiled(compiled.Flags))
	srv.Gate = feed.NewTrafficGate(trafficLimits(compiled.APITraffic))
	if compiled.ExportProbe.Enabled {
		prober := feed.NewHTTPContainerProber(compiled.ExportProbe.Timeout)
		prober.Client = tracingHTTPClient(compiled.Observability.TracingEnabled)
		srv.Prober = prober
	}

	pool := workitem.NewPool(compiled.Workers.BackgroundWorkers, compiled.Workers.BackgroundBuffer, logger)
	pool.ObserveDropped = m.observeBackgroundDropped
	srv.Background = pool

	srv.DeleteFromQueue = workitem.NewPublisher[feed.DeleteFromQueueItem](st.work, feed.KindDeleteFromQueue)
	srv.BatchDeletes = workitem.NewPublisher[feed.BatchCheckpointCompleteItem](st.work, feed.KindBatchCheckpointComplete)
	srv.ReplayRequests = workitem.NewPublisher[feed.ReplayRequestItem](st.work, feed.KindReplayRequest)
	srv.ReplayBatches = workitem.NewPublisher[feed.ReplayBatchItem](st.work, feed.KindReplayBatch)

	srv.ObserveGetCommands = m.observeGetCommands
	srv.ObserveCheckpoint = m.observeCheckpoint
	srv.ObserveOpError = m.observeOpError

	d := &workitem.Dispatcher{
		Store:          st.work,
		Logger:         logger,
		Concurrency:    compiled.Workers.Concurrency,
		PollInterval:   compiled.Workers.PollInterval,
		MaxAttempts:    compiled.Workers.MaxAttempts,
		RetryCap:       compiled.Workers.RetryCap,
		HandlerTimeout: compiled.Workers.HandlerTimeout,
		ObserveOutcome: m.observeWorkItem,
	}
	srv.RegisterHandlers(d)

	state := newRuntimeState(srv, holder, srv.Gate)
	if err := state.loadAuth(compiled); err != nil {
		_ = pool.Close(context.Background())
		return nil, err
	}
	return &feedRuntime{feed: srv, state: state, pool: pool, dispatcher: d}, nil
}

// shutdown drains work items and background tasks.
func (rt *feedRuntime) shutdown(logger *slog.Logger) {
	if ok := rt.dispatcher.Drain(drainTimeout); !ok {
		logger.Warn("workitem_drain_timeout", slog.Duration("timeout", drainTimeout))
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := rt.pool.Close(ctx); err != nil {
		logger.Warn("background_drain_timeout", slog.Any("err", err), slog.Int64("dropped", rt.pool.Dropped()))
	}
}

// feedHandler builds the feed API handler chain.
func feedHandler(rt *feedRuntime, compiled config.Compiled, accessLogger *slog.Logger) http.Handler {
	h := feed.NewHandler(rt.feed, compiled.FeedAPI.Prefix)
	h.Authorize = rt.state.authorizeFeed
	h.AuthorizeAdmin = rt.state.authorizeAdminRequest
	h.MaxBodyBytes = compiled.FeedAPI.MaxBodyBytes

	var out http.Handler = h
	if accessLogger != nil {
		out = withAccessLog(accessLogger, out)
	}
	return wrapTracingHandler(compiled.Observability.TracingEnabled, "feed", out)
}

type runningServers struct {
	http   []*http.Server
	grpc   *grpc.Server
	health *health.Server
}

func startServers(
	rt *feedRuntime,
	compiled config.Compiled,
	logger *slog.Logger,
	accessLogger *slog.Logger,
	appMetrics *runtimeMetrics,
	cancel context.CancelFunc,
) (*runningServers, error) {
	out := &runningServers{}
	fail := func(err error) (*runningServers, error) {
		out.shutdown(logger)
		return nil, err
	}

	feedSrv := &http.Server{
		Handler:           feedHandler(rt, compiled, accessLogger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", compiled.FeedAPI.Listen)
	if err != nil {
		return fail(fmt.Errorf("feed_api listen: %w", err))
	}
	out.http = append(out.http, feedSrv)
	serveOnListener(logger, "feed_api", feedSrv, ln, cancel)
	logger.Info("feed_api_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("prefix", compiled.FeedAPI.Prefix),
		slog.String("max_body", humanize.IBytes(uint64(compiled.FeedAPI.MaxBodyBytes))),
	)

	if compiled.Observability.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle(compiled.Observability.MetricsPath, newMetricsHandler(appMetrics))
		metricsSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		ln, err := net.Listen("tcp", compiled.Observability.MetricsListen)
		if err != nil {
			return fail(fmt.Errorf("metrics listen: %w", err))
		}
		out.http = append(out.http, metricsSrv)
		serveOnListener(logger, "metrics", metricsSrv, ln, cancel)
		logger.Info("metrics_listening", slog.String("addr", ln.Addr().String()), slog.String("path", compiled.Observability.MetricsPath))
	}

	if compiled.HealthAPI.Enabled {
		ln, err := net.Listen("tcp", compiled.HealthAPI.Listen)
		if err != nil {
			return fail(fmt.Errorf("health_api listen: %w", err))
		}
		out.grpc = grpc.NewServer()
		out.health = health.NewServer()
		healthpb.RegisterHealthServer(out.grpc, out.health)
		out.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			if err := out.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc_server_error", slog.String("name", "health_api"), slog.Any("err", err))
				cancel()
			}
		}()
		logger.Info("health_api_listening", slog.String("addr", ln.Addr().String()))
	}

	return out, nil
}

// shutdown reports NOT_SERVING first so load balancers drain before the
// listeners close.
func (s *runningServers) shutdown(logger *slog.Logger) {
	if s.health != nil {
		s.health.Shutdown()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range s.http {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http_shutdown_failed", slog.Any("err", err))
		}
	}
	if s.grpc != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpc.Stop()
		}
	}
}
