// prediction-service is the HTTP API server for the batch prediction pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aqpredict/internal/api"
	"aqpredict/internal/completion"
	"aqpredict/internal/config"
	"aqpredict/internal/dispatch"
	"aqpredict/internal/dispatcher"
	"aqpredict/internal/health"
	"aqpredict/internal/measurements"
	"aqpredict/internal/metastore"
	"aqpredict/internal/objectstore"
	"aqpredict/internal/observability"
	"aqpredict/internal/predictor/docker"
	"aqpredict/internal/query"
	"aqpredict/internal/scheduler"
	"aqpredict/internal/workflow"
	"aqpredict/internal/writer"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	svcCfg := config.LoadServiceConfig()
	if err := svcCfg.Validate(); err != nil {
		return err
	}
	runtimeCfg := docker.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Object storage for pipeline files
	objects, err := objectstore.NewFS(svcCfg.DataDir)
	if err != nil {
		return err
	}

	// Measurements database
	db, err := openMeasurements(ctx, *svcCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Metadata store for job records and parked runs
	metaStore, err := openMetastore(*svcCfg)
	if err != nil {
		return err
	}
	if closer, ok := metaStore.(io.Closer); ok {
		defer closer.Close()
	}

	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	// The runtime posts completion events to this service's own ingress
	// endpoint unless an external URL is configured.
	completionURL := svcCfg.CompletionURL
	if completionURL == "" {
		completionURL = "http://127.0.0.1:" + svcCfg.Port + "/internal/events"
	}

	// The Docker runtime picks up transform containers left over from an
	// earlier process as part of construction.
	runtime, err := docker.NewRuntime(ctx, docker.Config{
		DataRoot:            objects.Root(),
		CompletionURL:       completionURL,
		SigningKey:          svcCfg.EventSigningKey,
		RetentionPeriod:     runtimeCfg.JobRetention,
		MaintenanceInterval: runtimeCfg.MaintenanceInterval,
		Dispatcher:          eventDispatcher,
		ExtraHosts:          runtimeCfg.ExtraHosts,
		Metrics:             metrics,
	})
	if err != nil {
		return err
	}
	defer runtime.Close()

	slog.Info("Docker runtime ready")

	// The dispatch stage signals failed submissions through the engine, and
	// the engine drives the dispatch stage. Bind the stage to a closure over
	// the engine variable so the engine can be constructed afterwards.
	var engine *workflow.Engine
	resume := workflow.ResumerFunc(func(ctx context.Context, token string, outcome workflow.Outcome) error {
		return engine.Resume(ctx, token, outcome)
	})

	queryStage := query.New(db, objects, svcCfg.SentinelValue)
	dispatchStage := dispatch.New(dispatch.Config{
		Model:          svcCfg.ModelID,
		FeatureColumns: svcCfg.FeatureColumns,
		InstanceType:   svcCfg.InstanceType,
		InstanceCount:  svcCfg.InstanceCount,
	}, objects, metaStore, runtime, resume)
	writeStage := writer.New(db, objects)

	// The engine restores runs parked by a previous process while it comes up.
	engine, err = workflow.NewEngine(ctx, workflow.EngineConfig{
		QueryTimeout:    svcCfg.QueryTimeout,
		DispatchTimeout: svcCfg.DispatchTimeout,
		WriteTimeout:    svcCfg.WriteTimeout,
		JobTimeout:      svcCfg.JobTimeout,
		RunTimeout:      svcCfg.RunTimeout,
		ScanInterval:    svcCfg.ScanInterval,
		Retention:       svcCfg.Retention,
		NotifyURL:       svcCfg.NotifyURL,
		SigningKey:      svcCfg.EventSigningKey,
	}, metaStore, queryStage, dispatchStage, writeStage, eventDispatcher, metrics)
	if err != nil {
		return err
	}

	// The completion handler resolves finished jobs into run outcomes.
	completionHandler := completion.NewHandler(objects, metaStore, engine)

	// Settle jobs whose completion event was lost while the service was down.
	settled, err := completionHandler.Reconcile(ctx, metaStore, runtime)
	if err != nil {
		slog.Warn("Startup reconciliation incomplete", "error", err)
	} else if settled > 0 {
		slog.Info("Settled jobs from previous process", "count", settled)
	}

	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"runtime":      runtime,
		"measurements": db,
		"metastore":    metaStore,
	})

	router := api.NewRouter(api.RouterConfig{
		Runs:          engine,
		Completions:   completionHandler,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Defaults: api.RunDefaults{
			Parameter:   svcCfg.TargetParameter,
			WindowHours: svcCfg.WindowHours,
		},
		APIKey:          svcCfg.APIKey,
		EventSigningKey: svcCfg.EventSigningKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API key auth enabled")
	} else {
		slog.Warn("API key auth disabled, API_KEY not set")
	}

	// Optional periodic trigger for the configured parameter
	var sched *scheduler.Scheduler
	if svcCfg.ScheduleEnabled {
		sched = scheduler.New(scheduler.Config{
			Parameter:   svcCfg.TargetParameter,
			WindowHours: svcCfg.WindowHours,
			Interval:    svcCfg.ScheduleInterval,
		}, engine)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)

	apiServer := newHTTPServer(svcCfg.Port, router, 30*time.Second)
	metricsServer := newHTTPServer(svcCfg.MetricsPort, metricsMux, 10*time.Second)

	serverErr := make(chan error, 1)
	serve := func(name string, srv *http.Server) {
		go func() {
			slog.Info("Server listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}
	serve("api", apiServer)
	serve("metrics", metricsServer)

	stopServers := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		for name, srv := range map[string]*http.Server{"api": apiServer, "metrics": metricsServer} {
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server shutdown error", "server", name, "error", err)
			}
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		stopServers(5 * time.Second)
		return err
	}

	// Readiness flips unhealthy first so load balancers route around this
	// instance before anything actually stops.
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Draining traffic", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// No new runs once teardown starts.
	if sched != nil {
		sched.Stop()
	}

	slog.Info("Stopping HTTP servers")
	stopServers(25 * time.Second)

	// The engine finishes its stage goroutines and maintenance loop, then the
	// dispatcher flushes whatever completion events are still buffered.
	engineCtx, engineCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer engineCancel()
	if err := engine.Close(engineCtx); err != nil {
		slog.Warn("Engine shutdown error", "error", err)
	}

	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher drain error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher totals",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Transform containers are self-contained and keep running; the runtime
	// redelivers their completion events on the next start, and parked runs
	// survive in the metadata store until then.
	slog.Info("Running transforms will continue independently")
	slog.Info("Shutdown done")
	return nil
}

func newHTTPServer(port string, h http.Handler, timeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  60 * time.Second,
	}
}

// metadataStore is what the service needs from a metadata backend: the
// engine's run-store surface plus a readiness probe.
type metadataStore interface {
	workflow.RunStore
	Ready(ctx context.Context) error
}

func openMeasurements(ctx context.Context, cfg config.ServiceConfig) (measurements.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return measurements.NewPostgres(ctx, cfg.DatabaseURL, cfg.MeasurementsTable)
	case "sqlite":
		return measurements.NewSQLite(cfg.DatabaseURL, cfg.MeasurementsTable)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

func openMetastore(cfg config.ServiceConfig) (metadataStore, error) {
	switch cfg.MetadataBackend {
	case "redis":
		return metastore.NewRedis(metastore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), nil
	case "memory":
		return metastore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
	}
}
