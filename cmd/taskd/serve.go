// cmd/taskd/serve.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	http_api "distributed-tasks/internal/api/http"
	"distributed-tasks/internal/config"
	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/infra/etcd"
	"distributed-tasks/internal/infra/memstore"
	"distributed-tasks/internal/infra/sqlite"
	"distributed-tasks/internal/logging"
	"distributed-tasks/internal/retry"
	"distributed-tasks/internal/scheduler"
	"distributed-tasks/internal/task"
	"distributed-tasks/internal/tasklog"
	"distributed-tasks/internal/tracing"
	"distributed-tasks/internal/usecase"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a node: scheduler, janitor and admin API",
		Long: `taskd serve [--config FILE]

Runs the scheduler with every configured and stored task, the cluster janitor
and the HTTP admin API until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, "+http_api.ActorHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	// 1. Logger, node identity and tracer
	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	node := domain.Node{ID: uuid.New().String(), Name: cfg.NodeName()}
	logger = logger.With("node", node.Name)
	logger.Info("starting taskd node", "node_id", node.ID, "store", cfg.Store.Backend)

	if cfg.Tracing.Enabled {
		tracerShutdown, err := tracing.InitTracer(os.Stderr, node.Name, node.ID)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := tracerShutdown(context.Background()); err != nil {
				logger.Warn("failed to shutdown tracer", "error", err)
			}
		}()
	}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return err
	}

	// 2. Root context for lifecycle management
	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	// 3. Shared state
	var (
		store      domain.Store
		etcdClient *clientv3.Client
	)
	switch cfg.Store.Backend {
	case config.BackendEtcd:
		etcdClient, err = etcd.NewClient(rootCtx, cfg.Etcd.ClientConfig)
		if err != nil {
			return err
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)
		store = etcd.NewStore(etcdClient)
	default:
		store = memstore.New()
	}

	history, closeHistory, err := openHistory(rootCtx, cfg, etcdClient, logger)
	if err != nil {
		return err
	}
	defer closeHistory()

	var defs domain.DefinitionRepository
	if etcdClient != nil {
		defs = etcd.NewEtcdDefinitionRepository(etcdClient, logger)
	}

	var runLogs *task.LogFiles
	if cfg.RunLogs.Dir != "" {
		runLogs = task.NewLogFiles(cfg.RunLogs.Dir)
	}

	// 4. Scheduler and services
	logOpts := tasklog.Options{
		Limits: tasklog.Limits{
			MaxFailures:  cfg.TaskLog.MaxFailures,
			MaxSuccesses: cfg.TaskLog.MaxSuccesses,
		},
		CommitRetries: cfg.TaskLog.CommitRetries,
		RetryPolicy:   retry.Exponential(cfg.TaskLog.RetryInitial, cfg.TaskLog.RetryMax),
	}
	sched := scheduler.New(cfg.Scheduler.Config, node, store,
		scheduler.WithLogger(logger),
		scheduler.WithRunLogs(runLogs),
		scheduler.WithTaskLogOptions(logOpts),
	)
	taskService := usecase.NewTaskService(defs, history, sched, loc, logger)
	if err := taskService.LoadDefinitions(rootCtx, cfg.Tasks); err != nil {
		return fmt.Errorf("failed to load task definitions: %w", err)
	}

	janitorCfg := cfg.Janitor.JanitorConfig
	if janitorCfg.HistoryRetention <= 0 {
		janitorCfg.HistoryRetention = cfg.History.Retention
	}
	if janitorCfg.RunLogRetention <= 0 {
		janitorCfg.RunLogRetention = cfg.RunLogs.Retention
	}

	var (
		wg       sync.WaitGroup
		registry *etcd.Registry
		janitor  *usecase.JanitorService
	)
	if etcdClient != nil {
		// 5. Cluster membership: register this node and follow the others
		registry = etcd.NewRegistry(etcdClient, logger)
		regCtx, regCancel := context.WithTimeout(rootCtx, 5*time.Second)
		err := registry.Register(regCtx, node, cfg.HTTP.ListenAddr, int64(cfg.Etcd.NodeTTL.Seconds()))
		regCancel()
		if err != nil {
			return fmt.Errorf("failed to register node: %w", err)
		}

		members := etcd.NewMembership(etcdClient, logger)
		go members.Watch(rootCtx)

		leader := etcd.NewEtcdLeaderElectionManager(etcdClient, node.ID, cfg.Janitor.ElectionTTL, logger)
		janitor = usecase.NewJanitorService(leader, members, store, history, runLogs, sched.TaskLogOptions(), janitorCfg, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-members.Ready()
			if err := janitor.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("janitor stopped with error", "error", err)
			}
		}()
	} else {
		janitor = usecase.NewJanitorService(nil, nil, store, history, runLogs, sched.TaskLogOptions(), janitorCfg, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := janitor.StartStandalone(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("janitor stopped with error", "error", err)
			}
		}()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := taskService.SyncDefinitions(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("definition sync stopped with error", "error", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		taskService.RecordHistory(rootCtx)
	}()
	schedDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(schedDone)
		if err := sched.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped with error", "error", err)
		}
	}()

	// 6. HTTP API server with CORS middleware
	handler := http_api.NewTaskHandler(taskService, logger)
	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           corsMiddleware(handler.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting HTTP API server", "addr", cfg.HTTP.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// 7. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down node gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	// Running tasks must end before the node leaves, or the janitor of
	// another node would release them.
	<-schedDone
	if registry != nil {
		deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := registry.Deregister(deregCtx); err != nil {
			logger.Error("failed to deregister node", "error", err)
		}
		deregCancel()
	}
	wg.Wait()

	logger.Info("node shut down")
	return nil
}

// openHistory opens the configured archive of finished results. The returned
// close function is never nil.
func openHistory(ctx context.Context, cfg *config.Config, client *clientv3.Client, logger *slog.Logger) (domain.HistoryRepository, func(), error) {
	switch cfg.History.Backend {
	case config.BackendSQLite:
		repo, err := sqlite.Open(ctx, cfg.History.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open history database: %w", err)
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Warn("failed to close history database", "error", err)
			}
		}, nil
	case config.BackendEtcd:
		return etcd.NewEtcdHistoryRepository(client, logger), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
