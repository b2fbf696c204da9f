package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitsync/internal"
	"gitsync/pkg/auth"
	"gitsync/pkg/bots"
	"gitsync/pkg/reposync"
	"gitsync/pkg/scm"
	"gitsync/pkg/storage/catalog"
	"gitsync/pkg/storage/installations"
	"gitsync/pkg/tasks"
	"gitsync/pkg/tokencipher"
	"gitsync/pkg/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	syncOwner := flag.Int64("sync-owner", 0, "Run one sync for this ownerid and exit")
	enqueueOwner := flag.Int64("enqueue-owner", 0, "Enqueue one sync for this ownerid and exit")
	username := flag.String("username", "", "Current provider username of the owner")
	usingIntegration := flag.Bool("using-integration", false, "Sync with the owner's integration token")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		fatal(internal.NewLogger("server"), "load config", err)
	}
	internal.ConfigureLogging(os.Stdout, config.Log)
	logger := internal.NewLogger("server")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *enqueueOwner > 0 {
		req := reposync.Request{OwnerID: *enqueueOwner, Username: *username, UsingIntegration: *usingIntegration}
		if err := enqueue(ctx, config, req); err != nil {
			fatal(logger, "enqueue", err)
		}
		logger.Info("sync enqueued", "ownerid", req.OwnerID, "dispatcher", config.Dispatcher.Driver)
		return
	}

	store, err := catalog.Open(catalog.Config{
		Driver:      config.Storage.Driver,
		DSN:         config.Storage.DSN,
		Dialect:     config.Storage.Dialect,
		TablePrefix: config.Storage.TablePrefix,
		AutoMigrate: config.Storage.AutoMigrate,
	})
	if err != nil {
		fatal(logger, "open catalog", err)
	}
	defer store.Close()

	installStore, err := installations.Open(installations.Config{
		Driver:      config.Storage.Driver,
		DSN:         config.Storage.DSN,
		Dialect:     config.Storage.Dialect,
		Table:       config.Storage.InstallationsTable,
		AutoMigrate: config.Storage.AutoMigrate,
	})
	if err != nil {
		fatal(logger, "open installations", err)
	}
	defer installStore.Close()

	cipher, err := tokencipher.New(config.Encryption.Key)
	if err != nil {
		fatal(logger, "token cipher", err)
	}

	integrations := auth.NewIntegrationTokens(config.Providers, installStore,
		auth.WithSealer(cipher),
		auth.WithLogger(internal.NewLogger("auth")),
	)
	resolver := bots.NewResolver(store, cipher, integrations,
		bots.WithLogger(internal.NewLogger("bots")),
		bots.WithSelectionHook(func(source bots.Source) {
			internal.IncBotResolution(string(source))
		}),
	)
	orchestrator := reposync.NewOrchestrator(store, resolver, scm.NewFactory(config.Providers),
		reposync.WithLogger(internal.NewLogger("reposync")),
		reposync.WithPageSize(config.Sync.PageSize),
		reposync.WithListener(internal.SyncListener()),
	)
	timeout := time.Duration(config.Sync.TimeoutMS) * time.Millisecond

	if *syncOwner > 0 {
		runCtx, runCancel := context.WithTimeout(ctx, timeout)
		defer runCancel()
		summary, err := orchestrator.Run(runCtx, reposync.Request{OwnerID: *syncOwner, Username: *username, UsingIntegration: *usingIntegration})
		if err != nil {
			fatal(logger, "sync", err)
		}
		logger.Info("sync complete", "ownerid", *syncOwner, "repos", summary.ReposReconciled, "deleted", summary.ReposDeleted)
		return
	}

	if config.Metrics.Enabled {
		server := serveMetrics(config.Metrics, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown", "err", err)
			}
		}()
	}

	switch config.Dispatcher.Driver {
	case "river":
		err = runRiver(ctx, config.Dispatcher.River, orchestrator, timeout)
	case "watermill":
		err = runWatermill(ctx, config.Dispatcher.Watermill, orchestrator, timeout)
	}
	if err != nil {
		fatal(logger, "dispatcher", err)
	}
}

func runRiver(ctx context.Context, cfg internal.RiverConfig, runner tasks.Runner, timeout time.Duration) error {
	logger := internal.NewLogger("river")
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	workers := river.NewWorkers()
	river.AddWorker(workers, tasks.NewSyncReposWorker(runner,
		tasks.WithWorkerLogger(logger),
		tasks.WithTimeout(timeout),
	))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: logger,
		Queues: map[string]river.QueueConfig{
			cfg.Queue: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Info("river worker started", "queue", cfg.Queue, "max_workers", cfg.MaxWorkers)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Stop(stopCtx)
}

func runWatermill(ctx context.Context, cfg internal.WatermillConfig, runner tasks.Runner, timeout time.Duration) error {
	logger := internal.NewLogger("worker")
	transport, err := worker.OpenTransport(cfg.SubscriberConfig, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	w := worker.New(
		worker.WithSubscriber(transport.Subscriber),
		worker.WithTopics(cfg.Topic),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithLogger(logger),
		worker.WithJobTimeout(timeout),
		worker.WithRetry(worker.TerminalAware{IsTerminal: reposync.IsTerminal}),
		worker.WithMiddleware(worker.Recoverer()),
		worker.WithListener(worker.Listener{
			OnStart: func(ctx context.Context) {
				logger.InfoContext(ctx, "watermill worker started", "topic", cfg.Topic, "driver", cfg.PrimaryDriver())
			},
			OnExit: func(ctx context.Context) {
				logger.InfoContext(ctx, "watermill worker stopped")
			},
		}),
	)
	w.HandleTopic(cfg.Topic, tasks.NewSyncHandler(runner))
	return w.Run(ctx)
}

func enqueue(ctx context.Context, config internal.AppConfig, req reposync.Request) error {
	switch config.Dispatcher.Driver {
	case "river":
		pool, err := pgxpool.New(ctx, config.Dispatcher.River.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{Logger: internal.NewLogger("river")})
		if err != nil {
			return err
		}
		cfg := config.Dispatcher.River
		return tasks.NewRiverEnqueuer(client, cfg.Queue, cfg.MaxAttempts).Enqueue(ctx, req)
	case "watermill":
		cfg := config.Dispatcher.Watermill
		if cfg.PrimaryDriver() == "gochannel" {
			return errors.New("gochannel only delivers in-process; use -sync-owner instead")
		}
		publisher, err := worker.BuildPublisher(cfg.SubscriberConfig, internal.NewLogger("worker"))
		if err != nil {
			return err
		}
		defer publisher.Close()
		return tasks.NewWatermillEnqueuer(publisher, cfg.Topic).Enqueue(ctx, req)
	default:
		return errors.New("unsupported dispatcher driver: " + config.Dispatcher.Driver)
	}
}

func serveMetrics(cfg internal.MetricsConfig, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, internal.MetricsHandler())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", cfg.Addr, "path", cfg.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listen", "err", err)
		}
	}()
	return server
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
