// Command fluxserver is the server-side binary of spec §6: it owns the
// Postgres-backed catalog/execution/event/schedule stores, runs the
// dispatcher and cron-driven scheduler loops, and accepts worker
// connections over the wsstream transport.
//
// Grounded on the teacher's worker/cmd pattern of a single main()
// wiring config -> logger -> service, generalized here across the
// handful of long-running loops a Flux server owns instead of the
// teacher's single task-poller loop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fluxworkflow/flux/client"
	"github.com/fluxworkflow/flux/dispatcher"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/config"
	"github.com/fluxworkflow/flux/internal/log"
	"github.com/fluxworkflow/flux/internal/metrics"
	"github.com/fluxworkflow/flux/persistence/postgres"
	"github.com/fluxworkflow/flux/protocol/wsstream"
	"github.com/fluxworkflow/flux/scheduler"
	"github.com/fluxworkflow/flux/secrets"
	"github.com/fluxworkflow/flux/server"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger, err := log.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Server{
		Host:               envOr("FLUX_HOST", "0.0.0.0"),
		Port:               8080,
		DBURL:              envOr("FLUX_DB_URL", "postgres://localhost/flux?sslmode=disable"),
		ClaimAckTimeout:    5 * time.Second,
		MaxClaimAttempts:   3,
		OrphanTimeout:      30 * time.Second,
		CancelGracePeriod:  30 * time.Second,
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal("invalid server configuration", zap.Error(err))
	}

	db, err := postgres.Open(cfg.DBURL)
	if err != nil {
		logger.Fatal("connect to postgres", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(db); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	clock := clockwork.New()
	scope := tally.NoopScope

	catalogStore := postgres.NewWorkflowStore(db)
	executionStore := postgres.NewExecutionStore(db)
	eventStore := postgres.NewEventStore(db)
	scheduleStore := postgres.NewScheduleStore(db)
	workerDirectory := postgres.NewWorkerStore(db)
	secretsStore, err := secrets.NewEncryptedFileWithLogger(envOr("FLUX_SECRETS_PATH", "./flux-secrets.enc"), mustMasterKey(), log.ToLogr(logger))
	if err != nil {
		logger.Fatal("open secrets store", zap.Error(err))
	}

	registry := dispatcher.NewRegistry()
	transport := wsstream.NewTransport()

	disp := dispatcher.NewDispatcher(executionStore, registry, nil, clock, logger, scope, dispatcher.Config{
		ClaimAckTimeout:  cfg.ClaimAckTimeout,
		MaxClaimAttempts: cfg.MaxClaimAttempts,
		HeartbeatTimeout: cfg.OrphanTimeout,
	})

	hub := server.NewHub(transport, registry, disp, eventStore, executionStore, catalogStore, workerDirectory, clock, logger)
	disp.SetSender(hub)

	adminClient := client.New(client.Client{
		Catalog:           catalogStore,
		Executions:        executionStore,
		Events:            eventStore,
		Secrets:           secretsStore,
		Schedules:         scheduleStore,
		Dispatcher:        disp,
		CancelNotifier:    hub,
		CancelGracePeriod: cfg.CancelGracePeriod,
		Clock:             clock,
		Logger:            logger,
	})

	sched := scheduler.New(scheduleStore, client.NewScheduleEnqueuer(adminClient), client.NewScheduleEnqueuer(adminClient), clock, logger, scheduler.Config{
		TickInterval: time.Second,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/worker/connect", transport.Handler)
	mux.Handle("/admin/", newAdminHandler(adminClient))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go disp.Run(ctx)
	go sched.Run(ctx)
	go hub.Serve(ctx)
	go hub.Run(ctx)

	httpSrv := &http.Server{Addr: cfg.Host + ":" + strconv.Itoa(cfg.Port), Handler: mux}
	go func() {
		logger.Info("fluxserver: listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("fluxserver: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	transport.Close()
}

func mustMasterKey() string {
	key := os.Getenv("FLUX_MASTER_KEY")
	if len(key) < 32 {
		key = "0123456789abcdef0123456789abcdef"
	}
	return key
}
