// Command fluxworker is the worker-side binary of spec §6: it dials the
// server's wsstream transport, registers its advertised capabilities,
// and runs whatever workflows this process has linked in via
// workflow.Registry.
//
// Grounded on the teacher's worker/cmd pattern of main() wiring
// config -> logger -> service, mirrored from cmd/fluxserver/main.go.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fluxworkflow/flux/cache"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/log"
	"github.com/fluxworkflow/flux/protocol"
	"github.com/fluxworkflow/flux/protocol/wsstream"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/fluxworkflow/flux/secrets"
	"github.com/fluxworkflow/flux/storage"
	"github.com/fluxworkflow/flux/worker"
	"github.com/fluxworkflow/flux/workflow"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// cacheSweepInterval bounds how often the in-process cached-task-result
// store reclaims expired entries proactively; lazy eviction on Get
// already bounds correctness, this just bounds footprint between hits.
const cacheSweepInterval = time.Minute

// sweepCacheOnTicker runs c.Sweep on a ticker until ctx is cancelled,
// mirroring the scheduler's own ticker-loop pattern.
func sweepCacheOnTicker(ctx context.Context, c *cache.Memory, clock clockwork.Clock, interval time.Duration, logger *zap.Logger) {
	ticker := clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := c.Sweep(); evicted > 0 {
				logger.Debug("fluxworker: swept expired cache entries", zap.Int("evicted", evicted))
			}
		}
	}
}

// echoWorkflow is a minimal demonstration workflow registered so this
// binary is runnable out of the box; real deployments register their
// own Factory implementations at process start the same way.
type echoWorkflow struct{}

func (echoWorkflow) Run(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return nil, err
	}
	out, err := workflow.Call(c, "upper", func(ctx context.Context, in string) (string, error) {
		return strings.ToUpper(in), nil
	}, s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func main() {
	logger, err := log.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	serverURL := envOr("FLUX_SERVER_URL", "ws://localhost:8080/worker/connect")
	sessionName := envOr("FLUX_SESSION_NAME", "fluxworker")
	maxConcurrent, _ := strconv.Atoi(envOr("FLUX_MAX_CONCURRENT", "4"))

	registry := workflow.NewRegistry()
	registry.Register("echo", 1, func() workflow.Workflow { return echoWorkflow{} })

	clock := clockwork.New()
	secretsStore := secrets.NewMemory()

	outputStore, err := storage.NewFilesystemWithLogger(envOr("FLUX_OUTPUT_PATH", "./flux-output"), log.ToLogr(logger))
	if err != nil {
		logger.Fatal("open output store", zap.Error(err))
	}

	var cacheStore runtime.CacheStore
	var memCache *cache.Memory
	if redisAddr := os.Getenv("FLUX_REDIS_ADDR"); redisAddr != "" {
		cacheStore = cache.NewRedis(redis.NewClient(&redis.Options{Addr: redisAddr}), "flux")
	} else {
		memCache = cache.NewMemory(clock)
		cacheStore = memCache
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if memCache != nil {
		go sweepCacheOnTicker(ctx, memCache, clock, cacheSweepInterval, logger)
	}

	conn, err := wsstream.Dial(ctx, serverURL)
	if err != nil {
		logger.Fatal("dial fluxserver", zap.Error(err))
	}

	runner := registry.Runner(workflow.Dependencies{
		Clock:   clock,
		Logger:  logger,
		Secrets: secretsStore,
		Cache:   cacheStore,
		Output:  outputStore,
	})

	w := worker.New(conn, runner, clock, logger, worker.Config{
		WorkerName: sessionName,
		Capabilities: protocol.RegisterPayload{
			WorkerName:    sessionName,
			CPU:           4,
			MemoryMB:      4096,
			MaxConcurrent: maxConcurrent,
		},
		HeartbeatInterval: 10 * time.Second,
		MaxConcurrent:     maxConcurrent,
	})

	logger.Info("fluxworker: connecting", zap.String("server_url", serverURL))
	if err := w.Start(ctx); err != nil {
		logger.Error("fluxworker: stopped", zap.Error(err))
	}
	w.Stop()
}
