// Command conductor runs the execution resume worker.
//
// The worker polls the delayed-resume queue, acquires each execution's quorum
// lock and drives the execution forward from its latest checkpoint. It also
// serves health and debug endpoints for operators.
//
// # Configuration
//
// Configuration is read from a YAML file (see -config). Connection settings
// can be overridden through environment variables:
//
//	REDIS_ADDR       - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD   - Redis password (optional)
//	MONGO_URI        - MongoDB connection URI for checkpoints (optional)
//	HEALTH_ADDR      - health/debug listen address (default: ":8081")
//
// Code identity for logic drift detection:
//
//	CONDUCTOR_GIT_SHA        - git commit of the running build
//	CONDUCTOR_LOGIC_VERSION  - semantic version of the orchestration logic
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	checkpointmongo "goa.design/conductor/features/checkpoint/mongo"
	memoryredis "goa.design/conductor/features/memory/redis"
	tracepulse "goa.design/conductor/features/trace/pulse"
	pulseclient "goa.design/conductor/features/trace/pulse/clients/pulse"
	"goa.design/conductor/runtime/checkpoint"
	"goa.design/conductor/runtime/exec"
	"goa.design/conductor/runtime/failover"
	"goa.design/conductor/runtime/idempotency"
	"goa.design/conductor/runtime/lock"
	"goa.design/conductor/runtime/taskqueue"
	"goa.design/conductor/runtime/telemetry"
	"goa.design/conductor/runtime/tools"
	"goa.design/conductor/runtime/trace"
	"goa.design/conductor/runtime/triage"
	vectorinmem "goa.design/conductor/runtime/vector/inmem"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Redis backs state, locks, idempotency, the task queue and traces.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf(ctx, "close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	store, err := memoryredis.New(memoryredis.Options{Client: rdb, Prefix: cfg.Redis.KeyPrefix})
	if err != nil {
		return fmt.Errorf("create redis store: %w", err)
	}

	locks, err := lock.New(lock.Options{Stores: []lock.Store{store}, Logger: logger})
	if err != nil {
		return fmt.Errorf("create lock manager: %w", err)
	}
	guard, err := idempotency.New(idempotency.Options{Store: store})
	if err != nil {
		return fmt.Errorf("create idempotency guard: %w", err)
	}
	queue, err := taskqueue.New(taskqueue.Options{Store: store, Logger: logger})
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}
	stateStore, err := exec.NewStateStore(exec.StateStoreOptions{Records: store, Index: store})
	if err != nil {
		return fmt.Errorf("create state store: %w", err)
	}

	// Checkpoints: Mongo when configured, in-process otherwise.
	pingers := []health.Pinger{store}
	var checkpoints checkpoint.Store
	if cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mc.Disconnect(context.WithoutCancel(ctx)); err != nil {
				log.Printf(ctx, "disconnect mongo: %v", err)
			}
		}()
		ms, err := checkpointmongo.New(checkpointmongo.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			return fmt.Errorf("create checkpoint store: %w", err)
		}
		checkpoints = ms
		pingers = append(pingers, ms)
	} else {
		log.Printf(ctx, "mongo.uri not set, using in-process checkpoints")
		checkpoints = checkpoint.NewMemoryStore(checkpoint.DefaultTTL)
	}

	// Trace sink over Pulse streams.
	var sink trace.Sink = trace.NoopSink{}
	if !cfg.Trace.Disabled {
		pc, err := pulseclient.New(pulseclient.Options{
			Redis:            rdb,
			StreamMaxLen:     cfg.Trace.StreamMaxLen,
			OperationTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		ps, err := tracepulse.NewSink(tracepulse.Options{Client: pc})
		if err != nil {
			return fmt.Errorf("create trace sink: %w", err)
		}
		defer func() {
			if err := ps.Close(context.WithoutCancel(ctx)); err != nil {
				log.Printf(ctx, "close trace sink: %v", err)
			}
		}()
		sink = ps
	}

	// Failure triage: semantic over the configured provider when available,
	// heuristic rules otherwise. The precedent cache short-circuits repeat
	// failures so they never cost a second generation.
	var triageSvc triage.Service = triage.NewHeuristic(nil, nil, nil)
	gen, err := buildGenerator(ctx, cfg.Provider)
	if err != nil {
		return err
	}
	if gen != nil {
		triageSvc = triage.NewSemantic(gen, triageSvc, 0, logger)
		triageSvc = triage.NewPrecedents(triageSvc, vectorinmem.New(), 0, logger)
	}

	registry := tools.NewRegistry(tools.WithLogger(logger), tools.WithMetrics(metrics))
	history := &lazyHistory{}
	if err := tools.RegisterBuiltins(registry, logger, history); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	orch, err := exec.New(exec.Options{
		Store:           stateStore,
		Registry:        registry,
		Triage:          triageSvc,
		Failover:        failover.NewEngine(cfg.policies()...),
		Guard:           guard,
		Queue:           queue,
		Checkpoints:     checkpoints,
		Identity:        checkpoint.IdentityFromEnv(registry.Versions()),
		Trace:           sink,
		Logger:          logger,
		Metrics:         metrics,
		Parallelism:     cfg.Worker.Parallelism,
		RetryBase:       cfg.Worker.RetryBase.std(),
		MaxRetries:      cfg.Worker.MaxRetries,
		MaxParamRetries: cfg.Worker.MaxParamRetries,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	history.set(orch)

	worker, err := taskqueue.NewWorker(taskqueue.WorkerOptions{
		Queue:        queue,
		Locks:        locks,
		Resumer:      orch,
		PollInterval: cfg.Worker.PollInterval.std(),
		BatchSize:    cfg.Worker.BatchSize,
		LockValidity: cfg.Worker.LockValidity.std(),
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	// Health and debug endpoints.
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	debug.MountDebugLogEnabler(mux)
	debug.MountPprofHandlers(mux)
	server := &http.Server{Addr: cfg.HealthAddr, Handler: mux}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "worker started (poll=%s batch=%d)", cfg.Worker.PollInterval.std(), cfg.Worker.BatchSize)
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- fmt.Errorf("worker: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "health endpoints on %s", cfg.HealthAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("health server: %w", err)
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "shutdown health server: %v", err)
	}

	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// lazyHistory breaks the construction cycle between the tool registry and the
// orchestrator: builtins register against it before the orchestrator exists.
type lazyHistory struct {
	mu   sync.RWMutex
	orch tools.HistoryReader
}

func (h *lazyHistory) set(orch tools.HistoryReader) {
	h.mu.Lock()
	h.orch = orch
	h.mu.Unlock()
}

// ExecutionHistory implements tools.HistoryReader.
func (h *lazyHistory) ExecutionHistory(ctx context.Context, intentID string) (any, error) {
	h.mu.RLock()
	orch := h.orch
	h.mu.RUnlock()
	if orch == nil {
		return map[string]any{"intent_id": intentID, "executions": []any{}}, nil
	}
	return orch.ExecutionHistory(ctx, intentID)
}
