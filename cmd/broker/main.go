// Command broker runs the diagram-generation request broker: HTTP ingress,
// the single logical dispatcher, and (when Redis is configured) fencing-
// epoch leader election so exactly one replica drives the executor.
// Wiring follows the teacher's control_plane/main.go: build the store(s),
// wire leader election around the dispatcher, register routes, serve.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagramforge/broker/internal/api"
	"github.com/diagramforge/broker/internal/broker"
	"github.com/diagramforge/broker/internal/clock"
	"github.com/diagramforge/broker/internal/config"
	"github.com/diagramforge/broker/internal/coordination"
	"github.com/diagramforge/broker/internal/executor"
	"github.com/diagramforge/broker/internal/idempotency"
	"github.com/diagramforge/broker/internal/llm"
	"github.com/diagramforge/broker/internal/middleware"
	"github.com/diagramforge/broker/internal/observability"
	"github.com/diagramforge/broker/internal/queue"
	"github.com/diagramforge/broker/internal/quota"
	"github.com/diagramforge/broker/internal/render"
	"github.com/diagramforge/broker/internal/statusbus"
	"github.com/diagramforge/broker/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real{}
	ids := clock.NewIDSource(realClock)

	var durable store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("broker: connect postgres: %v", err)
		}
		durable = pg
		log.Println("broker: using PostgresStore for jobs/usage")
	} else {
		durable = store.NewMemoryStore()
		log.Println("broker: using in-memory store (not durable across restarts)")
	}

	var redisStore *store.RedisStore
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedisStore(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Fatalf("broker: connect redis: %v", err)
		}
		redisStore = rs
		log.Printf("broker: connected to redis at %s for coordination", cfg.RedisAddr)
	}

	q := queue.New(cfg.Quota.MaxQueueSize)
	rq := queue.NewRetry()
	bus := statusbus.New()
	evaluator := quota.NewEvaluator(cfg.Quota, durable, realClock, q)

	provider := llm.NewClient(cfg.LLMEndpoint, cfg.LLMCredential, cfg.Executor.LLMTimeout)
	prompts := llm.NewPromptBuilder()
	invoker := render.NewInvoker(cfg.RenderBinary, cfg.RenderScratch, cfg.LLMCredential, cfg.RenderPath, render.DefaultTimeout)

	exec := executor.New(cfg.Executor, durable, realClock, q, rq, evaluator, bus, provider, invoker, prompts)
	b := broker.New(durable, ids, realClock, evaluator, cfg.Quota, q, rq, bus, exec)

	var idemStore *idempotency.Store
	if redisStore != nil {
		idemStore = idempotency.NewStore(redisStore)
	} else {
		idemStore = idempotency.NewStore(nil)
	}

	appAPI := api.New(b, bus, idemStore)

	startDispatch := func(ctx context.Context) {
		if err := b.Restore(ctx); err != nil {
			log.Printf("broker: restore failed: %v", err)
		}
		go exec.Run(ctx)
	}

	if redisStore != nil {
		elector := coordination.NewLeaderElector(redisStore, durable, ids, cfg.NodeID, 30*time.Second)
		janitor := coordination.NewLockJanitor(redisStore, durable, 60*time.Second)
		janitor.Start(ctx)

		var dispatchCancel context.CancelFunc
		elector.SetCallbacks(
			func(electedCtx context.Context) {
				log.Println("broker: elected leader, starting dispatcher")
				var dispatchCtx context.Context
				dispatchCtx, dispatchCancel = context.WithCancel(electedCtx)
				startDispatch(dispatchCtx)
			},
			func() {
				log.Println("broker: lost leadership, stopping dispatcher")
				if dispatchCancel != nil {
					dispatchCancel()
				}
			},
		)
		elector.Start(ctx)
	} else {
		log.Println("broker: no redis configured, running standalone (single replica)")
		startDispatch(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", api.Healthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/v1/jobs", middleware.AuthMiddleware(http.HandlerFunc(appAPI.HandleSubmit)))
	mux.Handle("/v1/jobs/", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			appAPI.HandleCancel(w, r)
		case isStreamPath(r.URL.Path):
			appAPI.HandleStream(w, r)
		default:
			appAPI.HandleQuery(w, r)
		}
	})))

	handler := middleware.CORSMiddleware(mux)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	observability.ActiveDispatch.Set(0)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("broker: shutdown error: %v", err)
		}
	}()

	log.Printf("broker: listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(fmt.Errorf("broker: serve: %w", err))
	}
}

func isStreamPath(path string) bool {
	const suffix = "/stream"
	if len(path) < len(suffix) {
		return false
	}
	return path[len(path)-len(suffix):] == suffix
}
