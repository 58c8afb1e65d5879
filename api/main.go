package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/quarrylabs/quarry/agent/pkg/dbexec"
	"github.com/quarrylabs/quarry/agent/pkg/memory"
	"github.com/quarrylabs/quarry/agent/pkg/querycache"
	"github.com/quarrylabs/quarry/agent/pkg/schema"
	"github.com/quarrylabs/quarry/agent/pkg/session"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/agent/pkg/workflow/prompts"
	"github.com/quarrylabs/quarry/api/config"
	"github.com/quarrylabs/quarry/api/handlers"
	"github.com/quarrylabs/quarry/api/metrics"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set when the shutdown signal is received; the readiness
	// probe checks it to immediately return 503.
	shuttingDown atomic.Bool
)

func main() {
	addrFlag := flag.String("addr", ":8080", "Address to listen on")
	metricsAddrFlag := flag.String("metrics-addr", "0.0.0.0:0", "Address to listen on for prometheus metrics")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debugFlag {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})))

	log.Printf("Starting quarry-api version=%s commit=%s date=%s", version, commit, date)

	// Load .env files if they exist; godotenv doesn't override existing vars.
	_ = godotenv.Load()
	_ = godotenv.Load("api/.env")

	// Sentry is optional; no-op without a DSN.
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			log.Printf("Warning: Sentry initialization failed: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.Get()

	if err := config.LoadPostgres(); err != nil {
		log.Fatalf("Failed to connect to target database: %v", err)
	}
	defer config.ClosePostgres()

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		log.Fatalf("ANTHROPIC_API_KEY is not set")
	}

	// Shared components: schema analyzer, prompt library, LLM client, memory
	// store, query cache.
	analyzer := schema.NewAnalyzer(config.PgPool, cfg.TargetSchema, cfg.TargetTable, slog.Default())
	if err := analyzer.Analyze(context.Background()); err != nil {
		log.Fatalf("Failed to analyze target table: %v", err)
	}

	promptLib, err := prompts.Load()
	if err != nil {
		log.Fatalf("Failed to load prompts: %v", err)
	}

	chatModel := anthropic.ModelClaudeHaiku4_5
	if cfg.ChatModel != "" {
		chatModel = anthropic.Model(cfg.ChatModel)
	}
	llm := workflow.NewAnthropicLLMClient(chatModel, 4096)

	var memStore *memory.Store
	useMemory := cfg.UseMemory
	if useMemory {
		if cfg.EmbeddingsAPIKey == "" {
			log.Printf("Warning: EMBEDDINGS_API_KEY is not set; conversation memory disabled")
			useMemory = false
		} else {
			embedder := memory.NewHTTPEmbedder(cfg.EmbeddingsBaseURL, cfg.EmbeddingsAPIKey, cfg.EmbeddingsModel)
			memStore, err = memory.Open(cfg.MemoryPersistDir, embedder, slog.Default())
			if err != nil {
				log.Fatalf("Failed to open memory store: %v", err)
			}
			defer memStore.Close()
		}
	}

	cacheStore := querycache.New(querycache.DefaultCapacity, cfg.CacheFile, slog.Default())
	if cfg.UseCache {
		if err := cacheStore.Load(); err != nil {
			log.Printf("Warning: failed to load query cache: %v", err)
		}
		defer func() {
			if err := cacheStore.Save(); err != nil {
				log.Printf("Warning: failed to save query cache: %v", err)
			}
		}()
	}

	opts := workflow.Options{
		UseMemory:             useMemory,
		UseCache:              cfg.UseCache,
		MaxValidationAttempts: cfg.MaxValidationAttempts,
		AutoFix:               cfg.AutoFix,
		PageSizeDefault:       cfg.PageSizeDefault,
		PageSizeMax:           cfg.PageSizeMax,
		LLMTimeout:            cfg.LLMTimeout,
		DBTimeout:             cfg.DBTimeout,
		TurnTimeout:           cfg.TurnTimeout,
		ChatModel:             string(chatModel),
		EmbeddingsModel:       cfg.EmbeddingsModel,
	}

	// Any committed DDL refreshes the analysis and evicts stale cache entries.
	onSchemaChange := func(ctx context.Context) {
		if err := analyzer.Invalidate(ctx); err != nil {
			slog.Error("schema refresh failed", "error", err)
		}
		cacheStore.Invalidate(analyzer.Version())
	}

	factory := func(sessionID string) (*session.Session, error) {
		tables := dbexec.NewTableRegistry(32, cfg.PageSizeDefault, cfg.PageSizeMax)
		engine := dbexec.NewEngine(config.PgPool, tables, slog.Default(), cfg.DBTimeout, onSchemaChange)

		wfCfg := &workflow.Config{
			Logger:   slog.Default(),
			LLM:      llm,
			Executor: engine,
			Schema:   analyzer,
			Cache:    cacheStore,
			Prompts:  promptLib,
			Options:  opts,
		}
		if memStore != nil {
			wfCfg.Memory = memStore
		}

		gen, err := workflow.New(wfCfg, cfg.TargetTable)
		if err != nil {
			return nil, err
		}
		return session.NewSession(sessionID, gen, engine), nil
	}

	cleanup := func(sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if memStore != nil {
			if err := memStore.DeleteSession(ctx, sessionID); err != nil {
				slog.Error("failed to delete session memory", "session_id", sessionID, "error", err)
			}
		}
		cacheStore.DropSession(sessionID)
	}

	registry := session.NewRegistry(factory, cleanup, nil, cfg.SessionTTL, slog.Default())

	evictCtx, stopEvict := context.WithCancel(context.Background())
	defer stopEvict()
	go registry.Start(evictCtx)

	// Metrics server on a side listener.
	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			log.Printf("Failed to start prometheus metrics server listener: %v", err)
		} else {
			log.Printf("Prometheus metrics server listening on %s", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					log.Printf("Metrics server error: %v", err)
				}
			}()
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	if sentryDSN != "" {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := config.PgPool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database connection failed"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handlers.New(registry).Routes(r)

	server := &http.Server{Addr: *addrFlag, Handler: r}

	go func() {
		log.Printf("Listening on %s", *addrFlag)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shuttingDown.Store(true)
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}
