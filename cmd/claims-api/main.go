// Package main provides the claims API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/api/handlers"
	"github.com/clearhealth/claimsync/internal/api/middleware"
	"github.com/clearhealth/claimsync/internal/domain/reimbursement"
	"github.com/clearhealth/claimsync/internal/gateway"
	"github.com/clearhealth/claimsync/internal/infrastructure/postgres"
	"github.com/clearhealth/claimsync/internal/infrastructure/redpanda"
	"github.com/clearhealth/claimsync/internal/observability/metrics"
	"github.com/clearhealth/claimsync/internal/observability/tracing"
	"github.com/clearhealth/claimsync/internal/store"
	"github.com/clearhealth/claimsync/internal/syncer"
	"github.com/clearhealth/claimsync/pkg/circuitbreaker"
)

// Config holds application configuration
type Config struct {
	Port          string
	DatabaseURL   string
	GatewayURL    string
	KafkaBrokers  []string
	OTLPEndpoint  string
	SyncInterval  time.Duration
	SaveInterval  time.Duration
	TracingOff    bool
	KafkaEnabled  bool
	DatabaseIsSet bool
}

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tcfg := tracing.DefaultConfig("claims-api")
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.Disabled = cfg.TracingOff
	provider, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer provider.Shutdown(context.Background())

	// Persistence backend. Clinics without a local database run purely
	// in-memory and rely on the gateway copy after a restart.
	var kv store.KV = store.NewMemoryKV()
	if cfg.DatabaseIsSet {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}

		ps := postgres.NewPartitionStore(pool, logger)
		if err := ps.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to ensure schema", zap.Error(err))
		}
		kv = ps
		logger.Info("connected to database")
	}

	// Entity store and offline ledger
	st := store.New(logger)
	if err := st.Load(ctx, kv); err != nil {
		logger.Warn("partial store load", zap.Error(err))
	}
	ledger := syncer.NewLedger(logger)
	if err := ledger.Load(ctx, kv); err != nil {
		logger.Fatal("failed to load delta ledger", zap.Error(err))
	}

	m := metrics.New()

	// Sync machinery
	gw := gateway.NewClient(cfg.GatewayURL, logger)
	guard := syncer.NewGuard(ledger)
	fetcher := syncer.NewFetcher(gw, st, guard, m, logger)
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("gateway"), logger)
	uploader := syncer.NewUploader(gw, ledger, st, breaker, m, cfg.SyncInterval, logger)

	batcher := reimbursement.NewBatcher(st, logger)

	// Event stream is optional; offline sites run without a broker.
	var publisher handlers.Publisher
	if cfg.KafkaEnabled {
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.Fatal("failed to create kafka admin", zap.Error(err))
		}
		if err := admin.EnsureTopics(ctx); err != nil {
			logger.Warn("failed to ensure topics", zap.Error(err))
		}
		admin.Close()

		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		producer, err := redpanda.NewProducer(pcfg, logger)
		if err != nil {
			logger.Fatal("failed to create producer", zap.Error(err))
		}
		defer producer.Close()
		publisher = producer
	}

	go pollMetrics(ctx, m, ledger, breaker)

	// Background sync and persistence loops
	go uploader.Run(ctx)
	go saveLoop(ctx, cfg.SaveInterval, st, ledger, kv, logger)

	// Handlers
	claimHandler := handlers.NewClaimHandler(st, ledger, publisher, m, logger)
	reimbHandler := handlers.NewReimbursementHandler(batcher, st, ledger, publisher, m, logger)
	syncHandler := handlers.NewSyncHandler(fetcher, uploader, ledger, st, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("claims-api"))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity)
		r.Mount("/encounters", claimHandler.Routes())
		r.Mount("/reimbursements", reimbHandler.Routes())
		r.Mount("/sync", syncHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}

		// Final save so no local work is lost across the restart.
		if err := st.Save(shutdownCtx, kv); err != nil {
			logger.Error("final store save failed", zap.Error(err))
		}
		if err := ledger.Save(shutdownCtx, kv); err != nil {
			logger.Error("final ledger save failed", zap.Error(err))
		}
	}()

	logger.Info("starting claims API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// saveLoop snapshots the store and ledger to the KV backend and evicts
// synced deltas.
func saveLoop(ctx context.Context, interval time.Duration, st *store.Store, ledger *syncer.Ledger, kv store.KV, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.Save(ctx, kv); err != nil {
				logger.Error("store save failed", zap.Error(err))
			}
			ledger.Collect()
			if err := ledger.Save(ctx, kv); err != nil {
				logger.Error("ledger save failed", zap.Error(err))
			}
		}
	}
}

// pollMetrics mirrors component stats into Prometheus gauges.
func pollMetrics(ctx context.Context, m *metrics.Metrics, ledger *syncer.Ledger, breaker *circuitbreaker.Breaker) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.DeltasPending.Set(float64(ledger.Stats().Pending))

			state := 0.0
			switch breaker.State() {
			case "open":
				state = 1
			case "half-open":
				state = 2
			}
			m.CircuitBreakerState.WithLabelValues("gateway").Set(state)
		}
	}
}

func loadConfig() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://localhost:9000"
	}

	otlp := os.Getenv("OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	dbURL := os.Getenv("DATABASE_URL")
	brokers := splitList(os.Getenv("KAFKA_BROKERS"))

	return Config{
		Port:          port,
		DatabaseURL:   dbURL,
		GatewayURL:    gatewayURL,
		KafkaBrokers:  brokers,
		OTLPEndpoint:  otlp,
		SyncInterval:  envDuration("SYNC_INTERVAL", 15*time.Second),
		SaveInterval:  envDuration("SAVE_INTERVAL", 30*time.Second),
		TracingOff:    envBool("TRACING_DISABLED"),
		KafkaEnabled:  len(brokers) > 0,
		DatabaseIsSet: dbURL != "",
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"claims-api","version":"1.0.0"}`)
}
