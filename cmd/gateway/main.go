// Command gateway runs the GridTokenX peer-to-peer energy trading
// gateway: the Reading Ingestor, Matching Engine, Epoch Scheduler,
// Settlement Pipeline, REC Service, WebSocket broadcaster, and Grid
// Dashboard aggregator, fronted by a single HTTP API (spec.md §6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/gridtokenx-gateway/infrastructure/cache"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	gwmiddleware "github.com/r3e-network/gridtokenx-gateway/infrastructure/middleware"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/metrics"
	"github.com/r3e-network/gridtokenx-gateway/internal/audit"
	"github.com/r3e-network/gridtokenx-gateway/internal/broadcaster"
	"github.com/r3e-network/gridtokenx-gateway/internal/config"
	"github.com/r3e-network/gridtokenx-gateway/internal/dashboard"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
	"github.com/r3e-network/gridtokenx-gateway/internal/ingestor"
	"github.com/r3e-network/gridtokenx-gateway/internal/keystore"
	"github.com/r3e-network/gridtokenx-gateway/internal/ledger"
	"github.com/r3e-network/gridtokenx-gateway/internal/lock"
	"github.com/r3e-network/gridtokenx-gateway/internal/matching"
	"github.com/r3e-network/gridtokenx-gateway/internal/rec"
	"github.com/r3e-network/gridtokenx-gateway/internal/scheduler"
	"github.com/r3e-network/gridtokenx-gateway/internal/settlement"
	"github.com/r3e-network/gridtokenx-gateway/internal/store"
	"github.com/r3e-network/gridtokenx-gateway/internal/workerpool"
)

const serviceVersion = "1.0.0"

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}

	log := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(ctx, "open database", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		log.Fatal(ctx, "run migrations", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal(ctx, "parse redis url", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	locks := lock.New(redisClient, log, lock.Config{
		TTL:        time.Duration(cfg.LockTTLSec) * time.Second,
		RetryDelay: lock.DefaultConfig().RetryDelay,
		MaxRetries: lock.DefaultConfig().MaxRetries,
	})

	authority, err := keystore.LoadAuthorityKey(cfg.AuthorityKeyPath, cfg.AuthorityKeyInline)
	if err != nil {
		log.Fatal(ctx, "load authority key", err)
	}

	chain, err := ledger.NewClient(ledger.Config{RPCURL: cfg.LedgerRPCURL})
	if err != nil {
		log.Fatal(ctx, "construct ledger client", err)
	}

	bus := eventbus.New(cfg.EventBusSubscriberCapacity)

	engine := matching.New(st, bus, locks, log)

	ing := ingestor.New(st, bus, locks, chain, authority, nil, log, ingestor.Config{
		MintThresholdKWh: cfg.MintThresholdKWh,
		TokenMintAddress: cfg.TokenMintAddress,
	})
	ing.SetOrderSubmitter(engine)

	settlementCfg := settlement.DefaultConfig()
	settlementCfg.TokenMintAddress = cfg.TokenMintAddress
	settlementCfg.RetryMaxAttempts = cfg.SettlementRetryMax
	pipeline := settlement.New(st, bus, locks, chain, authority, log, settlementCfg)

	recSvc := rec.New(st, bus, chain, authority, log, rec.Config{
		Issuer:         authority.Address(),
		RecMintAddress: cfg.RecMintAddress,
	})
	pipeline.SetRecIssuer(recSvc)

	sched := scheduler.New(st, engine, pipeline, locks, bus, log, scheduler.Config{
		EpochDuration:         time.Duration(cfg.EpochDurationSeconds) * time.Second,
		SettlementRetryPeriod: time.Duration(cfg.SettlementRetryIntervalSec) * time.Second,
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal(ctx, "start scheduler", err)
	}
	defer sched.Stop()

	hub := broadcaster.New(bus, log)
	go hub.Run(ctx)

	aggregator := dashboard.New(st, bus, log, dashboard.DefaultConfig())
	go aggregator.Run(ctx)

	auditRecorder := audit.New(st)

	pool := workerpool.New(log)
	pool.AddTicker("reading-ingest", 500*time.Millisecond, func(ctx context.Context) error {
		_, err := ing.ProcessNext(ctx)
		return err
	}, workerpool.RunImmediately())

	jwtSigningKey := []byte(cfg.JWTSigningKey)
	if len(jwtSigningKey) == 0 && !cfg.IsProduction() {
		jwtSigningKey = []byte("dev-insecure-signing-key")
		log.WithFields(map[string]interface{}{"env": string(cfg.Env)}).Warn("using insecure development JWT signing key")
	}

	router := buildRouter(routerDeps{
		st:         st,
		engine:     engine,
		ing:        ing,
		sched:      sched,
		rec:        recSvc,
		aggregator: aggregator,
		hub:        hub,
		chain:      chain,
		audit:      auditRecorder,
		cfg:        cfg,
		jwtKey:     jwtSigningKey,
		log:        log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	shutdown := gwmiddleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() { pool.Stop() })
	shutdown.OnShutdown(func() { sched.Stop() })
	shutdown.ListenForSignals()

	go func() {
		log.WithFields(map[string]interface{}{"port": cfg.Port}).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "listen and serve", err)
		}
	}()

	shutdown.Wait()
}

type routerDeps struct {
	st         *store.Store
	engine     *matching.Engine
	ing        *ingestor.Ingestor
	sched      *scheduler.Scheduler
	rec        *rec.Service
	aggregator *dashboard.Aggregator
	hub        *broadcaster.Hub
	chain      ledger.Adapter
	audit      *audit.Recorder
	cfg        *config.Config
	jwtKey     []byte
	log        *logging.Logger
}

// buildRouter assembles the full middleware chain and route table. The
// chain order mirrors the teacher's gateway: logging, then recovery,
// then metrics, then CORS, then body limits, then security headers, then
// rate limiting.
func buildRouter(d routerDeps) http.Handler {
	router := mux.NewRouter()

	router.Use(gwmiddleware.LoggingMiddleware(d.log))
	router.Use(gwmiddleware.NewRecoveryMiddleware(d.log).Handler)

	if d.cfg.MetricsEnabled {
		m := metrics.New("gateway")
		router.Use(gwmiddleware.MetricsMiddleware("gateway", m))
		router.Handle("/metrics", promhttp.Handler())
	}

	router.Use(gwmiddleware.NewCORSMiddleware(&gwmiddleware.CORSConfig{
		AllowedOrigins: d.cfg.CORSOrigins(),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler)
	router.Use(gwmiddleware.NewBodyLimitMiddleware(1 << 20).Handler)
	router.Use(gwmiddleware.NewSecurityHeadersMiddleware(gwmiddleware.DefaultSecurityHeaders()).Handler)

	if d.cfg.RateLimitEnabled {
		rl := gwmiddleware.NewRateLimiterWithWindow(d.cfg.RateLimitRequests, d.cfg.RateLimitWindow, d.cfg.RateLimitRequests, d.log)
		defer rl.StartCleanup(time.Minute)
		router.Use(rl.Handler)
	}

	hc := newHealthChecker(serviceVersion, d.st, d.chain)
	router.HandleFunc("/health", hc.Handler())
	router.HandleFunc("/live", gwmiddleware.LivenessHandler())

	router.Handle("/ws", d.hub)
	router.Handle("/market/ws", d.hub)

	jwtExpiry := 24 * time.Hour

	public := router.PathPrefix("/auth").Subrouter()
	public.HandleFunc("/register", registerHandler(d.st, d.jwtKey, jwtExpiry, d.log)).Methods(http.MethodPost)
	public.HandleFunc("/login", loginHandler(d.st, d.jwtKey, jwtExpiry, d.log)).Methods(http.MethodPost)

	tokens := cache.NewTokenCache(cache.DefaultConfig())
	protected := router.NewRoute().Subrouter()
	protected.Use(authMiddleware(d.jwtKey, tokens, d.log))

	protected.HandleFunc("/meters/{serial}/readings", submitReadingHandler(d.ing, d.log)).Methods(http.MethodPost)

	protected.HandleFunc("/trading/orders", createOrderHandler(d.st, d.engine, d.log)).Methods(http.MethodPost)

	protected.HandleFunc("/market/orderbook", orderBookHandler(d.st, d.engine, d.log)).Methods(http.MethodGet)
	protected.HandleFunc("/market/epoch", epochHandler(d.st, d.log)).Methods(http.MethodGet)
	protected.HandleFunc("/market/epoch/status", epochHandler(d.st, d.log)).Methods(http.MethodGet)
	protected.HandleFunc("/market/depth", marketDepthHandler(d.st, d.engine, d.log)).Methods(http.MethodGet)
	protected.HandleFunc("/market/stats", marketStatsHandler(d.st, d.log)).Methods(http.MethodGet)

	protected.HandleFunc("/erc/my-certificates", myCertificatesHandler(d.rec, d.log)).Methods(http.MethodGet)
	protected.HandleFunc("/erc/{id}/retire", retireCertificateHandler(d.rec, d.log)).Methods(http.MethodPost)

	protected.HandleFunc("/dashboard/metrics", dashboardMetricsHandler(d.aggregator)).Methods(http.MethodGet)

	admin := protected.NewRoute().Subrouter()
	admin.Use(requireAdmin(d.log))
	admin.HandleFunc("/admin/epochs/{id}/trigger", triggerEpochHandler(d.sched, d.audit, d.log)).Methods(http.MethodPost)
	admin.HandleFunc("/admin/meters/{id}/verify", verifyMeterHandler(d.st, d.audit, d.log)).Methods(http.MethodPost)
	admin.HandleFunc("/admin/meters/{id}/revoke", revokeMeterHandler(d.st, d.audit, d.log)).Methods(http.MethodPost)

	// Combined-format access log to stdout, independent of the structured
	// JSON request logger LoggingMiddleware already emits.
	return handlers.CombinedLoggingHandler(os.Stdout, router)
}
