package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"devstr/go-backend/internal/api"
	"devstr/go-backend/internal/config"
	"devstr/go-backend/internal/keystore"
	"devstr/go-backend/internal/platform/metrics"
	"devstr/go-backend/internal/platform/privacylog"
	"devstr/go-backend/internal/platform/ratelimiter"
	"devstr/go-backend/internal/relay"
	"devstr/go-backend/internal/republish"
	"devstr/go-backend/internal/service"
	"devstr/go-backend/internal/session"
	"devstr/go-backend/internal/storage"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	rpcAddr := flag.String("rpc-addr", "127.0.0.1:8790", "JSON-RPC listen address")
	metricsAddr := flag.String("metrics-addr", "", "Metrics/health listen address override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("platformd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("platformd failed to load config: %v", err)
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, *rpcAddr, logger); err != nil {
		log.Fatalf("platformd failed: %v", err)
	}
	logger.Info("platformd stopped")
}

func run(ctx context.Context, cfg config.Config, rpcAddr string, logger *slog.Logger) error {
	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	operatorKey, err := cfg.OperatorKeyBytes()
	if err != nil {
		return err
	}
	keys, err := keystore.New(operatorKey, logger)
	if err != nil {
		return fmt.Errorf("building keystore: %w", err)
	}

	limiter, redisClient := buildLimiter(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	publisher := relay.NewPublisher(logger,
		relay.WithTimeout(cfg.Relays.PublishTimeout.Std()),
		relay.WithMetrics(m),
	)
	enforcer := republish.NewEnforcer(store, keys, publisher, cfg.Relays.Endpoints, logger)

	svc := service.New(service.Deps{
		Repo:        store,
		Keys:        keys,
		Sessions:    session.NewStore(store),
		Limiter:     limiter,
		Publisher:   publisher,
		Republisher: enforcer,
		Endpoints:   cfg.Relays.Endpoints,
		Limits: service.Limits{
			ProveIdentity: service.OperationLimit{
				Limit:  cfg.RateLimits.ProveIdentity.Limit,
				Window: cfg.RateLimits.ProveIdentity.Window.Std(),
			},
			ResumeSession: service.OperationLimit{
				Limit:  cfg.RateLimits.ResumeSession.Limit,
				Window: cfg.RateLimits.ResumeSession.Window.Std(),
			},
		},
		Logger:  logger,
		Metrics: m,
	})
	logger.Info("platformd starting",
		"relays", len(cfg.Relays.Endpoints),
		"custody_encryption", keys.Active(),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- api.NewServer(rpcAddr, svc, logger).Run(runCtx)
	}()
	go func() {
		errCh <- serveOps(runCtx, cfg.Metrics.Addr, store, logger)
	}()

	// One listener failing takes the other down with it.
	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.Wrap(handler))
}

// buildLimiter prefers redis; with no redis configured or reachable the
// in-process limiter preserves the same semantics at process scope.
func buildLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimiter.Limiter, *redis.Client) {
	if cfg.Redis.Addr == "" {
		logger.Warn("redis not configured, rate limits are process-local")
		return ratelimiter.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, rate limits are process-local", "err", err.Error())
		_ = client.Close()
		return ratelimiter.NewMemory(), nil
	}
	return ratelimiter.NewRedis(client, "devstr"), client
}

// serveOps exposes prometheus metrics and liveness until the context ends.
func serveOps(ctx context.Context, addr string, store *storage.Store, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("ops endpoint listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
