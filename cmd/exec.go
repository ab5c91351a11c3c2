package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"stand-queue/config"
	"stand-queue/internal/coordinator"
	"stand-queue/internal/handlers"
	"stand-queue/internal/ledger"
	"stand-queue/internal/membership"
	"stand-queue/internal/services"
	"stand-queue/monitoring"
	"stand-queue/security"
	"stand-queue/utils"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
)

const sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// engine is the queue stack shared by the HTTP server and the queue commands.
// It is wired once PocketBase has bootstrapped its data dir.
type engine struct {
	cfg          *config.Config
	redisClient  *redis.Client
	ledgerDB     *dbx.DB
	ledger       *ledger.Ledger
	store        membership.Store
	queueService *services.QueueService
}

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()
	eng := &engine{cfg: cfg}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.OnBootstrap().BindFunc(func(e *core.BootstrapEvent) error {
		if err := e.Next(); err != nil {
			return err
		}
		return eng.init(ctx, app.DataDir())
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		eng.close()
		return e.Next()
	})

	app.RootCmd.AddCommand(newQueueCommand(eng))

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		var limiter *security.RateLimiter
		if eng.redisClient != nil {
			limiter = security.NewRateLimiter(eng.redisClient, cfg.JoinRateLimit, time.Minute)
		}

		handlers.RegisterRoutes(e.Router, eng.queueService, limiter, cfg.OperatorKeyHash)
		e.Router.GET("/health", eng.health)

		go eng.queueService.RestoreOnStartup(ctx)
		go eng.queueService.RunReconciler(ctx)

		if cfg.EnableMetrics {
			go serveMetrics(ctx, cfg.MetricsPort)
		}

		slog.Info("Server routes registered", "fastStore", cfg.FastStore, "ledger", cfg.LedgerDriver)

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func (eng *engine) init(ctx context.Context, dataDir string) error {
	cfg := eng.cfg

	switch cfg.FastStore {
	case "memory":
		eng.store = membership.NewMemoryStore()
		slog.Warn("Using in-process fast store, queue lines are lost on restart")
	default:
		client, err := utils.NewRedisClient(cfg.RedisURL, cfg.StoreTimeout)
		if err != nil {
			slog.Warn("Starting with fast store unavailable", "error", err)
		}
		eng.redisClient = client

		breaker := utils.NewCircuitBreakerWithSettings("fast_store", utils.BreakerSettings{
			MaxRequests:  cfg.BreakerMaxRequests,
			Interval:     cfg.BreakerInterval,
			Timeout:      cfg.BreakerTimeout,
			FailureRatio: cfg.BreakerFailureRatio,
			OnStateChange: func(name string, from, to utils.State) {
				slog.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
				monitoring.SetBreakerState(name, int(to))
			},
		})
		eng.store = membership.NewRedisStore(client,
			membership.WithCallTimeout(cfg.StoreTimeout),
			membership.WithBreaker(breaker),
		)
	}

	dsn := cfg.LedgerDSN
	if dsn == "" {
		if cfg.LedgerDriver != "sqlite" {
			return fmt.Errorf("LEDGER_DSN is required for driver %q", cfg.LedgerDriver)
		}
		dsn = filepath.Join(dataDir, "ledger.db") + sqlitePragmas
	}

	db, err := ledger.Open(cfg.LedgerDriver, dsn)
	if err != nil {
		return err
	}
	eng.ledgerDB = db
	eng.ledger = ledger.New(db, ledger.WithTimeout(cfg.LedgerTimeout))

	if err := eng.ledger.Migrate(ctx); err != nil {
		return err
	}

	eng.queueService = services.NewQueueService(
		coordinator.New(eng.store, eng.ledger),
		eng.ledger,
		eng.store,
		newNotifier(cfg),
		cfg,
	)
	return nil
}

func newNotifier(cfg *config.Config) services.Notifier {
	if cfg.PubNubPublishKey == "" {
		slog.Info("PubNub not configured, participant notifications disabled")
		return services.NopNotifier{}
	}

	// Initialize PubNub
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	return services.NewPubNubNotifier(pubnub.NewPubNub(pnConfig))
}

func (eng *engine) close() {
	if eng.redisClient != nil {
		if err := eng.redisClient.Close(); err != nil {
			slog.Warn("Error closing Redis client", "error", err)
		}
	}
	if eng.ledgerDB != nil {
		if err := eng.ledgerDB.Close(); err != nil {
			slog.Warn("Error closing ledger", "error", err)
		}
	}
}

// health reports 503 only when the ledger is down. A missing fast store
// degrades answers but the queue keeps working.
func (eng *engine) health(e *core.RequestEvent) error {
	ctx, cancel := context.WithTimeout(e.Request.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"ledger": "ok", "fast_store": "ok"}
	status, code := "healthy", http.StatusOK

	if err := eng.ledger.Ping(ctx); err != nil {
		checks["ledger"] = err.Error()
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	if eng.redisClient != nil {
		if err := utils.RedisHealthCheck(eng.redisClient); err != nil {
			checks["fast_store"] = err.Error()
			if code == http.StatusOK {
				status = "degraded"
			}
		}
	} else {
		checks["fast_store"] = eng.cfg.FastStore
	}

	return e.JSON(code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func serveMetrics(ctx context.Context, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server failed", "error", err)
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Shutdown signal received, cleaning up...")
	cancel()
}
