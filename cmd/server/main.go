package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tillhouse/internal/actor"
	"tillhouse/internal/alerts"
	"tillhouse/internal/audit"
	"tillhouse/internal/auth/devices"
	"tillhouse/internal/auth/sessions"
	"tillhouse/internal/auth/users"
	"tillhouse/internal/entity"
	"tillhouse/internal/entity/store"
	"tillhouse/internal/events"
	"tillhouse/internal/events/kafka"
	"tillhouse/internal/giftcards"
	"tillhouse/internal/payments"
	"tillhouse/internal/platform/config"
	"tillhouse/internal/platform/httpserver"
	"tillhouse/internal/platform/logger"
	"tillhouse/internal/platform/metrics"
	"tillhouse/internal/platform/postgres"
	redisclient "tillhouse/internal/platform/redis"
	"tillhouse/internal/platform/sqlite"
	"tillhouse/internal/ratelimit"
	"tillhouse/internal/retry"
	httptransport "tillhouse/internal/transport/http"
	"tillhouse/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// durableStore is what the process needs from a store: actor persistence and
// the listing used to re-arm retries after a restart.
type durableStore interface {
	entity.Store
	entity.Lister
}

// busTransport is an event bus that may need a consume loop.
type busTransport interface {
	events.Bus
	Close() error
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	be, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	bus, runBus, err := openBus(ctx, cfg, log, m)
	if err != nil {
		return err
	}

	host := actor.NewHost(be.store, bus,
		actor.WithLogger(log),
		actor.WithMetrics(m),
		actor.WithIdleTimeout(cfg.Actor.IdleTimeout),
		actor.WithCallTimeout(cfg.Actor.CallTimeout),
	)

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.Retry.MaxRetries
	policy.InitialInterval = cfg.Retry.InitialInterval
	policy.MaxInterval = cfg.Retry.MaxInterval

	cards := giftcards.NewService(host, giftcards.WithLogger(log))
	alertSvc := alerts.NewService(host, alerts.WithLogger(log), alerts.WithMetrics(m))
	gateway, err := openGateway(cfg, log)
	if err != nil {
		return err
	}
	paymentSvc := payments.NewService(host, gateway,
		payments.WithLogger(log),
		payments.WithMetrics(m),
		payments.WithRetryPolicy(policy),
		payments.WithLister(be.store),
	)
	svc := httptransport.Services{
		Workflows: workflow.NewService(host, workflow.WithLogger(log)),
		GiftCards: cards,
		Payments:  paymentSvc,
		Alerts:    alertSvc,
		Users: users.NewService(host, users.NewPINHasher(cfg.PINPepper),
			users.WithLogger(log), users.WithMetrics(m)),
		Sessions: sessions.NewService(host, sessions.NewTokenIssuer(cfg.JWTSigningKey, cfg.JWTIssuer),
			sessions.WithLogger(log), sessions.WithMetrics(m)),
		Devices: devices.NewService(host, devices.WithLogger(log), devices.WithMetrics(m)),
		Audit:   audit.NewService(be.audit),
	}

	group, err := events.SubscribeAll(bus,
		giftcards.RedeemOnPaymentCompleted(cards, events.NewDeduper(cfg.DedupCapacity), log, m),
		alerts.IndexProjection(alertSvc, log, m),
		audit.Recorder(be.audit, log, m),
	)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	if n, err := paymentSvc.RecoverRetries(ctx); err != nil {
		log.Warn("failed to recover payment retries", "error", err)
	} else if n > 0 {
		log.Info("re-armed payment retries", "count", n)
	}

	var limits ratelimit.Store = ratelimit.NewMemoryStore()
	if be.redis != nil {
		limits = ratelimit.NewRedisStore(be.redis)
	}
	router := httptransport.NewRouter(svc, httptransport.Options{
		AdminToken:    cfg.AdminToken,
		Metrics:       m,
		Gatherer:      reg,
		HealthChecks:  be.health,
		LoginLimiter:  ratelimit.New(limits, "login", cfg.RateLimit.LoginLimit, cfg.RateLimit.Window),
		DeviceLimiter: ratelimit.New(limits, "device", cfg.RateLimit.DeviceLimit, cfg.RateLimit.Window),
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(cfg.HTTPAddr, router), cfg.ShutdownTimeout, log)
	})
	if runBus != nil {
		g.Go(func() error { return runBus(gctx) })
	}
	runErr := g.Wait()

	// Stop intake before passivating so no activation is re-created mid-close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	paymentSvc.Close()
	if err := group.Close(); err != nil {
		log.Warn("failed to unsubscribe", "error", err)
	}
	if err := host.Close(shutdownCtx); err != nil {
		log.Warn("failed to passivate activations", "error", err)
	}
	if err := bus.Close(); err != nil {
		log.Warn("failed to close event bus", "error", err)
	}
	return runErr
}

// backend is the storage the process runs on. redis is set when a Redis
// connection was opened so the rate limiter can share windows across replicas.
type backend struct {
	store  durableStore
	audit  audit.Store
	redis  *redis.Client
	health map[string]httptransport.HealthCheck
	close  func()
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (backend, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		client, err := redisclient.New(ctx, cfg.Redis)
		if err != nil {
			return backend{}, err
		}
		log.Info("using redis entity store; audit trail is kept in memory")
		return backend{
			store:  store.NewRedis(client.Client),
			audit:  audit.NewMemoryStore(),
			redis:  client.Client,
			health: map[string]httptransport.HealthCheck{"redis": client.Health},
			close:  func() { _ = client.Close() },
		}, nil
	case config.StorePostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return backend{}, err
		}
		if err := store.MigratePostgres(ctx, db); err != nil {
			_ = db.Close()
			return backend{}, err
		}
		log.Info("using postgres entity store")
		return backend{
			store:  store.NewPostgres(db),
			audit:  audit.NewPostgresStore(db),
			health: sqlHealth("postgres", db),
			close:  func() { _ = db.Close() },
		}, nil
	case config.StoreSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		if err := store.MigrateSQLite(ctx, db); err != nil {
			_ = db.Close()
			return backend{}, err
		}
		log.Info("using sqlite entity store", "path", cfg.SQLitePath)
		return backend{
			store:  store.NewSQLite(db),
			audit:  audit.NewSQLiteStore(db),
			health: sqlHealth("sqlite", db),
			close:  func() { _ = db.Close() },
		}, nil
	default:
		log.Warn("using in-memory entity store; state is lost on restart")
		return backend{
			store: store.NewMemory(),
			audit: audit.NewMemoryStore(),
			close: func() {},
		}, nil
	}
}

func sqlHealth(name string, db *sql.DB) map[string]httptransport.HealthCheck {
	return map[string]httptransport.HealthCheck{name: db.PingContext}
}

// openGateway builds the card processor client. Only the approving stub is
// available, and it makes every card authorization succeed.
func openGateway(cfg config.Config, log *slog.Logger) (payments.Gateway, error) {
	switch cfg.PaymentGateway {
	case config.GatewayApproving:
		log.Warn("using approving payment gateway stub; every card authorization succeeds")
		return payments.ApprovingGateway{}, nil
	default:
		return nil, fmt.Errorf("unknown payment gateway %q", cfg.PaymentGateway)
	}
}

func openBus(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (busTransport, func(context.Context) error, error) {
	if cfg.BusDriver != config.BusKafka {
		return events.NewMemoryBus(events.WithMemoryLogger(log), events.WithMemoryMetrics(m)), nil, nil
	}
	bus, err := kafka.New(kafka.Config{
		Brokers:           cfg.Kafka.Brokers,
		Topic:             cfg.Kafka.Topic,
		Group:             cfg.Kafka.Group,
		Partitions:        cfg.Kafka.Partitions,
		ReplicationFactor: cfg.Kafka.ReplicationFactor,
	}, kafka.WithLogger(log), kafka.WithMetrics(m), kafka.WithRedeliveryBackoff(100*time.Millisecond, 10*time.Second))
	if err != nil {
		return nil, nil, err
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := bus.EnsureTopic(ensureCtx); err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	log.Info("using kafka event bus", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.Group)
	return bus, bus.Run, nil
}
