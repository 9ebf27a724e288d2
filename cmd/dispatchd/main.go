package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/homeserve/internal/auth"
	"github.com/example/homeserve/internal/config"
	"github.com/example/homeserve/internal/dispatch/domain"
	"github.com/example/homeserve/internal/dispatch/handler"
	"github.com/example/homeserve/internal/dispatch/repository"
	"github.com/example/homeserve/internal/dispatch/service"
	"github.com/example/homeserve/internal/events"
	"github.com/example/homeserve/internal/http/middleware"
	"github.com/example/homeserve/internal/notify"
	outboxworker "github.com/example/homeserve/internal/outbox"
	"github.com/example/homeserve/internal/proximity"
	"github.com/example/homeserve/internal/tracking"
	"github.com/example/homeserve/pkg/observability"
	outboxpkg "github.com/example/homeserve/pkg/outbox"
)

const serviceName = "dispatchd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	logger := observability.SetupLogger(serviceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	shutdown, err := observability.SetupTracer(ctx, serviceName)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	var checks []observability.Check

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		checks = append(checks, observability.Check{Name: "postgres", Probe: db.PingContext})
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks = append(checks, observability.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName)); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
			checks = append(checks, observability.Check{Name: "nats", Probe: func(context.Context) error {
				if !conn.IsConnected() {
					return nats.ErrConnectionClosed
				}
				return nil
			}})
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	clock := domain.SystemClock{}
	repo, outboxEnabled := buildRepository(ctx, db, natsConn, cfg, logger)
	index, trail, idem := buildStores(redisClient, clock, cfg)

	broker := events.NewBroker(64, logger.Named("broker"))
	natsEvents := outboxpkg.NewPublisher(natsConn, cfg.EventPrefix)
	// with the outbox, status events reach NATS through the relay
	requestEvents := domain.EventPublisher(events.Multi{broker, natsEvents})
	if outboxEnabled {
		requestEvents = broker
	}

	var notifier domain.Notifier = notify.NewLogNotifier(logger.Named("notify"))
	if natsConn != nil {
		notifier = notify.NewNATSNotifier(natsConn, clock, logger.Named("notify"))
	}

	tracker := tracking.NewTracker(trail, index, events.Multi{broker, natsEvents}, clock, logger.Named("tracking"), cfg.Tracking)
	svc := service.New(service.Deps{
		Repo:        repo,
		Index:       index,
		Notifier:    notifier,
		Events:      requestEvents,
		Tracker:     tracker,
		Clock:       clock,
		Idempotency: idem,
		Logger:      logger.Named("dispatch"),
	}, cfg.Dispatch)
	defer svc.Close()

	opts := handler.Options{JWTSecret: cfg.JWTSecret, Logger: logger.Named("http")}
	if redisClient != nil {
		opts.RateLimit = middleware.NewRateLimiter(redisClient, cfg.ReadRate, cfg.WriteRate, logger.Named("ratelimit")).Middleware
	} else {
		logger.Warn("rate limiting disabled without redis")
	}
	api := handler.NewHTTP(svc, tracker, broker, opts)

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks...))
	r.Mount("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(tracking.JSONCodec{}),
		grpc.StreamInterceptor(auth.StreamServerInterceptor(cfg.JWTSecret, auth.RoleProvider)),
	)
	tracking.RegisterTrackingServer(grpcServer, tracking.NewServer(tracker, logger.Named("grpc")))

	if outboxEnabled {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), cfg.Outbox)
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("tracking monitor stopped", zap.Error(err))
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		logger.Info("grpc tracking listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("dispatch api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
}

// buildRepository picks Postgres when a DSN is configured. The outbox relay
// only runs when there is also a NATS connection to drain it into.
func buildRepository(ctx context.Context, db *sql.DB, natsConn *nats.Conn, cfg config.Config, logger *zap.Logger) (domain.Repository, bool) {
	if db == nil {
		return repository.NewMemoryRepository(), false
	}
	repo := repository.NewPostgresRepository(db, cfg.EventPrefix)
	if err := repo.Migrate(ctx); err != nil {
		logger.Fatal("postgres migrate", zap.Error(err))
	}
	if natsConn == nil {
		logger.Warn("outbox rows will accumulate until NATS is configured")
	}
	return repo, natsConn != nil
}

func buildStores(redisClient *redis.Client, clock domain.Clock, cfg config.Config) (proximity.Index, tracking.Store, domain.IdempotencyRepository) {
	if redisClient == nil {
		return proximity.NewMemoryIndex(cfg.Proximity, clock),
			tracking.NewMemoryStore(cfg.TrailSize),
			repository.NewMemoryIdempotencyRepo(cfg.IdempotencyTTL)
	}
	return proximity.NewRedisIndex(redisClient, cfg.Proximity, clock),
		tracking.NewRedisStore(redisClient, cfg.TrailSize, cfg.TrailTTL),
		repository.NewRedisIdempotencyRepo(redisClient, "", cfg.IdempotencyTTL)
}
