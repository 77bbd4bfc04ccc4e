// Package app assembles the reservation service from configuration and runs
// its servers and background workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/adapter/handler/pb"
	"github.com/rl1809/stock-reservation/internal/adapter/messaging/kafka"
	"github.com/rl1809/stock-reservation/internal/adapter/messaging/memory"
	"github.com/rl1809/stock-reservation/internal/adapter/messaging/rabbitmq"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/logger"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

// stores bundles the three persistence ports, which every driver serves from
// a single adapter.
type stores interface {
	port.ItemStore
	port.ReservationRepository
	port.IdempotencyStore
}

type App struct {
	cfg        config.Config
	log        zerolog.Logger
	registry   *prometheus.Registry
	store      stores
	broker     port.MessageBroker
	consumer   port.MessageConsumer
	manager    *service.ReservationManager
	sweeper    *service.ExpirySweeper
	dispatcher *service.Dispatcher
	http       *http.Server
	grpc       *grpc.Server
	closers    []func() error
}

// New connects to the configured store and broker and builds every
// component. Close releases what New opened, also after a failed New.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBroker(ctx); err != nil {
		a.Close()
		return nil, err
	}

	publisher := service.NewEventPublisher(a.broker, service.RetryConfig{
		MaxAttempts:       cfg.Publisher.MaxAttempts,
		InitialDelay:      cfg.Publisher.InitialDelay,
		MaxDelay:          cfg.Publisher.MaxDelay,
		BackoffMultiplier: cfg.Publisher.Multiplier,
		AttemptTimeout:    cfg.Publisher.Timeout,
	}, logger.Component(log, "publisher"), m)

	a.manager = service.NewReservationManager(a.store, a.store, publisher, service.ManagerConfig{
		DefaultTTL:     cfg.Reservation.DefaultTTL,
		MaxCASAttempts: cfg.Reservation.MaxCASAttempts,
		StoreTimeout:   cfg.Store.Timeout,
		SettleTimeout:  cfg.Reservation.SettleTimeout,
	}, service.WithLogger(logger.Component(log, "reservations")), service.WithMetrics(m))

	a.sweeper = service.NewExpirySweeper(a.manager, a.store, service.SweeperConfig{
		Interval:     cfg.Sweeper.Interval,
		BatchSize:    cfg.Sweeper.BatchSize,
		CycleTimeout: cfg.Sweeper.CycleTimeout,
	}, logger.Component(log, "sweeper"), m)

	reg := service.NewRegistry()
	if err := service.RegisterOrderHandlers(reg, a.manager, logger.Component(log, "order-events")); err != nil {
		a.Close()
		return nil, err
	}
	a.dispatcher = service.NewDispatcher(reg,
		service.NewIdempotencyGuard(a.store, cfg.Idempotency.TTL),
		service.DispatcherConfig{
			MaxDeliveryAttempts: cfg.Broker.MaxDeliveryAttempts,
			HandlerTimeout:      cfg.Broker.HandlerTimeout,
		},
		logger.Component(log, "dispatcher"), m)

	a.http = &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.grpc = grpc.NewServer()
	pb.RegisterReservationServiceServer(a.grpc, handler.NewGRPCHandler(a.manager, logger.Component(log, "grpc")))

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.StoreMemory:
		a.store = storage.NewMemoryAdapter()

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Store.RedisAddr,
			PoolSize: a.cfg.Store.RedisPoolSize,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		a.log.Info().Str("addr", a.cfg.Store.RedisAddr).Msg("connected to redis")
		a.store = storage.NewRedisAdapter(rdb)

	case config.StoreMySQL:
		db, err := sqlx.Open("mysql", a.cfg.Store.MySQLDSN)
		if err != nil {
			return fmt.Errorf("failed to open mysql: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping mysql: %w", err)
		}
		a.log.Info().Msg("connected to mysql")
		if a.cfg.Store.Migrate {
			if err := storage.Migrate(ctx, db); err != nil {
				return err
			}
		}
		a.store = storage.NewMySQLAdapter(db)

	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	return nil
}

func (a *App) openBroker(ctx context.Context) error {
	bc := a.cfg.Broker
	switch bc.Driver {
	case config.BrokerMemory:
		b := memory.NewBroker(bc.Workers)
		a.broker, a.consumer = b, b

	case config.BrokerRabbitMQ:
		rc := rabbitmq.Config{
			URL:      bc.AMQPURL,
			Exchange: bc.Exchange,
			Queue:    bc.Queue,
			Prefetch: bc.Prefetch,
			Workers:  bc.Workers,
		}
		conn, err := rabbitmq.Dial(ctx, rc, logger.Component(a.log, "rabbitmq"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, conn.Close)
		pub, err := rabbitmq.NewPublisher(conn, rc)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Close)
		a.broker = pub
		a.consumer = rabbitmq.NewConsumer(conn, rc, logger.Component(a.log, "rabbitmq"))
		a.log.Info().Str("exchange", bc.Exchange).Msg("connected to rabbitmq")

	case config.BrokerKafka:
		writer := kafka.NewWriter(bc.KafkaBrokers)
		pub := kafka.NewPublisher(writer)
		a.closers = append(a.closers, pub.Close)
		a.broker = pub
		a.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: bc.KafkaBrokers,
			GroupID: bc.KafkaGroupID,
			Workers: bc.Workers,
		}, writer, logger.Component(a.log, "kafka"))

	default:
		return fmt.Errorf("unknown broker driver %q", bc.Driver)
	}
	return nil
}

// Handler returns the HTTP routes, including /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	handler.NewHTTPHandler(a.manager, logger.Component(a.log, "http")).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return mux
}

func (a *App) Manager() *service.ReservationManager {
	return a.manager
}

// Run serves HTTP and gRPC and runs the order-event consumer and the expiry
// sweeper until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", a.cfg.Service.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Service.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", a.cfg.Service.HTTPAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Service.HTTPAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", httpLis.Addr().String()).Msg("HTTP server listening")
		if err := a.http.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.log.Info().Str("addr", grpcLis.Addr().String()).Msg("gRPC server listening")
		if err := a.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.consumer.Consume(gctx, a.dispatcher.RoutingKeys(), a.dispatcher.Dispatch); err != nil {
			return fmt.Errorf("order event consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("HTTP server shutdown")
		}
		a.log.Info().Msg("HTTP server stopped")

		a.grpc.GracefulStop()
		a.log.Info().Msg("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
