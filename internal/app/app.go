// Package app собирает магазин из конфигурации: хранилище, внешние клиенты,
// конвейер исполнения, фоновые воркеры и серверы.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/keyshop/internal/api/httpapi"
	"github.com/vladislavdragonenkov/keyshop/internal/clients/paygate"
	healthcheck "github.com/vladislavdragonenkov/keyshop/internal/health"
	"github.com/vladislavdragonenkov/keyshop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/keyshop/internal/metrics"
	"github.com/vladislavdragonenkov/keyshop/internal/service/checkout"
	"github.com/vladislavdragonenkov/keyshop/internal/service/delivery"
	"github.com/vladislavdragonenkov/keyshop/internal/service/expiry"
	"github.com/vladislavdragonenkov/keyshop/internal/service/fulfillment"
	"github.com/vladislavdragonenkov/keyshop/internal/service/maintenance"
	"github.com/vladislavdragonenkov/keyshop/internal/service/orderevents"
	"github.com/vladislavdragonenkov/keyshop/internal/service/outbox"
	"github.com/vladislavdragonenkov/keyshop/internal/version"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	// healthSyncInterval: как часто статус gRPC health сверяется с /healthz.
	healthSyncInterval = 15 * time.Second
)

// services: прикладной слой поверх хранилища и интеграций.
type services struct {
	events   *orderevents.Recorder
	pipeline *fulfillment.Pipeline
	checkout *checkout.Service
	delivery *delivery.Service
}

func buildServices(cfg Config, deps *runtimeDependencies, ext integrations, logger *log.Entry) services {
	fulfillmentMetrics := metrics.NewFulfillmentMetrics()
	events := orderevents.NewRecorder(deps.outbox, deps.timeline, fulfillmentMetrics, logger.WithField("component", "order-events"))

	pipeline := fulfillment.NewPipeline(fulfillment.Dependencies{
		Orders:   deps.orders,
		Catalog:  deps.catalog,
		Keys:     deps.keys,
		Locker:   deps.locker,
		Provider: ext.provider,
		Notifier: ext.notifier,
		Alerter:  ext.alerter,
		Events:   events,
	},
		fulfillment.WithLogger(logger.WithField("component", "fulfillment")),
		fulfillment.WithMetrics(fulfillmentMetrics),
		fulfillment.WithLockTimeout(cfg.LockTimeout),
		fulfillment.WithRunTimeout(cfg.RunTimeout),
		fulfillment.WithMintTimeout(cfg.KeyProviderTimeout),
		fulfillment.WithNotifyTimeout(cfg.NotifyTimeout),
	)

	checkoutSvc := checkout.NewService(deps.orders, deps.catalog, ext.gateway, events, checkout.Config{
		Currency:        cfg.Currency,
		InvoiceLifetime: cfg.InvoiceLifetime,
		CallbackURL:     cfg.CallbackURL,
		ReturnURL:       cfg.ReturnURL,
	}, logger.WithField("component", "checkout"))

	deliverySvc := delivery.NewService(deps.orders, deps.keys, ext.notifier, events, cfg.NotifyTimeout, logger.WithField("component", "delivery"))

	return services{events: events, pipeline: pipeline, checkout: checkoutSvc, delivery: deliverySvc}
}

// Run запускает магазин и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	ext := buildIntegrations(cfg, logger)
	svc := buildServices(cfg, deps, ext, logger)

	// Ошибка Kafka не фатальна: outbox копится и уходит в лог-публикатор.
	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
	defer closeKafka(kafkaProducer, logger)

	workersCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	var workers sync.WaitGroup
	startWorkers(workersCtx, &workers, cfg, deps, svc, kafkaProducer, logger)

	consumer := startDeliveryConsumer(workersCtx, cfg, svc.delivery, kafkaProducer, logger)

	healthHandler := newHealthHandler(deps, ext)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	api := httpapi.NewServer(httpapi.Deps{
		Checkout:    svc.checkout,
		Callbacks:   svc.pipeline,
		Verifier:    ext.verifier,
		Orders:      deps.orders,
		Timeline:    deps.timeline,
		Idempotency: deps.idempotency,
		Logger:      logger.WithField("component", "http-api"),
	}, httpapi.Config{
		RequestTimeout:  cfg.RequestTimeout,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		SignatureHeader: paygate.SignatureHeader,
	})

	stopAll := func() {
		stopWorkers()
		workers.Wait()
		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop delivery consumer")
			}
		}
		shutdownHTTP(metricsSrv, logger)
	}

	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		stopAll()
		return err
	}
	apiSrv := &http.Server{Handler: api.Routes(), ReadHeaderTimeout: readHeaderTimeout}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = apiLis.Close()
		stopAll()
		return err
	}
	grpcServer, healthServer := newOpsGRPCServer(logger)
	go syncHealth(workersCtx, healthHandler, healthServer, healthSyncInterval)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("http api listens on %s", apiLis.Addr())
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Infof("ops grpc listens on %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	logger.WithFields(version.Fields()).Info("keyshop started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	// Новые callback-и не принимаем, начатые дорабатывают.
	shutdownHTTP(apiSrv, logger)
	stopGRPC(grpcServer, logger)
	stopAll()

	return runErr
}

// startWorkers запускает outbox и обслуживающие задачи.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg Config, deps *runtimeDependencies, svc services, producer *kafka.Producer, logger *log.Entry) {
	publisher, sinkOpts := outboxSink(producer, logger)
	outboxOpts := append([]outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}, sinkOpts...)
	outboxWorker := outbox.NewWorker(deps.outbox, publisher, outboxOpts...)

	sweeper := expiry.NewSweeper(deps.orders, deps.locker, svc.events,
		expiry.WithLogger(logger.WithField("component", "expiry-sweeper")),
		expiry.WithExpireAfter(cfg.OrderExpireAfter),
	)
	runners := []*maintenance.Runner{
		maintenance.NewRunner(sweeper, cfg.ExpirySweepInterval, logger.WithField("component", "maintenance")),
		maintenance.NewRunner(
			maintenance.NewIdempotencyCleanup(deps.idempotency, cfg.IdempotencyCleanupBatchSize),
			cfg.IdempotencyCleanupInterval,
			logger.WithField("component", "maintenance"),
		),
	}

	wg.Add(1 + len(runners))
	go func() {
		defer wg.Done()
		outboxWorker.Run(ctx)
	}()
	for _, r := range runners {
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}
}

// newHealthHandler регистрирует проверки хранилища, блокировки и поставщика ключей.
func newHealthHandler(deps *runtimeDependencies, ext integrations) *healthcheck.Handler {
	h := healthcheck.NewHandler(version.Version())
	if deps.storageChecker != nil {
		h.RegisterChecker("storage", deps.storageChecker)
	}
	if deps.redisChecker != nil {
		// Без Redis не берётся блокировка заказа, callback-и будут падать.
		h.RegisterChecker("order_lock", deps.redisChecker)
	}
	if ext.providerState != nil {
		h.RegisterOptional("key_provider", ext.providerState)
	}
	return h
}

// newOpsGRPCServer поднимает gRPC health и reflection с метриками интерсепторов.
func newOpsGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return grpcServer, healthServer
}

// syncHealth переводит gRPC health в NOT_SERVING, пока критичная проверка падает.
func syncHealth(ctx context.Context, h *healthcheck.Handler, srv *health.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_SERVING
			if h.Evaluate(ctx).Status == healthcheck.StatusUnhealthy {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			srv.SetServingStatus("", status)
		}
	}
}

func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("grpc graceful stop timed out, forcing stop")
		srv.Stop()
	}
}

// startMetricsServer запускает /metrics, /healthz, /readyz и /livez.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("metrics: %s/metrics, health: %s/healthz", addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
