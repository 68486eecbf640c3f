package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/kevin07696/funnel-service/internal/adapters/database"
	"github.com/kevin07696/funnel-service/internal/adapters/events"
	"github.com/kevin07696/funnel-service/internal/adapters/memory"
	"github.com/kevin07696/funnel-service/internal/adapters/nmi"
	"github.com/kevin07696/funnel-service/internal/adapters/postgres"
	sessionadapter "github.com/kevin07696/funnel-service/internal/adapters/session"
	"github.com/kevin07696/funnel-service/internal/catalog"
	"github.com/kevin07696/funnel-service/internal/config"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	cronHandler "github.com/kevin07696/funnel-service/internal/handlers/cron"
	funnelHandler "github.com/kevin07696/funnel-service/internal/handlers/funnel"
	webhookHandler "github.com/kevin07696/funnel-service/internal/handlers/webhook"
	internalmw "github.com/kevin07696/funnel-service/internal/middleware"
	"github.com/kevin07696/funnel-service/internal/services/checkout"
	"github.com/kevin07696/funnel-service/internal/services/order"
	"github.com/kevin07696/funnel-service/internal/services/recovery"
	"github.com/kevin07696/funnel-service/internal/services/session"
	"github.com/kevin07696/funnel-service/internal/services/upsell"
	webhookService "github.com/kevin07696/funnel-service/internal/services/webhook"
	"github.com/kevin07696/funnel-service/pkg/middleware"
	"github.com/kevin07696/funnel-service/pkg/observability"
	"github.com/kevin07696/funnel-service/pkg/resilience"
	"github.com/kevin07696/funnel-service/pkg/shutdown"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting funnel service",
		zap.String("version", "0.1.0"),
		zap.String("environment", cfg.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initSecretStore(ctx, cfg, logger)

	shutdownMgr := shutdown.NewManager(logger, cfg.Server.ShutdownTimeout)
	healthChecker := observability.NewHealthChecker(2 * time.Second)
	clock := timeutil.SystemClock{}

	// Storage is registered first so it is closed last
	orders := initOrderRepository(ctx, cfg, shutdownMgr, healthChecker, logger)
	sessionBackend := initSessionBackend(ctx, cfg, shutdownMgr, logger)

	sessions := session.NewStore(sessionBackend, cfg.Session.TTL, clock, logger)
	healthChecker.Register("sessions", sessions.Ping)

	cat := initCatalog(cfg, logger)

	bus := events.NewBus(events.BusConfig{
		QueueSize: cfg.Events.BusQueueSize,
		Workers:   cfg.Events.BusWorkers,
	}, logger)
	initEventSinks(ctx, cfg, bus, logger)
	bus.Start()
	shutdownMgr.Register("event-bus", bus.Shutdown)

	gatewayCfg := nmi.DefaultConfig(cfg.Gateway.SecurityKey)
	gatewayCfg.BaseURL = cfg.Gateway.BaseURL
	gatewayCfg.Timeout = cfg.Gateway.Timeout
	gatewayCfg.MaxRetries = cfg.Gateway.MaxRetries
	gatewayCfg.SendLineItems = cfg.Gateway.SendLineItems
	gateway, err := nmi.NewClient(gatewayCfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize payment gateway", zap.Error(err))
	}

	// Services
	recoverySvc := recovery.NewService(sessions, gateway, bus, clock, logger)
	checkoutSvc := checkout.NewService(sessions, gateway, orders, bus, cat, clock, logger)
	upsellSvc := upsell.NewProcessor(sessions, gateway, orders, bus, cat, recoverySvc, clock, logger)
	recoverySvc.RegisterRetrier(domain.ChargeKindCheckout, checkoutSvc)
	recoverySvc.RegisterRetrier(domain.ChargeKindUpsell, upsellSvc)
	orderSvc := order.NewAggregator(sessions, orders, cat, logger)

	webhookService.NewApplier(sessions, orders, cat, clock, logger).SubscribeTo(bus)
	ingestor := webhookService.NewIngestor(webhookService.Config{
		Secrets:          cfg.Webhook.Secrets,
		RequireSignature: cfg.IsProduction(),
		StripeTolerance:  webhookService.DefaultStripeTolerance,
	}, bus, clock, logger)

	sweeper := session.NewSweeper(sessions, cfg.Session.SweepInterval, logger)
	sweeper.Start(ctx)
	shutdownMgr.Register("session-sweeper", sweeper.Stop)

	watcher := session.NewStatusWatcher(sessions, resilience.Poller{
		MaxAttempts: cfg.Session.PollAttempts,
		Backoff:     resilience.PollBackoff(),
	})

	// gRPC server carries health and reflection for platform probes
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			internalmw.GRPCRecoveryInterceptor(logger),
			observability.UnaryServerInterceptor(),
			internalmw.GRPCLoggingInterceptor(logger),
		),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.GRPCPort)))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err), zap.Int("port", cfg.Server.GRPCPort))
	}
	go func() {
		logger.Info("gRPC server listening", zap.String("address", listener.Addr().String()))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	shutdownMgr.Register("grpc-server", func(ctx context.Context) error {
		healthServer.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			grpcServer.Stop()
			return ctx.Err()
		}
	})

	metricsServer := observability.NewMetricsServer(cfg.Server.MetricsPort, healthChecker)
	observability.Serve(metricsServer, "metrics", logger)
	shutdownMgr.RegisterHTTPServer("metrics-server", metricsServer)

	// Public HTTP API
	mux := http.NewServeMux()
	funnelHandler.NewHandler(
		checkoutSvc,
		upsellSvc,
		recoverySvc,
		orderSvc,
		sessions,
		watcher,
		cfg.ShowGatewayText(),
		logger,
	).Register(mux)
	webhookHandler.NewHandler(ingestor, logger).Register(mux)
	cronHandler.NewSessionHandler(sweeper, cfg.Cron.Secret, clock, logger).Register(mux)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger)
	shutdownMgr.RegisterNoErr("rate-limiter", rateLimiter.Shutdown)

	inflight := shutdown.NewInFlightTracker("http", logger)
	security := internalmw.NewSecurityHeaders(!cfg.IsProduction(), cfg.Server.AllowedOrigins)

	// Timeout stays outside Logging: WithContext copies the request and the
	// copy would hide the matched route from the metrics label.
	handler := middleware.Chain(mux,
		middleware.Recovery(logger),
		middleware.Timeout(cfg.Server.RequestTimeout),
		inflight.Middleware,
		rateLimiter.Middleware,
		security.Middleware,
		middleware.Logging(logger),
	)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.HTTPPort)),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	observability.Serve(httpServer, "api", logger)
	shutdownMgr.RegisterHTTPServer("http-server", httpServer)
	shutdownMgr.Register("http-inflight", inflight.Shutdown)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger.Info("Funnel service ready",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.Int("metrics_port", cfg.Server.MetricsPort),
	)

	if err := shutdownMgr.WaitForShutdown(ctx); err != nil {
		logger.Error("Shutdown completed with errors", zap.Error(err))
		return
	}
	logger.Info("Servers stopped")
}

// initLogger builds the zap logger from LOG_LEVEL and LOG_DEVELOPMENT
func initLogger(cfg *config.Config) *zap.Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if parsed, err := zapcore.ParseLevel(cfg.Logger.Level); err == nil {
		level = zap.NewAtomicLevelAt(parsed)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Logger.Development || cfg.Environment == "development" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger.With(zap.String("service", "funnel-service"))
}

// initOrderRepository connects PostgreSQL when DATABASE_URL is set and
// otherwise keeps orders in memory
func initOrderRepository(ctx context.Context, cfg *config.Config, mgr *shutdown.Manager, hc *observability.HealthChecker, logger *zap.Logger) ports.OrderRepository {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, order records are kept in memory")
		return memory.NewOrderRepository()
	}

	dbCfg := database.DefaultPostgreSQLConfig(cfg.Database.URL)
	dbCfg.MaxConns = cfg.Database.MaxConns
	dbCfg.MinConns = cfg.Database.MinConns

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := database.NewPostgreSQLAdapter(connectCtx, dbCfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	mgr.RegisterNoErr("postgres", db.Close)

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to apply database migrations", zap.Error(err))
		}
	}

	db.StartPoolMonitoring(ctx, 30*time.Second)
	hc.Register("database", db.HealthCheck)
	return postgres.NewOrderRepository(db.Pool())
}

// initSessionBackend uses Redis when REDIS_URL is set, otherwise memory
func initSessionBackend(ctx context.Context, cfg *config.Config, mgr *shutdown.Manager, logger *zap.Logger) ports.SessionBackend {
	if cfg.Redis.URL == "" {
		if cfg.IsProduction() {
			logger.Warn("REDIS_URL not set, sessions are not shared between instances")
		}
		return sessionadapter.NewMemoryBackend()
	}

	client, err := sessionadapter.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	mgr.RegisterCloser("redis", client)

	logger.Info("Redis session backend initialized")
	return sessionadapter.NewRedisBackend(client, logger)
}

// initCatalog loads CATALOG_PATH or the built-in catalog
func initCatalog(cfg *config.Config, logger *zap.Logger) *catalog.Catalog {
	if cfg.Catalog.Path == "" {
		logger.Info("Using built-in product catalog")
		return catalog.DefaultCatalog()
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		logger.Fatal("Failed to load product catalog",
			zap.String("path", cfg.Catalog.Path),
			zap.Error(err),
		)
	}
	logger.Info("Product catalog loaded",
		zap.String("path", cfg.Catalog.Path),
		zap.Int("offers", cat.OfferCount()),
	)
	return cat
}

// initEventSinks mirrors every bus event to SNS and an HTTP endpoint when
// they are configured
func initEventSinks(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *zap.Logger) {
	if cfg.Events.SNSTopicARN != "" {
		snsPublisher, err := events.NewSNSPublisher(ctx, cfg.Events.AWSRegion, cfg.Events.SNSTopicARN, logger)
		if err != nil {
			logger.Fatal("Failed to initialize SNS publisher", zap.Error(err))
		}
		bus.SubscribeAll(events.Forward(snsPublisher))
		logger.Info("Forwarding events to SNS", zap.String("topic_arn", cfg.Events.SNSTopicARN))
	}

	if cfg.Events.ForwardURL != "" {
		forwarder, err := events.NewHTTPForwarder(events.HTTPForwarderConfig{
			URL:    cfg.Events.ForwardURL,
			Secret: cfg.Events.ForwardSecret,
		}, nil, logger)
		if err != nil {
			logger.Fatal("Failed to initialize event forwarder", zap.Error(err))
		}
		bus.SubscribeAll(events.Forward(forwarder))
		logger.Info("Forwarding events over HTTP", zap.String("url", cfg.Events.ForwardURL))
	}
}
