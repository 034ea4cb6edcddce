package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	licensegrpc "github.com/Dhoini/license-service/internal/api/grpc"
	grpchandler "github.com/Dhoini/license-service/internal/api/grpc/handler"
	"github.com/Dhoini/license-service/internal/api/rest"
	"github.com/Dhoini/license-service/internal/config"
	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/interceptors"
	"github.com/Dhoini/license-service/internal/kafka"
	"github.com/Dhoini/license-service/internal/metrics"
	"github.com/Dhoini/license-service/internal/middleware"
	"github.com/Dhoini/license-service/internal/ratelimit"
	"github.com/Dhoini/license-service/internal/repository"
	"github.com/Dhoini/license-service/internal/repository/memory"
	"github.com/Dhoini/license-service/internal/repository/postgres"
	"github.com/Dhoini/license-service/internal/scheduler"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/internal/stripe"
	"github.com/Dhoini/license-service/internal/tier"
	"github.com/Dhoini/license-service/internal/token"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App контейнер всех компонентов сервиса
type App struct {
	Config *config.Config

	Ledger    *service.SubscriptionLedger
	Registry  *service.DeviceRegistry
	Verifier  *service.LicenseVerifier
	Usage     *service.UsageTracker
	Processor *service.EventProcessor
	Billing   *service.Billing

	store      repository.Store
	redis      *redis.Client
	buckets    *ratelimit.MemoryStore
	metricsReg *prometheus.Registry
	system     metrics.SystemMetrics
	identity   token.IdentityValidator
	webhooks   *stripe.WebhookVerifier
	closers    []func() error
	log        *logger.Logger
}

// New собирает сервис по конфигурации. При ошибке уже открытые ресурсы закрываются.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (a *App, err error) {
	a = &App{Config: cfg, log: log, metricsReg: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.metricsReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	licenseMetrics := metrics.NewLicenseMetrics(a.metricsReg, log)
	a.system = metrics.NewSystemMetrics(a.metricsReg, log)
	opts := []service.Option{service.WithMetrics(licenseMetrics)}

	if err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if err = a.openRedis(ctx); err != nil {
		return nil, err
	}

	catalog, err := tier.NewCatalog(cfg.Tiers)
	if err != nil {
		return nil, fmt.Errorf("build tier catalog: %w", err)
	}
	hasher, err := service.NewFingerprintHasher([]byte(cfg.License.FingerprintKey))
	if err != nil {
		return nil, err
	}
	issuer, err := token.NewIssuer([]byte(cfg.License.SigningKey), cfg.License.TokenTTL, cfg.License.Issuer)
	if err != nil {
		return nil, err
	}
	if a.identity, err = newIdentityValidator(cfg); err != nil {
		return nil, err
	}

	limiter := a.newLimiter(licenseMetrics)
	revoker, publisher, err := a.openNotifiers(ctx)
	if err != nil {
		return nil, err
	}

	a.Ledger = service.NewSubscriptionLedger(a.store, catalog, cfg.License.TrialPeriod, revoker, publisher, log, opts...)
	a.Registry = service.NewDeviceRegistry(a.store, hasher, limiter, revoker, log, opts...)
	a.Processor = service.NewEventProcessor(a.store, a.Ledger, log, opts...)
	a.Verifier = service.NewLicenseVerifier(limiter, a.Ledger, a.Registry, issuer, cfg.License.URLs, log, opts...)
	a.Usage = service.NewUsageTracker(a.store, a.Ledger, log, opts...)

	prices, err := stripePrices(cfg)
	if err != nil {
		return nil, err
	}
	a.webhooks = stripe.NewWebhookVerifier(cfg.Stripe.WebhookSecret, stripe.NewMapper(prices), log)
	if cfg.Stripe.APIKey != "" {
		client := stripe.NewClient(stripe.ClientConfig{
			APIKey:     cfg.Stripe.APIKey,
			Prices:     prices,
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
			Timeout:    cfg.Stripe.Timeout,
			MaxRetries: cfg.Stripe.MaxRetries,
		}, log)
		a.Billing = service.NewBilling(limiter, a.Ledger, client, log)
	} else {
		log.Warnw("Stripe API key is not set, checkout endpoint disabled")
	}
	if cfg.Stripe.WebhookSecret == "" {
		log.Warnw("Stripe webhook secret is not set, every webhook will be rejected")
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.Store.Backend == "memory" {
		a.log.Warnw("Using in-memory store, data is lost on restart")
		a.store = memory.NewStore()
		return nil
	}

	db := a.Config.Database
	pool, err := postgres.NewConnection(ctx, db.DSN, postgres.PoolOptions{
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
		MaxConnIdleTime: db.MaxConnIdleTime,
	}, a.log)
	if err != nil {
		return err
	}
	if db.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		a.log.Info("Database schema is up to date")
	}
	a.store = postgres.NewStore(pool, a.Config.Store.Timeout, a.log)
	return nil
}

// openRedis подключает Redis, если он настроен: кеш подписок и общее окно лимитера
func (a *App) openRedis(ctx context.Context) error {
	rc := a.Config.Redis
	if rc.Addr == "" {
		return nil
	}
	client, err := repository.NewRedisClient(ctx, rc.Addr, rc.Password, rc.DB, a.log)
	if err != nil {
		return err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)

	cache := repository.NewRedisCacheRepository(client, rc.CacheTTL, a.log)
	a.store = repository.NewCachedStore(a.store, cache, a.log)
	a.log.Infow("Using cached subscription store", "ttl", rc.CacheTTL)
	return nil
}

func (a *App) newLimiter(rec ratelimit.Recorder) *ratelimit.Limiter {
	var store ratelimit.WindowStore
	if a.redis != nil {
		store = ratelimit.NewRedisStore(a.redis, time.Minute)
	} else {
		a.buckets = ratelimit.NewMemoryStore()
		store = a.buckets
	}
	return ratelimit.NewLimiter(store, a.Config.RateLimits, a.log, ratelimit.WithRecorder(rec))
}

// openNotifiers подключает Kafka. Без брокеров события только пишутся в лог.
func (a *App) openNotifiers(ctx context.Context) (service.SessionRevoker, service.EntitlementPublisher, error) {
	kc := a.Config.Kafka
	if len(kc.Brokers) == 0 {
		a.log.Warnw("Kafka brokers are not configured, revocations and entitlement changes are only logged")
		n := service.NewLogNotifier(a.log)
		return n, n, nil
	}

	kcfg := kafka.NewConfig(kc.Brokers, kc.ClientID)
	if kc.RevocationTopic != "" {
		kcfg.RevocationTopic = kc.RevocationTopic
	}
	if kc.EntitlementTopic != "" {
		kcfg.EntitlementTopic = kc.EntitlementTopic
	}
	if err := kafka.EnsureKafkaTopics(ctx, kcfg.Brokers, kafka.TopicSpecs(kcfg), a.log); err != nil {
		// топики могут создаваться инфраструктурой, сервис от этого не зависит
		a.log.Warnw("Failed to ensure Kafka topics", "error", err)
	}

	producer, err := sarama.NewSyncProducer(kcfg.Brokers, kafka.NewSaramaConfig(kcfg, a.log))
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}
	revoker := kafka.NewRevocationProducer(producer, kcfg.RevocationTopic, a.log)
	a.closers = append(a.closers, revoker.Close)

	publisher, err := kafka.NewEntitlementPublisher(kcfg.Brokers, kcfg.EntitlementTopic, a.log)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, publisher.Close)
	return revoker, publisher, nil
}

func newIdentityValidator(cfg *config.Config) (token.IdentityValidator, error) {
	opts := token.ValidatorOptions{Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience, Leeway: cfg.Auth.Leeway}
	if cfg.Auth.JWKSURL != "" {
		v, err := token.NewJWKSValidator(cfg.Auth.JWKSURL, opts)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return token.NewHMACValidator([]byte(cfg.Auth.IdentitySecret), opts), nil
}

func stripePrices(cfg *config.Config) ([]stripe.Price, error) {
	prices := make([]stripe.Price, 0, len(cfg.Stripe.Prices))
	for _, p := range cfg.Stripe.Prices {
		t, err := domain.ParseTier(p.Tier)
		if err != nil {
			return nil, fmt.Errorf("stripe price %s: %w", p.PriceID, err)
		}
		mode := domain.CheckoutRecurring
		if p.Mode == string(domain.CheckoutOneTime) {
			mode = domain.CheckoutOneTime
		}
		prices = append(prices, stripe.Price{ID: p.PriceID, Tier: t, Mode: mode})
	}
	return prices, nil
}

// Router собирает REST API
func (a *App) Router() *gin.Engine {
	return rest.SetupRouter(rest.Deps{
		Ledger:     a.Ledger,
		Registry:   a.Registry,
		Verifier:   a.Verifier,
		Usage:      a.Usage,
		Processor:  a.Processor,
		Billing:    a.Billing,
		Webhooks:   a.webhooks,
		Auth:       middleware.NewJWTMiddleware(a.log, a.identity),
		Store:      a.store,
		Metrics:    a.metricsReg,
		AdminScope: a.Config.Auth.AdminScope,
		CORS:       a.Config.App.CORSOrigins,
	}, a.log)
}

func (a *App) newScheduler() (*scheduler.Scheduler, error) {
	sc := a.Config.Scheduler
	var locker scheduler.Locker = scheduler.NewLocalLocker()
	if a.redis != nil {
		locker = scheduler.NewRedisLocker(a.redis, sc.LockTTL)
	}

	s := scheduler.New(scheduler.Config{
		TrialSweepSpec: sc.TrialSweepSpec,
		CleanupSpec:    sc.CleanupSpec,
		MetricsSpec:    sc.MetricsSpec,
		JobTimeout:     sc.JobTimeout,
	}, locker, a.log)

	if err := s.AddTrialSweep(a.Ledger); err != nil {
		return nil, err
	}
	if a.buckets != nil {
		if err := s.AddBucketCleanup(a.buckets, time.Minute); err != nil {
			return nil, err
		}
	}
	if err := s.AddSystemMetrics(a.system); err != nil {
		return nil, err
	}
	return s, nil
}

// Run запускает REST, gRPC и планировщик и блокируется до отмены ctx
// или падения одного из серверов, после чего останавливает все остальное.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	httpServer := rest.NewServer(a.Router(), rest.ServerConfig{
		Port:         cfg.App.Port,
		ReadTimeout:  cfg.App.ReadTimeout,
		WriteTimeout: cfg.App.WriteTimeout,
	}, a.log)

	auth := interceptors.NewAuthInterceptor(a.log, a.identity, licensegrpc.PublicMethods...)
	grpcServer := licensegrpc.NewServer(licensegrpc.ServerConfig{Port: cfg.GRPC.Port, Reflection: cfg.GRPC.Reflection},
		grpchandler.NewLicenseHandler(a.Verifier, a.Registry, a.Usage, a.log), auth, a.log)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		var err error
		if sched, err = a.newScheduler(); err != nil {
			return err
		}
		sched.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(grpcServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		grpcServer.Stop()
		if sched != nil {
			if err := sched.Stop(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Close освобождает ресурсы в обратном порядке открытия
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Errorw("Error closing resource", "error", err)
		}
	}
	a.closers = nil
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}
