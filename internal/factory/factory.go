package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paypollen-api/internal/client"
	"paypollen-api/internal/config"
	"paypollen-api/internal/encryption"
	"paypollen-api/internal/handler"
	"paypollen-api/internal/metrics"
	"paypollen-api/internal/repository/mongodb"
	redisrepo "paypollen-api/internal/repository/redis"
	"paypollen-api/internal/service"
	"paypollen-api/internal/storage"
	"paypollen-api/internal/tls"
	"paypollen-api/internal/util"
)

const initTimeout = 30 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager
	metrics    *metrics.Metrics

	// Storage
	gateway   *storage.Gateway
	encrypted *storage.EncryptedGateway

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer
	stytch        *client.StytchClient
	plaid         *client.PlaidClient
	turnstile     *client.TurnstileClient

	// Repositories
	piiRepo        *mongodb.PIIRepository
	accountRepo    *mongodb.FinancialAccountRepository
	sessionRepo    *mongodb.KYCSessionRepository
	profileRepo    *mongodb.UserProfileRepository
	auditRepo      *mongodb.AuditRepository
	rateLimiter    *redisrepo.RateLimitCache
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	return New(ctx, cfg, logger)
}

// New builds the factory from an already validated configuration.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	f := &Factory{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	m, err := metrics.New(metrics.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	f.metrics = m

	if err := f.initializeStorage(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeRepositories(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	logger.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("kms_provider", cfg.KMS.Provider),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("rate_limit_enabled", f.rateLimiter != nil),
	)
	return f, nil
}

// initializeStorage connects both gateways concurrently. Neither is
// optional: PII collections never fall back to plaintext.
func (f *Factory) initializeStorage(ctx context.Context) error {
	kms, creds, err := encryption.NewKMSFromConfig(ctx, f.config.KMS)
	if err != nil {
		return err
	}

	f.gateway = storage.NewGateway(f.config.Mongo, f.logger.Named("mongo"))
	f.encrypted = storage.NewEncryptedGateway(storage.EncryptedGatewayOptions{
		Mongo:       f.config.Mongo,
		KMS:         kms,
		Credentials: creds,
		KMSConfig:   f.config.KMS,
		Logger:      f.logger.Named("mongo.encrypted"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := f.gateway.Connect(gctx); err != nil {
			return fmt.Errorf("mongodb: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := f.encrypted.Connect(gctx); err != nil {
			return fmt.Errorf("encrypted mongodb: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// initializeClients builds the vendor clients. Redis and Kafka are
// optional outside production.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	stytchClient, err := client.NewStytchClient(f.config, f.metrics)
	if err != nil {
		return err
	}
	f.stytch = stytchClient
	f.plaid = client.NewPlaidClient(f.config, f.metrics)
	f.turnstile = client.NewTurnstileClient(f.config, f.metrics)

	if f.config.RateLimit.Enabled {
		if redisClient, err := client.NewRedisClient(ctx, f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = redisClient
			f.rateLimiter = redisrepo.NewRateLimitCache(redisClient)
			f.logger.Info("Redis client initialized and healthy")
		}
	}

	if f.config.Kafka.Enabled() {
		f.kafkaProducer = client.NewKafkaProducer(f.config)
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			f.logger.Warn("Kafka health check failed - audit events will be retried per write", util.ErrorField(err))
		} else {
			f.logger.Info("Kafka producer initialized", util.String("topic", f.kafkaProducer.Topic()))
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			f.logger.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

func (f *Factory) initializeRepositories(ctx context.Context) error {
	users, err := f.encrypted.Collection(encryption.CollectionUsers)
	if err != nil {
		return err
	}
	accounts, err := f.encrypted.Collection(encryption.CollectionFinancialAccounts)
	if err != nil {
		return err
	}
	sessions, err := f.gateway.Store(mongodb.CollectionKYCSessions)
	if err != nil {
		return err
	}
	profiles, err := f.gateway.Store(mongodb.CollectionUserProfiles)
	if err != nil {
		return err
	}
	audit, err := f.gateway.Store(mongodb.CollectionAuditLog)
	if err != nil {
		return err
	}

	f.piiRepo = mongodb.NewPIIRepository(users)
	f.accountRepo = mongodb.NewFinancialAccountRepository(accounts)
	f.sessionRepo = mongodb.NewKYCSessionRepository(sessions)
	f.profileRepo = mongodb.NewUserProfileRepository(profiles)
	f.auditRepo = mongodb.NewAuditRepository(audit)

	indexers := []interface {
		EnsureIndexes(context.Context) error
	}{f.piiRepo, f.accountRepo, f.sessionRepo, f.profileRepo, f.auditRepo}

	g, gctx := errgroup.WithContext(ctx)
	for _, repo := range indexers {
		g.Go(func() error { return repo.EnsureIndexes(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		deps := service.Dependencies{
			PII:      f.piiRepo,
			Sessions: f.sessionRepo,
			Profiles: f.profileRepo,
			Audit:    f.auditRepo,
			Accounts: f.accountRepo,
			Identity: f.stytch,
			IDV:      f.plaid,
			Metrics:  f.metrics,
		}
		if f.kafkaProducer != nil {
			deps.Publisher = f.kafkaProducer
		}
		f.serviceFactory = service.NewServiceFactory(deps, f.config, f.logger)
	}
	return f.serviceFactory
}

// Handler builds the HTTP router over the service layer.
func (f *Factory) Handler() http.Handler {
	services := f.ServiceFactory()
	dev := f.config.IsDevelopment()
	httpLogger := f.logger.Named("http")

	var limiter handler.RateLimiter
	if f.rateLimiter != nil {
		limiter = f.rateLimiter
	}
	rl := f.config.RateLimit
	mw := handler.NewMiddleware(services.AuthService(), f.turnstile, limiter, handler.RateLimits{
		General:   handler.RateLimit{Limit: rl.GeneralLimit, Window: rl.GeneralWindow},
		Auth:      handler.RateLimit{Limit: rl.AuthLimit, Window: rl.AuthWindow},
		Sensitive: handler.RateLimit{Limit: rl.SensitiveLimit, Window: rl.SensitiveWindow},
	}, httpLogger, dev)

	var verifier handler.WebhookVerifier
	if f.config.Plaid.VerifyWebhooks {
		verifier = service.NewWebhookVerifier(f.plaid, f.config.Plaid.WebhookMaxAge, f.logger.Named("webhook"))
	} else {
		f.logger.Warn("Plaid webhook signatures are not verified")
	}

	return handler.NewRouter(handler.RouterOptions{
		Auth:         handler.NewAuthHandler(services.AuthService(), mw, httpLogger, dev),
		KYC:          handler.NewKYCHandler(services.KYCService(), mw, verifier, httpLogger, dev),
		PII:          handler.NewPIIHandler(services.PIIService(), mw, httpLogger, dev),
		Accounts:     handler.NewAccountHandler(services.AccountService(), mw, httpLogger, dev),
		Middleware:   mw,
		Metrics:      f.metrics,
		Health:       f,
		CORSOrigins:  f.config.Security.CORSOrigins,
		RequireHTTPS: f.config.IsProduction() && f.config.Server.EnableTLS,
		Timeout:      f.config.Server.WriteTimeout,
	}, httpLogger)
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	healthErrors := make(map[string]error)
	check := func(name string, fn func(context.Context) error) func() error {
		return func() error {
			err := fn(ctx)
			mu.Lock()
			healthErrors[name] = err
			mu.Unlock()
			return nil
		}
	}

	var g errgroup.Group
	g.Go(check("mongodb", f.gateway.Ping))
	g.Go(check("mongodb_encrypted", f.encrypted.Ping))
	g.Go(check("field_encryption", f.checkFieldEncryption))
	if f.redisClient != nil {
		g.Go(check("redis", f.redisClient.HealthCheck))
	}
	if f.kafkaProducer != nil {
		g.Go(check("kafka", f.kafkaProducer.HealthCheck))
	}
	_ = g.Wait()
	return healthErrors
}

func (f *Factory) checkFieldEncryption(ctx context.Context) error {
	encryptor, err := f.encrypted.Encryptor()
	if err != nil {
		return err
	}
	return encryptor.Check(ctx)
}

// ==============================
// Other Utility Methods
// ==============================

// IsHealthy ignores Kafka, which only carries the best-effort audit copy.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if err != nil && name != "kafka" {
			return false
		}
	}
	return true
}

// Close releases the encrypted gateway first so unwrapped keys are dropped
// before anything else shuts down.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if f.encrypted != nil {
			if err := f.encrypted.Close(ctx); err != nil {
				f.logger.Error("Failed to close encrypted MongoDB gateway", util.ErrorField(err))
			}
		}

		if f.gateway != nil {
			if err := f.gateway.Close(ctx); err != nil {
				f.logger.Error("Failed to close MongoDB gateway", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				f.logger.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				f.logger.Info("Redis client closed")
			}
		}

		f.logger.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}
