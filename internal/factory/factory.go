package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"account-security/internal/audit"
	"account-security/internal/bucketing"
	"account-security/internal/client"
	"account-security/internal/config"
	"account-security/internal/delivery"
	"account-security/internal/encryption"
	"account-security/internal/handler"
	"account-security/internal/hashing"
	"account-security/internal/lock"
	"account-security/internal/lockout"
	"account-security/internal/models"
	"account-security/internal/otp"
	"account-security/internal/repository"
	"account-security/internal/repository/memory"
	redisrepo "account-security/internal/repository/redis"
	"account-security/internal/repository/scylla"
	"account-security/internal/service"
	"account-security/internal/tls"
	"account-security/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	verifier          *hashing.CredentialVerifier
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	locker            lock.Locker
	dispatcher        *audit.Dispatcher

	// Repositories
	accountRepository repository.AccountRepository
	sessionStore      repository.SessionStore
	memorySessions    *memory.SessionStore
	serviceFactory    *service.ServiceFactory

	stopReapers context.CancelFunc
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewFactory loads configuration and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return New(cfg, util.Get())
}

// New builds every dependency selected by cfg.
func New(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	factory := &Factory{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
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

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := factory.initializeRepositories(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}
	factory.initializeAudit()
	factory.initializeServices()

	logger.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_backend", cfg.Storage.Backend),
		util.String("otp_store", cfg.OTP.Store),
		util.String("session_backend", cfg.Session.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients connects only the external services the config turns on.
// Required stores fail startup; optional sinks only warn outside production.
func (f *Factory) initializeClients() error {
	cfg := f.config
	var optionalErrors []error

	if cfg.Redis.Enabled {
		redisClient, err := client.NewRedisClient(cfg, f.logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
	}

	if cfg.Storage.Backend == config.BackendScylla {
		scyllaClient, err := scylla.NewScyllaClient(cfg, f.logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
	}

	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg, f.logger); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if cfg.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(cfg, f.logger); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
		}
	}

	if cfg.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(cfg, f.logger); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := chClient.Exec(ctx, fmt.Sprintf(audit.ClickHouseSchema, cfg.Clickhouse.Table)); err != nil {
				optionalErrors = append(optionalErrors, fmt.Errorf("clickhouse schema: %w", err))
			}
		}
	}

	if len(optionalErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", optionalErrors)
		}
		for _, err := range optionalErrors {
			f.logger.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers initializes hashing, encryption, bucketing and locking
func (f *Factory) initializeManagers() error {
	cfg := f.config

	verifier, err := hashing.NewCredentialVerifier(cfg.Security)
	if err != nil {
		return err
	}
	f.verifier = verifier

	var kmsClient encryption.KMSAPI
	if cfg.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.encryptionManager, err = encryption.NewEncryptionManager(cfg.KMS, kmsClient)
	if err != nil {
		return err
	}

	f.bucketingManager = bucketing.NewBucketingManager(cfg.Bucketing)

	if f.redisClient != nil {
		f.locker = lock.NewRedisLocker(f.redisClient, cfg.Redis.LockTTL, cfg.Redis.LockRetryDelay)
	} else {
		f.locker = lock.NewKeyedMutex()
	}

	f.logger.Info("Managers initialized successfully",
		util.Bool("distributed_locks", f.redisClient != nil),
		util.Int("account_buckets", f.bucketingManager.AccountBuckets()),
	)
	return nil
}

func (f *Factory) initializeRepositories() error {
	cfg := f.config

	switch cfg.Storage.Backend {
	case config.BackendScylla:
		f.accountRepository = scylla.NewAccountRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager)
	default:
		f.accountRepository = memory.NewAccountRepository()
	}

	switch cfg.Session.Backend {
	case config.BackendRedis:
		if f.redisClient == nil {
			return fmt.Errorf("session backend redis requires a redis client")
		}
		f.sessionStore = redisrepo.NewSessionCache(f.redisClient, cfg.Session.TTL)
	default:
		f.memorySessions = memory.NewSessionStore(cfg.Session.TTL, time.Now)
		f.sessionStore = f.memorySessions
	}
	return nil
}

func (f *Factory) initializeAudit() {
	cfg := f.config
	var sinks []audit.Sink

	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, cfg.Kafka.EventsTopic))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient, cfg.Clickhouse.Table))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, cfg.Elasticsearch.Index))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewLogSink(f.logger))
	}

	f.dispatcher = audit.NewDispatcher(cfg.Audit, f.bucketingManager, sinks...)
}

func (f *Factory) initializeServices() {
	cfg := f.config
	ctx, cancel := context.WithCancel(context.Background())
	f.stopReapers = cancel
	if f.memorySessions != nil {
		f.memorySessions.StartReaper(ctx, cfg.Session.ReaperInterval)
	}

	engine := func(channel models.OTPChannel) *otp.Engine {
		var store otp.Store
		if cfg.OTP.Store == config.BackendRedis && f.redisClient != nil {
			store = redisrepo.NewOTPCache(f.redisClient, cfg.OTP.RetentionGrace)
		} else {
			mem := otp.NewMemoryStore()
			mem.StartReaper(ctx, cfg.OTP.ReaperInterval, time.Now)
			store = mem
		}
		return otp.NewEngine(otp.Config{
			Channel:  channel,
			TTL:      cfg.OTP.TTL,
			Cooldown: cfg.OTP.Cooldown,
			Length:   cfg.OTP.Length,
		}, store, f.locker)
	}

	var smsTransports, emailTransports []delivery.Transport
	if cfg.Delivery.SMS.Enabled {
		smsTransports = append(smsTransports, delivery.NewSMSTransport(cfg.Delivery.SMS))
	}
	if cfg.Delivery.SMTP.Enabled {
		emailTransports = append(emailTransports, delivery.NewEmailTransport(cfg.Delivery.SMTP))
	}
	if cfg.Delivery.Kafka && f.kafkaProducer != nil {
		notifier := delivery.NewKafkaTransport(f.kafkaProducer, cfg.Kafka.CodesTopic)
		smsTransports = append(smsTransports, notifier)
		emailTransports = append(emailTransports, notifier)
	}

	var recorder audit.Recorder
	if f.dispatcher != nil {
		recorder = f.dispatcher
	}

	var attempts service.AttemptLimiter
	if cfg.OTP.MaxAttempts > 0 {
		if f.redisClient != nil {
			attempts = redisrepo.NewCodeAttemptThrottle(f.redisClient, cfg.OTP.MaxAttempts, cfg.OTP.TTL)
		} else {
			attempts = handler.NewLocalThrottle(float64(cfg.OTP.MaxAttempts)/cfg.OTP.TTL.Seconds(), cfg.OTP.MaxAttempts)
		}
	}

	f.serviceFactory = service.NewServiceFactory(service.Dependencies{
		Accounts:         f.accountRepository,
		Sessions:         f.sessionStore,
		Verifier:         f.verifier,
		Guard:            lockout.NewGuard(cfg.Security.LockoutThreshold, cfg.Security.LockoutWindow),
		PhoneCodes:       engine(models.ChannelPhone),
		ResetCodes:       engine(models.ChannelReset),
		SMS:              delivery.NewFallback(f.logger, smsTransports...),
		Email:            delivery.NewFallback(f.logger, emailTransports...),
		Locker:           f.locker,
		CodeAttempts:     attempts,
		Audit:            recorder,
		Logger:           f.logger,
		MinPasswordScore: cfg.Security.MinPasswordScore,
	})
}

// ==============================
// HTTP
// ==============================

// Router wires the auth handler with the configured per-IP throttle.
func (f *Factory) Router() http.Handler {
	cfg := f.config

	var throttle handler.Throttle
	if cfg.Server.CodeRequestRate > 0 {
		if f.redisClient != nil {
			window := time.Duration(float64(cfg.Server.CodeRequestBurst) / cfg.Server.CodeRequestRate * float64(time.Second))
			throttle = redisrepo.NewIPThrottle(f.redisClient, cfg.Server.CodeRequestBurst, window)
		} else {
			throttle = handler.NewLocalThrottle(cfg.Server.CodeRequestRate, cfg.Server.CodeRequestBurst)
		}
	}

	authHandler := handler.NewAuthHandler(f.serviceFactory.AccountService(), f.logger)
	return handler.NewRouter(authHandler, f, handler.RouterOptions{
		ServiceName:    cfg.ServiceName,
		RequireHTTPS:   cfg.Server.RequireHTTPS,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		CodeThrottle:   throttle,
	}, f.logger)
}

// ==============================
// Health Checks
// ==============================

type healthCheck struct {
	name  string
	check func(context.Context) error
}

// HealthCheck checks every initialized dependency in parallel and returns the failures.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var checks []healthCheck
	if f.redisClient != nil {
		checks = append(checks, healthCheck{"redis", f.redisClient.HealthCheck})
	}
	if f.accountRepository != nil {
		checks = append(checks, healthCheck{"account_repository", f.accountRepository.HealthCheck})
	}
	if f.esClient != nil {
		checks = append(checks, healthCheck{"elasticsearch", f.esClient.HealthCheck})
	}
	if f.clickhouseClient != nil {
		checks = append(checks, healthCheck{"clickhouse", f.clickhouseClient.HealthCheck})
	}
	if f.kafkaProducer != nil {
		checks = append(checks, healthCheck{"kafka", f.kafkaProducer.HealthCheck})
	}

	var mu sync.Mutex
	healthErrors := make(map[string]error)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range checks {
		g.Go(func() error {
			if err := c.check(gctx); err != nil {
				mu.Lock()
				healthErrors[c.name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if f.verifier == nil {
		healthErrors["hasher"] = fmt.Errorf("credential verifier not initialized")
	}
	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}
	if f.dispatcher != nil && f.dispatcher.Dropped() > 0 {
		f.logger.Warn("Security events dropped", util.Int("dropped", int(f.dispatcher.Dropped())))
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		if f.stopReapers != nil {
			f.stopReapers()
		}

		// The dispatcher flushes into the clients below, so it goes first.
		if f.dispatcher != nil {
			f.dispatcher.Close()
			f.logger.Info("Audit dispatcher drained")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				f.logger.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		f.logger.Info("Factory shutdown completed")
		_ = f.logger.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}
