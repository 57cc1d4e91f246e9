package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v7"
	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendScylla = "scylla"
)

type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"account-security"`

	Server        ServerConfig        `envPrefix:"SERVER_"`
	Logging       LoggingConfig       `envPrefix:"LOG_"`
	Storage       StorageConfig       `envPrefix:"STORAGE_"`
	Redis         RedisConfig         `envPrefix:"REDIS_"`
	Scylla        ScyllaConfig        `envPrefix:"SCYLLA_"`
	Kafka         KafkaConfig         `envPrefix:"KAFKA_"`
	Elasticsearch ElasticsearchConfig `envPrefix:"ELASTICSEARCH_"`
	Clickhouse    ClickhouseConfig    `envPrefix:"CLICKHOUSE_"`
	KMS           KMSConfig           `envPrefix:"KMS_"`
	Bucketing     BucketingConfig     `envPrefix:"BUCKETING_"`
	Security      SecurityConfig      `envPrefix:"SECURITY_"`
	OTP           OTPConfig           `envPrefix:"OTP_"`
	Session       SessionConfig       `envPrefix:"SESSION_"`
	Delivery      DeliveryConfig      `envPrefix:"DELIVERY_"`
	Audit         AuditConfig         `envPrefix:"AUDIT_"`
}

type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	TLSPort         int           `env:"TLS_PORT" envDefault:"8443"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	EnableTLS       bool          `env:"ENABLE_TLS" envDefault:"false"`
	RequireHTTPS    bool          `env:"REQUIRE_HTTPS" envDefault:"false"`
	AutoCert        bool          `env:"AUTO_CERT" envDefault:"false"`
	Domain          string        `env:"DOMAIN" envDefault:"localhost"`
	CertFile        string        `env:"CERT_FILE"`
	KeyFile         string        `env:"KEY_FILE"`
	AutoCertDir     string        `env:"AUTO_CERT_DIR" envDefault:"./certs"`
	Email           string        `env:"ACME_EMAIL"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"https://*,http://localhost:*"`
	// Requests per second per client IP on code-issuing endpoints.
	CodeRequestRate  float64 `env:"CODE_REQUEST_RATE" envDefault:"1"`
	CodeRequestBurst int     `env:"CODE_REQUEST_BURST" envDefault:"5"`
}

type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// StorageConfig selects the account store backend.
type StorageConfig struct {
	Backend string `env:"BACKEND" envDefault:"memory"`
}

type RedisConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	URL      string `env:"URL" envDefault:"redis://localhost:6379/0"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"50"`
	CAFile   string `env:"TLS_CA_FILE" envDefault:"/app/certs/ca.crt"`
	CertFile string `env:"TLS_CERT_FILE" envDefault:"/app/certs/redis.crt"`
	KeyFile  string `env:"TLS_KEY_FILE" envDefault:"/app/certs/redis.key"`
	// LockTTL bounds how long a crashed holder can keep a per-key lock.
	LockTTL        time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	LockRetryDelay time.Duration `env:"LOCK_RETRY_DELAY" envDefault:"25ms"`
}

type ScyllaConfig struct {
	Nodes      []string `env:"NODES" envSeparator:"," envDefault:"localhost:9042"`
	Keyspace   string   `env:"KEYSPACE" envDefault:"account_security"`
	Username   string   `env:"USERNAME"`
	Password   string   `env:"PASSWORD"`
	CAPath     string   `env:"CA_PATH" envDefault:"/root/certs/ca.pem"`
	CertPath   string   `env:"CERT_PATH" envDefault:"/root/certs/server.pem"`
	KeyPath    string   `env:"KEY_PATH" envDefault:"/root/certs/server.key"`
	MaxRetries int      `env:"MAX_RETRIES" envDefault:"3"`
}

type KafkaConfig struct {
	Enabled     bool     `env:"ENABLED" envDefault:"false"`
	Brokers     []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	EventsTopic string   `env:"EVENTS_TOPIC" envDefault:"account-security-events"`
	CodesTopic  string   `env:"CODES_TOPIC" envDefault:"account-security-codes"`
	UseTLS      bool     `env:"USE_TLS" envDefault:"false"`
}

type ElasticsearchConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	URL      string `env:"URL" envDefault:"http://localhost:9200"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Index    string `env:"INDEX" envDefault:"login-risk"`
}

type ClickhouseConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	URL      string `env:"URL" envDefault:"localhost:9000"`
	Username string `env:"USERNAME" envDefault:"default"`
	Password string `env:"PASSWORD"`
	Database string `env:"DATABASE" envDefault:"account_security"`
	CAFile   string `env:"CA_FILE"`
	Table    string `env:"TABLE" envDefault:"security_events"`
}

type KMSConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	KeyID   string `env:"KEY_ID"`
	Region  string `env:"REGION" envDefault:"us-east-1"`
	// LocalKey wraps data keys when KMS is disabled. Empty means a per-process key.
	LocalKey string `env:"LOCAL_KEY"`
}

type BucketingConfig struct {
	AccountBuckets int `env:"ACCOUNT_BUCKETS" envDefault:"256"`
	EventBuckets   int `env:"EVENT_BUCKETS" envDefault:"64"`
}

// SecurityConfig holds lockout and hashing parameters.
type SecurityConfig struct {
	LockoutThreshold  int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutWindow     time.Duration `env:"LOCKOUT_WINDOW" envDefault:"15m"`
	MaxPasswordLength int           `env:"MAX_PASSWORD_LENGTH" envDefault:"256"`
	BcryptCost        int           `env:"BCRYPT_COST" envDefault:"10"`
	// HashWorkers caps concurrent bcrypt operations; 0 means GOMAXPROCS.
	HashWorkers      int `env:"HASH_WORKERS" envDefault:"0"`
	MinPasswordScore int `env:"MIN_PASSWORD_SCORE" envDefault:"40"`
	// HashWaitTimeout bounds the wait for a bcrypt worker. Callers may hold a
	// per-account lock while waiting, so it must stay well under REDIS_LOCK_TTL.
	HashWaitTimeout time.Duration `env:"HASH_WAIT_TIMEOUT" envDefault:"3s"`
}

type OTPConfig struct {
	TTL            time.Duration `env:"TTL" envDefault:"5m"`
	Cooldown       time.Duration `env:"COOLDOWN" envDefault:"60s"`
	Length         int           `env:"LENGTH" envDefault:"6"`
	Store          string        `env:"STORE" envDefault:"memory"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`
	// MaxAttempts caps phone code guesses per number within one code TTL; 0 disables.
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"5"`
	// RetentionGrace keeps expired tickets in Redis long enough to report them as expired.
	RetentionGrace time.Duration `env:"RETENTION_GRACE" envDefault:"10m"`
}

type SessionConfig struct {
	TTL            time.Duration `env:"TTL" envDefault:"24h"`
	Backend        string        `env:"BACKEND" envDefault:"memory"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"10m"`
}

type DeliveryConfig struct {
	SMS   SMSConfig  `envPrefix:"SMS_"`
	SMTP  SMTPConfig `envPrefix:"SMTP_"`
	Kafka bool       `env:"KAFKA_ENABLED" envDefault:"false"`
}

type SMSConfig struct {
	Enabled    bool          `env:"ENABLED" envDefault:"false"`
	BaseURL    string        `env:"BASE_URL" envDefault:"https://api.twilio.com"`
	AccountSID string        `env:"ACCOUNT_SID"`
	AuthToken  string        `env:"AUTH_TOKEN"`
	From       string        `env:"FROM"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"10s"`
	MaxRetries int           `env:"MAX_RETRIES" envDefault:"3"`
}

type SMTPConfig struct {
	Enabled    bool   `env:"ENABLED" envDefault:"false"`
	Host       string `env:"HOST" envDefault:"localhost"`
	Port       int    `env:"PORT" envDefault:"587"`
	Username   string `env:"USERNAME"`
	Password   string `env:"PASSWORD"`
	From       string `env:"FROM" envDefault:"no-reply@localhost"`
	SkipVerify bool   `env:"SKIP_VERIFY" envDefault:"false"`
}

type AuditConfig struct {
	Enabled       bool          `env:"ENABLED" envDefault:"true"`
	BufferSize    int           `env:"BUFFER_SIZE" envDefault:"1024"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"100"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"2s"`
	DropIfFull    bool          `env:"DROP_IF_FULL" envDefault:"true"`
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() (*Config, error) {
	return Load(".env")
}

// Load is LoadConfig with an explicit .env path.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg, nil
}

// Get returns the last loaded config, or defaults when none was loaded.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg != nil {
		return cfg
	}
	cfg = &Config{}
	_ = env.Parse(cfg)
	return cfg
}

func (c *Config) Validate() error {
	var errs []error

	if c.Security.LockoutThreshold <= 0 {
		errs = append(errs, errors.New("SECURITY_LOCKOUT_THRESHOLD must be positive"))
	}
	if c.Security.LockoutWindow <= 0 {
		errs = append(errs, errors.New("SECURITY_LOCKOUT_WINDOW must be positive"))
	}
	if c.Security.MaxPasswordLength <= 0 {
		errs = append(errs, errors.New("SECURITY_MAX_PASSWORD_LENGTH must be positive"))
	}
	if c.Security.HashWaitTimeout <= 0 {
		errs = append(errs, errors.New("SECURITY_HASH_WAIT_TIMEOUT must be positive"))
	}
	// A login can wait for two hash slots (verify, then rehash) under the lock.
	if c.Redis.Enabled && 2*c.Security.HashWaitTimeout >= c.Redis.LockTTL {
		errs = append(errs, fmt.Errorf("SECURITY_HASH_WAIT_TIMEOUT %s must be under half of REDIS_LOCK_TTL %s",
			c.Security.HashWaitTimeout, c.Redis.LockTTL))
	}
	if c.OTP.TTL <= 0 || c.OTP.Cooldown < 0 {
		errs = append(errs, errors.New("OTP_TTL must be positive and OTP_COOLDOWN non-negative"))
	}
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		errs = append(errs, fmt.Errorf("OTP_LENGTH %d out of range", c.OTP.Length))
	}
	if c.Bucketing.AccountBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		errs = append(errs, errors.New("bucket counts must be positive"))
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendScylla:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	for name, backend := range map[string]string{"OTP_STORE": c.OTP.Store, "SESSION_BACKEND": c.Session.Backend} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if !c.Redis.Enabled {
				errs = append(errs, fmt.Errorf("%s=redis requires REDIS_ENABLED", name))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown %s %q", name, backend))
		}
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}
	if c.Delivery.Kafka && !c.Kafka.Enabled {
		errs = append(errs, errors.New("DELIVERY_KAFKA_ENABLED requires KAFKA_ENABLED"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
