package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"

	KMSProviderAWS   = "aws"
	KMSProviderLocal = "local"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Mongo       MongoConfig
	KMS         KMSConfig
	Stytch      StytchConfig
	Plaid       PlaidConfig
	Security    SecurityConfig
	RateLimit   RateLimitConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	FrontendURL  string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MongoConfig struct {
	URI               string
	Database          string
	KeyVaultNamespace string
	ConnectTimeout    time.Duration
}

// KeyVaultDatabase and KeyVaultCollection split the "db.collection" namespace.
func (m MongoConfig) KeyVaultDatabase() string {
	db, _, _ := strings.Cut(m.KeyVaultNamespace, ".")
	return db
}

func (m MongoConfig) KeyVaultCollection() string {
	_, coll, _ := strings.Cut(m.KeyVaultNamespace, ".")
	return coll
}

type KMSConfig struct {
	Provider        string
	Region          string
	KeyID           string
	AccessKeyID     string
	SecretAccessKey string
	LocalMasterKey  string
	DataKeyAltName  string
	Timeout         time.Duration
}

type StytchConfig struct {
	ProjectID string
	Secret    string
	// BaseURL overrides the API host the SDK derives from the project id.
	BaseURL string
	Timeout time.Duration
}

type PlaidConfig struct {
	ClientID   string
	Secret     string
	Env        string
	TemplateID string
	Timeout    time.Duration
	// VerifyWebhooks checks the Plaid-Verification header on every webhook.
	VerifyWebhooks bool
	WebhookMaxAge  time.Duration
}

// BaseURL resolves the Plaid environment host.
func (p PlaidConfig) BaseURL() string {
	switch p.Env {
	case "production":
		return "https://production.plaid.com"
	case "development":
		return "https://development.plaid.com"
	default:
		return "https://sandbox.plaid.com"
	}
}

type SecurityConfig struct {
	JWTSecret          string
	StepUpTTL          time.Duration
	TurnstileSecretKey string
	TurnstileTimeout   time.Duration
	CORSOrigins        []string
	AdminUserIDs       []string
}

type RateLimitConfig struct {
	Enabled         bool
	GeneralLimit    int
	GeneralWindow   time.Duration
	AuthLimit       int
	AuthWindow      time.Duration
	SensitiveLimit  int
	SensitiveWindow time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// Enabled reports whether audit events should also be streamed to Kafka.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// LoadConfig reads a .env file when present and builds the configuration from
// the process environment. It fails when a required value is absent.
func LoadConfig() (*Config, error) {
	cfg := load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadKeyVaultConfig is LoadConfig for tools that only touch the key vault.
// It checks the MongoDB and KMS settings and nothing else.
func LoadKeyVaultConfig() (*Config, error) {
	cfg := load()
	if err := cfg.ValidateKeyVault(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", EnvDevelopment),
		Server: ServerConfig{
			Port:         getEnvInt("PORT", 3001),
			TLSPort:      getEnvInt("TLS_PORT", 8443),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    getEnvBool("ENABLE_TLS", false),
			AutoCert:     getEnvBool("AUTO_CERT", false),
			Domain:       getEnv("DOMAIN", "localhost"),
			CertFile:     getEnv("TLS_CERT_FILE", ""),
			KeyFile:      getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:  getEnv("AUTO_CERT_DIR", "./certs"),
			Email:        getEnv("ACME_EMAIL", ""),
			FrontendURL:  getEnv("FRONTEND_URL", "http://localhost:3000"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Mongo: MongoConfig{
			URI:               getEnv("MONGODB_URI", ""),
			Database:          getEnv("MONGODB_DB_NAME", "paypollen"),
			KeyVaultNamespace: getEnv("MONGODB_KEY_VAULT_NAMESPACE", "paypollen.__keyVault"),
			ConnectTimeout:    getEnvDuration("MONGODB_CONNECT_TIMEOUT", 10*time.Second),
		},
		KMS: KMSConfig{
			Provider:        getEnv("KMS_PROVIDER", KMSProviderAWS),
			Region:          getEnv("AWS_REGION", "us-east-1"),
			KeyID:           getEnv("AWS_KMS_KEY_ID", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			LocalMasterKey:  getEnv("LOCAL_MASTER_KEY", ""),
			DataKeyAltName:  getEnv("DATA_KEY_ALT_NAME", "pii-data-key"),
			Timeout:         getEnvDuration("KMS_TIMEOUT", 5*time.Second),
		},
		Stytch: StytchConfig{
			ProjectID: getEnv("STYTCH_PROJECT_ID", ""),
			Secret:    getEnv("STYTCH_SECRET", ""),
			BaseURL:   getEnv("STYTCH_BASE_URL", ""),
			Timeout:   getEnvDuration("STYTCH_TIMEOUT", 10*time.Second),
		},
		Plaid: PlaidConfig{
			ClientID:   getEnv("PLAID_CLIENT_ID", ""),
			Secret:     getEnv("PLAID_SECRET", ""),
			Env:        getEnv("PLAID_ENV", "sandbox"),
			TemplateID: getEnv("PLAID_IDV_TEMPLATE_ID", ""),
			Timeout:    getEnvDuration("PLAID_TIMEOUT", 15*time.Second),

			VerifyWebhooks: getEnvBool("PLAID_VERIFY_WEBHOOKS", true),
			WebhookMaxAge:  getEnvDuration("PLAID_WEBHOOK_MAX_AGE", 5*time.Minute),
		},
		Security: SecurityConfig{
			JWTSecret:          getEnv("JWT_SECRET", ""),
			StepUpTTL:          getEnvDuration("STEP_UP_TTL", 5*time.Minute),
			TurnstileSecretKey: getEnv("TURNSTILE_SECRET_KEY", ""),
			TurnstileTimeout:   getEnvDuration("TURNSTILE_TIMEOUT", 5*time.Second),
			CORSOrigins:        getEnvList("CORS_ORIGINS"),
			AdminUserIDs:       getEnvList("ADMIN_USER_IDS"),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getEnvBool("RATE_LIMIT_ENABLED", true),
			GeneralLimit:    getEnvInt("RATE_LIMIT_GENERAL", 100),
			GeneralWindow:   getEnvDuration("RATE_LIMIT_GENERAL_WINDOW", 15*time.Minute),
			AuthLimit:       getEnvInt("RATE_LIMIT_AUTH", 5),
			AuthWindow:      getEnvDuration("RATE_LIMIT_AUTH_WINDOW", 15*time.Minute),
			SensitiveLimit:  getEnvInt("RATE_LIMIT_SENSITIVE", 3),
			SensitiveWindow: getEnvDuration("RATE_LIMIT_SENSITIVE_WINDOW", time.Hour),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS"),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "pii-audit"),
		},
	}
}

// Validate reports every missing or contradictory setting at once.
func (c *Config) Validate() error {
	var missing []string
	require := requireInto(&missing)

	require("MONGODB_URI", c.Mongo.URI)
	require("STYTCH_PROJECT_ID", c.Stytch.ProjectID)
	require("STYTCH_SECRET", c.Stytch.Secret)
	require("PLAID_CLIENT_ID", c.Plaid.ClientID)
	require("PLAID_SECRET", c.Plaid.Secret)
	require("JWT_SECRET", c.Security.JWTSecret)
	require("TURNSTILE_SECRET_KEY", c.Security.TurnstileSecretKey)
	if len(c.Security.CORSOrigins) == 0 {
		missing = append(missing, "CORS_ORIGINS")
	}
	if err := c.requireKMS(require); err != nil {
		return err
	}
	if c.IsProduction() && !c.Plaid.VerifyWebhooks {
		return errors.New("PLAID_VERIFY_WEBHOOKS cannot be disabled in production")
	}
	return c.finish(missing)
}

// ValidateKeyVault checks only what key provisioning needs.
func (c *Config) ValidateKeyVault() error {
	var missing []string
	require := requireInto(&missing)

	require("MONGODB_URI", c.Mongo.URI)
	if err := c.requireKMS(require); err != nil {
		return err
	}
	return c.finish(missing)
}

func requireInto(missing *[]string) func(name, value string) {
	return func(name, value string) {
		if strings.TrimSpace(value) == "" {
			*missing = append(*missing, name)
		}
	}
}

func (c *Config) requireKMS(require func(name, value string)) error {
	switch c.KMS.Provider {
	case KMSProviderAWS:
		require("AWS_KMS_KEY_ID", c.KMS.KeyID)
		require("AWS_REGION", c.KMS.Region)
	case KMSProviderLocal:
		require("LOCAL_MASTER_KEY", c.KMS.LocalMasterKey)
	default:
		return fmt.Errorf("unsupported KMS_PROVIDER %q", c.KMS.Provider)
	}
	return nil
}

func (c *Config) finish(missing []string) error {
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.KMS.Provider == KMSProviderLocal && c.IsProduction() {
		return errors.New("KMS_PROVIDER=local is not allowed in production")
	}
	if c.Mongo.KeyVaultDatabase() == "" || c.Mongo.KeyVaultCollection() == "" {
		return fmt.Errorf("invalid MONGODB_KEY_VAULT_NAMESPACE %q", c.Mongo.KeyVaultNamespace)
	}
	return nil
}

// MasterKeyRef is the master key data keys are wrapped under.
func (c *Config) MasterKeyRef() string {
	if c.KMS.Provider == KMSProviderLocal {
		return KMSProviderLocal
	}
	return c.KMS.KeyID
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

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
