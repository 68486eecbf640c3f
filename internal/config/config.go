package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kevin07696/funnel-service/internal/adapters/secrets"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
)

// Webhook providers with their own signing secret
var WebhookProviders = []string{"nmi", "crm", "stripe"}

// Config holds all application configuration
type Config struct {
	Environment string `validate:"oneof=development staging production test"`
	DebugErrors bool

	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Session   SessionConfig
	Gateway   GatewayConfig
	Webhook   WebhookConfig
	Events    EventsConfig
	Secrets   secrets.Config
	Catalog   CatalogConfig
	RateLimit RateLimitConfig
	Cron      CronConfig
	Logger    LoggerConfig
}

// ServerConfig holds the listener configuration
type ServerConfig struct {
	Host            string
	HTTPPort        int `validate:"min=1,max=65535"`
	GRPCPort        int `validate:"min=1,max=65535"`
	MetricsPort     int `validate:"min=1,max=65535"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	AllowedOrigins  []string
}

// DatabaseConfig holds PostgreSQL configuration; an empty URL keeps orders in memory
type DatabaseConfig struct {
	URL         string
	MaxConns    int32 `validate:"min=1"`
	MinConns    int32 `validate:"min=0"`
	AutoMigrate bool
}

// RedisConfig holds the session cache; an empty URL keeps sessions in memory
type RedisConfig struct {
	URL string
}

// SessionConfig controls session lifetime
type SessionConfig struct {
	TTL           time.Duration `validate:"gt=0"`
	SweepInterval time.Duration `validate:"gt=0"`
	PollAttempts  int           `validate:"min=1"`
}

// GatewayConfig holds the payment gateway configuration
type GatewayConfig struct {
	BaseURL           string `validate:"url"`
	SecurityKey       string
	SecurityKeySecret string
	Timeout           time.Duration `validate:"gt=0"`
	MaxRetries        int           `validate:"min=0,max=5"`
	SendLineItems     bool
}

// WebhookConfig holds per-provider signing secrets
type WebhookConfig struct {
	Secrets     map[string]string
	SecretNames map[string]string
}

// EventsConfig configures where funnel events are mirrored
type EventsConfig struct {
	BusWorkers    int `validate:"min=1"`
	BusQueueSize  int `validate:"min=1"`
	SNSTopicARN   string
	AWSRegion     string
	ForwardURL    string `validate:"omitempty,url"`
	ForwardSecret string
}

// CatalogConfig points at a YAML catalog; empty uses the built-in one
type CatalogConfig struct {
	Path string
}

// RateLimitConfig is the per-IP limit on the public API
type RateLimitConfig struct {
	RequestsPerSecond float64 `validate:"gt=0"`
	Burst             int     `validate:"min=1"`
}

// CronConfig holds the shared secret for cron endpoints
type CronConfig struct {
	Secret string
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string `validate:"oneof=debug info warn error"`
	Development bool
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ShowGatewayText reports whether raw gateway text may be returned to clients
func (c *Config) ShowGatewayText() bool {
	return c.DebugErrors && !c.IsProduction()
}

// Load reads optional .env files and then the environment
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return LoadFromEnv()
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		DebugErrors: getEnvAsBool("DEBUG_ERRORS", false),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			HTTPPort:        getEnvAsInt("HTTP_PORT", 8080),
			GRPCPort:        getEnvAsInt("GRPC_PORT", 50051),
			MetricsPort:     getEnvAsInt("METRICS_PORT", 9090),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
			RequestTimeout:  getEnvAsDuration("REQUEST_TIMEOUT", 45*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", ""),
			MaxConns:    int32(getEnvAsInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvAsInt("DB_MIN_CONNS", 1)),
			AutoMigrate: getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Session: SessionConfig{
			TTL:           getEnvAsDuration("SESSION_TTL", 24*time.Hour),
			SweepInterval: getEnvAsDuration("SESSION_SWEEP_INTERVAL", 10*time.Minute),
			PollAttempts:  getEnvAsInt("SESSION_POLL_ATTEMPTS", 20),
		},
		Gateway: GatewayConfig{
			BaseURL:           getEnv("GATEWAY_URL", "https://secure.nmi.com/api/transact.php"),
			SecurityKey:       getEnv("GATEWAY_SECURITY_KEY", ""),
			SecurityKeySecret: getEnv("GATEWAY_SECURITY_KEY_SECRET", ""),
			Timeout:           getEnvAsDuration("GATEWAY_TIMEOUT", 30*time.Second),
			MaxRetries:        getEnvAsInt("GATEWAY_MAX_RETRIES", 2),
			SendLineItems:     getEnvAsBool("GATEWAY_SEND_LINE_ITEMS", true),
		},
		Webhook: WebhookConfig{
			Secrets:     make(map[string]string),
			SecretNames: make(map[string]string),
		},
		Events: EventsConfig{
			BusWorkers:    getEnvAsInt("EVENT_BUS_WORKERS", 4),
			BusQueueSize:  getEnvAsInt("EVENT_BUS_QUEUE_SIZE", 1024),
			SNSTopicARN:   getEnv("EVENTS_SNS_TOPIC_ARN", ""),
			AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
			ForwardURL:    getEnv("EVENTS_FORWARD_URL", ""),
			ForwardSecret: getEnv("EVENTS_FORWARD_SECRET", ""),
		},
		Secrets: secrets.Config{
			Backend:   getEnv("SECRET_BACKEND", secrets.BackendLocal),
			LocalPath: getEnv("SECRETS_PATH", "./secrets"),
			AWS: secrets.AWSConfig{
				Region:   getEnv("AWS_REGION", "us-east-1"),
				Profile:  getEnv("AWS_PROFILE", ""),
				Endpoint: getEnv("AWS_SECRETS_ENDPOINT", ""),
				CacheTTL: getEnvAsDuration("SECRET_CACHE_TTL", 5*time.Minute),
			},
			Vault: secrets.VaultConfig{
				Address:    getEnv("VAULT_ADDR", ""),
				AuthMethod: getEnv("VAULT_AUTH_METHOD", "token"),
				Token:      getEnv("VAULT_TOKEN", ""),
				RoleID:     getEnv("VAULT_ROLE_ID", ""),
				SecretID:   getEnv("VAULT_SECRET_ID", ""),
				Namespace:  getEnv("VAULT_NAMESPACE", ""),
				MountPath:  getEnv("VAULT_MOUNT_PATH", "secret"),
				KVVersion:  getEnv("VAULT_KV_VERSION", "v2"),
				CacheTTL:   getEnvAsDuration("SECRET_CACHE_TTL", 5*time.Minute),
			},
		},
		Catalog: CatalogConfig{
			Path: getEnv("CATALOG_PATH", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Cron: CronConfig{
			Secret: getEnv("CRON_SECRET", ""),
		},
		Logger: LoggerConfig{
			Level:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	for _, provider := range WebhookProviders {
		prefix := "WEBHOOK_" + strings.ToUpper(provider)
		if v := os.Getenv(prefix + "_SECRET"); v != "" {
			cfg.Webhook.Secrets[provider] = v
		}
		if v := os.Getenv(prefix + "_SECRET_NAME"); v != "" {
			cfg.Webhook.SecretNames[provider] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var configValidator = validator.New()

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return domain.NewConfigurationError("invalid configuration: " + strings.Join(msgs, "; "))
		}
		return domain.WrapError(domain.ErrorCodeConfiguration, "invalid configuration", err)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return domain.NewConfigurationError("DB_MIN_CONNS must not exceed DB_MAX_CONNS")
	}
	return nil
}

// ResolveSecrets fills credentials that were given as secret names. The
// gateway security key is required; a missing one is a configuration error.
func (c *Config) ResolveSecrets(ctx context.Context, store ports.SecretStore) error {
	key, err := secrets.Resolve(ctx, store, c.Gateway.SecurityKey, c.Gateway.SecurityKeySecret)
	if err != nil {
		return err
	}
	if key == "" {
		return domain.NewConfigurationError("GATEWAY_SECURITY_KEY or GATEWAY_SECURITY_KEY_SECRET is required")
	}
	c.Gateway.SecurityKey = key

	for provider, name := range c.Webhook.SecretNames {
		value, err := secrets.Resolve(ctx, store, c.Webhook.Secrets[provider], name)
		if err != nil {
			return err
		}
		c.Webhook.Secrets[provider] = value
	}

	if c.IsProduction() && c.Cron.Secret == "" {
		return domain.NewConfigurationError("CRON_SECRET is required in production")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("30s") or whole seconds ("30")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated value, dropping empty entries
func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
