package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Insecure defaults that must never reach production.
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"changeme":                             true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Device         DeviceConfig
	Payments       PaymentsConfig
	Quota          QuotaConfig
	Notifier       NotifierConfig
	Encryption     EncryptionConfig
	InternalSecret string `envconfig:"INTERNAL_SECRET" required:"true"`
}

type ServerConfig struct {
	Port string `envconfig:"SERVER_PORT" default:"8006"`
	Mode string `envconfig:"GIN_MODE" default:"release"`
}

type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"proxy_user"`
	Password string `envconfig:"DB_PASSWORD" default:"proxy_pass"`
	DBName   string `envconfig:"DB_NAME" default:"proxy_db"`
	Schema   string `envconfig:"DB_SCHEMA" default:"fulfillment"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`

	APILimit       int           `envconfig:"RATE_API_LIMIT" default:"60"`
	APIWindow      time.Duration `envconfig:"RATE_API_WINDOW" default:"1m"`
	CheckoutLimit  int           `envconfig:"RATE_CHECKOUT_LIMIT" default:"10"`
	CheckoutWindow time.Duration `envconfig:"RATE_CHECKOUT_WINDOW" default:"1m"`
	WebhookLimit   int           `envconfig:"RATE_WEBHOOK_LIMIT" default:"120"`
	WebhookWindow  time.Duration `envconfig:"RATE_WEBHOOK_WINDOW" default:"1m"`
}

type JWTConfig struct {
	SecretKey string `envconfig:"JWT_SECRET_KEY" default:""`
}

// DeviceConfig points at the external device-management API that owns the
// physical proxy fleet.
type DeviceConfig struct {
	BaseURL string        `envconfig:"DEVICE_API_URL" default:"http://localhost:8390"`
	APIKey  string        `envconfig:"DEVICE_API_KEY" default:""`
	Timeout time.Duration `envconfig:"DEVICE_API_TIMEOUT" default:"30s"`
}

type PaymentsConfig struct {
	Provider        string   `envconfig:"PAYMENTS_PROVIDER" default:"nowpayments"`
	WebhookSecret   string   `envconfig:"PAYMENTS_WEBHOOK_SECRET" default:""`
	SignatureHeader string   `envconfig:"PAYMENTS_SIGNATURE_HEADER" default:"x-nowpayments-sig"`
	AllowedIPs      []string `envconfig:"PAYMENTS_ALLOWED_IPS" default:""`

	// The source logs invalid signatures but still processes the event,
	// trusting the IP allowlist. Kept configurable rather than fixed.
	RejectOnBadSignature bool `envconfig:"PAYMENTS_REJECT_ON_BAD_SIGNATURE" default:"false"`

	ReferencePrefix string `envconfig:"PAYMENTS_REFERENCE_PREFIX" default:"ipx"`
}

type QuotaConfig struct {
	ReservationTTL time.Duration `envconfig:"QUOTA_RESERVATION_TTL" default:"15m"`
	DeductTTL      time.Duration `envconfig:"QUOTA_DEDUCT_TTL" default:"1m"`
	SweepInterval  time.Duration `envconfig:"QUOTA_SWEEP_INTERVAL" default:"1m"`
}

type NotifierConfig struct {
	ServiceURL string `envconfig:"NOTIFIER_SERVICE_URL" default:"http://localhost:8007"`
}

type EncryptionConfig struct {
	// 32-byte key for AES-256-GCM encryption of proxy passwords at rest.
	Key string `envconfig:"ENCRYPTION_KEY" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}

	// Sensitive values are never logged.
	log.Printf("[config] Proxy fulfillment service loaded: port=%s db=%s/%s.%s device=%s",
		cfg.Server.Port, cfg.Database.Host, cfg.Database.DBName, cfg.Database.Schema, cfg.Device.BaseURL)

	return &cfg, nil
}

// Validate rejects configurations that would run with insecure secrets.
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}
	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}
	if c.Payments.WebhookSecret == "" {
		return fmt.Errorf("PAYMENTS_WEBHOOK_SECRET must be set")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}
