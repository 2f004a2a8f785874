package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the CRM service.
type Config struct {
	Port               string   `env:"PORT" envDefault:"8080"`
	GinMode            string   `env:"GIN_MODE" envDefault:"debug"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://127.0.0.1:5173"`
	LogMode            string   `env:"LOG_MODE" envDefault:"dev"`
	JWTSecret          string   `env:"JWT_SECRET"`

	DB        DBConfig
	Twilio    TwilioConfig
	Reconcile ReconcileConfig
	Invoice   InvoiceConfig
	Redis     RedisConfig
	Otel      OtelConfig

	BulkSendDelay time.Duration `env:"BULK_SEND_DELAY" envDefault:"3s"`
	SweepInterval time.Duration `env:"OVERDUE_SWEEP_INTERVAL" envDefault:"1h"`
}

type DBConfig struct {
	Driver   string `env:"DB_DRIVER" envDefault:"postgres"` // postgres | sqlite
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	Name     string `env:"DB_NAME" envDefault:"postgres"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	Path     string `env:"DB_PATH" envDefault:"crm.db"` // sqlite only
}

type TwilioConfig struct {
	AccountSID   string        `env:"TWILIO_ACCOUNT_SID"`
	AuthToken    string        `env:"TWILIO_AUTH_TOKEN"`
	BaseURL      string        `env:"TWILIO_BASE_URL" envDefault:"https://api.twilio.com/2010-04-01"`
	WhatsAppFrom string        `env:"WHATSAPP_FROM"`
	Timeout      time.Duration `env:"TWILIO_TIMEOUT" envDefault:"30s"`
	MaxRetries   int           `env:"TWILIO_MAX_RETRIES" envDefault:"3"`
}

type ReconcileConfig struct {
	Interval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	MaxAttempts int           `env:"RECONCILE_MAX_ATTEMPTS" envDefault:"8"`
	BatchSize   int           `env:"RECONCILE_BATCH_SIZE" envDefault:"50"`
}

type InvoiceConfig struct {
	DefaultDueDays int `env:"INVOICE_DEFAULT_DUE_DAYS" envDefault:"14"`
	NumberRetries  int `env:"INVOICE_NUMBER_RETRIES" envDefault:"5"`
}

type RedisConfig struct {
	Addr    string `env:"REDIS_ADDR"`
	Channel string `env:"REDIS_CHANNEL" envDefault:"crm-events"`
}

type OtelConfig struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"crm"`
	SampleRatio float64 `env:"OTEL_SAMPLER_RATIO" envDefault:"0.1"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads optional .env files and then the process environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{"configs/.env", ".env"}
	}
	for _, f := range files {
		// Missing files are fine; real deployments configure through the environment.
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.DB.Driver) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	if c.JWTSecret == "" && c.GinMode == "release" {
		return fmt.Errorf("JWT_SECRET is required in release mode")
	}
	if c.BulkSendDelay < 0 {
		return fmt.Errorf("BULK_SEND_DELAY must not be negative")
	}
	if c.Invoice.NumberRetries < 1 {
		c.Invoice.NumberRetries = 1
	}
	if c.Reconcile.MaxAttempts < 1 {
		c.Reconcile.MaxAttempts = 1
	}
	return nil
}

// DSN builds the postgres connection string.
func (d DBConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.Name + "?sslmode=" + d.SSLMode
}

// Secret returns the JWT signing secret, with a development fallback.
func (c *Config) Secret() []byte {
	if c.JWTSecret == "" {
		return []byte("default_super_secret_key") // development only
	}
	return []byte(c.JWTSecret)
}

// TwilioEnabled reports whether enough credentials exist to talk to Twilio.
func (c *Config) TwilioEnabled() bool {
	return c.Twilio.AccountSID != "" && c.Twilio.AuthToken != "" && c.Twilio.WhatsAppFrom != ""
}
