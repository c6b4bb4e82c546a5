package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP (embedded so its keys carry no extra prefix)
	// ----------------------------
	SMTP

	// ----------------------------
	// Queue
	// ----------------------------
	PollInterval  time.Duration `envconfig:"EMAIL_POLL_INTERVAL" default:"30s"`
	BatchSize     int           `envconfig:"EMAIL_BATCH_SIZE" default:"10"`
	MaxAttempts   int           `envconfig:"EMAIL_MAX_ATTEMPTS" default:"3"`
	RateLimit     int           `envconfig:"EMAIL_RATE_LIMIT" default:"10"`
	RetryBackoff  bool          `envconfig:"EMAIL_RETRY_BACKOFF" default:"false"`
	StaleAfter    time.Duration `envconfig:"EMAIL_STALE_AFTER" default:"10m"`
	Retention     time.Duration `envconfig:"EMAIL_RETENTION" default:"720h"`
	SweepInterval time.Duration `envconfig:"EMAIL_SWEEP_INTERVAL" default:"6h"`

	// ----------------------------
	// Templates
	// ----------------------------
	SiteName     string   `envconfig:"SITE_NAME" default:"EV Marketplace"`
	SiteURL      string   `envconfig:"SITE_URL" default:"http://localhost:3000"`
	SupportEmail string   `envconfig:"SUPPORT_EMAIL" default:"support@evmarket.example"`
	AdminEmails  []string `envconfig:"ADMIN_EMAILS"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort            string   `envconfig:"API_PORT" default:"8080"`
	JWTSecret          string   `envconfig:"JWT_SECRET"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// SMTP is the transport configuration. Required fields may be empty; the
// sender reports "not configured" instead of failing at load time.
type SMTP struct {
	Host        string        `envconfig:"SMTP_HOST"`
	Port        int           `envconfig:"SMTP_PORT" default:"587"`
	Secure      bool          `envconfig:"SMTP_SECURE" default:"false"`
	User        string        `envconfig:"SMTP_USER"`
	Password    string        `envconfig:"SMTP_PASSWORD"`
	FromName    string        `envconfig:"SMTP_FROM_NAME" default:"EV Marketplace"`
	FromAddress string        `envconfig:"SMTP_FROM"`
	Timeout     time.Duration `envconfig:"SMTP_TIMEOUT" default:"30s"`
}

// Configured reports whether every field needed to dial is present.
func (s SMTP) Configured() bool {
	return s.Host != "" && s.Port > 0 && s.FromAddress != ""
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
