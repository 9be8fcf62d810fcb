package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/fuomag9/pulsebox/internal/netguard"
)

// ErrInvalidConfig is the root of every validation failure returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	Port        int
	Environment string
	AppURL      string
	CORSOrigins []string
	Database    DatabaseConfig

	// JWTSecret verifies session tokens issued by the identity provider (HS256)
	JWTSecret string
	// CredentialKey seeds the application cipher for stored provider credentials.
	// Empty means credentials are stored as given and the database encrypts at rest.
	CredentialKey string
	// CronSecret guards the scheduled refresh endpoint when set
	CronSecret string
	// RedisURL enables the asynq task queue and the shared replay guard
	RedisURL string

	Google  GoogleConfig
	Slack   SlackConfig
	HubSpot HubSpotConfig

	Refresh           RefreshConfig
	SyncPageSize      int
	WorkerConcurrency int
	ProviderTimeout   time.Duration

	// NotificationRetention is how long read notifications are kept
	NotificationRetention time.Duration
	CleanupSchedule       string
	RenewalSchedule       string

	// RateLimitPerMinute bounds authenticated API requests per client IP
	RateLimitPerMinute int

	// AllowPrivateEgress lets provider calls reach loopback and private addresses
	AllowPrivateEgress bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string // postgres or memory
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// ProviderConfig holds the OAuth client registration for one provider.
// AuthURL/TokenURL/APIBaseURL override the public endpoints (tests, proxies).
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
}

// Enabled reports whether the client registration is complete
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// GoogleConfig covers both Gmail and Google Drive
type GoogleConfig struct {
	ProviderConfig
	// PubSubTopic receives Gmail watch notifications; empty disables users.watch
	PubSubTopic string
	// PushToken is compared with the ?token= query parameter on Gmail pushes
	PushToken string
	// DriveWebhookURL is the public address registered with changes.watch
	DriveWebhookURL string
	// DriveChannelToken is echoed back by Drive in X-Goog-Channel-Token
	DriveChannelToken string
}

// SlackConfig holds Slack app settings
type SlackConfig struct {
	ProviderConfig
	SigningSecret string
}

// HubSpotConfig holds HubSpot app settings
type HubSpotConfig struct {
	ProviderConfig
	// VerifySignatures enables X-HubSpot-Signature checks on webhooks
	VerifySignatures bool
}

// RefreshConfig tunes the token refresh sweep
type RefreshConfig struct {
	Schedule    string
	Margin      time.Duration
	MaxFailures int
	ItemTimeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	env := getEnv("ENVIRONMENT", "production")
	appURL := getAppURL()

	jwtSecret, err := loadJWTSecret(env)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		Environment: env,
		AppURL:      appURL,
		CORSOrigins: loadCORSOrigins(env, appURL),
		Database: DatabaseConfig{
			Type:         getEnv("DATABASE_TYPE", "postgres"),
			DSN:          getEnv("DATABASE_DSN", buildPostgresDSN()),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		JWTSecret:     jwtSecret,
		CredentialKey: os.Getenv("CREDENTIAL_KEY"),
		CronSecret:    os.Getenv("CRON_SECRET"),
		RedisURL:      os.Getenv("REDIS_URL"),
		Google: GoogleConfig{
			ProviderConfig:    loadProviderConfig("GOOGLE", appURL),
			PubSubTopic:       os.Getenv("GMAIL_PUBSUB_TOPIC"),
			PushToken:         os.Getenv("GMAIL_PUSH_TOKEN"),
			DriveWebhookURL:   getEnv("DRIVE_WEBHOOK_URL", joinURL(appURL, "/webhooks/google-drive")),
			DriveChannelToken: os.Getenv("DRIVE_CHANNEL_TOKEN"),
		},
		Slack: SlackConfig{
			ProviderConfig: loadProviderConfig("SLACK", appURL),
			SigningSecret:  os.Getenv("SLACK_SIGNING_SECRET"),
		},
		HubSpot: HubSpotConfig{
			ProviderConfig:   loadProviderConfig("HUBSPOT", appURL),
			VerifySignatures: getEnvBool("HUBSPOT_VERIFY_SIGNATURES", false),
		},
		Refresh: RefreshConfig{
			Schedule:    getEnv("REFRESH_SCHEDULE", "@every 1h"),
			Margin:      getEnvDuration("REFRESH_MARGIN", 5*time.Minute),
			MaxFailures: getEnvInt("REFRESH_MAX_FAILURES", 3),
			ItemTimeout: getEnvDuration("REFRESH_ITEM_TIMEOUT", 30*time.Second),
		},
		SyncPageSize:          getEnvInt("SYNC_PAGE_SIZE", 15),
		WorkerConcurrency:     getEnvInt("WORKER_CONCURRENCY", 5),
		ProviderTimeout:       getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		NotificationRetention: getEnvDuration("NOTIFICATION_RETENTION", 30*24*time.Hour),
		CleanupSchedule:       getEnv("CLEANUP_SCHEDULE", "0 3 * * *"),
		RenewalSchedule:       getEnv("RENEWAL_SCHEDULE", "@every 6h"),
		RateLimitPerMinute:    getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		AllowPrivateEgress:    getEnvBool("ALLOW_PRIVATE_EGRESS", env == "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment reports whether the service runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate validates the configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs error

	if c.Environment == "production" {
		if len(c.JWTSecret) < 32 {
			errs = multierr.Append(errs, errors.New("JWT_SECRET must be at least 32 characters in production"))
		}
		for _, insecure := range []string{"change-me-in-production", "secret", "password", "changeme"} {
			if c.JWTSecret == insecure {
				errs = multierr.Append(errs, errors.New("JWT_SECRET is set to an insecure default value"))
			}
		}
		if c.Database.Type == "memory" {
			errs = multierr.Append(errs, errors.New("DATABASE_TYPE=memory is only allowed in development"))
		}
	}

	if len(c.CORSOrigins) == 0 {
		errs = multierr.Append(errs, errors.New("at least one CORS origin must be configured"))
	}

	switch c.Database.Type {
	case "postgres", "memory":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported database type: %s", c.Database.Type))
	}

	if c.CredentialKey != "" && len(c.CredentialKey) < 32 {
		errs = multierr.Append(errs, errors.New("CREDENTIAL_KEY must be at least 32 characters"))
	}

	if c.Slack.Enabled() && c.Slack.SigningSecret == "" {
		errs = multierr.Append(errs, errors.New("SLACK_SIGNING_SECRET is required when Slack is configured"))
	}

	if c.Refresh.Margin <= 0 {
		errs = multierr.Append(errs, errors.New("REFRESH_MARGIN must be positive"))
	}
	if c.Refresh.MaxFailures < 1 {
		errs = multierr.Append(errs, errors.New("REFRESH_MAX_FAILURES must be at least 1"))
	}
	if c.SyncPageSize < 1 || c.SyncPageSize > 100 {
		errs = multierr.Append(errs, errors.New("SYNC_PAGE_SIZE must be between 1 and 100"))
	}
	if c.WorkerConcurrency < 1 {
		errs = multierr.Append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.ProviderTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("PROVIDER_TIMEOUT must be positive"))
	}

	guard := netguard.New(c.AllowPrivateEgress)
	for name, pc := range map[string]ProviderConfig{
		"GOOGLE":  c.Google.ProviderConfig,
		"SLACK":   c.Slack.ProviderConfig,
		"HUBSPOT": c.HubSpot.ProviderConfig,
	} {
		for suffix, endpoint := range map[string]string{
			"_AUTH_URL":     pc.AuthURL,
			"_TOKEN_URL":    pc.TokenURL,
			"_API_BASE_URL": pc.APIBaseURL,
		} {
			if endpoint == "" {
				continue
			}
			if err := guard.ValidateURL(endpoint); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", name, suffix, err))
			}
		}
	}

	if errs != nil {
		return multierr.Append(ErrInvalidConfig, errs)
	}
	return nil
}

func loadProviderConfig(prefix, appURL string) ProviderConfig {
	p := ProviderConfig{
		ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
		ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		RedirectURL:  getEnv(prefix+"_REDIRECT_URL", joinURL(appURL, "/oauth/callback")),
		AuthURL:      os.Getenv(prefix + "_AUTH_URL"),
		TokenURL:     os.Getenv(prefix + "_TOKEN_URL"),
		APIBaseURL:   os.Getenv(prefix + "_API_BASE_URL"),
	}
	if scopes := os.Getenv(prefix + "_SCOPES"); scopes != "" {
		p.Scopes = splitAndTrim(scopes, ",")
	}
	return p
}

func buildPostgresDSN() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "pulsebox")
	password := getEnv("POSTGRES_PASSWORD", "secret")
	dbName := getEnv("POSTGRES_DB", "pulsebox")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

func loadJWTSecret(env string) (string, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		if env == "production" {
			return "", fmt.Errorf("%w: JWT_SECRET environment variable is required in production", ErrInvalidConfig)
		}
		// Development only: sessions do not survive a restart
		return generateRandomSecret()
	}
	if len(secret) < 16 {
		return "", fmt.Errorf("%w: JWT_SECRET must be at least 16 characters long", ErrInvalidConfig)
	}
	return secret, nil
}

func loadCORSOrigins(env, appURL string) []string {
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		return splitAndTrim(origins, ",")
	}
	if appURL != "" {
		return []string{appURL}
	}
	if env == "development" {
		return []string{"http://localhost:3000", "http://localhost:8080"}
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	parts := []string{}
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func joinURL(base, path string) string {
	if base == "" {
		return ""
	}
	return base + path
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func generateRandomSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

func getAppURL() string {
	return strings.TrimRight(os.Getenv("APP_URL"), "/")
}
