// Package config loads runtime settings from the environment. Local .env
// files are read first and never override variables already set.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL        string
	Port               string
	JWTSecret          string
	LogLevel           slog.Level
	CORSAllowedOrigins []string

	CampaignBaseCost        int64
	CampaignCostPerProspect int64
	CampaignMaxProspects    int
	SignupBonusCredits      int64

	WorkflowGenerateURL    string
	WorkflowDispatchURL    string
	WorkflowStatusURL      string
	WorkflowAPIToken       string
	WorkflowCallbackSecret string
	WorkflowTimeout        time.Duration
	WorkflowMaxRetries     int

	PublicBaseURL string
	AppURL        string

	JobTTL            time.Duration
	JobHardTTL        time.Duration
	ReconcileInterval time.Duration
	ReconcileBatch    int

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceCredits  map[string]string
}

// LoadEnvFiles reads .env.local and .env if present.
func LoadEnvFiles() []string {
	var loaded []string
	for _, f := range []string{".env.local", ".env"} {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			slog.Warn("failed to load env file", "file", f, "error", err)
			continue
		}
		loaded = append(loaded, f)
	}
	return loaded
}

// Load reads the environment. Malformed numbers and durations are errors
// rather than silent defaults.
func Load() (*Config, error) {
	LoadEnvFiles()
	p := &parser{}
	cfg := &Config{
		DatabaseURL:        GetEnv("DATABASE_URL", ""),
		Port:               GetEnv("PORT", "8080"),
		JWTSecret:          GetEnv("JWT_SECRET", ""),
		LogLevel:           parseLevel(GetEnv("LOG_LEVEL", "info")),
		CORSAllowedOrigins: splitList(GetEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),

		CampaignBaseCost:        p.int64("CAMPAIGN_BASE_COST", 50),
		CampaignCostPerProspect: p.int64("CAMPAIGN_COST_PER_PROSPECT", 1),
		CampaignMaxProspects:    int(p.int64("CAMPAIGN_MAX_PROSPECTS", 5000)),
		SignupBonusCredits:      p.int64("SIGNUP_BONUS_CREDITS", 0),

		WorkflowGenerateURL:    GetEnv("WORKFLOW_GENERATE_URL", ""),
		WorkflowDispatchURL:    GetEnv("WORKFLOW_DISPATCH_URL", ""),
		WorkflowStatusURL:      GetEnv("WORKFLOW_STATUS_URL", ""),
		WorkflowAPIToken:       GetEnv("WORKFLOW_API_TOKEN", ""),
		WorkflowCallbackSecret: GetEnv("WORKFLOW_CALLBACK_SECRET", ""),
		WorkflowTimeout:        p.duration("WORKFLOW_TIMEOUT", 5*time.Second),
		WorkflowMaxRetries:     int(p.int64("WORKFLOW_MAX_RETRIES", 3)),

		PublicBaseURL: strings.TrimRight(GetEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AppURL:        strings.TrimRight(GetEnv("APP_URL", "http://localhost:3000"), "/"),

		JobTTL:            p.duration("JOB_TTL", 30*time.Minute),
		JobHardTTL:        p.duration("JOB_HARD_TTL", 2*time.Hour),
		ReconcileInterval: p.duration("RECONCILE_INTERVAL", time.Minute),
		ReconcileBatch:    int(p.int64("RECONCILE_BATCH", 100)),

		StripeSecretKey:     GetEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceCredits: map[string]string{
			"credits_50":  GetEnv("STRIPE_PRICE_ID_CREDITS_50", ""),
			"credits_100": GetEnv("STRIPE_PRICE_ID_CREDITS_100", ""),
			"credits_200": GetEnv("STRIPE_PRICE_ID_CREDITS_200", ""),
		},
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var errs []error
	if c.CampaignBaseCost < 0 || c.CampaignCostPerProspect < 0 || c.CampaignBaseCost+c.CampaignCostPerProspect <= 0 {
		errs = append(errs, errors.New("campaign costs must be non-negative and not both zero"))
	}
	if c.CampaignMaxProspects <= 0 {
		errs = append(errs, errors.New("CAMPAIGN_MAX_PROSPECTS must be positive"))
	}
	if c.SignupBonusCredits < 0 {
		errs = append(errs, errors.New("SIGNUP_BONUS_CREDITS must not be negative"))
	}
	if c.JobTTL <= 0 || c.JobHardTTL < c.JobTTL {
		errs = append(errs, errors.New("JOB_TTL must be positive and not exceed JOB_HARD_TTL"))
	}
	if c.ReconcileInterval <= 0 || c.ReconcileBatch <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL and RECONCILE_BATCH must be positive"))
	}
	if c.WorkflowMaxRetries < 0 {
		errs = append(errs, errors.New("WORKFLOW_MAX_RETRIES must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateServe adds the secrets the HTTP server cannot run without.
func (c *Config) ValidateServe() error {
	err := c.Validate()
	if c.JWTSecret == "" {
		err = errors.Join(err, errors.New("JWT_SECRET is required"))
	}
	if c.WorkflowCallbackSecret == "" {
		err = errors.Join(err, errors.New("WORKFLOW_CALLBACK_SECRET is required"))
	}
	return err
}

// GetEnv gets an environment variable with a default value.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

type parser struct {
	errs []error
}

func (p *parser) int64(key string, def int64) int64 {
	v := GetEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := GetEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
