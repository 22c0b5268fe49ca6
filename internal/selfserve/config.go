package selfserve

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the self-serve billing service.
type Config struct {
	BindAddress string
	Port        int
	BaseURL     string
	AdminKey    string

	StripeAPIKey        string
	StripeWebhookSecret string

	ClerkSecretKey string

	AttioAPIToken string // optional; CRM sync disabled when empty

	EntitlementAPIURL string
	EntitlementAPIKey string

	CallTimeout time.Duration
	DedupeTTL   time.Duration

	WebhookRateLimit int
	PublicMetrics    bool
}

// LoadConfig loads service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SELFSERVE_PORT", 8470)
	if err != nil {
		return nil, err
	}
	callTimeout, err := envOrDefaultDuration("SELFSERVE_CALL_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, err
	}
	dedupeTTL, err := envOrDefaultDuration("SELFSERVE_DEDUPE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	webhookRate, err := envOrDefaultInt("SELFSERVE_WEBHOOK_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BindAddress:         envOrDefault("SELFSERVE_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		BaseURL:             strings.TrimSpace(os.Getenv("SELFSERVE_BASE_URL")),
		AdminKey:            strings.TrimSpace(os.Getenv("SELFSERVE_ADMIN_KEY")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		ClerkSecretKey:      strings.TrimSpace(os.Getenv("CLERK_SECRET_KEY")),
		AttioAPIToken:       strings.TrimSpace(os.Getenv("ATTIO_API_TOKEN")),
		EntitlementAPIURL:   strings.TrimSpace(os.Getenv("ENTITLEMENT_API_URL")),
		EntitlementAPIKey:   strings.TrimSpace(os.Getenv("ENTITLEMENT_API_KEY")),
		CallTimeout:         callTimeout,
		DedupeTTL:           dedupeTTL,
		WebhookRateLimit:    webhookRate,
		PublicMetrics:       envOrDefault("SELFSERVE_PUBLIC_METRICS", "false") == "true",
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate selfserve config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "SELFSERVE_BASE_URL")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.ClerkSecretKey == "" {
		missing = append(missing, "CLERK_SECRET_KEY")
	}
	if c.EntitlementAPIURL == "" {
		missing = append(missing, "ENTITLEMENT_API_URL")
	}
	if c.EntitlementAPIKey == "" {
		missing = append(missing, "ENTITLEMENT_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SELFSERVE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("SELFSERVE_CALL_TIMEOUT must be greater than 0")
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("SELFSERVE_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("SELFSERVE_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("SELFSERVE_BASE_URL must include a host")
	}
	if c.EntitlementAPIURL != "" {
		parsed, err := url.Parse(c.EntitlementAPIURL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("ENTITLEMENT_API_URL must be a valid URL")
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
