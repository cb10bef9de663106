package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/popkunst/storefront/internal/domain/email"
	"github.com/popkunst/storefront/internal/domain/pricing"
	"github.com/popkunst/storefront/pkg/httpmiddleware"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr          string   `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL   string   `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL      string   `usage:"Redis connection URL (SHOP_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	PublicBaseURL string   `default:"http://localhost:3000" usage:"Storefront origin used for payment return URLs" flag:"public-base-url"`
	AdminURL      string   `default:"" usage:"Admin panel URL linked from admin emails" flag:"admin-url"`
	AdminEmail    string   `default:"" usage:"Recipient of new order and inventory alerts" flag:"admin-email"`
	Locales       []string `default:"no,en" usage:"Supported storefront locales"`
	DefaultLocale string   `default:"no" usage:"Locale used when the request has none" flag:"default-locale"`
	APIKeyPepper  string   `usage:"HMAC pepper for API key hashing (SHOP_API_KEY_PEPPER)" flag:"api-key-pepper"`
	CronSecret    string   `usage:"Bearer secret for /api/cron endpoints (SHOP_CRON_SECRET)" flag:"cron-secret"`
	AutoMigrate   bool     `default:"true" usage:"Apply database migrations on startup" flag:"auto-migrate"`
	Checkout      CheckoutConfig
	Pricing       PricingConfig
	Stripe        StripeConfig
	Vipps         VippsConfig
	Mailer        MailerConfig
	Email         EmailConfig
	Kafka         KafkaConfig
	Jobs          JobsConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Graceful      GracefulConfig
}

// CheckoutConfig controls checkout tokens and initiation throttling.
type CheckoutConfig struct {
	TokenSecret  string        `usage:"HMAC secret for checkout tokens" flag:"checkout-token-secret"`
	TokenTTL     time.Duration `default:"30m" usage:"Checkout token lifetime" flag:"checkout-token-ttl"`
	StrictTokens bool          `default:"true" usage:"Reject checkouts without a token" flag:"checkout-strict-tokens"`
	RateLimit    int           `default:"5" usage:"Checkout initiations per client IP per window" flag:"checkout-rate-limit"`
	RateWindow   time.Duration `default:"1m" usage:"Checkout rate limit window" flag:"checkout-rate-window"`
}

// PricingConfig mirrors pricing.Config. Amounts are øre.
type PricingConfig struct {
	MaxLines         int   `default:"50" usage:"Maximum distinct cart lines"`
	MaxQuantity      int   `default:"100" usage:"Maximum quantity per line"`
	StandardShipping int64 `default:"9900" usage:"Flat shipping rate in øre"`
	FreeShippingFrom int64 `default:"0" usage:"Subtotal in øre from which shipping is free, 0 disables"`
	LevyBasisPoints  int64 `default:"500" usage:"Artist levy rate in basis points"`
	LevyThreshold    int64 `default:"200000" usage:"Subtotal in øre above which the levy applies"`
}

// StripeConfig configures the Stripe adapter. It is disabled without a key.
type StripeConfig struct {
	SecretKey     string        `usage:"Stripe secret API key" flag:"stripe-secret-key"`
	WebhookSecret string        `usage:"Stripe webhook signing secret" flag:"stripe-webhook-secret"`
	BaseURL       string        `default:"https://api.stripe.com" usage:"Stripe API base URL" flag:"stripe-base-url"`
	Tolerance     time.Duration `default:"5m" usage:"Maximum webhook signature age" flag:"stripe-tolerance"`
}

// VippsConfig configures the Vipps adapter. It is disabled without a client id.
type VippsConfig struct {
	BaseURL              string `default:"https://api.vipps.no" usage:"Vipps API base URL" flag:"vipps-base-url"`
	ClientID             string `usage:"Vipps client id" flag:"vipps-client-id"`
	ClientSecret         string `usage:"Vipps client secret" flag:"vipps-client-secret"`
	SubscriptionKey      string `usage:"Vipps Ocp-Apim-Subscription-Key" flag:"vipps-subscription-key"`
	MerchantSerialNumber string `usage:"Vipps merchant serial number" flag:"vipps-msn"`
}

// MailerConfig configures the transactional email API.
type MailerConfig struct {
	BaseURL string `default:"https://api.resend.com" usage:"Email API base URL" flag:"mailer-base-url"`
	APIKey  string `usage:"Email API key" flag:"mailer-api-key"`
	From    string `default:"Popkunst <ordre@popkunst.no>" usage:"Sender address" flag:"mailer-from"`
	ReplyTo string `default:"" usage:"Reply-To address" flag:"mailer-reply-to"`
}

// EmailConfig controls email queue retries and retention.
type EmailConfig struct {
	MaxAttempts int           `default:"5" usage:"Delivery attempts before an email is abandoned"`
	BackoffBase time.Duration `default:"1m" usage:"First retry delay, doubled per attempt"`
	BackoffMax  time.Duration `default:"6h" usage:"Maximum retry delay"`
	Concurrency int           `default:"4" usage:"Parallel sends per drain"`
	Batch       int           `default:"50" usage:"Emails claimed per drain"`
	Retention   time.Duration `default:"720h" usage:"How long sent emails are kept"`
	StuckAfter  time.Duration `default:"15m" usage:"Processing time after which a claimed email is released"`
}

// KafkaConfig configures order event publishing. Events are dropped when no
// brokers are set.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers" flag:"kafka-brokers"`
	Topic   string   `default:"storefront.orders" usage:"Order events topic" flag:"kafka-topic"`
}

// JobsConfig controls the scheduled jobs behind /api/cron.
type JobsConfig struct {
	DeliveryAfter time.Duration `default:"336h" usage:"Shipped orders older than this are marked delivered"`
	DeliveryLimit int           `default:"200" usage:"Orders marked delivered per run"`
	VerifyLimit   int           `default:"50" usage:"Unverified payments checked per run"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max            int           `default:"100" usage:"Max requests per window"`
	Window         time.Duration `default:"1m"  usage:"Rate limit window duration"`
	TrustedProxies []string      `usage:"CIDRs or addresses of reverse proxies whose X-Forwarded-For is honored" flag:"trusted-proxies"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, flags, YAML
// config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	cfg, err := load(false)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadToolConfig loads configuration for commands that parse their own flags.
// Settings are not validated: each tool checks what it uses.
func LoadToolConfig() (*Config, error) {
	return load(true)
}

func load(skipFlags bool) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: skipFlags,
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	return &cfg, nil
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	case c.RedisURL == "":
		return errors.New("redis URL is required: set SHOP_REDIS_URL or REDIS_URL")
	case c.Stripe.SecretKey == "" && c.Vipps.ClientID == "":
		return errors.New("no payment provider configured: set SHOP_STRIPE_SECRET_KEY or SHOP_VIPPS_CLIENT_ID")
	case c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "":
		return errors.New("stripe webhook secret is required when stripe is enabled")
	case c.Checkout.StrictTokens && c.Checkout.TokenSecret == "":
		return errors.New("checkout token secret is required in strict mode")
	case c.APIKeyPepper == "":
		return errors.New("API key pepper is required")
	}
	if _, err := httpmiddleware.ParseTrustedProxies(c.RateLimit.TrustedProxies); err != nil {
		return errors.Wrap(err, "rate limit")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) pricing() pricing.Config {
	return pricing.Config{
		MaxLines:         c.Pricing.MaxLines,
		MaxQuantity:      c.Pricing.MaxQuantity,
		StandardShipping: c.Pricing.StandardShipping,
		FreeShippingFrom: c.Pricing.FreeShippingFrom,
		LevyBasisPoints:  c.Pricing.LevyBasisPoints,
		LevyThreshold:    c.Pricing.LevyThreshold,
	}
}

func (c *Config) email() email.Config {
	return email.Config{
		MaxAttempts: c.Email.MaxAttempts,
		BackoffBase: c.Email.BackoffBase,
		BackoffMax:  c.Email.BackoffMax,
		Concurrency: c.Email.Concurrency,
		Retention:   c.Email.Retention,
		StuckAfter:  c.Email.StuckAfter,
	}
}
