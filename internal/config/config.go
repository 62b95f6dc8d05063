// Package config loads service settings from defaults, an optional config
// file and CREDITS_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/dukerupert/credits/internal/billing/engine"
	"github.com/dukerupert/credits/internal/clock"
)

const EnvPrefix = "CREDITS"

type Config struct {
	Port        string `mapstructure:"port"`
	DBPath      string `mapstructure:"db_path"`
	BaseURL     string `mapstructure:"base_url"`
	FrontendURL string `mapstructure:"frontend_url"`
	// CORSOrigins are allowed in addition to the frontend_url origin.
	CORSOrigins []string `mapstructure:"cors_origins"`

	Log LogConfig `mapstructure:"log"`

	DemoMode     bool          `mapstructure:"demo_mode"`
	DemoInterval time.Duration `mapstructure:"demo_interval"`

	Schedule ScheduleConfig `mapstructure:"schedule"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	PayPal   PayPalConfig   `mapstructure:"paypal"`
	Postmark PostmarkConfig `mapstructure:"postmark"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ScheduleConfig struct {
	Demo     string `mapstructure:"demo"`
	Normal   string `mapstructure:"normal"`
	Location string `mapstructure:"location"`
}

type SweepConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

type PricingConfig struct {
	StartingCredits int64  `mapstructure:"starting_credits"`
	GrantCredits    int64  `mapstructure:"grant_credits"`
	Price           string `mapstructure:"price"`
	Currency        string `mapstructure:"currency"`
}

type PayPalConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BrandName    string        `mapstructure:"brand_name"`
}

type PostmarkConfig struct {
	Token string `mapstructure:"token"`
	From  string `mapstructure:"from"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "5000")
	v.SetDefault("db_path", "credits.db")
	v.SetDefault("base_url", "")
	v.SetDefault("frontend_url", "http://localhost:3000")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("demo_mode", false)
	v.SetDefault("demo_interval", clock.DefaultDemoInterval)
	v.SetDefault("schedule.demo", clock.DefaultDemoSchedule)
	v.SetDefault("schedule.normal", clock.DefaultNormalSchedule)
	v.SetDefault("schedule.location", "UTC")
	v.SetDefault("sweep.concurrency", 4)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", 10*time.Millisecond)
	v.SetDefault("pricing.starting_credits", 300)
	v.SetDefault("pricing.grant_credits", 300)
	v.SetDefault("pricing.price", "49.00")
	v.SetDefault("pricing.currency", "USD")
	v.SetDefault("paypal.client_id", "")
	v.SetDefault("paypal.client_secret", "")
	v.SetDefault("paypal.base_url", "https://api-m.sandbox.paypal.com")
	v.SetDefault("paypal.timeout", 30*time.Second)
	v.SetDefault("paypal.brand_name", "Credits System")
	v.SetDefault("postmark.token", "")
	v.SetDefault("postmark.from", "")
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	if cfg.DemoMode && cfg.PayPal.BrandName != "" && !strings.Contains(cfg.PayPal.BrandName, "DEMO") {
		cfg.PayPal.BrandName += " (DEMO)"
	}
	return &cfg, nil
}

// Validate checks the settings every command needs. requireGateway adds the
// PayPal credentials, which only the HTTP server uses.
func (c *Config) Validate(requireGateway bool) error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := c.EnginePricing(); err != nil {
		errs = append(errs, err)
	}
	if c.DemoMode && c.DemoInterval <= 0 {
		errs = append(errs, fmt.Errorf("demo_interval must be positive, got %s", c.DemoInterval))
	}
	if _, err := cron.ParseStandard(c.Policy().SweepSchedule()); err != nil {
		errs = append(errs, fmt.Errorf("renewal schedule: %w", err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Sweep.Concurrency <= 0 {
		errs = append(errs, errors.New("sweep.concurrency must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("retry.base_delay must be positive"))
	}
	if requireGateway {
		if c.PayPal.ClientID == "" || c.PayPal.ClientSecret == "" {
			errs = append(errs, errors.New("paypal.client_id and paypal.client_secret are required"))
		}
		if c.PayPal.Timeout <= 0 {
			errs = append(errs, errors.New("paypal.timeout must be positive"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) EnginePricing() (engine.Pricing, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(c.Pricing.Price))
	if err != nil {
		return engine.Pricing{}, fmt.Errorf("pricing.price %q: %w", c.Pricing.Price, err)
	}
	p := engine.Pricing{
		StartingCredits: c.Pricing.StartingCredits,
		GrantCredits:    c.Pricing.GrantCredits,
		Price:           price,
		Currency:        strings.ToUpper(strings.TrimSpace(c.Pricing.Currency)),
	}
	if err := p.Validate(); err != nil {
		return engine.Pricing{}, err
	}
	return p, nil
}

func (c *Config) Policy() clock.Policy {
	return clock.Policy{
		Demo:           c.DemoMode,
		DemoInterval:   c.DemoInterval,
		DemoSchedule:   c.Schedule.Demo,
		NormalSchedule: c.Schedule.Normal,
	}
}

func (c *Config) Location() (*time.Location, error) {
	if c.Schedule.Location == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Location)
	if err != nil {
		return nil, fmt.Errorf("schedule.location %q: %w", c.Schedule.Location, err)
	}
	return loc, nil
}
