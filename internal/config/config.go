// Package config loads convtrack's YAML configuration.
//
// A file is optional. When present it is checked against an embedded CUE
// schema before it is applied over the defaults, then a small set of
// CONVTRACK_* environment variables override the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/convtrack/internal/delivery"
	"github.com/roach88/convtrack/internal/gateway"
	"github.com/roach88/convtrack/internal/normalize"
	"github.com/roach88/convtrack/internal/signal"
	"github.com/roach88/convtrack/internal/tracker"
)

// Environment overrides.
const (
	EnvAddr         = "CONVTRACK_ADDR"
	EnvDB           = "CONVTRACK_DB"
	EnvPostbackKey  = "CONVTRACK_POSTBACK_KEY"
	EnvCampaignCode = "CONVTRACK_CAMPAIGN_CODE"
	EnvQueueSize    = "CONVTRACK_QUEUE_SIZE"
)

// Config is the whole configuration document.
type Config struct {
	Tracker Tracker `yaml:"tracker"`
	Gateway Gateway `yaml:"gateway"`
}

// Tracker configures the browser-side tracker.
type Tracker struct {
	CollectorURL      string            `yaml:"collector_url"`
	InitURL           string            `yaml:"init_url"`
	PixelURL          string            `yaml:"pixel_url"`
	TimeoutMS         int               `yaml:"timeout_ms"`
	GraceWindowMS     int               `yaml:"grace_window_ms"`
	UseSessionStorage bool              `yaml:"use_session_storage"`
	LegacyPixel       bool              `yaml:"legacy_pixel"`
	EventNames        []string          `yaml:"event_names"`
	SaleEventNames    []string          `yaml:"sale_event_names"`
	Mapping           normalize.Mapping `yaml:"mapping"`
	Policy            string            `yaml:"policy"`
	Rules             []signal.RuleSpec `yaml:"rules"`
	CookieTTLDays     int               `yaml:"cookie_ttl_days"`
	MaxPending        int               `yaml:"max_pending"`
	CampaignCode      string            `yaml:"campaign_code"`
	ActionCode        string            `yaml:"action_code"`
	TariffCode        string            `yaml:"tariff_code"`
}

// Gateway configures the collector gateway.
type Gateway struct {
	Addr              string `yaml:"addr"`
	DB                string `yaml:"db"`
	PostbackURL       string `yaml:"postback_url"`
	CampaignCode      string `yaml:"campaign_code"`
	PostbackKey       string `yaml:"postback_key"`
	ActionCode        string `yaml:"action_code"`
	TariffCode        string `yaml:"tariff_code"`
	Currency          string `yaml:"currency"`
	CookieTTLDays     int    `yaml:"cookie_ttl_days"`
	SecureCookies     bool   `yaml:"secure_cookies"`
	QueueSize         int    `yaml:"queue_size"`
	PostbackTimeoutMS int    `yaml:"postback_timeout_ms"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Tracker: Tracker{
			CollectorURL:   delivery.DefaultCollectorPath,
			InitURL:        delivery.DefaultInitPath,
			PixelURL:       delivery.DefaultPixelURL,
			TimeoutMS:      int(delivery.DefaultTimeout / time.Millisecond),
			GraceWindowMS:  int(delivery.DefaultGraceWindow / time.Millisecond),
			EventNames:     append([]string(nil), normalize.DefaultEventNames...),
			SaleEventNames: append([]string(nil), normalize.DefaultSaleEventNames...),
			Mapping:        normalize.DefaultMapping(),
			Policy:         string(signal.LastClick),
			CookieTTLDays:  90,
			MaxPending:     8,
		},
		Gateway: Gateway{
			Addr:              ":8080",
			DB:                "convtrack.db",
			PostbackURL:       gateway.DefaultPostbackURL,
			ActionCode:        gateway.DefaultActionCode,
			TariffCode:        gateway.DefaultTariffCode,
			Currency:          gateway.DefaultCurrency,
			CookieTTLDays:     90,
			QueueSize:         gateway.DefaultQueueSize,
			PostbackTimeoutMS: int(gateway.DefaultPostbackTimeout / time.Millisecond),
		},
	}
}

// Load reads the file at path over Default and applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.apply(raw); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse validates and applies a YAML document over Default without
// consulting the environment.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := cfg.apply(raw); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) apply(raw []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := validate(doc); err != nil {
		return err
	}
	// Decoding onto the defaults leaves keys absent from the file alone.
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	c.Tracker.Mapping = c.Tracker.Mapping.Merge(normalize.DefaultMapping())
	return nil
}

func (c *Config) applyEnv() {
	c.Gateway.Addr = getString(EnvAddr, c.Gateway.Addr)
	c.Gateway.DB = getString(EnvDB, c.Gateway.DB)
	c.Gateway.PostbackKey = getString(EnvPostbackKey, c.Gateway.PostbackKey)
	c.Gateway.CampaignCode = getString(EnvCampaignCode, c.Gateway.CampaignCode)
	c.Tracker.CampaignCode = getString(EnvCampaignCode, c.Tracker.CampaignCode)
	c.Gateway.QueueSize = getInt(EnvQueueSize, c.Gateway.QueueSize)
}

// TrackerConfig converts the tracker section.
func (c Config) TrackerConfig() (tracker.Config, error) {
	t := c.Tracker
	policy, err := signal.ParsePolicy(t.Policy)
	if err != nil {
		return tracker.Config{}, err
	}
	var rules []signal.Rule
	if len(t.Rules) > 0 {
		if rules, err = signal.BuildRules(t.Rules); err != nil {
			return tracker.Config{}, err
		}
	}

	out := tracker.DefaultConfig()
	out.Delivery = delivery.Config{
		CollectorURL: t.CollectorURL,
		InitURL:      t.InitURL,
		PixelURL:     t.PixelURL,
		Timeout:      millis(t.TimeoutMS),
		LegacyPixel:  t.LegacyPixel,
		CampaignCode: t.CampaignCode,
		ActionCode:   t.ActionCode,
		TariffCode:   t.TariffCode,
	}
	out.GraceWindow = millis(t.GraceWindowMS)
	out.UseSessionStorage = t.UseSessionStorage
	out.EventNames = t.EventNames
	out.SaleEventNames = t.SaleEventNames
	out.Mapping = t.Mapping
	out.Policy = policy
	out.Rules = rules
	out.CookieTTL = days(t.CookieTTLDays)
	out.MaxPending = t.MaxPending
	return out, nil
}

// GatewayConfig converts the gateway section.
func (c Config) GatewayConfig() gateway.Config {
	g := c.Gateway
	return gateway.Config{
		PostbackURL:     g.PostbackURL,
		CampaignCode:    g.CampaignCode,
		PostbackKey:     g.PostbackKey,
		ActionCode:      g.ActionCode,
		TariffCode:      g.TariffCode,
		Currency:        g.Currency,
		CookieTTL:       days(g.CookieTTLDays),
		SecureCookies:   g.SecureCookies,
		QueueSize:       g.QueueSize,
		PostbackTimeout: millis(g.PostbackTimeoutMS),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
