package gateway

import "time"

// Defaults for Config.
const (
	DefaultPostbackURL     = "https://ad.admitad.com/tt"
	DefaultActionCode      = "1"
	DefaultTariffCode      = "1"
	DefaultCurrency        = "RUB"
	DefaultCookieTTL       = 90 * 24 * time.Hour
	DefaultQueueSize       = 256
	DefaultPostbackTimeout = 10 * time.Second
)

// Config controls the collector gateway.
type Config struct {
	PostbackURL  string
	CampaignCode string
	// PostbackKey authenticates postbacks. It never appears in logs.
	PostbackKey string

	ActionCode string
	TariffCode string
	Currency   string

	CookieTTL     time.Duration
	SecureCookies bool

	QueueSize       int
	PostbackTimeout time.Duration
}

// DefaultConfig returns a Config with every default applied. CampaignCode
// and PostbackKey have no defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.PostbackURL == "" {
		c.PostbackURL = DefaultPostbackURL
	}
	if c.ActionCode == "" {
		c.ActionCode = DefaultActionCode
	}
	if c.TariffCode == "" {
		c.TariffCode = DefaultTariffCode
	}
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
	if c.CookieTTL <= 0 {
		c.CookieTTL = DefaultCookieTTL
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PostbackTimeout <= 0 {
		c.PostbackTimeout = DefaultPostbackTimeout
	}
	return c
}
