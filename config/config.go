// Package config loads and validates gateway configuration from the
// environment (AUTHGATE_*), an optional config file and command-line flags
// using Viper.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmcleod/authgate/internal/secret"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "AUTHGATE"

// Storage backends.
const (
	StorageBBolt    = "bbolt"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the gateway configuration.
type Config struct {
	// Addr is the listen address (e.g. :8443).
	Addr string `mapstructure:"ADDR"`
	// Env is the deployment environment; "production" enables strict checks.
	Env string `mapstructure:"ENV"`
	// PublicURL is the externally visible base URL, used in alert links.
	PublicURL string `mapstructure:"PUBLIC_URL"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogsURL is linked from failed-login alerts.
	LogsURL string `mapstructure:"LOGS_URL"`
	TLSCert string `mapstructure:"TLS_CERT"`
	TLSKey  string `mapstructure:"TLS_KEY"`
	// TrustedProxies are peers whose X-Forwarded-For header is believed.
	// Entries are IPs or CIDRs.
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`

	// Storage selects the credential store backend.
	Storage     string `mapstructure:"STORAGE"`
	DataDir     string `mapstructure:"DATA_DIR"`
	PostgresDSN string `mapstructure:"POSTGRES_DSN"`

	// UpstreamURL is the legacy identity provider base URL.
	UpstreamURL     string        `mapstructure:"UPSTREAM_URL"`
	UpstreamTimeout time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	SessionCookie   string        `mapstructure:"SESSION_COOKIE"`
	// AdminCheckURL is requested with the caller's cookies to authorize
	// admin routes. Empty disables the check outside production.
	AdminCheckURL string `mapstructure:"ADMIN_CHECK_URL"`

	BlacklistThreshold     uint          `mapstructure:"BLACKLIST_THRESHOLD"`
	BlacklistTTL           time.Duration `mapstructure:"BLACKLIST_TTL"`
	BlacklistSweepInterval time.Duration `mapstructure:"BLACKLIST_SWEEP_INTERVAL"`

	AuthorizeWindow time.Duration `mapstructure:"AUTHORIZE_WINDOW"`
	// AuthorizeRate is the sustained authorization requests per minute per IP.
	AuthorizeRate  float64 `mapstructure:"AUTHORIZE_RATE"`
	AuthorizeBurst int     `mapstructure:"AUTHORIZE_BURST"`

	DuoIKey string `mapstructure:"DUO_IKEY"`
	DuoHost string `mapstructure:"DUO_HOST"`

	WebAuthnRPID    string   `mapstructure:"WEBAUTHN_RP_ID"`
	WebAuthnRPName  string   `mapstructure:"WEBAUTHN_RP_NAME"`
	WebAuthnOrigins []string `mapstructure:"WEBAUTHN_ORIGINS"`

	YubikeyPrivateUID string `mapstructure:"YUBIKEY_PRIVATE_UID"`
	YubicoClientID    string `mapstructure:"YUBICO_CLIENT_ID"`
	YubicoURL         string `mapstructure:"YUBICO_URL"`

	AlertWebhookURL  string        `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookAuth string        `mapstructure:"ALERT_WEBHOOK_AUTH"`
	NATSURL          string        `mapstructure:"NATS_URL"`
	NATSPrefix       string        `mapstructure:"NATS_PREFIX"`
	SpikeWindow      time.Duration `mapstructure:"SPIKE_WINDOW"`
	SpikeThreshold   int           `mapstructure:"SPIKE_THRESHOLD"`

	// Secrets are sealed as soon as they are read and never appear in the
	// fields above.
	Secrets Secrets `mapstructure:"-"`
}

// Secrets is the key material the gateway needs.
type Secrets struct {
	Store      *secret.Secret
	DuoSKey    *secret.Secret
	DuoAKey    *secret.Secret
	YubikeyAES *secret.Secret
	YubicoAPI  *secret.Secret
}

type rawSecrets struct {
	Store      string `mapstructure:"STORE_SECRET"`
	DuoSKey    string `mapstructure:"DUO_SKEY"`
	DuoAKey    string `mapstructure:"DUO_AKEY"`
	YubikeyAES string `mapstructure:"YUBIKEY_AES_KEY"`
	YubicoAPI  string `mapstructure:"YUBICO_API_KEY"`
}

var defaults = map[string]any{
	"ADDR":                     ":8443",
	"ENV":                      "",
	"PUBLIC_URL":               "",
	"LOG_LEVEL":                "info",
	"LOGS_URL":                 "",
	"TLS_CERT":                 "",
	"TLS_KEY":                  "",
	"TRUSTED_PROXIES":          []string{},
	"STORAGE":                  StorageBBolt,
	"DATA_DIR":                 "./data",
	"POSTGRES_DSN":             "",
	"UPSTREAM_URL":             "",
	"UPSTREAM_TIMEOUT":         "10s",
	"SESSION_COOKIE":           "kiwi-session",
	"ADMIN_CHECK_URL":          "",
	"BLACKLIST_THRESHOLD":      5,
	"BLACKLIST_TTL":            "1h",
	"BLACKLIST_SWEEP_INTERVAL": "1m",
	"AUTHORIZE_WINDOW":         "5m",
	"AUTHORIZE_RATE":           6.0,
	"AUTHORIZE_BURST":          3,
	"DUO_IKEY":                 "",
	"DUO_HOST":                 "",
	"WEBAUTHN_RP_ID":           "",
	"WEBAUTHN_RP_NAME":         "authgate",
	"WEBAUTHN_ORIGINS":         []string{},
	"YUBIKEY_PRIVATE_UID":      "",
	"YUBICO_CLIENT_ID":         "",
	"YUBICO_URL":               "",
	"ALERT_WEBHOOK_URL":        "",
	"ALERT_WEBHOOK_AUTH":       "",
	"NATS_URL":                 "",
	"NATS_PREFIX":              "authgate",
	"SPIKE_WINDOW":             "1m",
	"SPIKE_THRESHOLD":          50,
	"STORE_SECRET":             "",
	"DUO_SKEY":                 "",
	"DUO_AKEY":                 "",
	"YUBIKEY_AES_KEY":          "",
	"YUBICO_API_KEY":           "",
}

// New returns a Viper instance reading AUTHGATE_* variables, with every
// setting defaulted. Callers bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Load builds and validates a Config from v. If CONFIG names a file it is
// read first; environment variables and bound flags override it.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var raw rawSecrets
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.sealSecrets(raw); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) sealSecrets(raw rawSecrets) error {
	c.Secrets = Secrets{
		Store:     secret.FromString(raw.Store),
		DuoSKey:   secret.FromString(raw.DuoSKey),
		DuoAKey:   secret.FromString(raw.DuoAKey),
		YubicoAPI: secret.FromString(raw.YubicoAPI),
	}
	if raw.YubikeyAES != "" {
		key, err := hex.DecodeString(raw.YubikeyAES)
		if err != nil || len(key) != 16 {
			return errors.New("config: YUBIKEY_AES_KEY must be 32 hex characters")
		}
		c.Secrets.YubikeyAES = secret.New(key)
	}
	return nil
}

// Validate reports the first invalid or inconsistent setting.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: ADDR must be set")
	}
	if err := checkURL("UPSTREAM_URL", c.UpstreamURL, true); err != nil {
		return err
	}
	if err := checkURL("PUBLIC_URL", c.PublicURL, false); err != nil {
		return err
	}
	if c.Secrets.Store.Empty() {
		return errors.New("config: STORE_SECRET must be set")
	}
	switch c.Storage {
	case StorageBBolt:
		if c.DataDir == "" {
			return errors.New("config: DATA_DIR must be set for bbolt storage")
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: POSTGRES_DSN must be set for postgres storage")
		}
	case StorageMemory:
		if c.Production() {
			return errors.New("config: memory storage is not allowed when ENV=production")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE %q", c.Storage)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("config: TLS_CERT and TLS_KEY must be set together")
	}
	if c.AdminCheckURL == "" && c.Production() {
		return errors.New("config: ADMIN_CHECK_URL must be set when ENV=production")
	}
	if c.BlacklistThreshold == 0 {
		return errors.New("config: BLACKLIST_THRESHOLD must be at least 1")
	}
	if c.AuthorizeRate <= 0 || c.AuthorizeBurst <= 0 {
		return errors.New("config: AUTHORIZE_RATE and AUTHORIZE_BURST must be positive")
	}

	duoSet := []bool{c.DuoIKey != "", !c.Secrets.DuoSKey.Empty(), !c.Secrets.DuoAKey.Empty(), c.DuoHost != ""}
	if anyTrue(duoSet) && !allTrue(duoSet) {
		return errors.New("config: DUO_IKEY, DUO_SKEY, DUO_AKEY and DUO_HOST must be set together")
	}
	if c.WebAuthnRPID != "" && len(c.WebAuthnOrigins) == 0 {
		if c.PublicURL == "" {
			return errors.New("config: WEBAUTHN_ORIGINS or PUBLIC_URL must be set with WEBAUTHN_RP_ID")
		}
		c.WebAuthnOrigins = []string{strings.TrimRight(c.PublicURL, "/")}
	}
	if c.YubicoClientID != "" && c.Secrets.YubicoAPI.Empty() {
		return errors.New("config: YUBICO_API_KEY must be set with YUBICO_CLIENT_ID")
	}
	return nil
}

// Production reports whether strict production checks apply.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// DuoEnabled reports whether the Duo integration is configured.
func (c *Config) DuoEnabled() bool {
	return c.DuoIKey != ""
}

// WebAuthnEnabled reports whether security key logins are configured.
func (c *Config) WebAuthnEnabled() bool {
	return c.WebAuthnRPID != ""
}

// YubikeyEnabled reports whether OTP logins are configured.
func (c *Config) YubikeyEnabled() bool {
	return !c.Secrets.YubikeyAES.Empty()
}

// AuthorizeInterval is the token refill interval for authorization
// requests from one IP.
func (c *Config) AuthorizeInterval() time.Duration {
	return time.Duration(float64(time.Minute) / c.AuthorizeRate)
}

func checkURL(name, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("config: %s must be set", name)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute http(s) URL", name)
	}
	return nil
}

func anyTrue(bs []bool) bool {
	for _, b := range bs {
		if b {
			return true
		}
	}
	return false
}

func allTrue(bs []bool) bool {
	for _, b := range bs {
		if !b {
			return false
		}
	}
	return true
}
