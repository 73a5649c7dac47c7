package config

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the gateway.
// It is built once at startup and treated as read-only afterwards.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3000"`
	// MetricsAddr serves /metrics and /healthz. Empty disables it.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// DBPath is the bbolt file. Defaults to ~/.authgate/authgate.db.
	DBPath string `env:"DB_PATH"`

	// Signing keys. Access tokens and server-admin tokens share the
	// access key; refresh tokens use their own.
	JWTAccessKey  string `env:"JWT_ACCESS_KEY"`
	JWTRefreshKey string `env:"JWT_REFRESH_KEY"`

	// ServerDomain scopes the token cookies.
	ServerDomain string `env:"SERVER_DOMAIN"`

	// Trust gate: browser requests must come from WebpageOrigin, mobile
	// requests must carry one of ApplicationKeys.
	WebpageOrigin   string   `env:"WEBPAGE_ORIGIN"`
	ApplicationKeys []string `env:"APPLICATION_KEYS" envSeparator:","`

	// ServerApplicationKey authenticates this gateway to the TNC API.
	ServerApplicationKey string `env:"SERVER_APPLICATION_KEY"`

	// ServerAdminKey is this gateway's own admin key ID, used to mint the
	// server-admin token it presents to the User API.
	ServerAdminKey string `env:"SERVER_ADMIN_KEY"`

	UserAPIURL  string        `env:"USER_API_URL"`
	TNCAPIURL   string        `env:"TNC_API_URL"`
	TNCCacheTTL time.Duration `env:"TNC_CACHE_TTL" envDefault:"5m"`

	MailAPIURL   string `env:"MAIL_API_URL"`
	MailAPIToken string `env:"MAIL_API_TOKEN"`
	MailSender   string `env:"MAIL_SENDER"`
	MailReplyTo  string `env:"MAIL_REPLY_TO"`

	// RequestRatePerMinute caps OTP issue requests per client IP.
	RequestRatePerMinute int `env:"REQUEST_RATE_PER_MINUTE" envDefault:"10"`

	// TrustedProxies lists the IPs or CIDRs of reverse proxies whose
	// X-Forwarded-For header is believed. Empty means the socket peer is
	// always the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	proxyPrefixes []netip.Prefix
}

// KeyToolConfig is the subset needed by the admin key CLI, which only
// talks to the database.
type KeyToolConfig struct {
	DBPath string `env:"DB_PATH"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing signing keys to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplicationKeys = cleanList(cfg.ApplicationKeys)
	cfg.WebpageOrigin = strings.TrimRight(cfg.WebpageOrigin, "/")

	prefixes, err := parsePrefixes(cleanList(cfg.TrustedProxies))
	if err != nil {
		return nil, fmt.Errorf("parsing TRUSTED_PROXIES: %w", err)
	}

	cfg.proxyPrefixes = prefixes

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadKeyTool reads the configuration for the admin key CLI.
func LoadKeyTool() (*KeyToolConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &KeyToolConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTAccessKey == "" {
		return fmt.Errorf("JWT_ACCESS_KEY is required")
	}

	if c.JWTRefreshKey == "" {
		return fmt.Errorf("JWT_REFRESH_KEY is required")
	}

	if c.JWTAccessKey == c.JWTRefreshKey {
		return fmt.Errorf("JWT_ACCESS_KEY and JWT_REFRESH_KEY must differ")
	}

	if c.ServerDomain == "" {
		return fmt.Errorf("SERVER_DOMAIN is required")
	}

	if c.WebpageOrigin == "" {
		return fmt.Errorf("WEBPAGE_ORIGIN is required")
	}

	if c.ServerAdminKey == "" {
		return fmt.Errorf("SERVER_ADMIN_KEY is required")
	}

	if c.UserAPIURL == "" {
		return fmt.Errorf("USER_API_URL is required")
	}

	if c.TNCAPIURL == "" {
		return fmt.Errorf("TNC_API_URL is required")
	}

	if c.MailAPIURL == "" {
		return fmt.Errorf("MAIL_API_URL is required")
	}

	if c.MailSender == "" {
		return fmt.Errorf("MAIL_SENDER is required")
	}

	if c.RequestRatePerMinute <= 0 {
		return fmt.Errorf("REQUEST_RATE_PER_MINUTE must be positive")
	}

	return nil
}

// ProxyPrefixes returns TrustedProxies parsed into prefixes.
func (c *Config) ProxyPrefixes() []netip.Prefix {
	return c.proxyPrefixes
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// parsePrefixes accepts CIDRs and bare addresses, the latter as
// single-host prefixes.
func parsePrefixes(in []string) ([]netip.Prefix, error) {
	var out []netip.Prefix

	for _, v := range in {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}

			out = append(out, p.Masked())

			continue
		}

		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}

		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return out, nil
}

func cleanList(in []string) []string {
	var out []string

	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}

	return out
}
