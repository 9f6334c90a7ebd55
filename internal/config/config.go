package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// DevSessionSecret signs launch sessions when SESSION_SECRET is unset. It is
// only accepted while PUBLIC_URL points at the local machine.
const DevSessionSecret = "supersecret-dev-key"

type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN"`

	// Login state lives in Redis when RedisAddr is set, in process memory otherwise.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	SessionSecret string        `env:"SESSION_SECRET" envDefault:"supersecret-dev-key"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"2h"`

	AdminUser     string `env:"ADMIN_USER" envDefault:"admin"`
	AdminPassHash string `env:"ADMIN_PASS_HASH"` // bcrypt

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	PassbackRetryInterval time.Duration `env:"PASSBACK_RETRY_INTERVAL" envDefault:"5m"`
	PassbackMaxAttempts   int           `env:"PASSBACK_MAX_ATTEMPTS" envDefault:"5"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	LTI LTI `envPrefix:"LTI_"`
}

type LTI struct {
	PrivateKey     string `env:"PRIVATE_KEY"`
	PrivateKeyFile string `env:"PRIVATE_KEY_FILE"`
	KeyID          string `env:"KEY_ID"`

	RedirectURI   string `env:"REDIRECT_URI"`
	UIURL         string `env:"UI_URL"`
	PlatformsFile string `env:"PLATFORMS_FILE"`

	StateTTL      time.Duration `env:"STATE_TTL" envDefault:"10m"`
	StateCookie   bool          `env:"STATE_COOKIE" envDefault:"false"`
	LoginResponse string        `env:"LOGIN_RESPONSE" envDefault:"redirect"` // redirect|form_post

	ClockSkew   time.Duration `env:"CLOCK_SKEW" envDefault:"60s"`
	JWKSTTL     time.Duration `env:"JWKS_TTL" envDefault:"1h"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
}

// FromEnv parses the process environment and fills derived values.
func FromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.LTI.RedirectURI == "" {
		c.LTI.RedirectURI = c.PublicURL + "/lti/launch"
	}
	// Keys passed through env files usually arrive with escaped newlines.
	c.LTI.PrivateKey = strings.ReplaceAll(c.LTI.PrivateKey, `\n`, "\n")

	switch c.LTI.LoginResponse {
	case "redirect", "form_post":
	default:
		return Config{}, fmt.Errorf("LTI_LOGIN_RESPONSE: unsupported value %q", c.LTI.LoginResponse)
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET must not be empty")
	}
	if c.SessionSecret == DevSessionSecret && !IsLocalURL(c.PublicURL) {
		return Config{}, fmt.Errorf("SESSION_SECRET must be set when PUBLIC_URL is %s", c.PublicURL)
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("DB_DRIVER: unsupported value %q", c.DBDriver)
	}
	return c, nil
}

// IsLocalURL reports whether raw names localhost or a loopback address.
func IsLocalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// PrivateKeyPEM returns the tool's signing key, preferring the file when both are set.
func (l LTI) PrivateKeyPEM() ([]byte, error) {
	if l.PrivateKeyFile != "" {
		b, err := os.ReadFile(l.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return b, nil
	}
	if strings.TrimSpace(l.PrivateKey) == "" {
		return nil, fmt.Errorf("LTI_PRIVATE_KEY or LTI_PRIVATE_KEY_FILE is required")
	}
	return []byte(l.PrivateKey), nil
}
