package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// LTI 1.3 / OIDC (Tool-side)
	StateTTL    time.Duration
	StateSecret string // encrypts the sealed state envelope
	ClockSkew   time.Duration

	PlatformJWKSCacheTTL time.Duration
	PlatformJWKSRetries  int

	KeyRotationInterval time.Duration
	KeyRetention        time.Duration // how long retired keys stay in the JWKS

	AdminUser     string
	AdminPassHash string // bcrypt

	CORSOrigins []string
}

// LaunchRedirectURI is the fixed launch endpoint registered with every platform.
func (c Config) LaunchRedirectURI() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/lti/launch"
}

// LoginInitiationURI is the third-party login initiation endpoint.
func (c Config) LoginInitiationURI() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/lti/login"
}

// JWKSURI is the tool's public key set endpoint.
func (c Config) JWKSURI() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/.well-known/jwks.json"
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	pub := envOr("PUBLIC_URL", "http://localhost:8080")

	return Config{
		HTTPAddr:  addr,
		PublicURL: pub,

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		StateTTL:    envDur("LTI_STATE_TTL", 5*time.Minute),
		StateSecret: envOr("LTI_STATE_SECRET", ""),
		ClockSkew:   envDur("LTI_CLOCK_SKEW", 2*time.Minute),

		PlatformJWKSCacheTTL: envDur("LTI_PLATFORM_JWKS_TTL", 10*time.Minute),
		PlatformJWKSRetries:  envInt("LTI_PLATFORM_JWKS_RETRIES", 2),

		KeyRotationInterval: envDur("LTI_KEY_ROTATION_INTERVAL", 90*24*time.Hour),
		KeyRetention:        envDur("LTI_KEY_RETENTION", 7*24*time.Hour),

		AdminUser: envOr("ADMIN_USER", "admin"),
		// no default hash: the admin surface stays disabled until one is set
		AdminPassHash: envOr("ADMIN_PASS_HASH", ""),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
