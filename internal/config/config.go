// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env      string // application environment (e.g. "dev", "prod")
	Port     string // HTTP port to listen on
	Store    string // "mysql" or "memory"
	LogLevel string // zap level; empty keeps the environment default

	DBUser string
	DBPass string // may be empty
	DBHost string
	DBPort string
	DBName string

	JWTSecret    string        // verifies user access tokens
	TicketSecret string        // signs entry tickets
	TicketTTL    time.Duration // lifetime of an entry ticket

	AMQPURL        string // empty disables the broker; expiries are then found by polling
	CatalogURL     string // base URL of the event service; empty uses the seeded in-memory catalog
	CatalogTimeout time.Duration

	HoldTTL         time.Duration // how long a seat hold blocks the seat
	WatcherInterval time.Duration // how often lapsed holds are swept
	IdempotencyTTL  time.Duration // how long step and request results are remembered

	StepAttempts   int
	StepBackoff    time.Duration
	StepMaxBackoff time.Duration
	StepTimeout    time.Duration

	OTPTTL         time.Duration
	OTPMaxAttempts int
	OTPReveal      bool // log passcodes; only for local development
	BcryptCost     int

	EntryOpensBefore time.Duration // doors open this long before an event
	EntryClosesAfter time.Duration // and close this long after it starts

	Cache     CatalogCacheConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
}

// loader collects every missing or malformed variable so Load can report
// them all at once.
type loader struct {
	errs []error
}

// must retrieves the value of a required environment variable.
func (l *loader) must(key string) string {
	v := envStr(key, "")
	if v == "" {
		l.errs = append(l.errs, fmt.Errorf("missing required env var: %s", key))
	}
	return v
}

// dur is like envDur but records malformed values instead of ignoring them.
func (l *loader) dur(key string, def time.Duration) time.Duration {
	v := envStr(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		l.errs = append(l.errs, fmt.Errorf("invalid duration for %s: %q", key, v))
		return def
	}
	return d
}

// Load reads configuration values from environment variables.  Required
// variables depend on the store: the MySQL settings are only needed when
// APP_STORE is mysql.
func Load() (Config, error) {
	l := &loader{}
	c := Config{
		Env:      envStr("APP_ENV", "dev"),
		Port:     envStr("APP_PORT", "8080"),
		Store:    strings.ToLower(envStr("APP_STORE", "mysql")),
		LogLevel: envStr("LOG_LEVEL", ""),

		JWTSecret:    l.must("JWT_SECRET"),
		TicketSecret: l.must("TICKET_SECRET"),
		TicketTTL:    l.dur("TICKET_TTL", 7*24*time.Hour),

		AMQPURL:        envStr("AMQP_URL", envStr("RABBITMQ_URL", "")),
		CatalogURL:     envStr("CATALOG_URL", ""),
		CatalogTimeout: l.dur("CATALOG_TIMEOUT", 2*time.Second),

		HoldTTL:         l.dur("HOLD_TTL", 2*time.Minute),
		WatcherInterval: l.dur("WATCHER_INTERVAL", 15*time.Second),
		IdempotencyTTL:  l.dur("IDEMPOTENCY_TTL", 24*time.Hour),

		StepAttempts:   envInt("SAGA_STEP_ATTEMPTS", 3),
		StepBackoff:    l.dur("SAGA_STEP_BACKOFF", 100*time.Millisecond),
		StepMaxBackoff: l.dur("SAGA_STEP_MAX_BACKOFF", 2*time.Second),
		StepTimeout:    l.dur("SAGA_STEP_TIMEOUT", 3*time.Second),

		OTPTTL:         l.dur("OTP_TTL", 5*time.Minute),
		OTPMaxAttempts: envInt("OTP_MAX_ATTEMPTS", 5),
		OTPReveal:      envBool("OTP_REVEAL", false),
		BcryptCost:     envInt("BCRYPT_COST", 10),

		EntryOpensBefore: l.dur("ENTRY_OPENS_BEFORE", 2*time.Hour),
		EntryClosesAfter: l.dur("ENTRY_CLOSES_AFTER", time.Hour),

		Cache:     LoadCatalogCacheConfig(),
		RateLimit: LoadRateLimitConfig(),
		Redis:     LoadRedisConfig(),
	}

	switch c.Store {
	case "mysql":
		c.DBUser = l.must("DB_USER")
		c.DBPass = envStr("DB_PASS", "")
		c.DBHost = l.must("DB_HOST")
		c.DBPort = envStr("DB_PORT", "3306")
		c.DBName = l.must("DB_NAME")
	case "memory":
	default:
		l.errs = append(l.errs, fmt.Errorf("APP_STORE must be mysql or memory, got %q", c.Store))
	}
	if c.StepAttempts < 1 {
		l.errs = append(l.errs, errors.New("SAGA_STEP_ATTEMPTS must be at least 1"))
	}
	if c.OTPMaxAttempts < 1 {
		l.errs = append(l.errs, errors.New("OTP_MAX_ATTEMPTS must be at least 1"))
	}
	if err := errors.Join(l.errs...); err != nil {
		return Config{}, err
	}
	return c, nil
}
