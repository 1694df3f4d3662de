// Package config loads runtime configuration for the driftboard federation
// core from environment variables. One immutable Config is built at startup
// and handed down to every component; nothing reads the environment after
// Load returns.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	// Base URL of this instance, e.g. "https://boards.example.com".
	// Local actor URIs are derived from it: <base>/ap/users/<name>,
	// <base>/ap/boards/<slug>, <base>/ap/site.
	BaseURL string

	DatabaseURL string
	Port        string

	// FederationEnabled gates the delivery worker, stale cleaner and the
	// domain policy refresher. Inbox endpoints still answer when false,
	// but everything is rejected.
	FederationEnabled bool

	// MasterSecret is the host secret the key-encryption key is derived
	// from. Rotating it invalidates every stored private key; recovery is
	// re-keying each actor through the admin rotate action.
	MasterSecret string

	// AdminToken guards the /admin/api endpoints. Empty disables them.
	AdminToken string

	// DevAllowPrivate permits plain http to loopback addresses. Only for
	// development and tests.
	DevAllowPrivate bool

	ActorCacheTTL   time.Duration
	SignatureMaxAge time.Duration

	HTTPConnectTimeout time.Duration
	HTTPReceiveTimeout time.Duration
	MaxPayloadSize     int64
	MaxContentSize     int64

	DeliveryPollInterval   time.Duration
	DeliveryBatchSize      int
	DeliveryMaxConcurrency int
	DeliveryMaxAttempts    int
	DeliveryBackoff        []time.Duration

	StaleActorMaxAge          time.Duration
	StaleActorCleanupInterval time.Duration
}

// DefaultBackoff is the retry schedule applied after each failed delivery
// attempt: 1m, 5m, 30m, 2h, 12h, 24h.
var DefaultBackoff = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	1800 * time.Second,
	7200 * time.Second,
	43200 * time.Second,
	86400 * time.Second,
}

// Load reads configuration from environment variables.
// Exits if required variables (BASE_URL, MASTER_SECRET) are missing.
func Load() *Config {
	base := os.Getenv("BASE_URL")
	if base == "" {
		fmt.Fprintln(os.Stderr, "ERROR: BASE_URL is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the public https URL of this instance.")
		os.Exit(1)
	}
	base = strings.TrimRight(base, "/")

	secret := os.Getenv("MASTER_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "ERROR: MASTER_SECRET is not set!")
		fmt.Fprintln(os.Stderr, "Set it to a long random string; actor keys are encrypted under it.")
		os.Exit(1)
	}

	return &Config{
		BaseURL:           base,
		DatabaseURL:       getEnv("DATABASE_URL", "driftboard.db"),
		Port:              getEnv("PORT", "8000"),
		FederationEnabled: getEnv("AP_FEDERATION_ENABLED", "true") != "false",
		MasterSecret:      secret,
		AdminToken:        os.Getenv("ADMIN_TOKEN"),
		DevAllowPrivate:   os.Getenv("DEV_ALLOW_PRIVATE") == "true",

		ActorCacheTTL:   secondsEnv("AP_ACTOR_CACHE_TTL", 86400),
		SignatureMaxAge: secondsEnv("AP_SIGNATURE_MAX_AGE", 30),

		HTTPConnectTimeout: millisEnv("AP_HTTP_CONNECT_TIMEOUT_MS", 10000),
		HTTPReceiveTimeout: millisEnv("AP_HTTP_RECEIVE_TIMEOUT_MS", 30000),
		MaxPayloadSize:     int64Env("AP_MAX_PAYLOAD_SIZE", 262144),
		MaxContentSize:     int64Env("AP_MAX_CONTENT_SIZE", 65536),

		DeliveryPollInterval:   millisEnv("AP_DELIVERY_POLL_INTERVAL_MS", 60000),
		DeliveryBatchSize:      intEnv("AP_DELIVERY_BATCH_SIZE", 50),
		DeliveryMaxConcurrency: intEnv("AP_DELIVERY_MAX_CONCURRENCY", 10),
		DeliveryMaxAttempts:    intEnv("AP_DELIVERY_MAX_ATTEMPTS", 6),
		DeliveryBackoff:        backoffEnv("AP_DELIVERY_BACKOFF_SCHEDULE", DefaultBackoff),

		StaleActorMaxAge:          secondsEnv("AP_STALE_ACTOR_MAX_AGE", 2592000),
		StaleActorCleanupInterval: millisEnv("AP_STALE_ACTOR_CLEANUP_INTERVAL_MS", 86400000),
	}
}

// URL returns the parsed base URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.BaseURL)
	return u
}

// AbsoluteURL constructs an absolute URL from a path.
func (c *Config) AbsoluteURL(path string) string {
	return c.BaseURL + path
}

// UserActorURI returns the AP actor URI for a local user.
func (c *Config) UserActorURI(username string) string {
	return c.BaseURL + "/ap/users/" + username
}

// BoardActorURI returns the AP actor URI for a local board.
func (c *Config) BoardActorURI(slug string) string {
	return c.BaseURL + "/ap/boards/" + slug
}

// SiteActorURI returns the AP actor URI of the instance itself.
func (c *Config) SiteActorURI() string {
	return c.BaseURL + "/ap/site"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func int64Env(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func secondsEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Second
}

func millisEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Millisecond
}

// backoffEnv parses a comma-separated list of seconds, e.g. "60,300,1800".
func backoffEnv(key string, fallback []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return fallback
		}
		out = append(out, time.Duration(n)*time.Second)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
