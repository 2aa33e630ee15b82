// Package config reads board-api settings from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory = "memory"
	BackendTables = "tables"
)

type Config struct {
	ListenAddr string
	Debug      bool

	StoreBackend  string
	StorageConn   string
	BoardsTable   string
	EventsQueue   string
	// EventsTTL is the queue message lifetime; negative never expires and
	// zero keeps the service default.
	EventsTTL     time.Duration
	OutboxBuffer  int
	RedisConn     string
	BoardCacheTTL time.Duration
	DeduperTTL    time.Duration
	// EventsChannel, when set, routes change events through Redis pub/sub
	// instead of straight into the local hub.
	EventsChannel string

	Auth0Domain   string
	Auth0Audience string
	// AuthSecret switches token verification to HS256 with a shared secret.
	AuthSecret   string
	JWKSCacheTTL time.Duration

	MailboxSize  int
	PingInterval time.Duration
	SSEKeepAlive time.Duration
}

// FromEnv reads the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load reads settings through lookup, which has the signature of
// os.LookupEnv.
func Load(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		ListenAddr:    ":" + r.str("LISTEN_PORT", r.str("FUNCTIONS_CUSTOMHANDLER_PORT", "8080")),
		Debug:         r.boolean("DEBUG", false),
		StoreBackend:  strings.ToLower(r.str("STORE_BACKEND", BackendMemory)),
		StorageConn:   r.str("STORAGE_CONNECTION_STRING", ""),
		BoardsTable:   r.str("BOARDS_TABLE", "boards"),
		EventsQueue:   r.str("EVENTS_QUEUE", ""),
		EventsTTL:     r.dur("EVENTS_TTL", 0),
		OutboxBuffer:  r.integer("OUTBOX_BUFFER", 4096),
		RedisConn:     r.str("REDIS_CONNECTION_STRING", ""),
		BoardCacheTTL: r.dur("BOARD_CACHE_TTL", time.Minute),
		DeduperTTL:    r.dur("DEDUPER_TTL", 24*time.Hour),
		EventsChannel: r.str("EVENTS_CHANNEL", ""),
		Auth0Domain:   r.str("AUTH0_DOMAIN", ""),
		Auth0Audience: r.str("AUTH0_AUDIENCE", ""),
		JWKSCacheTTL:  r.dur("JWKS_CACHE_TTL", 15*time.Minute),
		MailboxSize:   r.integer("MAILBOX_SIZE", 64),
		PingInterval:  r.dur("WS_PING_INTERVAL", 25*time.Second),
		SSEKeepAlive:  r.dur("SSE_KEEPALIVE", 15*time.Second),
	}
	switch {
	case r.str("AUTH0_TEST_MODE", "") == "1":
		cfg.AuthSecret = r.str("TEST_JWT_SECRET", "")
		if cfg.AuthSecret == "" {
			r.fail("TEST_JWT_SECRET", "required when AUTH0_TEST_MODE=1")
		}
	case r.boolean("LOCAL_AUTH_MODE", false):
		cfg.AuthSecret = r.str("LOCAL_AUTH_SHARED_SECRET", "")
		if cfg.AuthSecret == "" {
			r.fail("LOCAL_AUTH_SHARED_SECRET", "required when LOCAL_AUTH_MODE is set")
		}
	case cfg.Auth0Domain == "" || cfg.Auth0Audience == "":
		r.fail("AUTH0_DOMAIN", "missing Auth0 config")
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendTables:
		if cfg.StorageConn == "" {
			r.fail("STORAGE_CONNECTION_STRING", "required for the tables backend")
		}
	default:
		r.fail("STORE_BACKEND", fmt.Sprintf("unknown backend %q", cfg.StoreBackend))
	}
	if cfg.EventsQueue != "" && cfg.StorageConn == "" {
		r.fail("STORAGE_CONNECTION_STRING", "required for EVENTS_QUEUE")
	}
	if cfg.EventsChannel != "" && cfg.RedisConn == "" {
		r.fail("REDIS_CONNECTION_STRING", "required for EVENTS_CHANNEL")
	}
	if cfg.DeduperTTL <= 0 {
		r.fail("DEDUPER_TTL", "must be greater than zero")
	}
	if cfg.BoardCacheTTL < 0 {
		r.fail("BOARD_CACHE_TTL", "must not be negative")
	}
	if cfg.MailboxSize <= 0 {
		r.fail("MAILBOX_SIZE", "must be greater than zero")
	}
	return cfg, r.err
}

// RedisOptions parses a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, fmt.Errorf("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) fail(key, msg string) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %s", key, msg)
	}
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err.Error())
		return def
	}
	return n
}

func (r *reader) dur(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err.Error())
		return def
	}
	return d
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err.Error())
		return def
	}
	return b
}
