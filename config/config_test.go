package config

import (
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(env(map[string]string{"LOCAL_AUTH_MODE": "true", "LOCAL_AUTH_SHARED_SECRET": "s"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.StoreBackend != BackendMemory || cfg.BoardsTable != "boards" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MailboxSize != 64 || cfg.PingInterval != 25*time.Second || cfg.SSEKeepAlive != 15*time.Second {
		t.Fatalf("unexpected realtime defaults: %+v", cfg)
	}
	if cfg.AuthSecret != "s" || cfg.DeduperTTL != 24*time.Hour {
		t.Fatalf("unexpected auth/dedupe defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"LISTEN_PORT":               "9000",
		"DEBUG":                     "true",
		"STORE_BACKEND":             "Tables",
		"STORAGE_CONNECTION_STRING": "UseDevelopmentStorage=true",
		"EVENTS_QUEUE":              "board-events",
		"EVENTS_TTL":                "-1s",
		"REDIS_CONNECTION_STRING":   "localhost:6379",
		"EVENTS_CHANNEL":            "board-updates",
		"AUTH0_DOMAIN":              "tenant.auth0.com",
		"AUTH0_AUDIENCE":            "api://kanban",
		"MAILBOX_SIZE":              "8",
		"WS_PING_INTERVAL":          "5s",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9000" || !cfg.Debug || cfg.StoreBackend != BackendTables {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.EventsTTL >= 0 || cfg.EventsChannel != "board-updates" || cfg.MailboxSize != 8 || cfg.PingInterval != 5*time.Second {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected jwks auth, got secret")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	base := map[string]string{"AUTH0_TEST_MODE": "1", "TEST_JWT_SECRET": "x"}
	cases := map[string]map[string]string{
		"MAILBOX_SIZE":              {"MAILBOX_SIZE": "many"},
		"DEDUPER_TTL":               {"DEDUPER_TTL": "0s"},
		"STORE_BACKEND":             {"STORE_BACKEND": "sqlite"},
		"STORAGE_CONNECTION_STRING": {"STORE_BACKEND": "tables"},
		"REDIS_CONNECTION_STRING":   {"EVENTS_CHANNEL": "updates"},
		"SSE_KEEPALIVE":             {"SSE_KEEPALIVE": "soon"},
	}
	for key, extra := range cases {
		vars := map[string]string{}
		for k, v := range base {
			vars[k] = v
		}
		for k, v := range extra {
			vars[k] = v
		}
		_, err := Load(env(vars))
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Fatalf("%s: expected error naming the key, got %v", key, err)
		}
	}
}

func TestLoadRequiresAuthConfig(t *testing.T) {
	if _, err := Load(env(nil)); err == nil {
		t.Fatalf("expected missing auth config error")
	}
	if _, err := Load(env(map[string]string{"AUTH0_TEST_MODE": "1"})); err == nil {
		t.Fatalf("expected missing test secret error")
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("cache.redis.example:6380,password=secret,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "cache.redis.example:6380" || opts.Password != "secret" || opts.TLSConfig == nil {
		t.Fatalf("unexpected options: %+v", opts)
	}

	opts, err = RedisOptions("redis://:pw@localhost:6379/2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options: %+v", opts)
	}

	if _, err := RedisOptions(""); err == nil {
		t.Fatalf("expected error for empty connection string")
	}
}
