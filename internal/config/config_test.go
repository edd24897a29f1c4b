package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELAYS_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	if cfg.Relay != want.Relay {
		t.Errorf("relay config = %+v, want %+v", cfg.Relay, want.Relay)
	}
	if cfg.Cache != want.Cache {
		t.Errorf("cache config = %+v, want %+v", cfg.Cache, want.Cache)
	}
	if cfg.Batch != want.Batch {
		t.Errorf("batch config = %+v, want %+v", cfg.Batch, want.Batch)
	}
	if cfg.Sync != want.Sync {
		t.Errorf("sync config = %+v, want %+v", cfg.Sync, want.Sync)
	}
	if cfg.CacheBackend != BackendMemory {
		t.Errorf("expected memory backend, got %q", cfg.CacheBackend)
	}
	if len(cfg.Relays.ProfileRelays) == 0 {
		t.Error("expected embedded profile relays")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RELAYS_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("SYNC_MAX_FAILURES", "5")
	t.Setenv("SYNC_CHUNK_SIZE", "100")
	t.Setenv("POOL_POLL_INTERVAL", "250ms")
	t.Setenv("CACHE_PROFILE_TTL", "2h")
	t.Setenv("CACHE_BACKEND", " SQLite ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", cfg.Sync.MaxFailures)
	}
	if cfg.Batch.ChunkSize != 100 {
		t.Errorf("ChunkSize = %d, want 100", cfg.Batch.ChunkSize)
	}
	if cfg.Relay.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %s, want 250ms", cfg.Relay.PollInterval)
	}
	if cfg.Cache.ProfileTTL != 2*time.Hour {
		t.Errorf("ProfileTTL = %s, want 2h", cfg.Cache.ProfileTTL)
	}
	if cfg.CacheBackend != BackendSQLite {
		t.Errorf("CacheBackend = %q, want sqlite", cfg.CacheBackend)
	}
}

func TestLoadRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"CACHE_BACKEND": "memcached"}},
		{"redis without url", map[string]string{"CACHE_BACKEND": "redis"}},
		{"malformed duration", map[string]string{"POOL_POLL_INTERVAL": "soon"}},
		{"negative ceiling", map[string]string{"SYNC_MAX_FAILURES": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAYS_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadRelays(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "relays.json")
	data := `{"profileRelays": ["wss://profiles.example"], "searchRelays": []}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	r := LoadRelays(path)
	if len(r.ProfileRelays) != 1 || r.ProfileRelays[0] != "wss://profiles.example" {
		t.Errorf("expected the file's profile relays, got %v", r.ProfileRelays)
	}
	defaults := DefaultRelays()
	if len(r.SearchRelays) != len(defaults.SearchRelays) {
		t.Errorf("empty search relays should fall back to defaults, got %v", r.SearchRelays)
	}
	if len(r.DefaultRelays) != len(defaults.DefaultRelays) {
		t.Errorf("missing default relays should fall back, got %v", r.DefaultRelays)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := LoadRelays(bad); len(r.ProfileRelays) != len(defaults.ProfileRelays) {
		t.Errorf("invalid JSON should fall back to defaults, got %v", r.ProfileRelays)
	}
}
