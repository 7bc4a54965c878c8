package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir()) // keep a developer's .env out of the test

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pricing.Model != ModelLMSR {
		t.Errorf("model = %q, want %q", cfg.Pricing.Model, ModelLMSR)
	}
	if cfg.Node.APIAddr != ":8080" {
		t.Errorf("api addr = %q, want :8080", cfg.Node.APIAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	t.Chdir(t.TempDir())

	path := filepath.Join(t.TempDir(), "node.toml")
	body := `
[node]
api_addr = ":9090"

[pricing]
model = "linear"

[redis]
addr = "localhost:6379"
lock_ttl = "3s"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("API_ADDR", ":7070")
	t.Setenv("RESOLVERS", "0xAA00000000000000000000000000000000000000, 0xBB00000000000000000000000000000000000000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pricing.Model != ModelLinear {
		t.Errorf("model = %q, want linear from file", cfg.Pricing.Model)
	}
	if cfg.Node.APIAddr != ":7070" {
		t.Errorf("api addr = %q, env should win", cfg.Node.APIAddr)
	}
	if cfg.Redis.LockTTL != 3*time.Second {
		t.Errorf("lock ttl = %s, want 3s", cfg.Redis.LockTTL)
	}
	if got := cfg.ResolverAddresses(); len(got) != 2 {
		t.Errorf("resolvers = %v, want 2", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown model", mutate: func(c *Config) { c.Pricing.Model = "cpmm" }, wantErr: true},
		{name: "bad resolver", mutate: func(c *Config) { c.Resolution.Resolvers = []string{"alice"} }, wantErr: true},
		{name: "redis without ttl", mutate: func(c *Config) { c.Redis.Addr = "x:1"; c.Redis.LockTTL = 0 }, wantErr: true},
		{name: "audit without queue", mutate: func(c *Config) { c.Audit.DatabaseURL = "postgres://x"; c.Audit.QueueSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("wantErr=%v, got err=%v", tt.wantErr, err)
			}
		})
	}
}
