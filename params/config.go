package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Pricing model names accepted by Pricing.Model.
const (
	ModelLMSR   = "lmsr"
	ModelLinear = "linear"
)

type Node struct {
	DataDir string `toml:"data_dir"` // pebble ledger directory
	APIAddr string `toml:"api_addr"`
	LogFile string `toml:"log_file"`
	// AllowedOrigins is passed to the CORS handler of the API server.
	AllowedOrigins []string `toml:"allowed_origins"`
}

type Pricing struct {
	// Model selects the price-impact curve: "lmsr" (default) or "linear".
	Model string `toml:"model"`
}

type Resolution struct {
	// Resolvers may resolve any market. When empty only a market's creator can.
	Resolvers []string `toml:"resolvers"`
}

type Redis struct {
	// Addr enables the distributed market lock when set (host:port).
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	LockTTL  time.Duration `toml:"lock_ttl"`
}

type Audit struct {
	// DatabaseURL enables the Postgres trade archive when set.
	DatabaseURL string `toml:"database_url"`
	QueueSize   int    `toml:"queue_size"`
}

type Sweeper struct {
	// Schedule is a robfig/cron spec, e.g. "@every 30s". Empty disables the sweeper.
	Schedule string `toml:"schedule"`
}

type Config struct {
	Node       Node       `toml:"node"`
	Pricing    Pricing    `toml:"pricing"`
	Resolution Resolution `toml:"resolution"`
	Redis      Redis      `toml:"redis"`
	Audit      Audit      `toml:"audit"`
	Sweeper    Sweeper    `toml:"sweeper"`
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:        "data/ledger",
			APIAddr:        ":8080",
			LogFile:        "data/node.log",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Pricing: Pricing{Model: ModelLMSR},
		Redis: Redis{
			LockTTL: 10 * time.Second,
		},
		Audit: Audit{
			QueueSize: 1024,
		},
		Sweeper: Sweeper{
			Schedule: "@every 30s",
		},
	}
}

// Load builds the configuration.
// Priority: ENV > .env file > TOML file (if path is set and exists) > defaults
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	// Optional - won't fail if not exists
	_ = godotenv.Load()

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Node.AllowedOrigins = splitList(origins)
	}

	cfg.Pricing.Model = strings.ToLower(getEnv("PRICING_MODEL", cfg.Pricing.Model))

	// Example: RESOLVERS="0xAA00...,0xBB00..."
	if resolvers := os.Getenv("RESOLVERS"); resolvers != "" {
		cfg.Resolution.Resolvers = splitList(resolvers)
	}

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = n
		}
	}
	if ttl := os.Getenv("REDIS_LOCK_TTL_MS"); ttl != "" {
		if ms, err := strconv.Atoi(ttl); err == nil {
			cfg.Redis.LockTTL = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.Audit.DatabaseURL = getEnv("AUDIT_DATABASE_URL", cfg.Audit.DatabaseURL)
	if size := os.Getenv("AUDIT_QUEUE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			cfg.Audit.QueueSize = n
		}
	}

	if schedule, ok := os.LookupEnv("SWEEP_SCHEDULE"); ok {
		cfg.Sweeper.Schedule = schedule
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	switch c.Pricing.Model {
	case ModelLMSR, ModelLinear:
	default:
		return fmt.Errorf("unknown pricing model %q (want %q or %q)", c.Pricing.Model, ModelLMSR, ModelLinear)
	}
	for _, r := range c.Resolution.Resolvers {
		if !common.IsHexAddress(r) {
			return fmt.Errorf("invalid resolver address %q", r)
		}
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("redis lock ttl must be positive, got %s", c.Redis.LockTTL)
	}
	if c.Audit.DatabaseURL != "" && c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit queue size must be positive, got %d", c.Audit.QueueSize)
	}
	return nil
}

// ResolverAddresses returns the configured resolvers. Call Validate first.
func (c Config) ResolverAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Resolution.Resolvers))
	for _, r := range c.Resolution.Resolvers {
		out = append(out, common.HexToAddress(r))
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
