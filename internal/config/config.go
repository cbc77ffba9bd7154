// Package config assembles the runtime configuration: code defaults,
// overlaid by an optional YAML file, overlaid by environment variables.
// Structure rides the file; credentials and deployment knobs ride the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mkowalik/stockflow/internal/archive"
	"github.com/mkowalik/stockflow/internal/cache"
	"github.com/mkowalik/stockflow/internal/calendar"
	"github.com/mkowalik/stockflow/internal/db"
	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/extract"
	"github.com/mkowalik/stockflow/internal/pipeline"
	"github.com/mkowalik/stockflow/internal/quality"
	"github.com/mkowalik/stockflow/internal/trigger"
)

// EnvConfigPath names the environment variable holding the YAML path.
const EnvConfigPath = "STOCKFLOW_CONFIG"

// Config is the full runtime configuration tree.
type Config struct {
	// Environment selects the schema a run writes into unless the trigger
	// event says otherwise.
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	Database  db.Config       `yaml:"database"`
	Extractor extract.Config  `yaml:"extractor"`
	Pipeline  pipeline.Config `yaml:"pipeline"`
	Quality   quality.Config  `yaml:"quality"`
	Calendar  calendar.Config `yaml:"calendar"`
	Cache     cache.Config    `yaml:"cache"`
	Archive   archive.Config  `yaml:"archive"`
	Scheduler trigger.Config  `yaml:"scheduler"`

	Instruments []domain.Instrument `yaml:"instruments"`
}

// Default returns the configuration used when neither file nor environment
// says otherwise.
func Default() Config {
	return Config{
		Environment: string(domain.EnvDev),
		LogLevel:    "info",
		Database:    db.DefaultConfig(),
		Extractor:   extract.DefaultConfig(),
		Pipeline:    pipeline.DefaultConfig(),
		Quality:     quality.DefaultConfig(),
		Cache:       cache.DefaultConfig(),
		Scheduler:   trigger.DefaultConfig(),
		Instruments: DefaultUniverse(),
	}
}

// DefaultUniverse is the out-of-the-box extraction universe: a handful of
// WSE blue chips plus the headline index.
func DefaultUniverse() []domain.Instrument {
	return []domain.Instrument{
		{Symbol: "PKN", Kind: domain.KindStock, Exchange: "WSE", Currency: "PLN"},
		{Symbol: "PKO", Kind: domain.KindStock, Exchange: "WSE", Currency: "PLN"},
		{Symbol: "PZU", Kind: domain.KindStock, Exchange: "WSE", Currency: "PLN"},
		{Symbol: "KGH", Kind: domain.KindStock, Exchange: "WSE", Currency: "PLN"},
		{Symbol: "WIG20", Kind: domain.KindIndex, Exchange: "WSE", Currency: "PLN"},
	}
}

// Load builds the configuration: .env, then defaults, then the YAML file
// (when path or STOCKFLOW_CONFIG points at one), then environment
// overrides, then validation.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides folds deployment environment variables over the file
// values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEFAULT_SCHEMA"); v != "" {
		// Accept both the bare environment name and the full schema name.
		cfg.Environment = strings.TrimSuffix(v, "_marketdata")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvAsInt("DB_PORT", cfg.Database.Port)
	cfg.Database.Name = getEnv("DB_NAME", cfg.Database.Name)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	if v := os.Getenv("EXTRACTOR_RATE_LIMIT"); v != "" {
		if delay, ok := parseRateLimit(v); ok {
			cfg.Extractor.MinDelay = delay
		}
	}

	cfg.Cache.Addr = getEnv("REDIS_ADDR", cfg.Cache.Addr)
	cfg.Archive.Bucket = getEnv("ARCHIVE_BUCKET", cfg.Archive.Bucket)
}

// parseRateLimit accepts either a Go duration ("2s" means one request per
// two seconds) or a bare number of requests per second ("0.5").
func parseRateLimit(v string) (time.Duration, bool) {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if rps, err := strconv.ParseFloat(v, 64); err == nil && rps > 0 {
		return time.Duration(float64(time.Second) / rps), true
	}
	return 0, false
}

// normalize refills fields a sparse YAML file may have zeroed.
func normalize(cfg *Config) {
	def := db.DefaultConfig()
	if cfg.Database.Host == "" {
		cfg.Database.Host = def.Host
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = def.Port
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = def.SSLMode
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = def.ConnMaxIdleTime
	}
	if cfg.Database.QueryTimeout == 0 {
		cfg.Database.QueryTimeout = def.QueryTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Instruments) == 0 {
		cfg.Instruments = DefaultUniverse()
	}
}

// Validate rejects configurations no run could execute with.
func (c *Config) Validate() error {
	if !domain.Environment(c.Environment).Valid() {
		return fmt.Errorf("environment %q is not one of dev, test, prod", c.Environment)
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database max_idle_conns %d exceeds max_open_conns %d",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	seen := make(map[string]struct{}, len(c.Instruments))
	for i, inst := range c.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("instruments[%d]: symbol is required", i)
		}
		if inst.Kind != domain.KindStock && inst.Kind != domain.KindIndex {
			return fmt.Errorf("instruments[%d] %s: kind %q is not stock or index", i, inst.Symbol, inst.Kind)
		}
		key := strings.ToUpper(inst.Symbol)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("instruments: duplicate symbol %s", inst.Symbol)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// EnvironmentEnum returns the validated environment enum.
func (c *Config) EnvironmentEnum() domain.Environment {
	return domain.Environment(c.Environment)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
