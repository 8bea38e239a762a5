package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/seed-platform/seedctl/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store StoreConfig `yaml:"store" mapstructure:"store"`
	Prune PruneConfig `yaml:"prune" mapstructure:"prune"`
	Log   LogConfig   `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
	// ConnectRetries is the number of attempts made to reach the database
	// before giving up.
	ConnectRetries int `yaml:"connect_retries" mapstructure:"connect_retries"`
}

// PoolConfig tunes the Postgres connection pool.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// PruneConfig configures state pruning.
type PruneConfig struct {
	Depth          int      `yaml:"depth" mapstructure:"depth"`
	Kinds          []string `yaml:"kinds" mapstructure:"kinds"`
	Concurrency    int      `yaml:"concurrency" mapstructure:"concurrency"`
	DryRun         bool     `yaml:"dry_run" mapstructure:"dry_run"`
	OrganizationID int64    `yaml:"organization_id" mapstructure:"organization_id"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.pool.max_conns", 4)
	v.SetDefault("store.pool.min_conns", 1)
	v.SetDefault("store.connect_retries", 3)
	v.SetDefault("prune.depth", 5)
	v.SetDefault("prune.kinds", []string{string(model.KindProperty), string(model.KindTaxLot)})
	v.SetDefault("prune.concurrency", 1)
	v.SetDefault("prune.dry_run", false)
	v.SetDefault("prune.organization_id", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for postgres (SEED_STORE_DATABASE_URL)")
		}
	case "sqlite":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}

	if c.Prune.Depth < 1 {
		return eris.Errorf("config: prune.depth must be at least 1, got %d", c.Prune.Depth)
	}
	if c.Prune.Concurrency < 1 {
		return eris.Errorf("config: prune.concurrency must be at least 1, got %d", c.Prune.Concurrency)
	}
	if c.Prune.OrganizationID < 0 {
		return eris.Errorf("config: prune.organization_id must not be negative, got %d", c.Prune.OrganizationID)
	}
	if _, err := c.Prune.EntityKinds(); err != nil {
		return err
	}
	return nil
}

// EntityKinds parses the configured kinds, dropping duplicates.
func (p PruneConfig) EntityKinds() ([]model.EntityKind, error) {
	if len(p.Kinds) == 0 {
		return nil, eris.New("config: prune.kinds must name at least one kind")
	}

	seen := make(map[model.EntityKind]bool)
	var kinds []model.EntityKind
	for _, s := range p.Kinds {
		k, err := model.ParseEntityKind(s)
		if err != nil {
			return nil, eris.Wrap(err, "config: prune.kinds")
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
