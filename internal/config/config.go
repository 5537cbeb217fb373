// Package config loads the server configuration from a YAML file,
// BACKUPCHAN_ environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backupchan/internal/database"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. BACKUPCHAN_DATABASE_DRIVER for database.driver
const EnvPrefix = "BACKUPCHAN"

// DefaultConfigName is the file name searched for when no file is given
const DefaultConfigName = "backupchan"

var validate = validator.New()

// ServerConfig is the complete configuration of the backup server
type ServerConfig struct {
	Database       database.DatabaseConfig `mapstructure:"database" yaml:"database"`
	RecycleBinPath string                  `mapstructure:"recycle_bin_path" yaml:"recycle_bin_path" validate:"required"`
	TempSavePath   string                  `mapstructure:"temp_save_path" yaml:"temp_save_path" validate:"required"`
	Scheduler      SchedulerConfig         `mapstructure:"scheduler" yaml:"scheduler"`
	Log            LogConfig               `mapstructure:"log" yaml:"log"`
	Metrics        MetricsConfig           `mapstructure:"metrics" yaml:"metrics"`
}

// SchedulerConfig holds the tick of the scheduler loop and the interval of
// every scheduled job
type SchedulerConfig struct {
	Tick                time.Duration `mapstructure:"tick" yaml:"tick" validate:"gt=0"`
	RetentionInterval   time.Duration `mapstructure:"retention_interval" yaml:"retention_interval" validate:"gt=0"`
	DeduplicateInterval time.Duration `mapstructure:"deduplicate_interval" yaml:"deduplicate_interval" validate:"gt=0"`
	FilesizeInterval    time.Duration `mapstructure:"filesize_interval" yaml:"filesize_interval" validate:"gt=0"`
	StaleUploadInterval time.Duration `mapstructure:"stale_upload_interval" yaml:"stale_upload_interval" validate:"gt=0"`
	TempPurgeInterval   time.Duration `mapstructure:"temp_purge_interval" yaml:"temp_purge_interval" validate:"gt=0"`
}

// LogConfig selects the log level, format and optional log file
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=quiet normal verbose debug"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset field with its default
func (c *ServerConfig) SetDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = database.DriverSQLite
	}
	if c.Database.Driver == database.DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "./backupchan.db"
	}
	c.Database.SetDefaults()

	if c.RecycleBinPath == "" {
		c.RecycleBinPath = "./Recycle-bin"
	}
	if c.TempSavePath == "" {
		c.TempSavePath = "/tmp/backupchan"
	}

	setDuration(&c.Scheduler.Tick, time.Second)
	setDuration(&c.Scheduler.RetentionInterval, time.Minute)
	setDuration(&c.Scheduler.DeduplicateInterval, time.Hour)
	setDuration(&c.Scheduler.FilesizeInterval, time.Hour)
	setDuration(&c.Scheduler.StaleUploadInterval, 5*time.Minute)
	setDuration(&c.Scheduler.TempPurgeInterval, time.Hour)

	if c.Log.Level == "" {
		c.Log.Level = "normal"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks the struct rules and the driver specific database settings
func (c *ServerConfig) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q check", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// registerDefaults makes every key known to viper so environment variables
// are picked up by Unmarshal
func registerDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("database.path", "")
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("recycle_bin_path", d.RecycleBinPath)
	v.SetDefault("temp_save_path", d.TempSavePath)
	v.SetDefault("scheduler.tick", d.Scheduler.Tick)
	v.SetDefault("scheduler.retention_interval", d.Scheduler.RetentionInterval)
	v.SetDefault("scheduler.deduplicate_interval", d.Scheduler.DeduplicateInterval)
	v.SetDefault("scheduler.filesize_interval", d.Scheduler.FilesizeInterval)
	v.SetDefault("scheduler.stale_upload_interval", d.Scheduler.StaleUploadInterval)
	v.SetDefault("scheduler.temp_purge_interval", d.Scheduler.TempPurgeInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Load reads the configuration into v. An empty configFile searches the
// working directory and /etc/backupchan for backupchan.yaml and tolerates
// its absence; an explicit file must exist. Flags should be bound to v
// before calling Load.
func Load(v *viper.Viper, configFile string) (*ServerConfig, error) {
	if v == nil {
		v = viper.New()
	}
	registerDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/backupchan")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating its directory
func Save(cfg *ServerConfig, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// the file may hold a database password
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
