// Package config centralizes how the service reads its runtime settings.
// Unlike the teacher's hand-rolled os.LookupEnv parsing, this reads through
// viper (as prappser-prappser_server's internal/config.go does) while
// keeping the same "typed Config struct built by a Load constructor with
// defaults" shape.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the service's runtime configuration.
type Config struct {
	Address               string
	StorageBase           string
	TransformSlots        int
	MaxSourceSize         int64
	ProbeTimeout          time.Duration
	TransformPollInterval time.Duration
	TransformMaxAttempts  int
	JanitorMaxAge         time.Duration
	JanitorSchedule       string
}

const (
	defaultAddress                = ":8080"
	defaultTransformSlots         = 2
	defaultMaxSourceSize          = 8 * 1024 * 1024
	defaultProbeTimeout           = 5 * time.Second
	defaultTransformPollInterval  = 5 * time.Second
	defaultTransformMaxAttempts   = 180
	defaultJanitorMaxAge          = 24 * time.Hour
	defaultJanitorSchedule        = "11 */30 * * * *"
)

// Load reads configuration from GUETZLI_* environment variables, falling
// back to the documented defaults. A missing optional config file is not an
// error; explicit environment variables always win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("guetzli")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("guetzli")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/guetzli")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	v.SetDefault("address", defaultAddress)
	v.SetDefault("storage.base", defaultStorageBase())
	v.SetDefault("transform_slots", defaultTransformSlots)
	v.SetDefault("max_source_size", defaultMaxSourceSize)
	v.SetDefault("probe_timeout", defaultProbeTimeout)
	v.SetDefault("transform_poll_interval", defaultTransformPollInterval)
	v.SetDefault("transform_max_attempts", defaultTransformMaxAttempts)
	v.SetDefault("janitor_max_age", defaultJanitorMaxAge)
	v.SetDefault("janitor_schedule", defaultJanitorSchedule)

	cfg := &Config{
		Address:               v.GetString("address"),
		StorageBase:           v.GetString("storage.base"),
		TransformSlots:        v.GetInt("transform_slots"),
		MaxSourceSize:         v.GetInt64("max_source_size"),
		ProbeTimeout:          v.GetDuration("probe_timeout"),
		TransformPollInterval: v.GetDuration("transform_poll_interval"),
		TransformMaxAttempts:  v.GetInt("transform_max_attempts"),
		JanitorMaxAge:         v.GetDuration("janitor_max_age"),
		JanitorSchedule:       v.GetString("janitor_schedule"),
	}

	if cfg.TransformSlots <= 0 {
		cfg.TransformSlots = defaultTransformSlots
	}
	if cfg.MaxSourceSize <= 0 {
		cfg.MaxSourceSize = defaultMaxSourceSize
	}
	if cfg.StorageBase == "" {
		cfg.StorageBase = defaultStorageBase()
	}
	return cfg, nil
}

// defaultStorageBase mirrors the original <home>/.guetzli-data fallback.
func defaultStorageBase() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".guetzli-data")
}
