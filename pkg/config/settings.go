package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Settings holds the tunables read from the environment and the optional
// config file under the store root. Command-line flags override them later.
type Settings struct {
	Registry          string
	StoreDir          string
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	BatchSize         int
	ScriptParallelism int
	ScriptTimeout     time.Duration
	GlobalBinDir      string
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		Registry:       "https://registry.npmjs.org",
		RetryAttempts:  3,
		RetryBaseDelay: 500 * time.Millisecond,
		BatchSize:      8,
		ScriptTimeout:  5 * time.Minute,
	}
}

// LoadSettings resolves the effective settings from defaults, the optional
// config.yaml under the store root, and XPM_* environment variables, in
// increasing precedence.
func LoadSettings() (Settings, error) {
	defaults := DefaultSettings()
	storeRoot, err := DefaultStoreRoot()
	if err != nil {
		return defaults, err
	}
	defaults.StoreDir = storeRoot

	v := viper.New()
	v.SetDefault("registry", defaults.Registry)
	v.SetDefault("store_dir", defaults.StoreDir)
	v.SetDefault("retry_attempts", defaults.RetryAttempts)
	v.SetDefault("retry_base_delay", defaults.RetryBaseDelay)
	v.SetDefault("batch_size", defaults.BatchSize)
	v.SetDefault("script_parallelism", defaults.ScriptParallelism)
	v.SetDefault("script_timeout", defaults.ScriptTimeout)
	v.SetDefault("global_bin_dir", defaults.GlobalBinDir)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(storeRoot)

	v.SetEnvPrefix("XPM")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return defaults, err
		}
	}

	return Settings{
		Registry:          v.GetString("registry"),
		StoreDir:          v.GetString("store_dir"),
		RetryAttempts:     v.GetInt("retry_attempts"),
		RetryBaseDelay:    v.GetDuration("retry_base_delay"),
		BatchSize:         v.GetInt("batch_size"),
		ScriptParallelism: v.GetInt("script_parallelism"),
		ScriptTimeout:     v.GetDuration("script_timeout"),
		GlobalBinDir:      v.GetString("global_bin_dir"),
	}, nil
}
