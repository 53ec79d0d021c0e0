// Package config loads broker configuration from flags, environment
// variables and an optional config file via viper.
package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// Config is everything the broker process needs to start.
type Config struct {
	ListenAddr string
	MaxJobSize int
	LogLevel   string
	LogJSON    bool

	// DefaultTubeIsError selects how `put` without a prior `use` is
	// handled: true (the default) rejects it, false falls back to a
	// tube named "default" as the beanstalkd reference does.
	DefaultTubeIsError bool
}

// Load reads configuration from (in increasing priority) defaults, an
// optional file at path (ignored if empty or missing), and
// TUBEBROKER_-prefixed environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", "127.0.0.1:10000")
	v.SetDefault("max_job_size", 65536)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("default_tube_is_error", true)

	v.SetEnvPrefix("tubebroker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	return Config{
		ListenAddr:         v.GetString("listen_addr"),
		MaxJobSize:         v.GetInt("max_job_size"),
		LogLevel:           v.GetString("log_level"),
		LogJSON:            v.GetBool("log_json"),
		DefaultTubeIsError: v.GetBool("default_tube_is_error"),
	}, nil
}
