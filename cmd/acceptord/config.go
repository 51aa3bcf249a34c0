package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the acceptord server configuration, loaded from
// acceptord.yaml and ACCEPTORD_* environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ResultCacheSize int           `mapstructure:"result_cache_size"`
}

type StorageConfig struct {
	DataSourceName string `mapstructure:"data_source_name"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoadConfig reads configuration from the working directory and the
// environment. The config file is optional; the JWT secret is not.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("acceptord")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acceptord")

	v.SetEnvPrefix("ACCEPTORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.result_cache_size", 4096)
	v.SetDefault("storage.data_source_name", "file:acceptord.db?_journal_mode=WAL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret (ACCEPTORD_AUTH_JWT_SECRET) is required")
	}
	return &config, nil
}
