package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
}

type DiscoveryConfig struct {
	// BaseURLs are the HTTP addresses of any cluster members.
	BaseURLs     []string      `yaml:"base_urls" mapstructure:"base_urls"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRedirects int           `yaml:"max_redirects" mapstructure:"max_redirects"`
	Wait         bool          `yaml:"wait" mapstructure:"wait"`
}

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("LODESTONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("discovery.base_urls", []string{"http://localhost:7401"})
	v.SetDefault("discovery.timeout", 5*time.Second)
	v.SetDefault("discovery.max_redirects", 3)
	v.SetDefault("discovery.wait", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	// A comma separated env value arrives as a single element.
	if len(cfg.Discovery.BaseURLs) == 1 && strings.Contains(cfg.Discovery.BaseURLs[0], ",") {
		cfg.Discovery.BaseURLs = strings.Split(cfg.Discovery.BaseURLs[0], ",")
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(config *Config) error {
	if len(config.Discovery.BaseURLs) == 0 {
		return fmt.Errorf("discovery.base_urls is required")
	}
	if config.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be positive")
	}
	if config.Discovery.MaxRedirects < 0 {
		return fmt.Errorf("discovery.max_redirects must not be negative")
	}
	return nil
}
