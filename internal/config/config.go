// Package config loads the proxyhub configuration file. Settings are read
// once at startup and live in memory afterwards; nothing is persisted back.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/drsoft-oss/proxyhub/internal/source"
)

// Config is the full startup configuration.
type Config struct {
	ListenHTTP   string `mapstructure:"listen_http" validate:"required,hostname_port"`
	ListenSOCKS5 string `mapstructure:"listen_socks5" validate:"required,hostname_port"`
	APIAddr      string `mapstructure:"api_addr" validate:"required,hostname_port"`

	// Locale selects the display language for proxy locations ("", "zh-CN").
	Locale string `mapstructure:"locale"`

	// AutoRefreshMinutes enables the periodic refresh loop when positive.
	AutoRefreshMinutes int `mapstructure:"auto_refresh_minutes" validate:"gte=0"`

	// RotatePerRequest selects the gateway rotation mode at startup.
	RotatePerRequest bool `mapstructure:"rotate_per_request"`

	// DialTimeoutSeconds bounds upstream dials from the gateways.
	DialTimeoutSeconds int `mapstructure:"dial_timeout_seconds" validate:"gt=0"`

	Probe   ProbeConfig                    `mapstructure:"probe"`
	Sources map[string][]string            `mapstructure:"sources" validate:"required"`
	Engines map[string]source.EngineConfig `mapstructure:"engines"`
	Log     LogConfig                      `mapstructure:"log"`
}

// ProbeConfig holds validator settings.
type ProbeConfig struct {
	LatencyURL     string `mapstructure:"latency_url" validate:"required,url"`
	AnonymityURL   string `mapstructure:"anonymity_url" validate:"required,url"`
	SpeedURL       string `mapstructure:"speed_url" validate:"required,url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gt=0"`
	Workers        int    `mapstructure:"workers" validate:"gt=0"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads the configuration file at path (optional: an empty path loads
// defaults plus any proxyhub.yaml in the working directory) and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("proxyhub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			f := invalid[0]
			return fmt.Errorf("config field %s fails %q", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}
	for scheme := range cfg.Sources {
		switch strings.ToLower(scheme) {
		case "http", "https", "socks4", "socks5":
		default:
			return fmt.Errorf("config sources has unknown scheme %q", scheme)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_http", "127.0.0.1:8888")
	v.SetDefault("listen_socks5", "127.0.0.1:1080")
	v.SetDefault("api_addr", "127.0.0.1:9090")
	v.SetDefault("locale", "")
	v.SetDefault("auto_refresh_minutes", 0)
	v.SetDefault("rotate_per_request", false)
	v.SetDefault("dial_timeout_seconds", 30)

	v.SetDefault("probe.latency_url", "https://www.baidu.com")
	v.SetDefault("probe.anonymity_url", "http://httpbin.org/get?show_env=1")
	v.SetDefault("probe.speed_url", "http://cachefly.cachefly.net/100kb.test")
	v.SetDefault("probe.timeout_seconds", 5)
	v.SetDefault("probe.workers", 100)

	v.SetDefault("sources", map[string][]string{
		"http": {
			"https://api.proxyscrape.com/v3/free-proxy-list/get?request=displayproxies&protocol=http",
			"https://openproxylist.xyz/http.txt",
			"https://www.proxy-list.download/api/v1/get?type=http",
			"https://proxylist.geonode.com/api/proxy-list?limit=500&page=1&sort_by=lastChecked&sort_type=desc&protocols=http",
			"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
		},
		"https": {
			"https://www.proxy-list.download/api/v1/get?type=https",
		},
		"socks4": {
			"https://api.proxyscrape.com/v3/free-proxy-list/get?request=displayproxies&protocol=socks4",
			"https://openproxylist.xyz/socks4.txt",
			"https://www.proxy-list.download/api/v1/get?type=socks4",
		},
		"socks5": {
			"https://api.proxyscrape.com/v3/free-proxy-list/get?request=displayproxies&protocol=socks5",
			"https://openproxylist.xyz/socks5.txt",
			"https://www.proxy-list.download/api/v1/get?type=socks5",
		},
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
}
