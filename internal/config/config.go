// Package config loads efactl configuration from YAML files and EFA_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/efa-transport/efa"
)

// Providers accepted in the provider field.
const (
	ProviderEFA       = "efa"
	ProviderTCP       = "tcp"
	ProviderSockets   = "sockets"
	ProviderSimulated = "simulated"
)

// Metrics backends accepted in metrics.backend.
const (
	MetricsPrometheus = "prometheus"
	MetricsOTel       = "otel"
	MetricsNone       = "none"
)

// ErrInvalid reports a configuration that fails validation.
var ErrInvalid = errors.New("config: invalid")

// Config is the effective efactl configuration.
type Config struct {
	ServerName   string          `mapstructure:"server_name" yaml:"server_name"`
	Provider     string          `mapstructure:"provider" yaml:"provider"`
	DomainSuffix string          `mapstructure:"domain_suffix" yaml:"domain_suffix"`
	Devices      []string        `mapstructure:"devices" yaml:"devices"`
	Resources    ResourcesConfig `mapstructure:"resources" yaml:"resources"`
	MaxMRSizeB   uint64          `mapstructure:"max_mr_size" yaml:"max_mr_size"`
	Handshake    HandshakeConfig `mapstructure:"handshake" yaml:"handshake"`
	Metrics      MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log          LogConfig       `mapstructure:"log" yaml:"log"`
}

// ResourcesConfig mirrors efa.ResourceConfig.
type ResourcesConfig struct {
	QueueCount         int   `mapstructure:"queue_count" yaml:"queue_count"`
	CompletionChannels int   `mapstructure:"completion_channels" yaml:"completion_channels"`
	Port               uint8 `mapstructure:"port" yaml:"port"`
	GIDIndex           int   `mapstructure:"gid_index" yaml:"gid_index"`
	MaxCQE             int   `mapstructure:"max_cqe" yaml:"max_cqe"`
	MaxEndpoints       int   `mapstructure:"max_endpoints" yaml:"max_endpoints"`
}

// HandshakeConfig configures the handshake server and client.
type HandshakeConfig struct {
	Listen  string        `mapstructure:"listen" yaml:"listen"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

var _ efa.Limits = (*Config)(nil)

// Load reads configPath (or efactl.yaml from the standard locations when
// empty), applies EFA_* environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("efactl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/efactl")
		v.AddConfigPath("$HOME/.efactl")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("EFA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	def := efa.DefaultResourceConfig()

	v.SetDefault("server_name", hostname+":12001")
	v.SetDefault("provider", ProviderEFA)
	v.SetDefault("domain_suffix", "-rdm")
	v.SetDefault("devices", []string{"rdmap0s6"})

	v.SetDefault("resources.queue_count", def.QueueCount)
	v.SetDefault("resources.completion_channels", def.CompletionChannels)
	v.SetDefault("resources.port", def.Port)
	v.SetDefault("resources.gid_index", def.GIDIndex)
	v.SetDefault("resources.max_cqe", def.MaxCQE)
	v.SetDefault("resources.max_endpoints", def.MaxEndpoints)
	v.SetDefault("max_mr_size", efa.DefaultMaxMRSize)

	v.SetDefault("handshake.listen", ":12001")
	v.SetDefault("handshake.timeout", 5*time.Second)

	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.backend", MetricsPrometheus)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

func (c *Config) validate() error {
	switch c.Provider {
	case ProviderEFA, ProviderTCP, ProviderSockets, ProviderSimulated:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
	}
	switch c.Metrics.Backend {
	case MetricsPrometheus, MetricsOTel, MetricsNone:
	default:
		return fmt.Errorf("%w: unknown metrics backend %q", ErrInvalid, c.Metrics.Backend)
	}
	if c.ServerName == "" {
		return fmt.Errorf("%w: server_name is required", ErrInvalid)
	}
	if strings.Contains(c.ServerName, "@") {
		return fmt.Errorf("%w: server_name %q must not contain '@'", ErrInvalid, c.ServerName)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: at least one device is required", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for _, dev := range c.Devices {
		if dev == "" || strings.Contains(dev, "@") {
			return fmt.Errorf("%w: bad device name %q", ErrInvalid, dev)
		}
		if _, dup := seen[dev]; dup {
			return fmt.Errorf("%w: duplicate device %q", ErrInvalid, dev)
		}
		seen[dev] = struct{}{}
	}
	if c.Resources.QueueCount < 1 || c.Resources.MaxCQE < 1 || c.Resources.MaxEndpoints < 1 {
		return fmt.Errorf("%w: resources must be positive (queue_count=%d max_cqe=%d max_endpoints=%d)",
			ErrInvalid, c.Resources.QueueCount, c.Resources.MaxCQE, c.Resources.MaxEndpoints)
	}
	if c.MaxMRSizeB == 0 {
		return fmt.Errorf("%w: max_mr_size must be positive", ErrInvalid)
	}
	if c.Handshake.Timeout <= 0 {
		return fmt.Errorf("%w: handshake.timeout must be positive", ErrInvalid)
	}
	return nil
}

// MaxMRSize returns the largest single memory registration.
func (c *Config) MaxMRSize() uint64 {
	return c.MaxMRSizeB
}

// ResourceConfig converts the resources section.
func (c *Config) ResourceConfig() efa.ResourceConfig {
	return efa.ResourceConfig{
		QueueCount:         c.Resources.QueueCount,
		CompletionChannels: c.Resources.CompletionChannels,
		Port:               c.Resources.Port,
		GIDIndex:           c.Resources.GIDIndex,
		MaxCQE:             c.Resources.MaxCQE,
		MaxEndpoints:       c.Resources.MaxEndpoints,
	}
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
