package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Command CommandConfig `mapstructure:"command"`
	Devices DevicesConfig `mapstructure:"devices"`
	Modbus  ModbusConfig  `mapstructure:"modbus"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	// Address of the HTTP endpoint (health, status, metrics, readings).
	// Empty disables it.
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CommandConfig describes the watched command file
type CommandConfig struct {
	Path       string `mapstructure:"path"`
	ConnectKey string `mapstructure:"connect_key"`
	ReadKey    string `mapstructure:"read_key"`

	// PollInterval > 0 forces polling instead of filesystem notifications.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// FallbackInterval is used when notifications are unavailable.
	FallbackInterval  time.Duration `mapstructure:"fallback_interval"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	TransitionTimeout time.Duration `mapstructure:"transition_timeout"`
}

type DevicesConfig struct {
	StorePath      string   `mapstructure:"store_path"`
	ListSection    string   `mapstructure:"list_section"`
	MapSearchPaths []string `mapstructure:"map_search_paths"`
}

type ModbusConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var envKeyReplacer = strings.NewReplacer(".", "_")

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("command.path", "config/command.json")
	v.SetDefault("command.connect_key", "ModbusConnect")
	v.SetDefault("command.read_key", "ModbusStartRead")
	v.SetDefault("command.poll_interval", "0s")
	v.SetDefault("command.fallback_interval", "1s")
	v.SetDefault("command.max_workers", 5)
	v.SetDefault("command.transition_timeout", "30s")

	v.SetDefault("devices.store_path", "config/modbus.ini")
	v.SetDefault("devices.list_section", "MAIN_MODBUS")
	v.SetDefault("devices.map_search_paths", []string{".", "maps"})

	v.SetDefault("modbus.default_timeout", "1s")
	v.SetDefault("modbus.poll_interval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Load reads the YAML config at path. An empty path yields the defaults.
// Environment variables with prefix GEMS_ override file values
// (e.g. GEMS_COMMAND_PATH).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GEMS")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Command.Path == "" {
		return fmt.Errorf("command.path is required")
	}
	if c.Command.ConnectKey == "" || c.Command.ReadKey == "" {
		return fmt.Errorf("command.connect_key and command.read_key are required")
	}
	if c.Command.ConnectKey == c.Command.ReadKey {
		return fmt.Errorf("command.connect_key and command.read_key must differ (both %q)", c.Command.ConnectKey)
	}
	if c.Command.PollInterval < 0 {
		return fmt.Errorf("command.poll_interval must not be negative")
	}
	if c.Command.FallbackInterval <= 0 {
		return fmt.Errorf("command.fallback_interval must be > 0")
	}
	if c.Command.MaxWorkers < 1 {
		return fmt.Errorf("command.max_workers must be >= 1 (got %d)", c.Command.MaxWorkers)
	}
	if c.Command.TransitionTimeout <= 0 {
		return fmt.Errorf("command.transition_timeout must be > 0")
	}
	if c.Devices.StorePath == "" {
		return fmt.Errorf("devices.store_path is required")
	}
	if c.Devices.ListSection == "" {
		return fmt.Errorf("devices.list_section is required")
	}
	if c.Modbus.DefaultTimeout <= 0 {
		return fmt.Errorf("modbus.default_timeout must be > 0")
	}
	if c.Modbus.PollInterval <= 0 {
		return fmt.Errorf("modbus.poll_interval must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	return nil
}
