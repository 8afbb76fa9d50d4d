package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	assert.NilError(t, err)

	assert.Equal(t, cfg.Command.Path, "config/command.json")
	assert.Equal(t, cfg.Command.ConnectKey, "ModbusConnect")
	assert.Equal(t, cfg.Command.ReadKey, "ModbusStartRead")
	assert.Equal(t, cfg.Command.PollInterval, time.Duration(0))
	assert.Equal(t, cfg.Command.MaxWorkers, 5)
	assert.Equal(t, cfg.Command.TransitionTimeout, 30*time.Second)
	assert.Equal(t, cfg.Devices.StorePath, "config/modbus.ini")
	assert.Equal(t, cfg.Devices.ListSection, "MAIN_MODBUS")
	assert.DeepEqual(t, cfg.Devices.MapSearchPaths, []string{".", "maps"})
	assert.Equal(t, cfg.Modbus.DefaultTimeout, time.Second)
	assert.Equal(t, cfg.Modbus.PollInterval, time.Second)
	assert.Equal(t, cfg.Server.Address, "")
	assert.Equal(t, cfg.Server.ShutdownTimeout, 30*time.Second)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(`
command:
  path: /run/gateway/command.json
  max_workers: 2
  transition_timeout: 5s
devices:
  store_path: /etc/gateway/modbus.ini
modbus:
  poll_interval: 250ms
logging:
  level: debug
`), 0o644))

	t.Setenv("GEMS_SERVER_ADDRESS", ":9100")

	cfg, err := Load(path)
	assert.NilError(t, err)

	assert.Equal(t, cfg.Command.Path, "/run/gateway/command.json")
	assert.Equal(t, cfg.Command.MaxWorkers, 2)
	assert.Equal(t, cfg.Command.TransitionTimeout, 5*time.Second)
	assert.Equal(t, cfg.Command.ConnectKey, "ModbusConnect")
	assert.Equal(t, cfg.Devices.StorePath, "/etc/gateway/modbus.ini")
	assert.Equal(t, cfg.Modbus.PollInterval, 250*time.Millisecond)
	assert.Equal(t, cfg.Logging.Level, "debug")
	assert.Equal(t, cfg.Server.Address, ":9100")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"same keys": {
			mutate: func(c *Config) { c.Command.ReadKey = c.Command.ConnectKey },
			want:   "must differ",
		},
		"no workers": {
			mutate: func(c *Config) { c.Command.MaxWorkers = 0 },
			want:   "max_workers",
		},
		"zero transition timeout": {
			mutate: func(c *Config) { c.Command.TransitionTimeout = 0 },
			want:   "transition_timeout",
		},
		"negative poll": {
			mutate: func(c *Config) { c.Command.PollInterval = -time.Second },
			want:   "poll_interval",
		},
		"no store": {
			mutate: func(c *Config) { c.Devices.StorePath = "" },
			want:   "store_path",
		},
		"zero modbus poll": {
			mutate: func(c *Config) { c.Modbus.PollInterval = 0 },
			want:   "modbus.poll_interval",
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load("")
			assert.NilError(t, err)

			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := LoggingConfig{Level: "debug", Development: true}.NewLogger()
	assert.NilError(t, err)
	assert.Assert(t, logger.Core().Enabled(-1))

	_, err = LoggingConfig{Level: "chatty"}.NewLogger()
	assert.ErrorContains(t, err, "invalid logging.level")
}
