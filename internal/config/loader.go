// Package config loads application settings: logging, the status server and
// the scheduler loop timings. Pipeline settings (paths, tables, Slurm
// account data) live in the flat configuration handled by pipeconfig.
//
// Precedence, lowest to highest: defaults, settings file, PSRPYPE_*
// environment variables, runtime overrides passed to Load.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "PSRPYPE"

// SettingsFileName is looked up in the user config directory.
const SettingsFileName = "settings.yaml"

// Config is the application settings tree.
type Config struct {
	// Pipeline is the default flat pipeline configuration file.
	Pipeline string `mapstructure:"pipeline"`

	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Slurm   SlurmConfig   `mapstructure:"slurm"`
	Health  HealthConfig  `mapstructure:"health"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SlurmConfig tunes the launcher and the reconciler.
type SlurmConfig struct {
	SubmitInterval    time.Duration `mapstructure:"submit_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerOpenPeriod time.Duration `mapstructure:"breaker_open_period"`
	// Tools lists the external executables doctor looks for.
	Tools []string `mapstructure:"tools"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Slurm.PollInterval <= 0 {
		return fmt.Errorf("slurm.poll_interval must be positive, got %s", c.Slurm.PollInterval)
	}
	if c.Slurm.SubmitInterval <= 0 {
		return fmt.Errorf("slurm.submit_interval must be positive, got %s", c.Slurm.SubmitInterval)
	}
	return nil
}

// EnvSpec maps an environment variable to a settings key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config

	// settingsFile overrides the settings file lookup when set.
	settingsFile string
)

// SetSettingsFile selects an explicit settings file for later loads.
func SetSettingsFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	settingsFile = path
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("slurm.submit_interval", "2s")
	v.SetDefault("slurm.poll_interval", "120s")
	v.SetDefault("slurm.breaker_failures", 3)
	v.SetDefault("slurm.breaker_open_period", "5m")
	v.SetDefault("slurm.tools", []string{"vap", "pam", "paz", "pac", "psredit", "psradd", "fluxcal", "sbatch", "sacct"})

	v.SetDefault("health.enabled", true)
}

// getEnvSpecs lists the environment variables bound to settings keys.
func getEnvSpecs() []EnvSpec {
	pairs := []struct{ suffix, path string }{
		{"CONFIG", "pipeline"},
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_FILE", "logging.file"},
		{"SUBMIT_INTERVAL", "slurm.submit_interval"},
		{"POLL_INTERVAL", "slurm.poll_interval"},
		{"BREAKER_FAILURES", "slurm.breaker_failures"},
		{"HEALTH_ENABLED", "health.enabled"},
	}
	specs := make([]EnvSpec, 0, len(pairs))
	for _, p := range pairs {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + p.suffix, Path: p.path})
	}
	return specs
}

// getUserConfigPaths returns candidate settings files, most specific first.
func getUserConfigPaths() []string {
	var paths []string
	if settingsFile != "" {
		paths = append(paths, settingsFile)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "psrpype", SettingsFileName))
	}
	return paths
}

// Load builds the settings and makes them available through GetConfig.
// Each override map is merged on top of everything else, in order.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	defer configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			if path == settingsFile {
				return nil, fmt.Errorf("settings file %s: %w", path, err)
			}
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
		break
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = cfg
	return cfg, nil
}

// flatten turns nested override maps into dotted keys so they take
// precedence over the environment.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// GetConfig returns the most recently loaded settings, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}
