package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brockhager/swarmchat/internal/logger"
	"github.com/brockhager/swarmchat/internal/manager"
	"github.com/brockhager/swarmchat/internal/metrics"
	"github.com/brockhager/swarmchat/internal/process"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SWARMCHAT_SIDECAR_NAME.
const EnvPrefix = "SWARMCHAT"

// Config represents the top-level TOML structure.
type Config struct {
	Sidecar SidecarConfig                `toml:"sidecar" mapstructure:"sidecar"`
	Server  ServerConfig                 `toml:"server" mapstructure:"server"`
	Metrics metrics.ProcessMetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Log     logger.Config                `toml:"log" mapstructure:"log"`
	Events  EventsConfig                 `toml:"events" mapstructure:"events"`
}

type SidecarConfig struct {
	Name        string        `toml:"name" mapstructure:"name"`
	ResourceDir string        `toml:"resource_dir" mapstructure:"resource_dir"`
	Args        []string      `toml:"args" mapstructure:"args"`
	Env         []string      `toml:"env" mapstructure:"env"`
	EnvFiles    []string      `toml:"env_files" mapstructure:"env_files"`
	WorkDir     string        `toml:"work_dir" mapstructure:"work_dir"`
	GracePeriod time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	SettleDelay time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	PortMarker  string        `toml:"port_marker" mapstructure:"port_marker"`
	Autostart   bool          `toml:"autostart" mapstructure:"autostart"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type EventsConfig struct {
	History int `toml:"history" mapstructure:"history"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sidecar.name", "dendrite")
	v.SetDefault("sidecar.resource_dir", "")
	v.SetDefault("sidecar.args", []string{})
	v.SetDefault("sidecar.env", []string{})
	v.SetDefault("sidecar.env_files", []string{})
	v.SetDefault("sidecar.work_dir", "")
	v.SetDefault("sidecar.grace_period", manager.DefaultGracePeriod)
	v.SetDefault("sidecar.settle_delay", 250*time.Millisecond)
	v.SetDefault("sidecar.port_marker", "")
	v.SetDefault("sidecar.autostart", true)

	v.SetDefault("server.listen", "127.0.0.1:7420")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.sample_interval", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("events.history", 200)
}

// Load reads the optional TOML file at path, applies SWARMCHAT_* environment
// overrides on top of defaults and validates the result. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Sidecar.ResourceDir == "" {
		c.Sidecar.ResourceDir = executableDir()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Sidecar.Name) == "" {
		errs = append(errs, errors.New("sidecar.name must not be empty"))
	}
	if strings.ContainsAny(c.Sidecar.Name, `/\`) {
		errs = append(errs, fmt.Errorf("sidecar.name %q must be a bare executable name", c.Sidecar.Name))
	}
	if c.Sidecar.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("sidecar.grace_period must be positive, got %s", c.Sidecar.GracePeriod))
	}
	if c.Sidecar.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("sidecar.settle_delay must not be negative, got %s", c.Sidecar.SettleDelay))
	}
	for _, kv := range c.Sidecar.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("sidecar.env entry %q is not KEY=VALUE", kv))
		}
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", bp))
	}
	if c.Metrics.Enabled && c.Metrics.Interval <= 0 {
		errs = append(errs, errors.New("metrics.sample_interval must be positive when metrics are enabled"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "color", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be color, text or json", c.Log.Format))
	}
	if c.Events.History < 0 {
		errs = append(errs, errors.New("events.history must not be negative"))
	}
	return errors.Join(errs...)
}

// Spec builds the worker description. Variables from env_files come first,
// so entries in env override them.
func (c *Config) Spec() (process.Spec, error) {
	var env []string
	for _, p := range c.Sidecar.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return process.Spec{}, fmt.Errorf("load env file %s: %w", p, err)
		}
		env = append(env, pairs...)
	}
	env = append(env, c.Sidecar.Env...)
	return process.Spec{
		Name:        c.Sidecar.Name,
		ResourceDir: c.Sidecar.ResourceDir,
		Args:        append([]string(nil), c.Sidecar.Args...),
		Env:         env,
		WorkDir:     c.Sidecar.WorkDir,
	}, nil
}

// SupervisorConfig builds the manager configuration.
func (c *Config) SupervisorConfig() (manager.Config, error) {
	spec, err := c.Spec()
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		Spec:        spec,
		GracePeriod: c.Sidecar.GracePeriod,
		PortMarker:  c.Sidecar.PortMarker,
	}, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}
