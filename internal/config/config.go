package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	Version string `mapstructure:"version"`
}

type AuthConfig struct {
	BearerToken string `mapstructure:"bearer_token"`
}

type CallbackConfig struct {
	RecordLimit int `mapstructure:"record_limit"`
	PullLimit   int `mapstructure:"pull_limit"`
}

type KernelConfig struct {
	StartupTimeout   time.Duration `mapstructure:"startup_timeout"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	InterruptTimeout time.Duration `mapstructure:"interrupt_timeout"`
}

type SandboxConfig struct {
	Image     string   `mapstructure:"image"`
	Images    []string `mapstructure:"images"`
	MaxMemory string   `mapstructure:"max_memory"`
	Network   bool     `mapstructure:"network"`
	Workdir   string   `mapstructure:"workdir"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Auth      AuthConfig     `mapstructure:"auth"`
	Callbacks CallbackConfig `mapstructure:"callbacks"`
	Kernel    KernelConfig   `mapstructure:"kernel"`
	Sandbox   SandboxConfig  `mapstructure:"sandbox"`
	Storage   StorageConfig  `mapstructure:"storage"`
	Log       LogConfig      `mapstructure:"log"`
}

// legacyEnv maps config keys to the environment variables older deployments
// of the sandbox image set.
var legacyEnv = map[string]string{
	"server.port":            "API_PORT",
	"server.version":         "VM_BUILD",
	"auth.bearer_token":      "BEARER_TOKEN",
	"callbacks.record_limit": "CALLBACK_RECORD_LIMIT",
	"callbacks.pull_limit":   "CALLBACK_PULL_LIMIT",
}

// Load reads kernelbox.yaml from the working directory or $HOME/.kernelbox,
// or from path when set. A missing default config file is not an error;
// defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kernelbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.kernelbox")
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.version", "unknown")
	v.SetDefault("auth.bearer_token", "")
	v.SetDefault("callbacks.record_limit", 1000)
	v.SetDefault("callbacks.pull_limit", 100)
	v.SetDefault("kernel.startup_timeout", 120*time.Second)
	v.SetDefault("kernel.retry_backoff", 5*time.Second)
	v.SetDefault("kernel.interrupt_timeout", 10*time.Second)
	v.SetDefault("sandbox.image", "python:3.12-slim")
	v.SetDefault("sandbox.images", []string{"python:3.12-slim", "python:3.11-slim"})
	v.SetDefault("sandbox.max_memory", "1g")
	v.SetDefault("sandbox.network", false)
	v.SetDefault("sandbox.workdir", "/workspace")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".kernelbox", "kernelbox.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetEnvPrefix("KERNELBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "KERNELBOX_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variable references like ${VAR} in the token
	if t := cfg.Auth.BearerToken; strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}") {
		cfg.Auth.BearerToken = os.Getenv(t[2 : len(t)-1])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks limits, timeouts and the sandbox image allow-list.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Callbacks.RecordLimit <= 0 {
		problems = append(problems, "callbacks.record_limit must be positive")
	}
	if c.Callbacks.PullLimit <= 0 {
		problems = append(problems, "callbacks.pull_limit must be positive")
	}
	if c.Kernel.StartupTimeout <= 0 {
		problems = append(problems, "kernel.startup_timeout must be positive")
	}
	if c.Kernel.RetryBackoff <= 0 {
		problems = append(problems, "kernel.retry_backoff must be positive")
	}
	if c.Kernel.InterruptTimeout <= 0 {
		problems = append(problems, "kernel.interrupt_timeout must be positive")
	}
	if !slices.Contains(c.Sandbox.Images, c.Sandbox.Image) {
		problems = append(problems, fmt.Sprintf("sandbox.image %q not in sandbox.images", c.Sandbox.Image))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// AuthEnabled reports whether requests must carry the bearer token.
func (c *Config) AuthEnabled() bool {
	return c.Auth.BearerToken != ""
}
