package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigOption describes one configuration key with its default value.
type ConfigOption struct {
	Key     string
	Default any
	Comment string
}

// GetConfigOptions returns the configuration keys, their defaults and
// meanings. It is the single source for defaults, validation and the
// generated config file.
func GetConfigOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "port", Default: 0, Comment: "Local loopback port; 0 picks a free port"},
		{Key: "partner_port", Default: 0, Comment: "Partner endpoint port; 0 means port + 1"},

		{Key: "decode.strict", Default: false, Comment: "Reject payloads carrying fields a handler's shape does not declare"},

		{Key: "send.timeout", Default: "30s", Comment: "HTTP timeout for one send; 0s disables it"},
		{Key: "send.rate", Default: 0.0, Comment: "Outbound messages per second; 0 disables throttling"},
		{Key: "send.burst", Default: 1, Comment: "Burst allowed by send.rate"},

		{Key: "log.level", Default: "info", Comment: "debug, info, warn or error"},
		{Key: "log.format", Default: "console", Comment: "console or json"},
		{Key: "log.outputs", Default: []string{"stderr"}, Comment: "stdout, stderr or file paths"},
		{Key: "log.development", Default: false, Comment: "Development encoder and stack traces on warn"},
		{Key: "log.rotation.enable", Default: false, Comment: "Rotate file outputs"},
		{Key: "log.rotation.max_size_mb", Default: 10, Comment: "Rotate after this many megabytes"},
		{Key: "log.rotation.max_backups", Default: 3, Comment: "Rotated files to keep"},
		{Key: "log.rotation.max_age_days", Default: 7, Comment: "Days to keep rotated files"},
		{Key: "log.rotation.compress", Default: false, Comment: "Gzip rotated files"},

		{Key: "metrics.addr", Default: "", Comment: "Serve Prometheus metrics on this address when listening; empty disables"},
	}
}

// applyDefaults seeds Viper with defaults defined in GetConfigOptions.
func applyDefaults(v *viper.Viper) {
	for _, o := range GetConfigOptions() {
		v.SetDefault(o.Key, o.Default)
	}
}

// Load resolves configuration with precedence: defaults < file < env.
// The provided Viper instance is mutated with defaults, file contents, and env.
func Load(ctx context.Context, v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "pairipc"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "pairipc"))
		}
		v.AddConfigPath(".")
	}

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	// Environment variables: PAIRIPC_* (highest among these sources)
	v.SetEnvPrefix("pairipc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow comma-separated env override for log.outputs
	if s := strings.TrimSpace(os.Getenv("PAIRIPC_LOG_OUTPUTS")); s != "" {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		v.Set("log.outputs", out)
	}
	return nil
}

// DefaultConfigPath resolves the standard config.toml location.
func DefaultConfigPath() string {
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		home, _ := os.UserHomeDir()
		xdg = filepath.Join(home, ".config")
	}
	return filepath.Join(xdg, "pairipc", "config.toml")
}

// CheckConfigValidity reports every invalid setting at once.
func CheckConfigValidity(v *viper.Viper) error {
	var errs []error
	for _, key := range []string{"port", "partner_port"} {
		if p := v.GetInt(key); p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 65535", key))
		}
	}
	if p, pp := v.GetInt("port"), v.GetInt("partner_port"); p != 0 && p == pp {
		errs = append(errs, errors.New("partner_port must differ from port"))
	}
	if _, err := time.ParseDuration(v.GetString("send.timeout")); err != nil {
		errs = append(errs, fmt.Errorf("send.timeout is not a duration: %q", v.GetString("send.timeout")))
	} else if v.GetDuration("send.timeout") < 0 {
		errs = append(errs, errors.New("send.timeout must not be negative"))
	}
	if v.GetFloat64("send.rate") < 0 {
		errs = append(errs, errors.New("send.rate must not be negative"))
	}
	if v.GetFloat64("send.rate") > 0 && v.GetInt("send.burst") < 1 {
		errs = append(errs, errors.New("send.burst must be greater than 0"))
	}
	switch strings.ToLower(v.GetString("log.level")) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", v.GetString("log.level")))
	}
	switch strings.ToLower(v.GetString("log.format")) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of console, json", v.GetString("log.format")))
	}
	if len(v.GetStringSlice("log.outputs")) == 0 {
		errs = append(errs, errors.New("log.outputs needs at least one output"))
	}
	return errors.Join(errs...)
}
