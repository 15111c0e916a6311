package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, or from config.yaml
// inside configPath when it is a directory.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DiscoverConfig finds the config file by checking standard locations.
// Priority order: $SMSBRIDGE_CONFIG, ~/.config/smsbridge/config.yaml, /etc/smsbridge/config.yaml, ./config.yaml
func DiscoverConfig() (string, error) {
	if path := os.Getenv("SMSBRIDGE_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "smsbridge", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/smsbridge/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $SMSBRIDGE_CONFIG, ~/.config/smsbridge, /etc/smsbridge, ./config.yaml)")
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Bridge.NativeLibDir == "" {
		cfg.Bridge.NativeLibDir = defaults.Bridge.NativeLibDir
	}
	if cfg.Bridge.Executable == "" {
		cfg.Bridge.Executable = defaults.Bridge.Executable
	}
	if cfg.Bridge.CacheDir == "" {
		cfg.Bridge.CacheDir = defaults.Bridge.CacheDir
	}
	if cfg.Bridge.ConfigPath == "" {
		cfg.Bridge.ConfigPath = defaults.Bridge.ConfigPath
	}
	if cfg.Bridge.RequestTimeout == 0 {
		cfg.Bridge.RequestTimeout = defaults.Bridge.RequestTimeout
	}
	if cfg.Bridge.StopGrace == 0 {
		cfg.Bridge.StopGrace = defaults.Bridge.StopGrace
	}

	if cfg.Phone.DefaultRegion == "" {
		cfg.Phone.DefaultRegion = defaults.Phone.DefaultRegion
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.LedgerRetention == 0 {
		cfg.State.LedgerRetention = defaults.State.LedgerRetention
	}
	if cfg.State.PruneInterval == 0 {
		cfg.State.PruneInterval = defaults.State.PruneInterval
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if cfg.Retry.BackoffBase == 0 {
		cfg.Retry.BackoffBase = defaults.Retry.BackoffBase
	}
	if cfg.Retry.PollInterval == 0 {
		cfg.Retry.PollInterval = defaults.Retry.PollInterval
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validation rejects it where it matters.
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if filepath.Base(cfg.Bridge.Executable) != cfg.Bridge.Executable {
		return fmt.Errorf("bridge.executable must be a file name inside bridge.native_lib_dir (got %q)", cfg.Bridge.Executable)
	}
	if cfg.Bridge.RequestTimeout < 0 {
		return fmt.Errorf("bridge.request_timeout must not be negative")
	}
	if cfg.Bridge.StopGrace < 0 {
		return fmt.Errorf("bridge.stop_grace must not be negative")
	}

	if len(cfg.Phone.DefaultRegion) != 2 {
		return fmt.Errorf("phone.default_region must be a two-letter region code (got %q)", cfg.Phone.DefaultRegion)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if cfg.Retry.BackoffBase < 0 || cfg.Retry.PollInterval < 0 {
		return fmt.Errorf("retry durations must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when api is enabled")
		}
		if matches := envVarPattern.FindStringSubmatch(cfg.API.APIKey); len(matches) > 1 {
			return fmt.Errorf("api.api_key: environment variable ${%s} is not set", matches[1])
		}
	}

	return nil
}
