package config

import "time"

// Config represents the complete smsbridge configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Phone   PhoneConfig   `yaml:"phone"`
	State   StateConfig   `yaml:"state"`
	Retry   RetryConfig   `yaml:"retry"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// BridgeConfig describes how to run the external bridge process.
type BridgeConfig struct {
	// NativeLibDir holds the executable and its shared libraries. It is the
	// child's working directory and LD_LIBRARY_PATH.
	NativeLibDir string `yaml:"native_lib_dir"`
	Executable   string `yaml:"executable"`
	// CacheDir is a writable directory exported to the child as TMPDIR.
	CacheDir string `yaml:"cache_dir"`
	// ConfigPath is the child's own YAML config, passed as "-c <path>".
	ConfigPath string `yaml:"config_path"`
	// DefaultSMSApp is the OS default-messaging-app precondition. The bridge
	// refuses to start without it.
	DefaultSMSApp  bool          `yaml:"default_sms_app"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
}

// PhoneConfig controls phone number normalization.
type PhoneConfig struct {
	DefaultRegion string `yaml:"default_region"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
	// LedgerRetention is how long a reported record is remembered. A
	// negative value keeps entries until the bridge is reset.
	LedgerRetention time.Duration `yaml:"ledger_retention"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
}

// RetryConfig bounds how often an incomplete record is re-examined.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// APIConfig defines HTTP control API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "smsbridge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Bridge: BridgeConfig{
			NativeLibDir:   "./lib",
			Executable:     "libmautrix.so",
			CacheDir:       "./data/cache/mautrix",
			ConfigPath:     "./data/config.yaml",
			RequestTimeout: 30 * time.Second,
			StopGrace:      5 * time.Second,
		},
		Phone: PhoneConfig{
			DefaultRegion: "US",
		},
		State: StateConfig{
			Path:            "./data/state.db",
			LedgerRetention: 30 * 24 * time.Hour,
			PruneInterval:   time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts:  10,
			BackoffBase:  5 * time.Second,
			PollInterval: 1 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
