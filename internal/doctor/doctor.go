// Package doctor validates smsbridge configuration and the bridge install.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/mattjoyce/smsbridge/internal/config"
	"github.com/mattjoyce/smsbridge/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the filesystem.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateBridgeInstall(r)
	d.validateBridgeConfig(r)
	d.validateStatePath(r)
	d.validatePhone(r)
	d.validateAPIConfig(r)
	d.warnPrecondition(r)
	d.warnMissingEnvVars(r)
	d.warnSuspiciousRetry(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateBridgeInstall checks the native library directory and executable.
func (d *Doctor) validateBridgeInstall(r *Result) {
	b := d.cfg.Bridge
	info, err := os.Stat(b.NativeLibDir)
	if err != nil || !info.IsDir() {
		d.addError(r, "bridge", "bridge.native_lib_dir",
			fmt.Sprintf("native library directory %q does not exist", b.NativeLibDir))
		return
	}

	exe := filepath.Join(b.NativeLibDir, b.Executable)
	info, err = os.Stat(exe)
	switch {
	case err != nil:
		d.addError(r, "bridge", "bridge.executable", fmt.Sprintf("bridge executable %q not found", exe))
	case info.Mode()&0o111 == 0:
		d.addError(r, "bridge", "bridge.executable", fmt.Sprintf("bridge executable %q is not executable", exe))
	}

	if b.CacheDir != "" {
		if info, err := os.Stat(b.CacheDir); err == nil && !info.IsDir() {
			d.addError(r, "bridge", "bridge.cache_dir", fmt.Sprintf("cache dir %q is not a directory", b.CacheDir))
		}
	}
}

// validateBridgeConfig checks that the child's config exists and that the
// resources a reset deletes can be resolved.
func (d *Doctor) validateBridgeConfig(r *Result) {
	path := d.cfg.Bridge.ConfigPath
	if _, err := os.Stat(path); err != nil {
		// Not fatal: the bridge is provisioned later, Start refuses until then.
		d.addWarning(r, "bridge_config", "bridge.config_path",
			fmt.Sprintf("bridge config %q not found; the bridge cannot start until it exists", path))
		return
	}
	bc, err := config.LoadBridgeConfig(path)
	if err != nil {
		d.addError(r, "bridge_config", "bridge.config_path", err.Error())
		return
	}
	if db := bc.DatabasePath(d.cfg.Bridge.NativeLibDir); db == "" {
		d.addWarning(r, "bridge_config", "appservice.database",
			"bridge config has no file-backed database; reset will not remove one")
	} else if err := storage.CheckLocalDisk("bridge database", db); err != nil {
		d.addError(r, "bridge_config", "appservice.database", err.Error())
	}
	if bc.LogDirectory(d.cfg.Bridge.NativeLibDir) == "" {
		d.addWarning(r, "bridge_config", "logging.directory", "bridge config has no log directory")
	}
}

// validateStatePath checks that the host's state database can be locked.
func (d *Doctor) validateStatePath(r *Result) {
	if err := storage.CheckLocalDisk("state database", d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

func (d *Doctor) validatePhone(r *Result) {
	region := strings.ToUpper(d.cfg.Phone.DefaultRegion)
	if phonenumbers.GetCountryCodeForRegion(region) == 0 {
		d.addError(r, "phone", "phone.default_region", fmt.Sprintf("unknown region %q", d.cfg.Phone.DefaultRegion))
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.APIKey == "" {
		d.addError(r, "api", "api.api_key", "API enabled but no api_key configured")
	} else if len(d.cfg.API.APIKey) < 16 {
		d.addWarning(r, "api", "api.api_key", "api_key is shorter than 16 characters")
	}
}

func (d *Doctor) warnPrecondition(r *Result) {
	if !d.cfg.Bridge.DefaultSMSApp {
		d.addWarning(r, "bridge", "bridge.default_sms_app",
			"default_sms_app is false; start will refuse to run the bridge")
	}
}

// warnMissingEnvVars warns about ${VAR} references left unresolved.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	fields := map[string]string{
		"bridge.native_lib_dir": d.cfg.Bridge.NativeLibDir,
		"bridge.cache_dir":      d.cfg.Bridge.CacheDir,
		"bridge.config_path":    d.cfg.Bridge.ConfigPath,
		"state.path":            d.cfg.State.Path,
		"api.api_key":           d.cfg.API.APIKey,
	}
	for field, value := range fields {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

// warnSuspiciousRetry flags retry settings that hammer the store or give up
// almost immediately.
func (d *Doctor) warnSuspiciousRetry(r *Result) {
	rc := d.cfg.Retry
	if rc.PollInterval > 0 && rc.PollInterval < 100*time.Millisecond {
		d.addWarning(r, "retry", "retry.poll_interval",
			fmt.Sprintf("poll interval %s is very short (< 100ms)", rc.PollInterval))
	}
	if rc.MaxAttempts < 3 {
		d.addWarning(r, "retry", "retry.max_attempts",
			fmt.Sprintf("max_attempts %d leaves little room for MMS downloads to finish", rc.MaxAttempts))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
