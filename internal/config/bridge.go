package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BridgeProcessConfig is the subset of the bridge process's own config file
// that the host needs: the resources a reset deletes.
type BridgeProcessConfig struct {
	AppService struct {
		Database string `yaml:"database"`
	} `yaml:"appservice"`
	Logging struct {
		Directory string `yaml:"directory"`
	} `yaml:"logging"`
}

// LoadBridgeConfig parses the bridge process config at path. Unknown keys are
// ignored; the file belongs to the bridge.
func LoadBridgeConfig(path string) (*BridgeProcessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bridge config: %w", err)
	}
	var cfg BridgeProcessConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bridge config %s: %w", path, err)
	}
	return &cfg, nil
}

// DatabasePath returns the database file referenced by appservice.database,
// with any sqlite URI scheme and query stripped, resolved against baseDir.
// It returns "" when no file-backed database is configured.
func (c *BridgeProcessConfig) DatabasePath(baseDir string) string {
	db := strings.TrimSpace(c.AppService.Database)
	for _, prefix := range []string{"sqlite3://", "sqlite://", "file:"} {
		db = strings.TrimPrefix(db, prefix)
	}
	if i := strings.IndexByte(db, '?'); i >= 0 {
		db = db[:i]
	}
	if db == "" || db == ":memory:" || strings.Contains(db, "://") {
		return ""
	}
	return resolve(baseDir, db)
}

// LogDirectory returns logging.directory resolved against baseDir, or "".
func (c *BridgeProcessConfig) LogDirectory(baseDir string) string {
	dir := strings.TrimSpace(c.Logging.Directory)
	if dir == "" {
		return ""
	}
	return resolve(baseDir, dir)
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(baseDir, path)
}
