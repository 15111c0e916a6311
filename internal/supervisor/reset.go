package supervisor

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/mattjoyce/smsbridge/internal/config"
	"github.com/mattjoyce/smsbridge/internal/events"
)

// ResetReport lists what a reset removed and what it failed to remove.
type ResetReport struct {
	Removed []string          `json:"removed"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Reset stops the process and deletes the bridge database, its log
// directory and the cache directory. Deletions are best-effort: failures are
// logged and reported but never abort the reset.
func (s *Supervisor) Reset(ctx context.Context) (*ResetReport, error) {
	stopErr := s.Stop()

	report := &ResetReport{Failed: map[string]string{}}
	remove := func(path string, all bool) {
		if path == "" {
			return
		}
		var err error
		if all {
			_, statErr := os.Stat(path)
			err = os.RemoveAll(path)
			if err == nil && errors.Is(statErr, fs.ErrNotExist) {
				return
			}
		} else {
			err = os.Remove(path)
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
		}
		if err != nil {
			s.logger.Warn("reset: failed to delete", "path", path, "error", err)
			report.Failed[path] = err.Error()
			return
		}
		s.logger.Info("reset: deleted", "path", path)
		report.Removed = append(report.Removed, path)
	}

	configPath, err := s.resolveConfig(ctx)
	switch {
	case err != nil:
		s.logger.Warn("reset: bridge config unavailable, skipping database and logs", "error", err)
	default:
		bcfg, err := config.LoadBridgeConfig(configPath)
		if err != nil {
			s.logger.Warn("reset: cannot read bridge config", "config", configPath, "error", err)
			break
		}
		if db := bcfg.DatabasePath(s.opts.NativeLibDir); db != "" {
			for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
				remove(db+suffix, false)
			}
		}
		remove(bcfg.LogDirectory(s.opts.NativeLibDir), true)
	}
	remove(s.opts.CacheDir, true)

	s.opts.Events.Publish(events.BridgeReset, report)
	return report, stopErr
}
