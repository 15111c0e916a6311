package bridge

import (
	"context"
	"time"
)

// pruneLoop trims the reported-message ledger every PruneInterval.
func (s *Service) pruneLoop(ctx context.Context) error {
	if s.cfg.LedgerRetention <= 0 || s.cfg.PruneInterval <= 0 {
		return nil
	}
	s.logger.Info("ledger pruning enabled", "retention", s.cfg.LedgerRetention, "interval", s.cfg.PruneInterval)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pruneLedger(ctx)
		}
	}
}

// pruneLedger forgets records reported longer than LedgerRetention ago.
func (s *Service) pruneLedger(ctx context.Context) int {
	n, err := s.ledger.Prune(ctx, time.Now().Add(-s.cfg.LedgerRetention))
	if err != nil {
		s.logger.Warn("failed to prune reported-message ledger", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("pruned reported-message ledger", "removed", n)
	}
	return n
}
