package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"caster/pkg/logx"
)

// sweepOnce recovers broadcasts stuck in DISPATCHING behind a dead worker's
// claim. A hit implies a prior crash, hence the warning level.
func (s *Service) sweepOnce(ctx context.Context) {
	s.mu.Lock()
	timeout := s.cfg.ClaimTimeout
	s.mu.Unlock()

	ids, err := s.store.RecoverStaleClaims(ctx, time.Now().Add(-timeout))
	if err != nil {
		s.log.Error("recovery sweep failed", logx.Err(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	s.log.Warn("recovered stale claims",
		logx.Int("count", len(ids)),
		logx.Strings("ids", ids),
		logx.Duration("claim_timeout", timeout))
	s.notify(fmt.Sprintf("recovered %d stale broadcast claim(s): %s",
		len(ids), strings.Join(ids, ", ")))
}
