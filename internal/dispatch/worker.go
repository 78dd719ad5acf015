package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caster/internal/broadcast"
	"caster/pkg/logx"
)

func (s *Service) pollLoop(ctx context.Context, stopCh <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce claims due broadcasts and hands them to the worker pool. Claims
// happen here (not in the workers) so a lost race is detected before the
// broadcast occupies a pool slot.
func (s *Service) pollOnce(ctx context.Context) {
	s.mu.Lock()
	limit := s.cfg.BatchLimit
	s.mu.Unlock()

	now := time.Now()
	due, err := s.store.DueBroadcasts(ctx, now, limit)
	if err != nil {
		s.log.Error("due query failed", logx.Err(err))
		return
	}
	for _, b := range due {
		if err := s.store.ClaimBroadcast(ctx, b.ID, s.owner, now); err != nil {
			if errors.Is(err, broadcast.ErrClaimConflict) {
				// Another worker instance won; expected, just skip.
				continue
			}
			s.log.Error("claim failed", logx.String("id", b.ID), logx.Err(err))
			continue
		}
		b.State = broadcast.StateDispatching
		b.ClaimOwner = s.owner

		select {
		case s.queue <- b:
		default:
			// Pool saturated: release so another cycle (or instance) can
			// pick it up instead of holding an idle claim.
			if err := s.store.ReleaseClaim(ctx, b.ID, s.owner); err != nil {
				s.log.Error("release after full queue failed", logx.String("id", b.ID), logx.Err(err))
			}
			s.log.Warn("dispatch queue full; released claim", logx.String("id", b.ID))
			return
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan *broadcast.Broadcast, idx int) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case b := <-queue:
			s.dispatchOne(ctx, b)
		}
	}
}

func (s *Service) dispatchOne(ctx context.Context, b *broadcast.Broadcast) {
	start := time.Now()
	log := s.log.With(logx.String("id", b.ID), logx.String("kind", string(b.Kind)))

	res, err := s.resolver.Resolve(ctx, b.Target)
	if err != nil {
		// Infrastructure failure, not a vanished target: give the claim back
		// and let a later cycle retry.
		log.Error("audience resolution failed", logx.Err(err))
		s.release(ctx, b.ID)
		return
	}

	// Ledger from a previous (crashed) attempt. Succeeded recipients are
	// counted but never re-delivered; failed ones get another chance.
	prior, err := s.store.Deliveries(ctx, b.ID)
	if err != nil {
		log.Error("delivery ledger read failed", logx.Err(err))
		s.release(ctx, b.ID)
		return
	}

	var delivered, failed int
	deliverTo := func(rid string) {
		if ok, seen := prior[rid]; seen && ok {
			delivered++
			return
		}
		if err := s.sendOne(ctx, b, rid); err != nil {
			failed++
			if err := s.store.RecordDelivery(ctx, b.ID, rid, false, time.Now()); err != nil {
				log.Error("ledger write failed", logx.String("recipient", rid), logx.Err(err))
			}
			return
		}
		delivered++
		if err := s.store.RecordDelivery(ctx, b.ID, rid, true, time.Now()); err != nil {
			log.Error("ledger write failed", logx.String("recipient", rid), logx.Err(err))
		}
	}

	if res.All {
		// Stream the population; never materialize it.
		s.mu.Lock()
		pageSize := s.cfg.PageSize
		s.mu.Unlock()
		cursor := ""
		for {
			ids, next, err := s.users.ActiveUsers(ctx, cursor, pageSize)
			if err != nil {
				log.Error("population page failed", logx.String("cursor", cursor), logx.Err(err))
				s.release(ctx, b.ID)
				return
			}
			for _, rid := range ids {
				deliverTo(rid)
			}
			if next == "" {
				break
			}
			cursor = next
		}
	} else {
		for _, rid := range res.Recipients {
			deliverTo(rid)
		}
	}

	if ctx.Err() != nil {
		// Shutdown mid-fanout: the ledger has the partial result, give the
		// claim back so the next start resumes instead of waiting for the
		// stale-claim timeout.
		s.release(context.WithoutCancel(ctx), b.ID)
		return
	}

	if err := s.store.MarkBroadcastSent(ctx, b.ID, s.owner, delivered, failed, res.Warnings, time.Now()); err != nil {
		// Losing the claim between fan-out and markSent means the sweep
		// decided we were dead. The ledger keeps the overlap harmless, but
		// this is still a contract violation worth shouting about.
		log.Error("mark sent failed", logx.Err(err))
		s.notify(fmt.Sprintf("broadcast %s: markSent rejected: %v", b.ID, err))
		return
	}

	fields := []logx.Field{
		logx.Int("delivered", delivered),
		logx.Int("failed", failed),
		logx.Int("warnings", len(res.Warnings)),
		logx.Duration("dur", time.Since(start)),
	}
	if failed > 0 {
		log.Warn("broadcast sent with failures", fields...)
		s.notify(fmt.Sprintf("broadcast %s sent with %d failed deliveries", b.ID, failed))
	} else {
		log.Info("broadcast sent", fields...)
	}
}

// sendOne performs one rate-limited delivery with bounded per-attempt
// timeouts and small backoff between retries.
func (s *Service) sendOne(ctx context.Context, b *broadcast.Broadcast, recipientID string) error {
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	timeout := s.cfg.DeliverTimeout
	s.mu.Unlock()

	var last error
	for i := 0; i <= retry; i++ {
		// Every attempt takes a limiter token, retries included, so a
		// flapping endpoint is never hit above the configured rate.
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.deliverer.Deliver(attemptCtx, b, recipientID)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		if i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		s.log.Debug("delivery retry scheduled",
			logx.String("id", b.ID),
			logx.String("recipient", recipientID),
			logx.Int("attempt", i+2),
			logx.Duration("delay", delay),
			logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	if last != nil {
		s.log.Warn("delivery failed",
			logx.String("id", b.ID),
			logx.String("recipient", recipientID),
			logx.Err(last))
	}
	return last
}

func (s *Service) release(ctx context.Context, id string) {
	if err := s.store.ReleaseClaim(ctx, id, s.owner); err != nil {
		s.log.Error("claim release failed", logx.String("id", id), logx.Err(err))
	}
}
