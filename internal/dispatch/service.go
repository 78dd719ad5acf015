package dispatch

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"caster/internal/audience"
	"caster/internal/broadcast"
	"caster/pkg/logx"
)

func New(cfg Config, store Store, resolver *audience.Resolver, users audience.UserDirectory, deliverer Deliverer, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "caster"
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		users:     users,
		deliverer: deliverer,
		log:       log,
		owner:     fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:     make(chan *broadcast.Broadcast, 256),
	}
}

// SetAlerter wires the optional ops notifier. Must be called before Start.
func (s *Service) SetAlerter(a Alerter) {
	s.mu.Lock()
	s.alerter = a
	s.mu.Unlock()
}

// Owner returns this instance's claim identity.
func (s *Service) Owner() string { return s.owner }

// Apply updates the runtime tunables (rate, retry, timeouts). Pool size and
// poll cadence are start-only; a changed PollInterval takes effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.RatePerSec = cfg.RatePerSec
	s.cfg.RetryMax = cfg.RetryMax
	s.cfg.DeliverTimeout = cfg.DeliverTimeout
	s.cfg.ClaimTimeout = cfg.ClaimTimeout
	s.cfg.BatchLimit = cfg.BatchLimit
	s.cfg.PageSize = cfg.PageSize
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	s.log.Debug("start requested",
		logx.Bool("enabled", cur.Enabled),
		logx.Int("workers", cur.Workers),
		logx.Duration("poll", cur.PollInterval))
	if !cur.Enabled {
		s.log.Info("dispatcher disabled by config")
		return
	}

	// If a Stop() is in progress, wait for it to complete (prevents double
	// worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	stopCh := s.stopCh
	runCtx := s.runCtx
	queue := s.queue

	s.workerWG.Add(cur.Workers)
	for i := 0; i < cur.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.pollLoop(runCtx, stopCh, cur.PollInterval)
	}()

	c := cron.New()
	if _, err := c.AddFunc("@every "+cur.SweepInterval.String(), func() { s.sweepOnce(runCtx) }); err != nil {
		s.log.Error("failed scheduling recovery sweep", logx.Err(err))
	} else {
		c.Start()
		s.cron = c
	}
	s.mu.Unlock()

	// Recovery sweep once at startup: a prior instance may have died with
	// claims held. The cron cadence covers later stalls.
	s.sweepOnce(runCtx)

	s.log.Info("dispatcher started",
		logx.Int("workers", cur.Workers),
		logx.Duration("poll", cur.PollInterval),
		logx.Duration("sweep", cur.SweepInterval),
		logx.String("owner", s.owner))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.drainQueue(context.Background())
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// drainQueue gives back claims for broadcasts that were queued but never
// picked up by a worker, so a restart resumes them right away instead of
// waiting out the stale-claim timeout.
func (s *Service) drainQueue(ctx context.Context) {
	for {
		select {
		case b := <-s.queue:
			s.release(ctx, b.ID)
			s.log.Info("released queued claim on stop", logx.String("id", b.ID))
		default:
			return
		}
	}
}

func (s *Service) notify(msg string) {
	s.mu.Lock()
	a := s.alerter
	s.mu.Unlock()
	if a != nil {
		a.Notify(msg)
	}
}
