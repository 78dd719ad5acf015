package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"caster/internal/audience"
	"caster/internal/broadcast"
	"caster/pkg/logx"
)

type Config struct {
	Enabled bool

	// PollInterval is how often the due query runs.
	PollInterval time.Duration
	// SweepInterval schedules the stale-claim recovery sweep.
	SweepInterval time.Duration
	// ClaimTimeout is how old a DISPATCHING claim must be before the sweep
	// assumes the claiming worker died.
	ClaimTimeout time.Duration

	Workers    int
	BatchLimit int
	RatePerSec int
	RetryMax   int
	// DeliverTimeout bounds one delivery call (one attempt).
	DeliverTimeout time.Duration
	// PageSize is the ALL-target population page size.
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	return c
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	DueBroadcasts(ctx context.Context, now time.Time, limit int) ([]*broadcast.Broadcast, error)
	ClaimBroadcast(ctx context.Context, id, owner string, now time.Time) error
	ReleaseClaim(ctx context.Context, id, owner string) error
	MarkBroadcastSent(ctx context.Context, id, owner string, delivered, failed int, warnings []string, at time.Time) error
	RecoverStaleClaims(ctx context.Context, cutoff time.Time) ([]string, error)
	RecordDelivery(ctx context.Context, broadcastID, recipientID string, ok bool, at time.Time) error
	Deliveries(ctx context.Context, broadcastID string) (map[string]bool, error)
}

// Deliverer is the delivery collaborator (inbox / ticket-grant API). It is
// assumed idempotent per (broadcast, recipient); the ledger adds a second
// layer of de-duplication on our side.
type Deliverer interface {
	Deliver(ctx context.Context, b *broadcast.Broadcast, recipientID string) error
}

// Alerter receives operational notices (stale claims recovered, failure
// spikes). Implementations must not block.
type Alerter interface {
	Notify(msg string)
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store     Store
	resolver  *audience.Resolver
	users     audience.UserDirectory
	deliverer Deliverer
	alerter   Alerter
	log       logx.Logger

	// owner identifies this worker instance in claims.
	owner string

	limiter *rate.Limiter
	queue   chan *broadcast.Broadcast
	cron    *cron.Cron

	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// workers fully exit.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}
