// Package alert pushes operational notices (stale-claim recoveries, delivery
// failure spikes) to an ops Telegram chat. It is fire-and-forget: Notify
// never blocks, messages are dropped when the queue is full, and the whole
// feature is off unless configured.
package alert

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"caster/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
	QueueSize  int
}

type Service struct {
	log     logx.Logger
	bot     *tele.Bot
	chat    tele.Recipient
	limiter *rate.Limiter
	queue   chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the notifier. It returns (nil, nil) when disabled, so callers
// can wire it with a plain nil check.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert token is required when enabled")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert chat_id is required when enabled")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	return &Service{
		log:     log,
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		queue:   make(chan string, size),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendLoop(runCtx)
	}()
}

func (s *Service) Stop() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// Notify implements dispatch.Alerter. Never blocks.
func (s *Service) Notify(msg string) {
	if s == nil {
		return
	}
	select {
	case s.queue <- msg:
	default:
		// drop
	}
}

func (s *Service) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := s.bot.Send(s.chat, "[casterd] "+msg); err != nil {
				s.log.Warn("ops alert send failed", logx.Err(err))
			}
		}
	}
}
