// Package notify delivers best-effort messages about completed runs.
// Delivery failure never affects execution outcomes.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tubewatch/internal/eventbus"
	"tubewatch/internal/executor"
	"tubewatch/internal/provider"
	"tubewatch/pkg/logx"
)

// Message is one outbound notification.
type Message struct {
	TaskID     string
	Query      string
	Items      []provider.Item
	TotalCount int64
}

// Sender delivers a message to the external channel.
type Sender interface {
	Send(ctx context.Context, m *Message) error
}

type Options struct {
	Workers   int
	QueueSize int
	// RatePerSec throttles outbound sends across all workers.
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Service consumes run.completed events and fans them out to the sender.
type Service struct {
	bus    eventbus.Bus
	sender Sender
	opts   Options
	log    logx.Logger

	limiter *rate.Limiter
	queue   chan *Message
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	unsub   func()
}

func New(bus eventbus.Bus, sender Sender, opts Options, log logx.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 30 * time.Second
	}
	return &Service{
		bus:     bus,
		sender:  sender,
		opts:    opts,
		log:     log.With(logx.String("component", "notify")),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		queue:   make(chan *Message, opts.QueueSize),
	}
}

func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events, unsub := s.bus.Subscribe(s.opts.QueueSize, executor.EventRunCompleted)
	s.unsub = unsub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				s.handleEvent(ev)
			}
		}
	}()

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.log.Info("notifier started",
		logx.Int("workers", s.opts.Workers),
		logx.Any("rate_per_sec", s.opts.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.unsub != nil {
		s.unsub()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEvent turns a run.completed payload into a queued message. The
// subscription is topic-scoped, so only the payload shape needs checking.
func (s *Service) handleEvent(ev eventbus.Event) {
	rc, ok := ev.Data.(*executor.RunCompleted)
	if !ok || len(rc.NewItems) == 0 {
		return
	}
	msg := &Message{
		TaskID:     rc.TaskID,
		Query:      rc.Query,
		Items:      rc.NewItems,
		TotalCount: rc.TotalCount,
	}
	select {
	case s.queue <- msg:
	default:
		s.log.Warn("notification queue full, dropping message",
			logx.String("task", msg.TaskID))
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			s.deliver(ctx, m)
		}
	}
}

// deliver sends with bounded retries. All failures end in a log line; there
// is nobody upstream to report to.
func (s *Service) deliver(ctx context.Context, m *Message) {
	delay := s.opts.RetryBase
	for attempt := 1; attempt <= s.opts.RetryMax; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		err := s.sender.Send(ctx, m)
		if err == nil {
			s.log.Debug("notification delivered",
				logx.String("task", m.TaskID), logx.Int("items", len(m.Items)))
			return
		}
		if attempt == s.opts.RetryMax {
			s.log.Error("notification dropped after retries",
				logx.String("task", m.TaskID), logx.Int("attempts", attempt), logx.Err(err))
			return
		}
		s.log.Warn("notification send failed, retrying",
			logx.String("task", m.TaskID), logx.Int("attempt", attempt), logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.opts.RetryMaxDelay {
			delay = s.opts.RetryMaxDelay
		}
	}
}
