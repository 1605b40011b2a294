package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"tweetq/internal/eventbus"
	rtsup "tweetq/internal/runtime/supervisor"
	logx "tweetq/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Stats are cumulative delivery counters.
type Stats struct {
	Notified  uint64
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

// lane is one subscriber's ordered backlog. Each lane has a single worker, so a
// subscriber sees events in the order they were notified.
type lane struct {
	id   uint64
	sub  Subscriber
	jobs chan Event // nil while stopped
}

// Service fans lifecycle events out to subscribers. Delivery is asynchronous,
// rate limited across all subscribers and retried with backoff (failsafe-go retry policy).
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	retry   retrypolicy.RetryPolicy[any]
	lanes   []*lane
	nextID  uint64
	sup     *rtsup.Supervisor // non-nil while running

	notified  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{log: log, bus: bus}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. QueueSize takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.retry = retryPolicy(cfg)
	s.mu.Unlock()
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

// Subscribe registers sub and returns a function that removes it. A subscriber added
// while running starts receiving immediately.
func (s *Service) Subscribe(sub Subscriber) (unsubscribe func()) {
	if sub == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	l := &lane{id: s.nextID, sub: sub}
	s.lanes = append(s.lanes, l)
	if s.sup != nil {
		s.openLocked(l)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { s.remove(l.id) }) }
}

func (s *Service) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.lanes {
		if l.id != id {
			continue
		}
		if l.jobs != nil {
			close(l.jobs)
			l.jobs = nil
		}
		s.lanes = append(s.lanes[:i:i], s.lanes[i+1:]...)
		return
	}
}

func (s *Service) Subscribers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.lanes))
	for _, l := range s.lanes {
		out = append(out, l.sub.Name())
	}
	return out
}

// Start launches one worker per subscriber. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best effort: a broken sink never stops the daemon
		rtsup.WithCancelOnError(false),
	)
	for _, l := range s.lanes {
		s.openLocked(l)
	}
	s.log.Debug("notifier started", logx.Int("subscribers", len(s.lanes)))
}

func (s *Service) openLocked(l *lane) {
	jobs := make(chan Event, s.cfg.QueueSize)
	l.jobs = jobs
	s.sup.GoRestart("notify."+l.sub.Name(), func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-jobs:
				if !ok {
					return nil
				}
				s.deliver(ctx, l.sub, e)
			}
		}
	})
}

// Stop closes intake and lets workers drain their backlog until ctx ends; whatever
// is left then is abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	for _, l := range s.lanes {
		if l.jobs != nil {
			close(l.jobs)
			l.jobs = nil
		}
	}
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("notifier stop deadline reached; pending deliveries abandoned")
	}
}

// Notify records e and queues it for every subscriber. It never blocks: a full
// backlog drops the event for that subscriber and reports ErrQueueFull.
func (s *Service) Notify(e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.notified.Add(1)
	s.record(e)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "lifecycle." + string(e.Kind), Time: e.At, Data: e})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.sup == nil {
		return ErrStopped
	}
	var err error
	for _, l := range s.lanes {
		select {
		case l.jobs <- e:
		default:
			err = ErrQueueFull
			s.dropped.Add(1)
			s.publishDelivery("notifier.dropped", l.sub.Name(), e, ErrQueueFull)
			s.log.Warn("notifier backlog full; event dropped",
				logx.String("subscriber", l.sub.Name()),
				logx.String("kind", string(e.Kind)),
			)
		}
	}
	return err
}

// Snapshot returns the recent event history, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) Stats() Stats {
	return Stats{
		Notified:  s.notified.Load(),
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *Service) record(e Event) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: e.At, Event: e})
	if over := len(s.history) - limit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) deliver(ctx context.Context, sub Subscriber, e Event) {
	s.mu.Lock()
	cfg, lim, retry := s.cfg, s.limiter, s.retry
	s.mu.Unlock()

	name := sub.Name()
	var last error
	attempt := 0
	err := failsafe.With[any](retry).WithContext(ctx).Run(func() error {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
		defer cancel()
		last = safeDeliver(callCtx, sub, e)
		if last != nil {
			s.log.Debug("notify delivery failed",
				logx.String("subscriber", name),
				logx.String("kind", string(e.Kind)),
				logx.Int("attempt", attempt),
				logx.Err(last),
			)
		}
		return last
	})
	switch {
	case err == nil:
		s.delivered.Add(1)
	case ctx.Err() != nil:
		// stopped mid-retry; the event is abandoned, not failed
	default:
		s.failed.Add(1)
		s.log.Warn("notify delivery gave up", logx.String("subscriber", name), logx.String("kind", string(e.Kind)), logx.Int("attempts", attempt), logx.Err(last))
		s.publishDelivery("notifier.failed", name, e, last)
	}
}

func safeDeliver(ctx context.Context, sub Subscriber, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber %s panicked: %v", sub.Name(), r)
		}
	}()
	return sub.Deliver(ctx, e)
}

func (s *Service) publishDelivery(typ, sub string, e Event, err error) {
	if s.bus == nil {
		return
	}
	de := DeliveryEvent{Subscriber: sub, Kind: e.Kind, TweetID: e.TweetID, At: time.Now()}
	if err != nil {
		de.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: de.At, Data: de})
}

// retryPolicy doubles RetryBase per retry up to RetryMaxDelay, with 30% jitter.
func retryPolicy(cfg Config) retrypolicy.RetryPolicy[any] {
	b := retrypolicy.NewBuilder[any]().
		WithMaxRetries(cfg.RetryMax).
		WithJitterFactor(0.3)
	if cfg.RetryMaxDelay > cfg.RetryBase {
		b = b.WithBackoff(cfg.RetryBase, cfg.RetryMaxDelay)
	} else {
		b = b.WithDelay(cfg.RetryBase)
	}
	return b.Build()
}
