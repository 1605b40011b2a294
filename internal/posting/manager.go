package posting

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tweetq/internal/eventbus"
	"tweetq/internal/storage"
	logx "tweetq/pkg/logx"
)

// StoreKey is where the posting config lives in storage.Store.
const StoreKey = "config/posting"

// Manager is the only writer of the posting config.
type Manager struct {
	mu  sync.RWMutex
	cfg Config

	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	rng   func() float64

	lmu       sync.Mutex
	listeners []func(Config)
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRand injects the uniform [0,1) source used for jitter.
func WithRand(rng func() float64) Option { return func(m *Manager) { m.rng = rng } }

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	if m.rng == nil {
		m.rng = lockedRand(time.Now().UnixNano())
	}
	return m
}

func lockedRand(seed int64) func() float64 {
	var mu sync.Mutex
	r := rand.New(rand.NewSource(seed))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return r.Float64()
	}
}

// Load restores the persisted config, or seeds storage with seed when nothing is stored yet.
// An enabled config without a next post time gets one computed.
func (m *Manager) Load(ctx context.Context, seed Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok, err := m.store.Get(ctx, StoreKey)
	if err != nil {
		return fmt.Errorf("load posting config: %w", err)
	}
	cfg := seed
	if ok {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("decode posting config: %w", err)
		}
	}
	norm, err := Normalize(cfg)
	if err != nil {
		return err
	}

	dirty := !ok
	switch {
	case norm.Enabled && norm.NextPostTime == nil:
		t := ComputeNextPostTime(norm, m.now(), m.rng)
		norm.NextPostTime = &t
		dirty = true
	case !norm.Enabled && norm.NextPostTime != nil:
		norm.NextPostTime = nil
		dirty = true
	}
	if dirty {
		if err := m.persistLocked(ctx, norm); err != nil {
			return err
		}
	}
	m.cfg = norm
	m.log.Info("posting config loaded",
		logx.Bool("enabled", norm.Enabled),
		logx.String("cadence", string(norm.Cadence)),
		logx.Int("interval_h", norm.Interval),
		logx.Int("random_window_m", norm.RandomWindow),
		logx.Bool("stored", ok),
	)
	return nil
}

// Update validates and persists candidate. Its NextPostTime is ignored: it is recomputed
// from the clock when enabled and cleared otherwise. Nothing is persisted on error.
func (m *Manager) Update(ctx context.Context, candidate Config) (Config, error) {
	norm, err := Normalize(candidate)
	if err != nil {
		return Config{}, err
	}
	norm.NextPostTime = nil
	if norm.Enabled {
		t := ComputeNextPostTime(norm, m.now(), m.rng)
		norm.NextPostTime = &t
	}

	m.mu.Lock()
	if err := m.persistLocked(ctx, norm); err != nil {
		m.mu.Unlock()
		return Config{}, err
	}
	m.cfg = norm
	m.mu.Unlock()

	m.log.Info("posting config updated",
		logx.Bool("enabled", norm.Enabled),
		logx.String("cadence", string(norm.Cadence)),
		logx.Int("interval_h", norm.Interval),
		logx.Int("random_window_m", norm.RandomWindow),
	)
	m.changed(norm)
	return norm.clone(), nil
}

// Reschedule recomputes the next post time after a completed dispatch.
// It returns false when posting is disabled.
func (m *Manager) Reschedule(ctx context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	cfg := m.cfg.clone()
	if !cfg.Enabled {
		m.mu.Unlock()
		return time.Time{}, false, nil
	}
	t := ComputeNextPostTime(cfg, m.now(), m.rng)
	cfg.NextPostTime = &t
	if err := m.persistLocked(ctx, cfg); err != nil {
		m.mu.Unlock()
		return time.Time{}, false, err
	}
	m.cfg = cfg
	m.mu.Unlock()

	m.log.Debug("next post time advanced", logx.Time("next", t))
	m.changed(cfg)
	return t, true, nil
}

// Current returns a snapshot of the config.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.clone()
}

// NextPostTime reports the cached next eligible time; false when posting is disabled.
func (m *Manager) NextPostTime() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.cfg.Enabled || m.cfg.NextPostTime == nil {
		return time.Time{}, false
	}
	return *m.cfg.NextPostTime, true
}

// OnChange registers fn to run after every successful update or reschedule.
func (m *Manager) OnChange(fn func(Config)) {
	if fn == nil {
		return
	}
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

func (m *Manager) changed(cfg Config) {
	m.lmu.Lock()
	ls := append([]func(Config){}, m.listeners...)
	m.lmu.Unlock()
	for _, fn := range ls {
		fn(cfg.clone())
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: "config.posting", Data: cfg.clone()})
	}
}

func (m *Manager) persistLocked(ctx context.Context, cfg Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, StoreKey, b); err != nil {
		return fmt.Errorf("persist posting config: %w", err)
	}
	return nil
}
