// Package poll refreshes cache resources from the backend on fixed
// intervals, on refocus and whenever the cache invalidates them.
package poll

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/metrics"
	"github.com/matheus3301/inboxd/internal/store"
)

// Fetch loads a resource. The returned commit writes the result to the
// cache; it is skipped when the resource stopped being tracked meanwhile.
type Fetch func(ctx context.Context) (commit func() error, err error)

// Failure is the payload of poll.failed events.
type Failure struct {
	Key   string
	Error string
}

type job struct {
	key      string
	interval time.Duration
	fetch    Fetch
	trigger  chan struct{}
	refs     int
	cancel   context.CancelFunc
}

// Scheduler runs one polling loop per resource key.
type Scheduler struct {
	bus      *bus.Bus
	logger   *zap.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	oneShots map[string]func(id string) Fetch

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[string]*job
	wg      sync.WaitGroup
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBus subscribes to invalidations and publishes poll.failed on b.
func WithBus(b *bus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records poll durations and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRefocusGap sets the minimum time between two honoured refocus calls.
func WithRefocusGap(d time.Duration) Option {
	return func(s *Scheduler) { s.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// NewScheduler creates an idle scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   zap.NewNop(),
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 1),
		oneShots: make(map[string]func(string) Fetch),
		jobs:     make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a resource polled every interval. Adding a key that is
// already scheduled only takes another reference on it.
func (s *Scheduler) Add(key string, interval time.Duration, fetch Fetch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[key]; ok {
		j.refs++
		return
	}
	j := &job{key: key, interval: interval, fetch: fetch, trigger: make(chan struct{}, 1), refs: 1}
	s.jobs[key] = j
	if s.started {
		s.startLocked(j)
	}
}

// Remove drops one reference on key and stops polling it at zero. An
// in-flight fetch for it is discarded.
func (s *Scheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return
	}
	if j.refs > 1 {
		j.refs--
		return
	}
	delete(s.jobs, key)
	if j.cancel != nil {
		j.cancel()
	}
}

// Tracked reports whether key is scheduled.
func (s *Scheduler) Tracked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Keys returns the scheduled keys.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	return keys
}

// OnDemand registers a fetch factory for keys "<prefix><id>" that are not
// polled but loaded once each time they are invalidated.
func (s *Scheduler) OnDemand(prefix string, factory func(id string) Fetch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneShots[prefix] = factory
}

// Start launches every registered loop and begins listening for
// invalidations.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, j := range s.jobs {
		s.startLocked(j)
	}
	s.mu.Unlock()

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(bus.KindCacheStale, 256)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer unsub()
			for {
				select {
				case <-s.ctx.Done():
					return
				case evt := <-ch:
					if key, ok := evt.Payload.(string); ok {
						s.Refetch(key)
					}
				}
			}
		}()
	}
}

// Stop cancels every loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Refocus asks every resource to refresh now. Calls closer together than the
// refocus gap are dropped. Reports whether the refocus was honoured.
func (s *Scheduler) Refocus() bool {
	if !s.limiter.Allow() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		poke(j)
	}
	return true
}

// Refetch asks the resource behind key to refresh now. Keys handled by an
// on-demand factory are loaded once.
func (s *Scheduler) Refetch(key string) {
	s.mu.Lock()
	if j, ok := s.jobs[key]; ok {
		poke(j)
		s.mu.Unlock()
		return
	}
	var fetch Fetch
	for prefix, factory := range s.oneShots {
		if id, ok := strings.CutPrefix(key, prefix); ok && id != "" {
			fetch = factory(id)
			break
		}
	}
	ctx, started := s.ctx, s.started
	if fetch != nil && started {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if fetch == nil || !started {
		return
	}
	go func() {
		defer s.wg.Done()
		s.execute(ctx, key, fetch, func() bool { return ctx.Err() == nil })
	}()
}

func poke(j *job) {
	select {
	case j.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) startLocked(j *job) {
	ctx, cancel := context.WithCancel(s.ctx)
	j.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx, j)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	live := func() bool {
		if ctx.Err() != nil {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.jobs[j.key] == j
	}

	s.execute(ctx, j.key, j.fetch, live)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-j.trigger:
		}
		s.execute(ctx, j.key, j.fetch, live)
	}
}

func (s *Scheduler) execute(ctx context.Context, key string, fetch Fetch, live func() bool) {
	start := time.Now()
	commit, err := fetch(ctx)
	if err == nil && commit != nil {
		if !live() {
			s.logger.Debug("discarding poll result", zap.String("key", key))
			return
		}
		err = commit()
	}
	if ctx.Err() != nil {
		return
	}
	s.metrics.Poll(Resource(key), time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Warn("poll failed", zap.String("key", key), zap.Error(err))
		s.bus.Emit(bus.KindPollFailed, Failure{Key: key, Error: err.Error()})
	}
}

// Resource maps a key to its metric label, folding per-conversation keys.
func Resource(key string) string {
	if _, ok := store.ParseMessagesKey(key); ok {
		return "messages"
	}
	if _, ok := store.ParseConversationKey(key); ok {
		return "conversation"
	}
	return key
}
