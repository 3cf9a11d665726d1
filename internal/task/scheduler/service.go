package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"slashbot/internal/eventbus"
	"slashbot/internal/metrics"
	"slashbot/internal/schedule"
	logx "slashbot/pkg/logx"
)

type entry struct {
	job schedule.Job
	// fp is the fingerprint of the job as the catalog knows it. A retry
	// entry keeps the original so reconcile leaves it alone.
	fp      uint64
	ver     uint64
	entryID cron.EntryID
	timer   *time.Timer
	retried bool
	// last is the recurring occurrence that already fired.
	last time.Time
}

type Option func(*Service)

// WithClock overrides time.Now for due checks. Wake-ups still run on real
// timers.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithTerminator sets where fired one-offs are retired.
func WithTerminator(t Terminator) Option {
	return func(s *Service) { s.term = t }
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	owns   map[schedule.Origin]bool
	log    logx.Logger
	bus    eventbus.Bus
	disp   Dispatcher
	chats  ChatSource
	term   Terminator
	now    func() time.Time
	cronLg cron.Logger

	c         *cron.Cron
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc

	seq        uint64
	armed      map[string]*entry
	tombstones map[string]time.Time

	inflight sync.WaitGroup
}

func New(cfg Config, disp Dispatcher, chats ChatSource, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:        cfg,
		owns:       map[schedule.Origin]bool{},
		log:        log,
		disp:       disp,
		chats:      chats,
		now:        time.Now,
		cronLg:     cronLogger{log: log},
		armed:      map[string]*entry{},
		tombstones: map[string]time.Time{},
	}
	for _, o := range cfg.Origins {
		s.owns[o] = true
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Owns reports whether jobs of origin o belong to this scheduler.
func (s *Service) Owns(o schedule.Origin) bool { return s.owns[o] }

// Start begins waking armed jobs. Jobs armed before Start are scheduled now.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(s.cronLg),
		cron.WithChain(cron.Recover(s.cronLg)),
	)
	s.running = true
	for _, e := range s.armed {
		s.scheduleLocked(e)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("name", s.cfg.Name), logx.Int("armed", len(s.armed)))
}

// Stop disarms everything and waits for in-flight fires until ctx is done,
// then cancels them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, e := range s.armed {
		s.cancelLocked(e)
		delete(s.armed, id)
	}
	s.updateGaugeLocked()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out; cancelling in-flight fires", logx.String("name", s.cfg.Name))
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.String("name", s.cfg.Name), logx.Duration("took", time.Since(start)))
}

// Snapshot lists armed jobs ordered by next wake-up.
func (s *Service) Snapshot() Snapshot {
	now := s.now()
	s.mu.Lock()
	out := Snapshot{Name: s.cfg.Name, Running: s.running, Jobs: make([]ArmedInfo, 0, len(s.armed))}
	for id, e := range s.armed {
		next, _ := schedule.NextFire(e.job.Trigger, now)
		if e.job.Trigger.Kind == schedule.KindOneOff {
			next = e.job.Trigger.FireAt
		}
		out.Jobs = append(out.Jobs, ArmedInfo{
			ID:        id,
			Name:      e.job.Name,
			Origin:    e.job.Origin,
			Kind:      e.job.Trigger.Kind,
			ChatID:    e.job.ChatID,
			Broadcast: e.job.Broadcast,
			Next:      next,
			Retry:     e.retried,
		})
	}
	s.mu.Unlock()

	sort.Slice(out.Jobs, func(i, j int) bool {
		a, b := out.Jobs[i], out.Jobs[j]
		if !a.Next.Equal(b.Next) {
			return a.Next.Before(b.Next)
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Service) updateGaugeLocked() {
	counts := map[schedule.Origin]int{}
	for _, e := range s.armed {
		counts[e.job.Origin]++
	}
	for o := range s.owns {
		metrics.ArmedJobs.WithLabelValues(string(o)).Set(float64(counts[o]))
	}
}
