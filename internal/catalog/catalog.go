// Package catalog is the schedule store: the persisted user jobs, the
// settings singleton, and the system jobs synthesized from both.
//
// Every mutation is serialized by one mutex, persisted before it becomes
// visible, and announced to subscribers after the lock is released.
package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"slashbot/internal/metrics"
	"slashbot/internal/schedule"
	"slashbot/internal/storage"
	logx "slashbot/pkg/logx"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrReadOnly = errors.New("job is read-only")
)

// Change describes a committed mutation.
type Change struct {
	Op string // create, update, delete, fired, settings
	ID string
}

type Option func(*Catalog)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDFunc overrides user job id generation.
func WithIDFunc(fn func() string) Option {
	return func(c *Catalog) {
		if fn != nil {
			c.newID = fn
		}
	}
}

type Catalog struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	now   func() time.Time
	newID func() string

	mu       sync.RWMutex
	jobs     []schedule.Job
	settings schedule.Settings

	// in-memory system one-offs; Load leaves them alone
	transient []schedule.Job

	hooksMu sync.RWMutex
	hooks   []func(Change)
}

func New(cfg Config, store storage.Store, log logx.Logger, opts ...Option) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Catalog{
		cfg:      cfg.withDefaults(),
		store:    store,
		log:      log,
		now:      time.Now,
		newID:    func() string { return "msg_" + uuid.NewString() },
		settings: schedule.DefaultSettings(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscribe registers fn to run after every committed mutation.
func (c *Catalog) Subscribe(fn func(Change)) {
	if fn == nil {
		return
	}
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.hooksMu.Unlock()
}

func (c *Catalog) notify(ch Change) {
	c.hooksMu.RLock()
	hooks := make([]func(Change), len(c.hooks))
	copy(hooks, c.hooks)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ch)
	}
}

// Load replaces the in-memory jobs and settings with what is persisted. It is
// called at start and on every resync.
func (c *Catalog) Load(ctx context.Context) error {
	recs, err := c.store.LoadJobs(ctx)
	if err != nil {
		return err
	}
	srec, found, err := c.store.LoadSettings(ctx)
	if err != nil {
		return err
	}

	jobs := make([]schedule.Job, 0, len(recs))
	for _, rec := range recs {
		j, err := c.fromRecord(rec)
		if err != nil {
			c.log.Warn("skipping invalid job record", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		jobs = append(jobs, j)
	}
	settings := c.settingsFromRecord(srec, found)

	c.mu.Lock()
	c.jobs = jobs
	c.settings = settings
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Settings() schedule.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copySettings(c.settings)
}

// UserJobs returns the persisted user jobs in creation order.
func (c *Catalog) UserJobs() []schedule.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]schedule.Job(nil), c.jobs...)
}

// Jobs returns every armable job: user jobs followed by system jobs.
func (c *Catalog) Jobs() []schedule.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := append([]schedule.Job(nil), c.jobs...)
	return append(out, c.systemJobsLocked()...)
}

// Get finds a user job or an armable system job by id.
func (c *Catalog) Get(id string) (schedule.Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.jobs[i], true
	}
	for _, j := range c.systemJobsLocked() {
		if j.ID == id {
			return j, true
		}
	}
	return schedule.Job{}, false
}

func (c *Catalog) indexLocked(id string) int {
	for i, j := range c.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

// persistJobsLocked writes next and swaps it in only on success.
func (c *Catalog) persistJobsLocked(ctx context.Context, next []schedule.Job) error {
	recs := make([]storage.JobRecord, 0, len(next))
	for _, j := range next {
		recs = append(recs, c.toRecord(j))
	}
	if err := c.store.SaveJobs(ctx, recs); err != nil {
		metrics.PersistErrors.WithLabelValues("jobs").Inc()
		return err
	}
	c.jobs = next
	return nil
}

func copySettings(s schedule.Settings) schedule.Settings {
	if s.PrimaryChatID != nil {
		id := *s.PrimaryChatID
		s.PrimaryChatID = &id
	}
	return s
}
