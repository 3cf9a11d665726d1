package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"slashbot/internal/eventbus"
	"slashbot/internal/metrics"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

// Config controls transport retries.
type Config struct {
	// RetryMax is the number of extra attempts after the first one.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// DefaultConfig is used when the notifier section is absent.
func DefaultConfig() Config {
	return Config{RetryMax: 2}.withDefaults()
}

// DeliveryFailure is the payload of a delivery.failed event.
type DeliveryFailure struct {
	ChatID   int64     `json:"chat_id"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

type RetryOption func(*Retrying)

// WithBus publishes delivery.failed events on b.
func WithBus(b eventbus.Bus) RetryOption {
	return func(r *Retrying) { r.bus = b }
}

// WithSleep replaces the backoff wait. Tests use it to skip real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrying) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// Retrying is a kit.Sender that retries transient failures of next.
//
// It is safe for concurrent use.
type Retrying struct {
	next  kit.Sender
	log   logx.Logger
	bus   eventbus.Bus
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.RWMutex
	cfg Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewRetrying(next kit.Sender, cfg Config, log logx.Logger, opts ...RetryOption) *Retrying {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Retrying{
		next:  next,
		log:   log,
		cfg:   cfg.withDefaults(),
		sleep: sleepCtx,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Apply swaps the retry policy; in-flight sends keep their snapshot.
func (r *Retrying) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Retrying) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Retrying) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if r.next == nil {
		return kit.MessageRef{}, errors.New("notifier: no sender")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := r.config()
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		ref, err := r.next.SendText(ctx, to, text, opt)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if kit.IsPermanent(err) || ctx.Err() != nil || attempt >= maxAttempts {
			break
		}

		delay := r.retryDelay(cfg, attempt)
		if ra := kit.RetryAfter(err); ra > delay {
			delay = ra
		}
		r.log.Debug("send failed; retrying", logx.Int64("chat_id", to.ChatID), logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts), logx.Duration("delay", delay), logx.Err(err))
		metrics.SendRetries.Inc()
		if err := r.sleep(ctx, delay); err != nil {
			break
		}
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}

	if r.bus != nil {
		now := time.Now()
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Time: now, Data: DeliveryFailure{
			ChatID: to.ChatID, Attempts: attempt, Error: lastErr.Error(), At: now,
		}})
	}
	return kit.MessageRef{}, lastErr
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func (r *Retrying) retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	r.rngMu.Lock()
	j := 0.7 + r.rng.Float64()*0.6
	r.rngMu.Unlock()
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
