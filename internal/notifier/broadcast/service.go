package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"slashbot/internal/eventbus"
	"slashbot/internal/metrics"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option {
	return func(d *Dispatcher) { d.bus = b }
}

// WithClock overrides time.Now for batch timestamps and history pruning.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func New(cfg Config, sender kit.Sender, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		sender:     sender,
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,
		historyMax: 200,
		historyTTL: 24 * time.Hour,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply swaps pool size, pacing and timeout. Batches already running keep
// the settings they started with.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	prev := d.cfg
	d.cfg = cfg
	if prev.RatePerSec != cfg.RatePerSec {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	d.mu.Unlock()
	d.log.Info("dispatcher config applied", logx.Int("workers", cfg.Workers), logx.Int("rps", cfg.RatePerSec), logx.Duration("send_timeout", cfg.SendTimeout))
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// SendOne delivers text to a single chat. Failures of any kind, panics
// included, come back as an unsuccessful result.
func (d *Dispatcher) SendOne(ctx context.Context, chatID int64, text string) DeliveryResult {
	cfg, lim := d.snapshot()
	return d.sendOne(ctx, cfg, lim, chatID, text)
}

func (d *Dispatcher) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, chatID int64, text string) (res DeliveryResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	res.ChatID = chatID
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in send", logx.Int64("chat_id", chatID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = DeliveryResult{ChatID: chatID, Error: fmt.Sprintf("panic: %v", r)}
		}
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
		switch {
		case res.Succeeded:
			metrics.Deliveries.WithLabelValues("ok").Inc()
		case res.Permanent:
			metrics.Deliveries.WithLabelValues("permanent").Inc()
		default:
			metrics.Deliveries.WithLabelValues("failed").Inc()
		}
	}()

	if d.sender == nil {
		res.Error = "no sender configured"
		return res
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			res.Error = err.Error()
			return res
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	_, err := d.sender.SendText(callCtx, kit.ChatTarget{ChatID: chatID}, text, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("send timed out after %s: %w", cfg.SendTimeout, err)
		}
		res.Error = err.Error()
		res.Permanent = kit.IsPermanent(err)
		d.log.Warn("send failed", logx.Int64("chat_id", chatID), logx.Bool("permanent", res.Permanent), logx.Err(err))
		return res
	}
	res.Succeeded = true
	return res
}

// SendMany delivers text to every distinct id exactly once. The batch never
// aborts; per-chat failures are collected in the summary.
func (d *Dispatcher) SendMany(ctx context.Context, chatIDs []int64, text string) BatchSummary {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, lim := d.snapshot()
	ids := dedupe(chatIDs)
	start := time.Now()
	sum := BatchSummary{ID: d.newID(), Attempted: len(ids), StartedAt: d.now()}

	results := make([]DeliveryResult, len(ids))
	workers := cfg.Workers
	if workers > len(ids) {
		workers = len(ids)
	}
	d.log.Debug("batch started", logx.String("batch", sum.ID), logx.Int("total", len(ids)), logx.Int("workers", workers))

	if workers > 0 {
		idx := make(chan int)
		done := make(chan struct{})
		for w := 0; w < workers; w++ {
			go func() {
				defer func() { done <- struct{}{} }()
				for i := range idx {
					results[i] = d.sendOne(ctx, cfg, lim, ids[i], text)
				}
			}()
		}
		for i := range ids {
			idx <- i
		}
		close(idx)
		for w := 0; w < workers; w++ {
			<-done
		}
	}

	for _, r := range results {
		if r.Succeeded {
			sum.Succeeded++
			continue
		}
		sum.Failed++
		sum.Failures = append(sum.Failures, r)
	}
	sum.Took = time.Since(start)
	metrics.Batches.Inc()
	d.remember(sum)

	fields := []logx.Field{
		logx.String("batch", sum.ID),
		logx.Int("attempted", sum.Attempted),
		logx.Int("failed", sum.Failed),
		logx.Duration("dur", sum.Took),
	}
	if sum.Failed > 0 {
		d.log.Warn("batch finished with failures", fields...)
	} else {
		d.log.Info("batch finished", fields...)
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchDone, Time: d.now(), Data: sum})
	}
	return sum
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
