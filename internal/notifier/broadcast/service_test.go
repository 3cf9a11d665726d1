package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"slashbot/internal/eventbus"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	calls  map[int64]int
	fail   map[int64]error
	panics map[int64]bool
	slow   map[int64]time.Duration
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: map[int64]int{}, fail: map[int64]error{}, panics: map[int64]bool{}, slow: map[int64]time.Duration{}}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.calls[to.ChatID]++
	err := f.fail[to.ChatID]
	p := f.panics[to.ChatID]
	d := f.slow[to.ChatID]
	f.mu.Unlock()
	if p {
		panic("adapter exploded")
	}
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func fastConfig() Config {
	return Config{Workers: 4, RatePerSec: 10000, SendTimeout: time.Second}
}

func TestSendManyCountsEveryChatOnce(t *testing.T) {
	t.Parallel()
	s := newFakeSender()
	ids := make([]int64, 0, 40)
	for i := int64(1); i <= 20; i++ {
		ids = append(ids, i, i) // duplicates
	}
	s.fail[3] = errors.New("chat not found")
	s.fail[7] = &kit.SendError{ChatID: 7, Permanent: true, Err: errors.New("forbidden")}
	s.panics[11] = true

	d := New(fastConfig(), s, logx.Nop())
	sum := d.SendMany(context.Background(), ids, "hello")

	if sum.Attempted != 20 || sum.Succeeded != 17 || sum.Failed != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Succeeded+sum.Failed != sum.Attempted {
		t.Fatalf("counts do not add up: %+v", sum)
	}
	for i := int64(1); i <= 20; i++ {
		if n := s.calls[i]; n != 1 {
			t.Fatalf("chat %d sent %d times", i, n)
		}
	}
	failed := map[int64]DeliveryResult{}
	for _, f := range sum.Failures {
		failed[f.ChatID] = f
	}
	if !failed[7].Permanent || failed[3].Permanent || failed[11].Error == "" {
		t.Fatalf("failures = %+v", sum.Failures)
	}
}

func TestSendOneRecoversPanic(t *testing.T) {
	t.Parallel()
	s := newFakeSender()
	s.panics[5] = true
	d := New(fastConfig(), s, logx.Nop())

	res := d.SendOne(context.Background(), 5, "x")
	if res.Succeeded || res.Error == "" || res.ChatID != 5 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSendOneTimeout(t *testing.T) {
	t.Parallel()
	s := newFakeSender()
	s.slow[1] = 5 * time.Second
	d := New(Config{Workers: 1, RatePerSec: 100, SendTimeout: 20 * time.Millisecond}, s, logx.Nop())

	start := time.Now()
	res := d.SendOne(context.Background(), 1, "x")
	if res.Succeeded {
		t.Fatalf("slow send reported success")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestSlowChatDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	s := newFakeSender()
	s.slow[1] = 300 * time.Millisecond
	d := New(Config{Workers: 2, RatePerSec: 10000, SendTimeout: time.Second}, s, logx.Nop())

	start := time.Now()
	sum := d.SendMany(context.Background(), []int64{1, 2, 3, 4, 5, 6}, "x")
	if sum.Succeeded != 6 {
		t.Fatalf("summary = %+v", sum)
	}
	// The slow chat occupies one worker; the other worker drains the rest.
	if took := time.Since(start); took > 900*time.Millisecond {
		t.Fatalf("batch took %v", took)
	}
}

func TestSendManyEmpty(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), newFakeSender(), logx.Nop())
	sum := d.SendMany(context.Background(), nil, "x")
	if sum.Attempted != 0 || sum.Failed != 0 || sum.ID == "" {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestBatchPublishedAndRemembered(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeBatchDone)
	defer unsub()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	d := New(fastConfig(), newFakeSender(), logx.Nop(), WithBus(bus), WithClock(clock))

	first := d.SendMany(context.Background(), []int64{1, 2}, "x")
	select {
	case ev := <-events:
		if got, ok := ev.Data.(BatchSummary); !ok || got.ID != first.ID {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no batch event")
	}

	mu.Lock()
	now = now.Add(25 * time.Hour)
	mu.Unlock()
	second := d.SendMany(context.Background(), []int64{3}, "x")

	recent := d.Recent()
	if len(recent) != 1 || recent[0].ID != second.ID {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), newFakeSender(), logx.Nop())
	for i := 0; i < 210; i++ {
		d.remember(BatchSummary{ID: "b", StartedAt: time.Now()})
	}
	if n := len(d.Recent()); n != 200 {
		t.Fatalf("history len = %d, want 200", n)
	}
}

func TestApplySwapsConfig(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), newFakeSender(), logx.Nop())
	d.Apply(Config{Workers: 9})
	cfg, lim := d.snapshot()
	if cfg.Workers != 9 || cfg.RatePerSec != 10 || cfg.SendTimeout != 10*time.Second || lim == nil {
		t.Fatalf("cfg = %+v", cfg)
	}
}
