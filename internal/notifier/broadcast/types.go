package broadcast

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slashbot/internal/eventbus"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

type Config struct {
	Workers     int
	RatePerSec  int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// DeliveryResult is the outcome of one send to one chat.
type DeliveryResult struct {
	ChatID    int64  `json:"chat_id"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
	// Permanent marks failures the transport will not recover from.
	Permanent bool `json:"permanent,omitempty"`
}

// BatchSummary aggregates a SendMany call.
type BatchSummary struct {
	ID        string           `json:"id"`
	Attempted int              `json:"attempted"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Failures  []DeliveryResult `json:"failures,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Took      time.Duration    `json:"took"`
}

// Dispatcher sends text to one or many chats through a paced worker pool.
//
// It owns no long-lived goroutines; SendMany spawns its workers per batch.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender kit.Sender
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	newID  func() string

	historyMu  sync.RWMutex
	history    []BatchSummary
	historyMax int
	historyTTL time.Duration
}
