// Package chats keeps the set of known destinations. Chats are added on first
// inbound activity and never removed.
package chats

import (
	"context"
	"sort"
	"strings"
	"sync"

	"slashbot/internal/metrics"
	"slashbot/internal/storage"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

type Chat struct {
	ID          int64
	Kind        kit.ChatKind
	DisplayName string
}

type Registry struct {
	store storage.Store
	log   logx.Logger

	mu    sync.RWMutex
	chats map[int64]Chat
}

func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log, chats: map[int64]Chat{}}
}

// Load replaces the in-memory set with what is on disk.
func (r *Registry) Load(ctx context.Context) error {
	recs, err := r.store.LoadChats(ctx)
	if err != nil {
		return err
	}
	m := make(map[int64]Chat, len(recs))
	for _, rec := range recs {
		m[rec.ID] = fromRecord(rec)
	}
	r.mu.Lock()
	r.chats = m
	r.mu.Unlock()
	metrics.RegisteredChats.Set(float64(len(m)))
	return nil
}

// Reload merges chats registered by another process. Local entries win on
// metadata; nothing is ever dropped.
func (r *Registry) Reload(ctx context.Context) (added int, err error) {
	recs, err := r.store.LoadChats(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if _, ok := r.chats[rec.ID]; ok {
			continue
		}
		r.chats[rec.ID] = fromRecord(rec)
		added++
	}
	metrics.RegisteredChats.Set(float64(len(r.chats)))
	return added, nil
}

// Register inserts c if absent or refreshes its metadata. It writes to the
// store only when something changed and reports whether c was new. On a
// failed write the in-memory set is left as it was.
func (r *Registry) Register(ctx context.Context, c Chat) (bool, error) {
	if c.ID == 0 {
		return false, nil
	}
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	if c.Kind == "" {
		c.Kind = kit.ChatUnknown
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.chats[c.ID]
	next := c
	if exists {
		next = merge(prev, c)
		if next == prev {
			return false, nil
		}
	}

	// The other process may have added chats since our last load; keep them.
	recs, err := r.store.LoadChats(ctx)
	if err != nil {
		r.log.Warn("chat store reload before register failed", logx.Int64("chat_id", c.ID), logx.Err(err))
	}
	for _, rec := range recs {
		if _, ok := r.chats[rec.ID]; !ok && rec.ID != c.ID {
			r.chats[rec.ID] = fromRecord(rec)
		}
	}

	r.chats[c.ID] = next
	if err := r.store.SaveChats(ctx, r.recordsLocked()); err != nil {
		if exists {
			r.chats[c.ID] = prev
		} else {
			delete(r.chats, c.ID)
		}
		metrics.PersistErrors.WithLabelValues("chats").Inc()
		return false, err
	}
	metrics.RegisteredChats.Set(float64(len(r.chats)))
	if exists {
		r.log.Debug("chat metadata refreshed", logx.Int64("chat_id", c.ID))
	} else {
		r.log.Info("chat registered", logx.Int64("chat_id", c.ID), logx.String("kind", string(next.Kind)))
	}
	return !exists, nil
}

// merge keeps known metadata unless the update carries something better.
func merge(prev, upd Chat) Chat {
	out := prev
	if upd.DisplayName != "" {
		out.DisplayName = upd.DisplayName
	}
	if upd.Kind != kit.ChatUnknown {
		out.Kind = upd.Kind
	}
	return out
}

func (r *Registry) recordsLocked() []storage.ChatRecord {
	out := make([]storage.ChatRecord, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, storage.ChatRecord{ID: c.ID, Kind: string(c.Kind), Title: c.DisplayName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns a sorted snapshot of chat ids for fan-out.
func (r *Registry) All() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.chats))
	for id := range r.chats {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) List() []Chat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Chat, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Get(id int64) (Chat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats)
}

func fromRecord(rec storage.ChatRecord) Chat {
	kind := kit.ChatKind(rec.Kind)
	switch kind {
	case kit.ChatPrivate, kit.ChatGroup, kit.ChatSupergroup:
	default:
		kind = kit.ChatUnknown
	}
	return Chat{ID: rec.ID, Kind: kind, DisplayName: rec.Title}
}
