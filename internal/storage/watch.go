package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "slashbot/pkg/logx"
)

const watchDebounce = 200 * time.Millisecond

// Watch calls onChange when a record file is rewritten by someone else.
// Writes made through this store are recognized by content hash and ignored.
// It blocks until ctx is done.
func (s *fileStore) Watch(ctx context.Context, onChange func(Kind)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(s.dir); err != nil {
		return err
	}

	byName := map[string]Kind{
		chatsFile:    KindChats,
		settingsFile: KindSettings,
		jobsFile:     KindJobs,
	}

	var (
		mu     sync.Mutex
		timers = map[Kind]*time.Timer{}
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()
	kick := func(k Kind) {
		mu.Lock()
		defer mu.Unlock()
		if t := timers[k]; t != nil {
			t.Stop()
		}
		timers[k] = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil || !s.changedOnDisk(k) {
				return
			}
			s.log.Debug("store changed on disk", logx.String("kind", string(k)))
			onChange(k)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("store watcher closed")
			}
			if k, ok := byName[filepath.Base(ev.Name)]; ok {
				kick(k)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("store watcher closed")
			}
			s.log.Warn("store watch error", logx.Err(err))
		}
	}
}

// changedOnDisk reports whether the file content differs from what this
// store last read or wrote.
func (s *fileStore) changedOnDisk(k Kind) bool {
	b, err := os.ReadFile(s.path(k))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	h := uint64(0)
	if err == nil {
		h = contentHash(b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.known[k]; ok && prev == h {
		return false
	}
	s.known[k] = h
	return true
}
