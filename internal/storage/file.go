package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "slashbot/pkg/logx"
)

// File names are shared with earlier deployments of the bot so existing data
// directories keep working.
const (
	chatsFile    = "bot_users.json"
	settingsFile = "bot_settings.json"
	jobsFile     = "scheduled_messages.json"
	auditFile    = "audit.jsonl"
)

// fileStore keeps one JSON document per kind inside dir.
//
// Saves write a temp file in the same directory, fsync it and rename it over
// the target.
type fileStore struct {
	dir string
	log logx.Logger

	mu sync.Mutex
	// known holds the content hash last read or written per kind, so Watch
	// can ignore our own writes.
	known map[Kind]uint64

	auditMu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "open", Kind: "dir", Err: err}
	}
	return &fileStore{dir: dir, log: log, known: map[Kind]uint64{}}, nil
}

func (s *fileStore) path(k Kind) string {
	switch k {
	case KindChats:
		return filepath.Join(s.dir, chatsFile)
	case KindSettings:
		return filepath.Join(s.dir, settingsFile)
	case KindJobs:
		return filepath.Join(s.dir, jobsFile)
	default:
		return filepath.Join(s.dir, auditFile)
	}
}

func (s *fileStore) Close() error { return nil }

// read returns (nil, nil) for an absent or empty file.
func (s *fileStore) read(k Kind) ([]byte, error) {
	b, err := os.ReadFile(s.path(k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Kind: k, Op: "load", Err: err}
	}
	s.mu.Lock()
	s.known[k] = contentHash(b)
	s.mu.Unlock()
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	return b, nil
}

func (s *fileStore) write(k Kind, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &Error{Kind: k, Op: "save", Err: err}
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path(k), b); err != nil {
		return &Error{Kind: k, Op: "save", Err: err}
	}
	s.known[k] = contentHash(b)
	return nil
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	// Persist the rename itself. Not every platform allows syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func contentHash(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// chatsDocument is the on-disk chats layout. chat_ids is kept for older
// readers; user_ids is only read.
type chatsDocument struct {
	ChatIDs []int64      `json:"chat_ids"`
	UserIDs []int64      `json:"user_ids,omitempty"`
	Chats   []ChatRecord `json:"chats,omitempty"`
}

func (s *fileStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	_ = ctx
	b, err := s.read(KindChats)
	if err != nil || b == nil {
		return nil, err
	}
	var doc chatsDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		s.log.Warn("chats file malformed; starting empty", logx.String("path", s.path(KindChats)), logx.Err(err))
		return nil, nil
	}

	seen := map[int64]bool{}
	out := make([]ChatRecord, 0, len(doc.Chats)+len(doc.ChatIDs))
	for _, c := range doc.Chats {
		if c.ID == 0 || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	ids := doc.ChatIDs
	if len(ids) == 0 {
		ids = doc.UserIDs
	}
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, ChatRecord{ID: id})
	}
	return out, nil
}

func (s *fileStore) SaveChats(ctx context.Context, chats []ChatRecord) error {
	_ = ctx
	doc := chatsDocument{ChatIDs: make([]int64, 0, len(chats)), Chats: append([]ChatRecord(nil), chats...)}
	sort.Slice(doc.Chats, func(i, j int) bool { return doc.Chats[i].ID < doc.Chats[j].ID })
	for _, c := range doc.Chats {
		doc.ChatIDs = append(doc.ChatIDs, c.ID)
	}
	return s.write(KindChats, doc)
}

func (s *fileStore) LoadSettings(ctx context.Context) (SettingsRecord, bool, error) {
	_ = ctx
	b, err := s.read(KindSettings)
	if err != nil || b == nil {
		return SettingsRecord{}, false, err
	}
	var rec SettingsRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		s.log.Warn("settings file malformed; using defaults", logx.String("path", s.path(KindSettings)), logx.Err(err))
		return SettingsRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *fileStore) SaveSettings(ctx context.Context, rec SettingsRecord) error {
	_ = ctx
	return s.write(KindSettings, rec)
}

func (s *fileStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	b, err := s.read(KindJobs)
	if err != nil || b == nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		s.log.Warn("jobs file malformed; starting empty", logx.String("path", s.path(KindJobs)), logx.Err(err))
		return nil, nil
	}
	return decodeJobRecords(raw, s.log), nil
}

// decodeJobRecords skips records that fail to decode or carry no id.
func decodeJobRecords(raw []json.RawMessage, log logx.Logger) []JobRecord {
	out := make([]JobRecord, 0, len(raw))
	for i, r := range raw {
		var rec JobRecord
		if err := json.Unmarshal(r, &rec); err != nil {
			log.Warn("skipping malformed job record", logx.Int("index", i), logx.Err(err))
			continue
		}
		if strings.TrimSpace(rec.ID) == "" {
			log.Warn("skipping job record without id", logx.Int("index", i))
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *fileStore) SaveJobs(ctx context.Context, jobs []JobRecord) error {
	_ = ctx
	if jobs == nil {
		jobs = []JobRecord{}
	}
	return s.write(KindJobs, jobs)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	b, err := json.Marshal(e)
	if err != nil {
		return &Error{Kind: KindAudit, Op: "append", Err: err}
	}
	b = append(b, '\n')

	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	f, err := os.OpenFile(s.path(KindAudit), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return &Error{Kind: KindAudit, Op: "append", Err: err}
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return &Error{Kind: KindAudit, Op: "append", Err: err}
	}
	if err := f.Close(); err != nil {
		return &Error{Kind: KindAudit, Op: "append", Err: err}
	}
	return nil
}
