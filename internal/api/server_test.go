package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"slashbot/internal/catalog"
	"slashbot/internal/chats"
	"slashbot/internal/notifier/broadcast"
	"slashbot/internal/schedule"
	"slashbot/internal/storage"
	"slashbot/internal/task/scheduler"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[int64][]string
	fail map[int64]error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	if f.sent == nil {
		f.sent = map[int64][]string{}
	}
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeSender) count(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[id])
}

type fakeInfo struct {
	infos map[int64]kit.ChatInfo
}

func (f fakeInfo) ChatInfo(_ context.Context, id int64) (kit.ChatInfo, error) {
	if in, ok := f.infos[id]; ok {
		return in, nil
	}
	return kit.ChatInfo{}, errors.New("chat not found")
}

type recAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *recAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

// failingJobs wraps a real store and rejects job writes.
type failingJobs struct {
	storage.Store
}

func (failingJobs) SaveJobs(context.Context, []storage.JobRecord) error {
	return &storage.Error{Kind: storage.KindJobs, Op: "save", Err: errors.New("disk full")}
}

type staticSnapshot scheduler.Snapshot

func (s staticSnapshot) Snapshot() scheduler.Snapshot { return scheduler.Snapshot(s) }

type env struct {
	srv    *httptest.Server
	sender *fakeSender
	reg    *chats.Registry
	cat    *catalog.Catalog
	audit  *recAudit
}

type envOpt func(*Config, *Deps, *storage.Store)

func newEnv(t *testing.T, opts ...envOpt) env {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{}
	deps := Deps{}
	for _, o := range opts {
		o(&cfg, &deps, &st)
	}

	ctx := context.Background()
	reg := chats.New(st, logx.Nop())
	cat := catalog.New(catalog.Config{DefaultTimezone: "UTC"}, st, logx.Nop())
	if err := cat.Load(ctx); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	sender := &fakeSender{fail: map[int64]error{}}
	audit := &recAudit{}

	deps.Catalog = cat
	deps.Chats = reg
	deps.Dispatcher = broadcast.New(broadcast.Config{RatePerSec: 1000}, sender, logx.Nop())
	deps.Audit = audit

	srv := httptest.NewServer(NewHandler(cfg, deps, logx.Nop()))
	t.Cleanup(srv.Close)
	return env{srv: srv, sender: sender, reg: reg, cat: cat, audit: audit}
}

func (e env) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("content-type", "application/json")
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func future() string {
	return time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	resp, err := e.srv.Client().Get(e.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestScheduledCRUD(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/api/scheduled",
		`{"chat_id":"42","message":"hi","send_time":"`+future()+`"}`)
	if code != http.StatusCreated || body["success"] != true {
		t.Fatalf("create = %d %v", code, body)
	}
	id, _ := body["message_id"].(string)
	if !strings.HasPrefix(id, "msg_") {
		t.Fatalf("unexpected id %q", id)
	}

	code, body = e.do(t, http.MethodGet, "/api/scheduled?chat_id=42", "")
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) == 0 || msgs[0].(map[string]any)["id"] != id {
		t.Fatalf("list = %v", body)
	}

	code, body = e.do(t, http.MethodPut, "/api/scheduled/"+id, `{"message":"updated"}`)
	if code != http.StatusOK {
		t.Fatalf("update = %d %v", code, body)
	}
	if j, _ := e.cat.Get(id); j.Message != "updated" {
		t.Fatalf("message not updated: %+v", j)
	}

	if code, _ = e.do(t, http.MethodDelete, "/api/scheduled/"+id, ""); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ = e.do(t, http.MethodDelete, "/api/scheduled/"+id, ""); code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", code)
	}

	e.audit.mu.Lock()
	n := len(e.audit.entries)
	e.audit.mu.Unlock()
	if n != 4 {
		t.Fatalf("audit entries = %d, want 4", n)
	}
}

func TestCreateRecurringViaAlias(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/api/schedule",
		`{"chat_id":7,"message":"standup","is_recurring":true,"recurring_pattern":{"days":[1,3],"time":"09:30","timezone":"Europe/Berlin"}}`)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, body)
	}
	job, _ := body["job"].(map[string]any)
	pat, _ := job["recurring_pattern"].(map[string]any)
	if pat["time"] != "09:30" || pat["timezone"] != "Europe/Berlin" {
		t.Fatalf("pattern = %v", pat)
	}
}

func TestCreateRecurringDefaults(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/api/scheduled", `{"chat_id":7,"message":"standup","is_recurring":true}`)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, body)
	}
	job, _ := body["job"].(map[string]any)
	pat, _ := job["recurring_pattern"].(map[string]any)
	if pat["time"] != "10:00" {
		t.Fatalf("pattern = %v, want time 10:00", pat)
	}
	days, _ := pat["days"].([]any)
	if len(days) != 5 {
		t.Fatalf("days = %v, want Mon-Fri", pat["days"])
	}
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		field  string
	}{
		{"bad timezone", http.MethodPost, "/api/scheduled", `{"chat_id":1,"message":"x","send_time":"` + future() + `","timezone":"Mars/Base"}`, 400, "timezone"},
		{"bad chat id", http.MethodPost, "/api/scheduled", `{"chat_id":"abc","message":"x"}`, 400, "chat_id"},
		{"missing chat", http.MethodPost, "/api/scheduled", `{"message":"x","send_time":"` + future() + `"}`, 400, "chat_id"},
		{"past send time", http.MethodPost, "/api/scheduled", `{"chat_id":1,"message":"x","send_time":"2001-01-01T00:00:00Z"}`, 400, "send_time"},
		{"bad policy", http.MethodPost, "/api/scheduled", `{"chat_id":1,"message":"x","send_time":"` + future() + `","on_failure":"forever"}`, 400, "on_failure"},
		{"empty body", http.MethodPost, "/api/scheduled", ``, 400, "body"},
		{"unknown id", http.MethodPut, "/api/scheduled/msg_nope", `{"message":"x"}`, 404, ""},
		{"template is read-only", http.MethodPut, "/api/scheduled/sys_morning_5", `{"time":"11:00"}`, 409, ""},
		{"template delete", http.MethodDelete, "/api/scheduled/sys_friday", ``, 409, ""},
		{"bad filter", http.MethodGet, "/api/scheduled?chat_id=x", ``, 400, "chat_id"},
	}
	e := newEnv(t)
	for _, tc := range cases {
		code, body := e.do(t, tc.method, tc.path, tc.body)
		if code != tc.status {
			t.Fatalf("%s: status = %d want %d (%v)", tc.name, code, tc.status, body)
		}
		if body["success"] != false {
			t.Fatalf("%s: success = %v", tc.name, body["success"])
		}
		if tc.field != "" && body["field"] != tc.field {
			t.Fatalf("%s: field = %v want %q", tc.name, body["field"], tc.field)
		}
	}
}

func TestPersistenceFailureIs500(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(_ *Config, _ *Deps, st *storage.Store) { *st = failingJobs{*st} })
	code, body := e.do(t, http.MethodPost, "/api/scheduled",
		`{"chat_id":1,"message":"x","send_time":"`+future()+`"}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d %v", code, body)
	}
	if len(e.cat.UserJobs()) != 0 {
		t.Fatalf("failed create must not be visible")
	}
}

func TestPrimaryJobUpdateGoesToSettings(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	code, body := e.do(t, http.MethodPut, "/api/scheduled/sys_daily_maket", `{"chat_id":"-100","time":"12:15"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d %v", code, body)
	}
	s := e.cat.Settings()
	if s.PrimaryChatID == nil || *s.PrimaryChatID != -100 || s.PrimaryTime != (schedule.TimeOfDay{Hour: 12, Minute: 15}) {
		t.Fatalf("settings = %+v", s)
	}
	code, _ = e.do(t, http.MethodPut, "/api/scheduled/sys_daily_maket", `{"message":"other"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("changing the primary message: status = %d, want 400", code)
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		if _, err := e.reg.Register(ctx, chats.Chat{ID: id, Kind: kit.ChatGroup}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	e.sender.mu.Lock()
	e.sender.fail[3] = &kit.SendError{ChatID: 3, Permanent: true, Err: errors.New("bot was kicked")}
	e.sender.mu.Unlock()

	code, body := e.do(t, http.MethodPost, "/api/send", `{"chat_id":"1","message":"hello"}`)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("single send = %d %v", code, body)
	}
	if e.sender.count(1) != 1 {
		t.Fatalf("chat 1 got %d messages", e.sender.count(1))
	}

	code, body = e.do(t, http.MethodPost, "/api/send", `{"chat_id":3,"message":"hello"}`)
	if code != http.StatusBadGateway || body["success"] != false {
		t.Fatalf("failed send = %d %v", code, body)
	}

	code, body = e.do(t, http.MethodPost, "/api/send", `{"all":true,"message":"news"}`)
	if code != http.StatusOK {
		t.Fatalf("broadcast = %d %v", code, body)
	}
	batch, _ := body["batch"].(map[string]any)
	if batch["attempted"] != float64(3) || batch["succeeded"] != float64(2) || batch["failed"] != float64(1) {
		t.Fatalf("batch = %v", batch)
	}

	if code, _ = e.do(t, http.MethodPost, "/api/send", `{"message":"nobody"}`); code != http.StatusBadRequest {
		t.Fatalf("send without target = %d", code)
	}
	if code, _ = e.do(t, http.MethodPost, "/api/send", `{"chat_id":1}`); code != http.StatusBadRequest {
		t.Fatalf("send without message = %d", code)
	}
}

func TestListChatsEnrichesUnknown(t *testing.T) {
	t.Parallel()
	info := fakeInfo{infos: map[int64]kit.ChatInfo{
		10: {ID: 10, Kind: kit.ChatSupergroup, DisplayName: "Design team"},
	}}
	e := newEnv(t, func(_ *Config, d *Deps, _ *storage.Store) { d.ChatInfo = info })
	ctx := context.Background()
	_, _ = e.reg.Register(ctx, chats.Chat{ID: 10})
	_, _ = e.reg.Register(ctx, chats.Chat{ID: 11})

	code, body := e.do(t, http.MethodGet, "/api/chats", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	list, _ := body["chats"].([]any)
	if len(list) != 2 {
		t.Fatalf("chats = %v", body)
	}
	first := list[0].(map[string]any)
	if first["title"] != "Design team" || first["type"] != "supergroup" {
		t.Fatalf("enriched chat = %v", first)
	}
	second := list[1].(map[string]any)
	if second["title"] != "Chat 11" || second["type"] != "unknown" {
		t.Fatalf("fallback chat = %v", second)
	}
	if c, _ := e.reg.Get(10); c.DisplayName != "Design team" {
		t.Fatalf("registry not refreshed: %+v", c)
	}
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(c *Config, _ *Deps, _ *storage.Store) { c.Password = "s3cret" })

	if code, _ := e.do(t, http.MethodGet, "/api/chats", ""); code != http.StatusUnauthorized {
		t.Fatalf("no creds: status = %d", code)
	}
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/chats", nil)
	req.SetBasicAuth("admin", "s3cret")
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with creds: status = %d", resp.StatusCode)
	}
	resp, err = e.srv.Client().Get(e.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open: %d", resp.StatusCode)
	}
}

func TestSchedulerSnapshot(t *testing.T) {
	t.Parallel()
	snap := staticSnapshot{Name: "user", Running: true, Jobs: []scheduler.ArmedInfo{{ID: "msg_1", Origin: schedule.OriginUser}}}
	e := newEnv(t, func(_ *Config, d *Deps, _ *storage.Store) { d.Schedulers = []SchedulerView{snap} })
	code, body := e.do(t, http.MethodGet, "/api/scheduler", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	list, _ := body["schedulers"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["name"] != "user" {
		t.Fatalf("schedulers = %v", body)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"localhost:80":   true,
		"[::1]:5000":     true,
		":5000":          false,
		"0.0.0.0:5000":   false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v want %v", addr, got, want)
		}
	}
}
