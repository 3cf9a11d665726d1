package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"slashbot/internal/chats"
	"slashbot/internal/schedule"
	"slashbot/internal/storage"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.msgs = append(f.msgs, sent{chatID: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.msgs)}, nil
}

func (f *fakeSender) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return sent{}
	}
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeRegistry struct {
	mu   sync.Mutex
	seen []chats.Chat
}

func (r *fakeRegistry) Register(_ context.Context, c chats.Chat) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, c)
	return true, nil
}

type fakeSettings struct {
	mu  sync.Mutex
	s   schedule.Settings
	err error
}

func (f *fakeSettings) Settings() schedule.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}

func (f *fakeSettings) UpdateSettings(_ context.Context, fn func(*schedule.Settings) error) (schedule.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.s, f.err
	}
	next := f.s
	if err := fn(&next); err != nil {
		return f.s, err
	}
	f.s = next
	return next, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type fixture struct {
	m        *Manager
	sender   *fakeSender
	reg      *fakeRegistry
	settings *fakeSettings
	audit    *fakeAudit
	once     *fakeOnce
}

func newFixture(admins ...int64) fixture {
	f := fixture{
		sender:   &fakeSender{},
		reg:      &fakeRegistry{},
		settings: &fakeSettings{s: schedule.DefaultSettings()},
		audit:    &fakeAudit{},
		once:     &fakeOnce{},
	}
	f.m = New(Deps{
		Sender:         f.sender,
		Registry:       f.reg,
		Settings:       f.settings,
		Audit:          f.audit,
		PrimaryMessage: "Че как там по макетам",
		Once:           f.once,
	}, admins, logx.Nop())
	return f
}

func msg(chatID, fromID int64, text string) kit.Update {
	return kit.Update{Message: &kit.Message{
		ID: 1, ChatID: chatID, ChatKind: kit.ChatGroup, ChatTitle: "team", FromID: fromID, Text: text,
	}}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		cmd  string
		args []string
		ok   bool
	}{
		{"/set_time 10:30", "set_time", []string{"10:30"}, true},
		{"/Set_Time@slash_bot  09:00 ", "set_time", []string{"09:00"}, true},
		{"/help", "help", []string{}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
		{"/@bot", "", nil, false},
	}
	for _, tc := range cases {
		cmd, args, ok := parseCommand(tc.in)
		if ok != tc.ok || cmd != tc.cmd {
			t.Fatalf("parseCommand(%q) = %q,%v want %q,%v", tc.in, cmd, ok, tc.cmd, tc.ok)
		}
		if ok && strings.Join(args, ",") != strings.Join(tc.args, ",") {
			t.Fatalf("parseCommand(%q) args = %v want %v", tc.in, args, tc.args)
		}
	}
}

func TestEveryMessageRegistersChat(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	f.m.Handle(ctx, msg(-100, 7, "just chatting"))
	f.m.Handle(ctx, msg(-100, 7, "/unknown_cmd"))
	if len(f.reg.seen) != 2 {
		t.Fatalf("registered %d times, want 2", len(f.reg.seen))
	}
	if f.reg.seen[0].ID != -100 || f.reg.seen[0].DisplayName != "team" {
		t.Fatalf("unexpected chat %+v", f.reg.seen[0])
	}
	if f.sender.count() != 0 {
		t.Fatalf("plain text and unknown commands must not reply, got %d", f.sender.count())
	}
}

func TestSetAndStopSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	f.m.Handle(ctx, msg(-100, 7, "/set_schedule"))
	s := f.settings.Settings()
	if s.PrimaryChatID == nil || *s.PrimaryChatID != -100 {
		t.Fatalf("primary chat not set: %+v", s)
	}
	if !strings.Contains(f.sender.last().text, "Расписание настроено") {
		t.Fatalf("unexpected reply %q", f.sender.last().text)
	}

	f.m.Handle(ctx, msg(-100, 7, "/status_schedule"))
	if !strings.Contains(f.sender.last().text, "Да, это этот чат") {
		t.Fatalf("status reply %q", f.sender.last().text)
	}

	f.m.Handle(ctx, msg(-100, 7, "/stop_schedule"))
	if f.settings.Settings().PrimaryChatID != nil {
		t.Fatalf("primary chat still set")
	}
	if !strings.Contains(f.sender.last().text, "Предыдущий Chat ID: -100") {
		t.Fatalf("stop reply %q", f.sender.last().text)
	}

	f.m.Handle(ctx, msg(-100, 7, "/stop_schedule"))
	if !strings.Contains(f.sender.last().text, "Расписание не настроено") {
		t.Fatalf("second stop reply %q", f.sender.last().text)
	}

	if len(f.audit.entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(f.audit.entries))
	}
	if e := f.audit.entries[0]; e.Action != "set_schedule" || !e.OK || e.Source != "telegram" || e.Actor != "7" {
		t.Fatalf("unexpected audit entry %+v", e)
	}
}

func TestSetTime(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		text  string
		reply string
		want  schedule.TimeOfDay
	}{
		{"valid", "/set_time 13:38", "Время обновлено", schedule.TimeOfDay{Hour: 13, Minute: 38}},
		{"bad format", "/set_time 1338", "Неверный формат времени", schedule.DefaultPrimaryTime},
		{"out of range", "/set_time 25:00", "Неверный формат времени", schedule.DefaultPrimaryTime},
		{"usage", "/set_time", "Использование: /set_time HH:MM", schedule.DefaultPrimaryTime},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.m.Handle(context.Background(), msg(1, 1, tc.text))
			if got := f.settings.Settings().PrimaryTime; got != tc.want {
				t.Fatalf("time = %s want %s", got, tc.want)
			}
			if !strings.Contains(f.sender.last().text, tc.reply) {
				t.Fatalf("reply %q does not contain %q", f.sender.last().text, tc.reply)
			}
		})
	}
}

func TestSetTimezone(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	f.m.Handle(ctx, msg(1, 1, "/set_timezone Mars/Olympus"))
	if f.settings.Settings().PrimaryTimezone != schedule.DefaultPrimaryTimezone {
		t.Fatalf("unknown zone must not be stored")
	}
	if !strings.Contains(f.sender.last().text, "Неизвестный часовой пояс") {
		t.Fatalf("reply %q", f.sender.last().text)
	}

	f.m.Handle(ctx, msg(1, 1, "/set_timezone Asia/Tokyo"))
	if got := f.settings.Settings().PrimaryTimezone; got != "Asia/Tokyo" {
		t.Fatalf("timezone = %q", got)
	}
	if !strings.Contains(f.sender.last().text, "Новый часовой пояс: Tokyo") {
		t.Fatalf("reply %q", f.sender.last().text)
	}

	f.m.Handle(ctx, msg(1, 1, "/set_timezone"))
	if !strings.Contains(f.sender.last().text, "America/New_York") {
		t.Fatalf("usage reply should list zones: %q", f.sender.last().text)
	}
}

func TestSaveFailureReported(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.settings.err = errors.New("disk full")

	f.m.Handle(context.Background(), msg(1, 1, "/set_schedule"))
	if !strings.Contains(f.sender.last().text, "Ошибка при сохранении") {
		t.Fatalf("reply %q", f.sender.last().text)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].OK || f.audit.entries[0].Error != "disk full" {
		t.Fatalf("audit = %+v", f.audit.entries)
	}
}

func TestAdminOnlyCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(99)
	ctx := context.Background()

	f.m.Handle(ctx, msg(1, 7, "/set_schedule"))
	if f.settings.Settings().PrimaryChatID != nil {
		t.Fatalf("non-admin changed settings")
	}
	if !strings.Contains(f.sender.last().text, "только администраторам") {
		t.Fatalf("reply %q", f.sender.last().text)
	}

	f.m.Handle(ctx, msg(1, 7, "/status_schedule"))
	if !strings.Contains(f.sender.last().text, "Расписание не настроено") {
		t.Fatalf("status must be open to everyone: %q", f.sender.last().text)
	}

	f.m.Handle(ctx, msg(1, 99, "/set_schedule"))
	if f.settings.Settings().PrimaryChatID == nil {
		t.Fatalf("admin could not set schedule")
	}

	f.m.SetAdmins(nil)
	f.m.Handle(ctx, msg(1, 7, "/stop_schedule"))
	if f.settings.Settings().PrimaryChatID != nil {
		t.Fatalf("empty admin list should admit everyone")
	}
}

func TestTestMessage(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.m.Handle(context.Background(), msg(5, 1, "/test_message"))
	if f.sender.count() != 2 {
		t.Fatalf("sent %d messages, want 2", f.sender.count())
	}
	if f.sender.msgs[0].text != "Че как там по макетам" || f.sender.msgs[0].chatID != 5 {
		t.Fatalf("first message %+v", f.sender.msgs[0])
	}
	if !strings.Contains(f.sender.last().text, "Тестовое сообщение отправлено") {
		t.Fatalf("reply %q", f.sender.last().text)
	}
}

func TestPanickingHandlerIsContained(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.m.setCommands([]Command{{Name: "boom", Handle: func(context.Context, *Request) error { panic("kaboom") }}})
	f.m.Handle(context.Background(), msg(1, 1, "/boom"))
}

type menuRecorder struct {
	got []kit.BotCommand
}

func (r *menuRecorder) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	r.got = cmds
	return nil
}

func TestPublishMenu(t *testing.T) {
	t.Parallel()
	f := newFixture()
	rec := &menuRecorder{}
	if err := f.m.PublishMenu(context.Background(), rec); err != nil {
		t.Fatalf("PublishMenu: %v", err)
	}
	if len(rec.got) != len(f.m.Commands()) || rec.got[0].Command != "start" {
		t.Fatalf("menu = %+v", rec.got)
	}
	if err := f.m.PublishMenu(context.Background(), struct{}{}); err != nil {
		t.Fatalf("adapters without menu support must be skipped: %v", err)
	}
}

func TestDispatchLoopDrainsUntilClosed(t *testing.T) {
	t.Parallel()
	f := newFixture()
	updates := make(chan kit.Update, 4)
	for i := 0; i < 3; i++ {
		updates <- msg(int64(i+1), 1, "/help")
	}
	close(updates)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.m.DispatchLoop(ctx, updates); err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}
	if f.sender.count() != 3 {
		t.Fatalf("replies = %d, want 3", f.sender.count())
	}
}
