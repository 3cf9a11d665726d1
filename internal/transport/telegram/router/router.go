// Package router turns inbound Telegram messages into chat registrations and
// schedule commands.
package router

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"slashbot/internal/chats"
	"slashbot/internal/runtime/supervisor"
	"slashbot/internal/schedule"
	"slashbot/internal/storage"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

var ErrForbidden = errors.New("command restricted to admins")

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

type Request struct {
	Message  kit.Message
	ChatID   int64
	FromID   int64
	Command  string
	Args     []string
	ReqStart time.Time
}

// Registry records chats seen in inbound traffic.
type Registry interface {
	Register(ctx context.Context, c chats.Chat) (bool, error)
}

// SettingsStore holds the primary job settings.
type SettingsStore interface {
	Settings() schedule.Settings
	UpdateSettings(ctx context.Context, fn func(*schedule.Settings) error) (schedule.Settings, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// OnceScheduler arms a system one-off for a chat.
type OnceScheduler interface {
	ScheduleOnce(ctx context.Context, chatID int64, text string, delay time.Duration) (schedule.Job, error)
}

type Deps struct {
	Sender   kit.Sender
	Registry Registry
	Settings SettingsStore
	Audit    Auditor
	// PrimaryMessage is the text of the primary job, sent by /test_message.
	PrimaryMessage string
	// Once takes the delayed keyword replies. Nil disables them.
	Once OnceScheduler
}

type Manager struct {
	log  logx.Logger
	deps Deps

	mu       sync.RWMutex
	admins   map[int64]bool
	commands map[string]HandlerFunc
	ordered  []Command

	timeout time.Duration
}

func New(deps Deps, admins []int64, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{log: log, deps: deps, timeout: 15 * time.Second}
	m.SetAdmins(admins)
	m.setCommands(m.builtins())
	return m
}

// SetAdmins replaces the admin list. Safe to call during hot reload.
func (m *Manager) SetAdmins(ids []int64) {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	m.mu.Lock()
	m.admins = set
	m.mu.Unlock()
}

func (m *Manager) isAdmin(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.admins) == 0 || m.admins[userID]
}

func (m *Manager) setCommands(cmds []Command) {
	table := make(map[string]HandlerFunc, len(cmds))
	for _, c := range cmds {
		mw := []Middleware{MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(m.timeout)}
		if c.Access == AccessAdminOnly {
			mw = append(mw, MWAdminOnly(m.isAdmin, m.denied))
		}
		table[c.Name] = Chain(c.Handle, mw...)
	}
	m.mu.Lock()
	m.commands = table
	m.ordered = cmds
	m.mu.Unlock()
}

// Commands lists the registered commands in menu order.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Command(nil), m.ordered...)
}

// DispatchLoop consumes updates with a small worker pool until ctx is done
// or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-updates:
					if !ok {
						return nil
					}
					m.Handle(c, up)
				}
			}
		})
	}

	err := sup.Wait(context.Background())
	m.log.Info("command dispatcher stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle registers the originating chat and runs the command, if any.
func (m *Manager) Handle(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil || msg.ChatID == 0 {
		return
	}
	if m.deps.Registry != nil {
		name := msg.ChatTitle
		if name == "" && msg.FromUsername != "" {
			name = "@" + msg.FromUsername
		}
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := m.deps.Registry.Register(rctx, chats.Chat{ID: msg.ChatID, Kind: msg.ChatKind, DisplayName: name}); err != nil {
			m.log.Warn("chat register failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		}
		cancel()
	}

	cmd, args, ok := parseCommand(msg.Text)
	if !ok {
		m.keywords(ctx, msg)
		return
	}
	m.mu.RLock()
	h := m.commands[cmd]
	m.mu.RUnlock()
	if h == nil {
		return
	}
	req := &Request{Message: *msg, ChatID: msg.ChatID, FromID: msg.FromID, Command: cmd, Args: args, ReqStart: time.Now()}
	_ = h(ctx, req)
}

// parseCommand splits "/cmd@bot a b" into "cmd" and its arguments.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	cmd = strings.ToLower(cmd)
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (m *Manager) reply(ctx context.Context, req *Request, text string) error {
	if m.deps.Sender == nil {
		return nil
	}
	_, err := m.deps.Sender.SendText(ctx, kit.ChatTarget{ChatID: req.ChatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (m *Manager) denied(ctx context.Context, req *Request) error {
	_ = m.reply(ctx, req, "⛔ Эта команда доступна только администраторам.")
	return ErrForbidden
}

func (m *Manager) audit(ctx context.Context, req *Request, action string, err error, summary string) {
	if m.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:      time.Now().UTC(),
		Source:  "telegram",
		Actor:   strconv.FormatInt(req.FromID, 10),
		Action:  action,
		Target:  "settings",
		ChatID:  req.ChatID,
		OK:      err == nil,
		Summary: summary,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := m.deps.Audit.AppendAudit(ctx, e); aerr != nil {
		m.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
