// Package api serves the management HTTP API: chat listing, immediate sends
// and CRUD over user jobs.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slashbot/internal/catalog"
	"slashbot/internal/chats"
	"slashbot/internal/notifier/broadcast"
	"slashbot/internal/runtime/supervisor"
	"slashbot/internal/schedule"
	"slashbot/internal/storage"
	"slashbot/internal/task/scheduler"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

// Config controls the HTTP listener.
//
// With an empty Password the API is unauthenticated; binding it to a
// non-loopback address then only logs a warning.
type Config struct {
	Addr     string
	User     string
	Password string
	Debug    bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:5000"
	}
	if strings.TrimSpace(c.User) == "" {
		c.User = "admin"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// Broadcasts to every chat are synchronous.
		c.WriteTimeout = 2 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

type Catalog interface {
	MergedView(filterChat *int64) []schedule.Job
	Create(ctx context.Context, in catalog.JobInput) (schedule.Job, error)
	Update(ctx context.Context, id string, p catalog.Patch) (schedule.Job, error)
	Delete(ctx context.Context, id string) error
}

type Chats interface {
	List() []chats.Chat
	All() []int64
	Register(ctx context.Context, c chats.Chat) (bool, error)
}

type Dispatcher interface {
	SendOne(ctx context.Context, chatID int64, text string) broadcast.DeliveryResult
	SendMany(ctx context.Context, chatIDs []int64, text string) broadcast.BatchSummary
	Recent() []broadcast.BatchSummary
}

type SchedulerView interface {
	Snapshot() scheduler.Snapshot
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the engine components the API drives. ChatInfo, Audit and
// Schedulers are optional.
type Deps struct {
	Catalog    Catalog
	Chats      Chats
	Dispatcher Dispatcher
	ChatInfo   kit.ChatInfoProvider
	Audit      Auditor
	Schedulers []SchedulerView
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
}

// NewHandler builds the chi router with all routes mounted.
func NewHandler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Password != "" {
			r.Use(middleware.BasicAuth("slashbot", map[string]string{cfg.User: cfg.Password}))
		}
		r.Get("/api/chats", s.listChats)
		r.Post("/api/send", s.send)
		r.Get("/api/broadcasts", s.listBatches)
		r.Get("/api/scheduled", s.listScheduled)
		r.Post("/api/scheduled", s.createScheduled)
		r.Post("/api/schedule", s.createScheduled)
		r.Put("/api/scheduled/{id}", s.updateScheduled)
		r.Delete("/api/scheduled/{id}", s.deleteScheduled)
		r.Get("/api/scheduler", s.schedulerSnapshot)

		if cfg.Debug {
			r.HandleFunc("/debug/pprof/", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
			r.Handle("/debug/pprof/goroutine", hpprof.Handler("goroutine"))
			r.Handle("/debug/pprof/heap", hpprof.Handler("heap"))
			r.Handle("/debug/pprof/block", hpprof.Handler("block"))
			r.Handle("/debug/pprof/mutex", hpprof.Handler("mutex"))
		}
	})
	return r
}

// Service runs the API listener under a restarting supervisor.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	handler http.Handler

	srv *http.Server
	sup *supervisor.Supervisor
}

func NewService(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{cfg: cfg, log: log, handler: NewHandler(cfg, deps, log)}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	err := sup.Wait(ctx)
	s.log.Info("http api stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) serveOnce(ctx context.Context) error {
	cfg := s.cfg
	if cfg.Password == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("http api has no password on a non-loopback addr", logx.String("addr", cfg.Addr))
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("http api listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http api started", logx.String("addr", ln.Addr().String()),
		logx.Bool("auth", cfg.Password != ""), logx.Bool("debug", cfg.Debug))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	s.mu.Unlock()
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// actor names the operator for the audit log.
func actor(r *http.Request) string {
	if u, _, ok := r.BasicAuth(); ok && u != "" {
		return u
	}
	return r.RemoteAddr
}

func (s *Server) audit(r *http.Request, action, target string, chat int64, err error, summary string) {
	if s.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:      time.Now().UTC(),
		Source:  "api",
		Actor:   actor(r),
		Action:  action,
		Target:  target,
		ChatID:  chat,
		OK:      err == nil,
		Summary: summary,
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if aerr := s.deps.Audit.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
