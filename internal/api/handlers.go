package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"slashbot/internal/catalog"
	"slashbot/internal/chats"
	"slashbot/internal/schedule"
	"slashbot/internal/task/scheduler"
	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

type chatView struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type patternView struct {
	Days     []int  `json:"days"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
}

type jobView struct {
	ID               string       `json:"id"`
	Name             string       `json:"name,omitempty"`
	System           bool         `json:"system"`
	ChatID           int64        `json:"chat_id,omitempty"`
	Broadcast        bool         `json:"broadcast,omitempty"`
	Message          string       `json:"message"`
	IsRecurring      bool         `json:"is_recurring"`
	SendTime         string       `json:"send_time,omitempty"`
	RecurringPattern *patternView `json:"recurring_pattern,omitempty"`
	Timezone         string       `json:"timezone"`
	OnFailure        string       `json:"on_failure"`
	Mutable          bool         `json:"mutable"`
	CreatedAt        string       `json:"created_at,omitempty"`
}

func viewOf(j schedule.Job) jobView {
	v := jobView{
		ID:        j.ID,
		Name:      j.Name,
		System:    j.Origin == schedule.OriginSystem,
		ChatID:    j.ChatID,
		Broadcast: j.Broadcast,
		Message:   j.Message,
		Timezone:  j.Trigger.Timezone,
		OnFailure: string(j.OnFailure),
		Mutable:   j.Mutable,
	}
	switch j.Trigger.Kind {
	case schedule.KindRecurring:
		v.IsRecurring = true
		v.RecurringPattern = &patternView{
			Days:     append([]int(nil), j.Trigger.Weekdays...),
			Time:     j.Trigger.At.String(),
			Timezone: j.Trigger.Timezone,
		}
	case schedule.KindOneOff:
		at := j.Trigger.FireAt
		if loc, err := j.Trigger.Location(); err == nil {
			at = at.In(loc)
		}
		v.SendTime = at.Format(time.RFC3339)
	}
	if !j.CreatedAt.IsZero() {
		v.CreatedAt = j.CreatedAt.Format(time.RFC3339)
	}
	return v
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Chats.List()
	out := make([]chatView, 0, len(list))
	for _, c := range list {
		if (c.Kind == kit.ChatUnknown || c.DisplayName == "") && s.deps.ChatInfo != nil {
			c = s.enrich(r.Context(), c)
		}
		v := chatView{ID: c.ID, Title: c.DisplayName, Type: string(c.Kind)}
		if v.Title == "" {
			v.Title = fmt.Sprintf("Chat %d", c.ID)
		}
		if v.Type == "" {
			v.Type = string(kit.ChatUnknown)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

// enrich asks the platform for chat metadata and refreshes the registry.
// On failure the chat is returned unchanged.
func (s *Server) enrich(ctx context.Context, c chats.Chat) chats.Chat {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := s.deps.ChatInfo.ChatInfo(cctx, c.ID)
	if err != nil {
		s.log.Debug("chat info lookup failed", logx.Int64("chat_id", c.ID), logx.Err(err))
		return c
	}
	next := chats.Chat{ID: c.ID, Kind: info.Kind, DisplayName: info.DisplayName}
	if _, err := s.deps.Chats.Register(cctx, next); err != nil {
		s.log.Warn("chat metadata refresh failed", logx.Int64("chat_id", c.ID), logx.Err(err))
	}
	if next.DisplayName == "" {
		next.DisplayName = c.DisplayName
	}
	if next.Kind == "" {
		next.Kind = c.Kind
	}
	return next
}

type sendReq struct {
	ChatID  chatID   `json:"chat_id"`
	ChatIDs []chatID `json:"chat_ids"`
	All     bool     `json:"all"`
	Message string   `json:"message"`
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		badRequest(w, "message", "message is required")
		return
	}

	switch {
	case req.All || len(req.ChatIDs) > 0:
		var ids []int64
		if req.All {
			ids = s.deps.Chats.All()
		} else {
			for _, id := range req.ChatIDs {
				if id != 0 {
					ids = append(ids, int64(id))
				}
			}
		}
		sum := s.deps.Dispatcher.SendMany(r.Context(), ids, req.Message)
		s.audit(r, "send", "broadcast", 0, nil, fmt.Sprintf("batch %s: %d/%d delivered", sum.ID, sum.Succeeded, sum.Attempted))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "batch": sum})
	case req.ChatID != 0:
		res := s.deps.Dispatcher.SendOne(r.Context(), int64(req.ChatID), req.Message)
		if !res.Succeeded {
			msg := res.Error
			if msg == "" {
				msg = "send failed"
			}
			s.audit(r, "send", "chat", res.ChatID, errors.New(msg), "")
			writeJSON(w, http.StatusBadGateway, envelope{Success: false, Error: msg})
			return
		}
		s.audit(r, "send", "chat", res.ChatID, nil, "")
		writeOK(w, "Сообщение отправлено")
	default:
		badRequest(w, "chat_id", "chat_id, chat_ids or all is required")
	}
}

func (s *Server) listBatches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"batches": s.deps.Dispatcher.Recent()})
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	var filter *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("chat_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(w, "chat_id", "chat_id must be an integer")
			return
		}
		filter = &id
	}
	jobs := s.deps.Catalog.MergedView(filter)
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type patternReq struct {
	Days     []int  `json:"days"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
}

type createReq struct {
	ChatID           chatID      `json:"chat_id"`
	Name             string      `json:"name"`
	Message          string      `json:"message"`
	SendTime         string      `json:"send_time"`
	IsRecurring      bool        `json:"is_recurring"`
	RecurringPattern *patternReq `json:"recurring_pattern"`
	Timezone         string      `json:"timezone"`
	OnFailure        string      `json:"on_failure"`
}

// defaultRecurringTime applies to a recurring create that names no time.
const defaultRecurringTime = "10:00"

func (s *Server) createScheduled(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in := catalog.JobInput{
		ChatID:    int64(req.ChatID),
		Name:      req.Name,
		Message:   req.Message,
		Recurring: req.IsRecurring,
		SendTime:  req.SendTime,
		Timezone:  req.Timezone,
		OnFailure: req.OnFailure,
	}
	if p := req.RecurringPattern; p != nil {
		in.Weekdays = p.Days
		in.Time = p.Time
		if strings.TrimSpace(p.Timezone) != "" {
			in.Timezone = p.Timezone
		}
	}
	if in.Recurring {
		if in.Weekdays == nil {
			in.Weekdays = []int{1, 2, 3, 4, 5}
		}
		if strings.TrimSpace(in.Time) == "" {
			in.Time = defaultRecurringTime
		}
	}

	j, err := s.deps.Catalog.Create(r.Context(), in)
	s.audit(r, "create", j.ID, in.ChatID, err, summarize(in.Message))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"message":    "Сообщение запланировано",
		"message_id": j.ID,
		"job":        viewOf(j),
	})
}

type updateReq struct {
	ChatID           *chatID     `json:"chat_id"`
	Name             *string     `json:"name"`
	Message          *string     `json:"message"`
	SendTime         *string     `json:"send_time"`
	IsRecurring      *bool       `json:"is_recurring"`
	RecurringPattern *patternReq `json:"recurring_pattern"`
	Time             *string     `json:"time"`
	Timezone         *string     `json:"timezone"`
	OnFailure        *string     `json:"on_failure"`
}

func (u updateReq) patch() catalog.Patch {
	p := catalog.Patch{
		Name:      u.Name,
		Message:   u.Message,
		SendTime:  u.SendTime,
		Recurring: u.IsRecurring,
		Time:      u.Time,
		Timezone:  u.Timezone,
		OnFailure: u.OnFailure,
	}
	if u.ChatID != nil {
		id := int64(*u.ChatID)
		p.ChatID = &id
	}
	if rp := u.RecurringPattern; rp != nil {
		if rp.Days != nil {
			p.Weekdays = rp.Days
		}
		if rp.Time != "" {
			t := rp.Time
			p.Time = &t
		}
		if rp.Timezone != "" {
			tz := rp.Timezone
			p.Timezone = &tz
		}
	}
	return p
}

func (s *Server) updateScheduled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p := req.patch()
	j, err := s.deps.Catalog.Update(r.Context(), id, p)
	var chat int64
	if p.ChatID != nil {
		chat = *p.ChatID
	}
	s.audit(r, "update", id, chat, err, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Задача обновлена",
		"job":     viewOf(j),
	})
}

func (s *Server) deleteScheduled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deps.Catalog.Delete(r.Context(), id)
	s.audit(r, "delete", id, 0, err, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "Сообщение удалено")
}

func (s *Server) schedulerSnapshot(w http.ResponseWriter, _ *http.Request) {
	out := make([]scheduler.Snapshot, 0, len(s.deps.Schedulers))
	for _, sc := range s.deps.Schedulers {
		out = append(out, sc.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedulers": out})
}

func summarize(msg string) string {
	r := []rune(strings.TrimSpace(msg))
	if len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return string(r)
}
