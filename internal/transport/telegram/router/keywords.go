package router

import (
	"context"
	"strings"
	"time"

	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

const (
	arrivalText  = "Заход на завод"
	arrivalDelay = 60 * time.Second
)

// keywords answers plain text. Several keywords in one message each get
// their reply.
func (m *Manager) keywords(ctx context.Context, msg *kit.Message) {
	text := msg.Text
	if text == "" {
		return
	}
	if strings.Contains(text, "Закинул") || strings.Contains(text, "закинул") {
		m.say(ctx, msg.ChatID, "Ты классный, помни это")
	}
	if strings.Contains(text, "Заход") || strings.Contains(text, "заход") {
		if m.deps.Once != nil {
			j, err := m.deps.Once.ScheduleOnce(ctx, msg.ChatID, arrivalText, arrivalDelay)
			if err != nil {
				m.log.Warn("delayed reply not scheduled", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
			} else {
				m.log.Info("delayed reply scheduled", logx.String("id", j.ID), logx.Int64("chat_id", msg.ChatID))
			}
		}
	}
	if strings.Contains(strings.ToLower(text), "гуд") {
		m.say(ctx, msg.ChatID, "я знал, что ты лучший")
	}
}

func (m *Manager) say(ctx context.Context, chatID int64, text string) {
	if m.deps.Sender == nil {
		return
	}
	opts := &kit.SendOptions{DisablePreview: true}
	if _, err := m.deps.Sender.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opts); err != nil {
		m.log.Warn("keyword reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
