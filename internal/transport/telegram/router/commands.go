package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"slashbot/internal/schedule"
	kit "slashbot/internal/transport"
)

var knownTimezones = []string{
	"Europe/Moscow (МСК)",
	"Europe/London (Лондон)",
	"Europe/Berlin (Берлин)",
	"America/New_York (Нью-Йорк)",
	"America/Los_Angeles (Лос-Анджелес)",
	"Asia/Tokyo (Токио)",
	"Asia/Shanghai (Шанхай)",
	"UTC (Всемирное время)",
}

const saveFailedText = "❌ Ошибка при сохранении настроек. Попробуйте еще раз."

func (m *Manager) builtins() []Command {
	return []Command{
		{Name: "start", Description: "Начать работу с ботом", Handle: m.cmdStart},
		{Name: "help", Description: "Показать справку", Handle: m.cmdHelp},
		{Name: "set_schedule", Description: "Включить расписание в этом чате", Access: AccessAdminOnly, Handle: m.cmdSetSchedule},
		{Name: "stop_schedule", Description: "Отключить расписание", Access: AccessAdminOnly, Handle: m.cmdStopSchedule},
		{Name: "status_schedule", Description: "Статус расписания", Handle: m.cmdStatusSchedule},
		{Name: "set_time", Description: "Изменить время отправки", Usage: "HH:MM", Access: AccessAdminOnly, Handle: m.cmdSetTime},
		{Name: "set_timezone", Description: "Изменить часовой пояс", Usage: "Area/City", Access: AccessAdminOnly, Handle: m.cmdSetTimezone},
		{Name: "test_message", Description: "Отправить тестовое сообщение", Handle: m.cmdTestMessage},
	}
}

// zoneLabel shortens "Europe/Moscow" to "Moscow".
func zoneLabel(tz string) string {
	if i := strings.LastIndexByte(tz, '/'); i >= 0 {
		return tz[i+1:]
	}
	return tz
}

func (m *Manager) primaryText() string {
	if strings.TrimSpace(m.deps.PrimaryMessage) == "" {
		return "Че как там по макетам"
	}
	return m.deps.PrimaryMessage
}

func (m *Manager) cmdStart(ctx context.Context, req *Request) error {
	text := "🤖 Привет! Я запомнил этот чат для рассылок.\n\n" + m.helpText()
	return m.reply(ctx, req, text)
}

func (m *Manager) cmdHelp(ctx context.Context, req *Request) error {
	return m.reply(ctx, req, m.helpText())
}

func (m *Manager) cmdSetSchedule(ctx context.Context, req *Request) error {
	if m.deps.Settings == nil {
		return m.reply(ctx, req, saveFailedText)
	}
	chatID := req.ChatID
	s, err := m.deps.Settings.UpdateSettings(ctx, func(s *schedule.Settings) error {
		s.PrimaryChatID = &chatID
		return nil
	})
	m.audit(ctx, req, "set_schedule", err, fmt.Sprintf("primary chat %d", chatID))
	if err != nil {
		_ = m.reply(ctx, req, saveFailedText)
		return err
	}
	title := req.Message.ChatTitle
	if title == "" {
		title = "Личный чат"
	}
	text := fmt.Sprintf(`✅ Расписание настроено!

📍 Чат: %s
🆔 Chat ID: %d
⏰ Время: %s (%s) - по будням (пн-пт)
💬 Сообщение: "%s"

Сообщение будет отправляться каждый будний день в указанное время в этот чат.

Для изменения времени: /set_time
Для изменения часового пояса: /set_timezone
Для отключения: /stop_schedule`, title, chatID, s.PrimaryTime, zoneLabel(s.PrimaryTimezone), m.primaryText())
	return m.reply(ctx, req, text)
}

func (m *Manager) cmdStopSchedule(ctx context.Context, req *Request) error {
	if m.deps.Settings == nil {
		return m.reply(ctx, req, saveFailedText)
	}
	if m.deps.Settings.Settings().PrimaryChatID == nil {
		return m.reply(ctx, req, "ℹ️ Расписание не настроено. Используйте /set_schedule для настройки.")
	}
	var prev int64
	_, err := m.deps.Settings.UpdateSettings(ctx, func(s *schedule.Settings) error {
		if s.PrimaryChatID != nil {
			prev = *s.PrimaryChatID
		}
		s.PrimaryChatID = nil
		return nil
	})
	m.audit(ctx, req, "stop_schedule", err, fmt.Sprintf("previous chat %d", prev))
	if err != nil {
		_ = m.reply(ctx, req, saveFailedText)
		return err
	}
	text := fmt.Sprintf(`✅ Расписание отключено!

Запланированные сообщения больше не будут отправляться.
Предыдущий Chat ID: %d

Для включения используйте /set_schedule`, prev)
	return m.reply(ctx, req, text)
}

func (m *Manager) cmdStatusSchedule(ctx context.Context, req *Request) error {
	var s schedule.Settings
	if m.deps.Settings != nil {
		s = m.deps.Settings.Settings()
	}
	if s.PrimaryChatID == nil {
		return m.reply(ctx, req, `ℹ️ Статус расписания:

🔴 Расписание не настроено

Для настройки отправьте команду /set_schedule в том чате, куда нужно отправлять сообщения.`)
	}
	here := "❌ Нет, другой чат"
	if *s.PrimaryChatID == req.ChatID {
		here = "✅ Да, это этот чат"
	}
	text := fmt.Sprintf(`ℹ️ Статус расписания:

🟢 Расписание активно

🆔 Настроенный Chat ID: %d
📍 Текущий чат: %s
⏰ Время: %s (%s) - по будням (пн-пт)
💬 Сообщение: "%s"

Для изменения времени: /set_time
Для изменения часового пояса: /set_timezone
Для отключения: /stop_schedule`, *s.PrimaryChatID, here, s.PrimaryTime, zoneLabel(s.PrimaryTimezone), m.primaryText())
	return m.reply(ctx, req, text)
}

func (m *Manager) cmdSetTime(ctx context.Context, req *Request) error {
	if m.deps.Settings == nil {
		return m.reply(ctx, req, saveFailedText)
	}
	if len(req.Args) != 1 {
		cur := m.deps.Settings.Settings().PrimaryTime
		return m.reply(ctx, req, fmt.Sprintf(`⏰ Настройка времени отправки:

Использование: /set_time HH:MM

Примеры:
/set_time 13:38
/set_time 09:00
/set_time 18:30

Текущее время: %s`, cur))
	}
	at, err := schedule.ParseTimeOfDay(req.Args[0])
	if err != nil {
		return m.reply(ctx, req, "❌ Неверный формат времени! Используйте HH:MM (например: 13:38)")
	}
	s, err := m.deps.Settings.UpdateSettings(ctx, func(s *schedule.Settings) error {
		s.PrimaryTime = at
		return nil
	})
	m.audit(ctx, req, "set_time", err, "primary time "+at.String())
	if err != nil {
		_ = m.reply(ctx, req, saveFailedText)
		return err
	}
	label := zoneLabel(s.PrimaryTimezone)
	return m.reply(ctx, req, fmt.Sprintf(`✅ Время обновлено!

⏰ Новое время: %s (%s)
📅 Сообщение будет отправляться каждый будний день (пн-пт) в указанное время

Для изменения часового пояса: /set_timezone`, s.PrimaryTime, label))
}

func (m *Manager) cmdSetTimezone(ctx context.Context, req *Request) error {
	if m.deps.Settings == nil {
		return m.reply(ctx, req, saveFailedText)
	}
	if len(req.Args) != 1 {
		cur := zoneLabel(m.deps.Settings.Settings().PrimaryTimezone)
		var b strings.Builder
		for _, tz := range knownTimezones {
			b.WriteString("• " + tz + "\n")
		}
		return m.reply(ctx, req, fmt.Sprintf(`🌍 Настройка часового пояса:

Использование: /set_timezone <название>

Доступные часовые пояса:
%s
Примеры:
/set_timezone Europe/Moscow
/set_timezone Europe/London
/set_timezone UTC

Текущий часовой пояс: %s`, b.String(), cur))
	}
	tz := req.Args[0]
	if _, err := time.LoadLocation(tz); err != nil || tz == "" || strings.EqualFold(tz, "local") {
		return m.reply(ctx, req, "❌ Неизвестный часовой пояс! Используйте /set_timezone без параметров для списка доступных.")
	}
	s, err := m.deps.Settings.UpdateSettings(ctx, func(s *schedule.Settings) error {
		s.PrimaryTimezone = tz
		return nil
	})
	m.audit(ctx, req, "set_timezone", err, "primary timezone "+tz)
	if err != nil {
		_ = m.reply(ctx, req, saveFailedText)
		return err
	}
	label := zoneLabel(s.PrimaryTimezone)
	return m.reply(ctx, req, fmt.Sprintf(`✅ Часовой пояс обновлен!

🌍 Новый часовой пояс: %s
⏰ Время отправки: %s (%s)

Для изменения времени: /set_time`, label, s.PrimaryTime, label))
}

func (m *Manager) cmdTestMessage(ctx context.Context, req *Request) error {
	if m.deps.Sender == nil {
		return nil
	}
	if _, err := m.deps.Sender.SendText(ctx, kit.ChatTarget{ChatID: req.ChatID}, m.primaryText(), nil); err != nil {
		_ = m.reply(ctx, req, "❌ Ошибка при отправке тестового сообщения: "+err.Error())
		return err
	}
	return m.reply(ctx, req, "🧪 Тестовое сообщение отправлено успешно!")
}
