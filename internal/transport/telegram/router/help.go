package router

import (
	"context"
	"strings"

	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

func (m *Manager) helpText() string {
	var b strings.Builder
	b.WriteString("⏰ Управление расписанием:\n")
	for _, c := range m.Commands() {
		b.WriteString("/")
		b.WriteString(c.Name)
		if c.Usage != "" {
			b.WriteString(" ")
			b.WriteString(c.Usage)
		}
		b.WriteString(" - ")
		b.WriteString(c.Description)
		if c.Access == AccessAdminOnly {
			b.WriteString(" 🔒")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// PublishMenu pushes the command list to the platform menu when the adapter
// supports it.
func (m *Manager) PublishMenu(ctx context.Context, a any) error {
	up, ok := a.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cmds := m.Commands()
	menu := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	if err := up.UpdateMenuCommands(ctx, menu); err != nil {
		m.log.Warn("command menu update failed", logx.Err(err))
		return err
	}
	m.log.Info("command menu updated", logx.Int("commands", len(menu)))
	return nil
}
