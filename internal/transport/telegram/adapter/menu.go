package adapter

import (
	"context"
	"fmt"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	kit "slashbot/internal/transport"
	logx "slashbot/pkg/logx"
)

const menuDescriptionLimit = 256

// UpdateMenuCommands publishes the command list via setMyCommands. The call
// is skipped when the list did not change since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	menu := make([]tele.Command, 0, len(cmds))
	h := fnv.New64a()
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if r := []rune(d); len(r) > menuDescriptionLimit {
			d = string(r[:menuDescriptionLimit])
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: d})
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	sum := h.Sum64()

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// telebot has no context-aware variant; the bot's HTTP client timeout bounds it.
	if err := a.bot.SetCommands(menu); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
