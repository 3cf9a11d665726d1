package app

import (
	"fmt"
	"strings"

	"slashbot/internal/schedule"
)

// Role selects which half of the engine a process runs.
//
//   - bot: Telegram polling, commands and system jobs.
//   - web: management API and user jobs. Sends still go through Telegram.
//   - all: both in one process.
type Role string

const (
	RoleBot Role = "bot"
	RoleWeb Role = "web"
	RoleAll Role = "all"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RoleAll, nil
	case RoleBot, RoleWeb, RoleAll:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q (want bot, web or all)", s)
	}
}

// polls reports whether the process consumes Telegram updates.
func (r Role) polls() bool { return r == RoleBot || r == RoleAll }

func (r Role) serves() bool { return r == RoleWeb || r == RoleAll }

// origins lists the job origins this role arms, in start order.
func (r Role) origins() []schedule.Origin {
	switch r {
	case RoleBot:
		return []schedule.Origin{schedule.OriginSystem}
	case RoleWeb:
		return []schedule.Origin{schedule.OriginUser}
	default:
		return []schedule.Origin{schedule.OriginSystem, schedule.OriginUser}
	}
}
