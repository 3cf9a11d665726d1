package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatUnknown    ChatKind = "unknown"
)

// Update is an inbound event from the messaging platform.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ChatKind     ChatKind
	ChatTitle    string
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ChatInfo is the display metadata of a chat as reported by the platform.
type ChatInfo struct {
	ID          int64
	Kind        ChatKind
	DisplayName string
}

// Sender delivers a single text message.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// ChatInfoProvider resolves chat metadata by id.
type ChatInfoProvider interface {
	ChatInfo(ctx context.Context, chatID int64) (ChatInfo, error)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Sender
	ChatInfoProvider
}

// SendError classifies a failed send so that retrying callers can decide
// whether another attempt is worthwhile.
type SendError struct {
	ChatID     int64
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("send to %d failed permanently: %v", e.ChatID, e.Err)
	}
	return fmt.Sprintf("send to %d failed: %v", e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a SendError marked permanent.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// RetryAfter returns the platform-requested backoff carried by err, if any.
func RetryAfter(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// BotCommand is a single entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
