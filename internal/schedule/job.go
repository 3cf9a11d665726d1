package schedule

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

type Origin string

const (
	OriginUser   Origin = "user"
	OriginSystem Origin = "system"
)

// OnFailure decides what happens to a one-off whose delivery failed.
type OnFailure string

const (
	OnFailureDrop      OnFailure = "drop"
	OnFailureRetryOnce OnFailure = "retry_once"
)

func ParseOnFailure(s string) (OnFailure, error) {
	switch OnFailure(strings.TrimSpace(s)) {
	case "", OnFailureDrop:
		return OnFailureDrop, nil
	case OnFailureRetryOnce:
		return OnFailureRetryOnce, nil
	}
	return "", &ValidationError{Field: "on_failure", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// Job is a scheduled send. Broadcast jobs go to every registered chat and
// ignore ChatID.
type Job struct {
	ID        string
	Name      string
	ChatID    int64
	Broadcast bool
	Message   string
	Trigger   Trigger
	Origin    Origin
	Mutable   bool
	OnFailure OnFailure
	CreatedAt time.Time
}

func (j Job) Validate() error {
	if !j.Broadcast && j.ChatID == 0 {
		return &ValidationError{Field: "chat_id", Reason: "is required"}
	}
	if strings.TrimSpace(j.Message) == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if _, err := ParseOnFailure(string(j.OnFailure)); err != nil {
		return err
	}
	return j.Trigger.Validate()
}

// Fingerprint hashes everything that affects delivery. Two jobs with the same
// fingerprint need no re-arm.
func (j Job) Fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	writeStr := func(s string) {
		writeInt(int64(len(s)))
		_, _ = h.Write([]byte(s))
	}

	writeStr(string(j.Origin))
	writeInt(j.ChatID)
	if j.Broadcast {
		writeInt(1)
	} else {
		writeInt(0)
	}
	writeStr(j.Message)
	writeStr(string(j.OnFailure))
	writeStr(string(j.Trigger.Kind))
	if !j.Trigger.FireAt.IsZero() {
		writeInt(j.Trigger.FireAt.UnixNano())
	}
	for _, d := range j.Trigger.Weekdays {
		writeInt(int64(d))
	}
	writeInt(int64(j.Trigger.At.Hour*60 + j.Trigger.At.Minute))
	writeStr(j.Trigger.Timezone)
	return h.Sum64()
}

// Settings is the operator-controlled part of the primary system job.
// A nil PrimaryChatID disables that job.
type Settings struct {
	PrimaryChatID   *int64
	PrimaryTime     TimeOfDay
	PrimaryTimezone string
}

const (
	DefaultPrimaryTimezone = "Europe/Moscow"
)

var DefaultPrimaryTime = TimeOfDay{Hour: 16, Minute: 0}

func DefaultSettings() Settings {
	return Settings{PrimaryTime: DefaultPrimaryTime, PrimaryTimezone: DefaultPrimaryTimezone}
}

func (s Settings) Equal(o Settings) bool {
	if (s.PrimaryChatID == nil) != (o.PrimaryChatID == nil) {
		return false
	}
	if s.PrimaryChatID != nil && *s.PrimaryChatID != *o.PrimaryChatID {
		return false
	}
	return s.PrimaryTime == o.PrimaryTime && s.PrimaryTimezone == o.PrimaryTimezone
}

// ValidationError reports malformed job or trigger input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Reason }
