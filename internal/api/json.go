package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"slashbot/internal/catalog"
	"slashbot/internal/schedule"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	var ve *schedule.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Field
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, catalog.ErrReadOnly):
		return http.StatusConflict, ""
	default:
		// storage.Error and anything unexpected.
		return http.StatusInternalServerError, ""
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, field := statusFor(err)
	writeJSON(w, code, envelope{Success: false, Error: err.Error(), Field: field})
}

func badRequest(w http.ResponseWriter, field, msg string) {
	writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: msg, Field: field})
}

func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return &schedule.ValidationError{Field: "body", Reason: err.Error()}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return &schedule.ValidationError{Field: "body", Reason: "is empty"}
	}
	if err := json.Unmarshal(b, v); err != nil {
		var ve *schedule.ValidationError
		if errors.As(err, &ve) {
			return ve
		}
		return &schedule.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}

// chatID accepts both 123 and "123"; the web UI sends strings.
type chatID int64

func (c *chatID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return &schedule.ValidationError{Field: "chat_id", Reason: "must be an integer"}
	}
	*c = chatID(v)
	return nil
}
