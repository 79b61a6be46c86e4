package apperr

import (
	"errors"
	"net/http"
)

// Error represents a typed, status-aware application error.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message,omitempty"`
	Status  int            `json:"-"`
	Fields  map[string]any `json:"fields,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return "error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func Wrap(err error, base *Error, message string) *Error {
	if err == nil {
		return nil
	}
	if base == nil {
		base = ErrInternal
	}
	copy := *base
	if message != "" {
		copy.Message = message
	}
	copy.Err = err
	return &copy
}

func WithFields(base *Error, fields map[string]any) *Error {
	if base == nil {
		return nil
	}
	copy := *base
	copy.Fields = fields
	return &copy
}

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the same code as base.
func Is(err error, base *Error) bool {
	if base == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Code == base.Code
	}
	return false
}

func Status(err error) int {
	if e, ok := As(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

func Code(err error) string {
	if e, ok := As(err); ok && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

func Message(err error) string {
	if e, ok := As(err); ok {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Code
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func Payload(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}
	if e, ok := As(err); ok {
		payload := map[string]any{
			"code":    Code(e),
			"message": Message(e),
		}
		if len(e.Fields) > 0 {
			payload["fields"] = e.Fields
		}
		return payload
	}
	return map[string]any{
		"code":    "internal_error",
		"message": err.Error(),
	}
}

var (
	ErrBadRequest   = New("bad_request", http.StatusBadRequest, "")
	ErrValidation   = New("validation_error", http.StatusBadRequest, "")
	ErrEmptyBody    = New("empty_body", http.StatusBadRequest, "request body is empty")
	ErrUnauthorized = New("unauthorized", http.StatusUnauthorized, "")
	ErrForbidden    = New("forbidden", http.StatusForbidden, "")
	ErrNotFound     = New("not_found", http.StatusNotFound, "")
	ErrConflict     = New("conflict", http.StatusConflict, "")
	ErrInternal     = New("internal_error", http.StatusInternalServerError, "")
	ErrUnavailable  = New("service_unavailable", http.StatusServiceUnavailable, "")
	ErrDatabase     = New("database_error", http.StatusInternalServerError, "")
)

// Linking and sync error kinds. QuotaExceeded and ChallengeIncorrect are
// user-recoverable; ChallengeExhausted and SessionExpired force a fresh
// session. AggregatorAuth means the linked credential lapsed and the account
// must go through re-authentication before it can sync again.
var (
	ErrQuotaExceeded      = New("quota_exceeded", http.StatusPaymentRequired, "linking quota reached for the current plan")
	ErrInvalidState       = New("invalid_state", http.StatusConflict, "operation is not valid for the current session state")
	ErrChallengeIncorrect = New("challenge_incorrect", http.StatusBadRequest, "challenge response was rejected")
	ErrChallengeExhausted = New("challenge_exhausted", http.StatusGone, "challenge attempts exhausted")
	ErrSessionExpired     = New("session_expired", http.StatusGone, "linking session has expired")
	ErrAggregatorDown     = New("aggregator_transient", http.StatusBadGateway, "aggregator is unreachable")
	ErrAggregatorAuth     = New("aggregator_auth", http.StatusConflict, "account requires re-authentication")
	ErrSyncBusy           = New("sync_in_progress", http.StatusConflict, "a sync job is already running for this account")
	ErrResendCooldown     = New("resend_cooldown", http.StatusTooManyRequests, "challenge was re-sent too recently")
)
