package domain

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound    = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrContentRequired  = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrPasteTooLarge    = NewErr("PASTE_TOO_LARGE", "paste exceeds maximum size", http.StatusRequestEntityTooLarge)
	ErrInvalidExpiry    = NewErr("INVALID_EXPIRY", "expiry must be one of 1h, 1d, 7d, never", http.StatusBadRequest)
	ErrInvalidSlug      = NewErr("INVALID_SLUG", "malformed paste identifier", http.StatusBadRequest)
	ErrInvalidRequest   = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnsupportedMedia = NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)
	ErrInvalidLanguage = NewErr("INVALID_LANGUAGE",
		"unsupported language; allowed: "+strings.Join(Languages(), ", "), http.StatusBadRequest)
	ErrAnonymousNeverExpires = NewErr("POLICY_VIOLATION",
		"anonymous pastes cannot be set to never expire", http.StatusForbidden)
	ErrRateLimitExceeded     = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrDependencyUnavailable = NewErr("DEPENDENCY_UNAVAILABLE", "a backing service is unavailable", http.StatusServiceUnavailable)
	ErrInternalServer        = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

// Err is a machine-readable error carrying its HTTP status. Handlers map any
// error to exactly one of these; anything unrecognized collapses to
// ErrInternalServer so internals never leak.
type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e := AsErr(err); e != nil {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

// Status returns the HTTP status for err, defaulting to 500.
func Status(err error) int {
	if e := AsErr(err); e != nil {
		return e.Status
	}
	return http.StatusInternalServerError
}

// AsErr unwraps err to a domain *Err, or nil if it is not one.
func AsErr(err error) *Err {
	if e, ok := err.(*Err); ok {
		return e
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e
	}
	return nil
}
