package matrix

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrNotLoggedIn = errors.New("matrix: not logged in")

const (
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
)

// Error is a homeserver error response.
type Error struct {
	StatusCode   int
	ErrCode      string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

func (e *Error) Error() string {
	if e.ErrCode == "" {
		return fmt.Sprintf("matrix: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("matrix: %s (status=%d): %s", e.ErrCode, e.StatusCode, e.Message)
}

func (e *Error) RateLimited() bool {
	return e.ErrCode == ErrCodeLimitExceeded || e.StatusCode == http.StatusTooManyRequests
}

// RetryAfter reports the server-requested delay of a rate-limited response.
// Only a response carrying a hint is retryable.
func (e *Error) RetryAfter() (time.Duration, bool) {
	if !e.RateLimited() || e.RetryAfterMs <= 0 {
		return 0, false
	}
	return time.Duration(e.RetryAfterMs) * time.Millisecond, true
}

// IsRateLimited unwraps err looking for a rate-limited *Error.
func IsRateLimited(err error) (time.Duration, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.RetryAfter()
	}
	return 0, false
}
