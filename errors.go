package nerve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorType tags every failed result with a machine-readable kind.
// The taxonomy is shared by nodes, graphs, and the command plane.
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrAuthentication = "authentication_error"
	ErrPermission     = "permission_error"
	ErrNotFoundAPI    = "not_found_error"
	ErrRateLimit      = "rate_limit_error"
	ErrAPI            = "api_error"
	ErrNetwork        = "network_error"
	ErrTimeout        = "timeout"
	ErrNodeStopped    = "node_stopped"
	ErrExecution      = "execution_error"
	ErrNotFound       = "not_found"
	ErrInternal       = "internal_error"
)

// ErrHTTP is a transport-level error carrying the upstream HTTP status.
// The retry layer and the error classifier both inspect it via errors.As.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ClassifyStatus maps an HTTP status code to an ErrorType.
func ClassifyStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusForbidden:
		return ErrPermission
	case http.StatusNotFound:
		return ErrNotFoundAPI
	case http.StatusTooManyRequests:
		return ErrRateLimit
	}
	if status >= 500 {
		return ErrAPI
	}
	return ErrAPI
}

// ClassifyError maps any error to an ErrorType. HTTP errors classify by
// status; deadline and cancellation map to timeout; everything else is a
// network failure when it came from a transport, internal otherwise.
func ClassifyError(err error) string {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return ClassifyStatus(he.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrExecution
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrTimeout
		}
		return ErrNetwork
	}
	var be *BudgetExceededError
	if errors.As(err, &be) {
		return ErrExecution
	}
	return ErrInternal
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds or
// HTTP-date). Returns 0 when the value is empty or unparsable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// BudgetExceededError escapes Execute when a budget cap would be
// violated. Callers (graph engine, workflow engine) handle it; nodes
// never swallow it into a result.
type BudgetExceededError struct {
	Resource string // "steps", "tokens", or "time"
	Used     int64
	Cap      int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s %d/%d", e.Resource, e.Used, e.Cap)
}

// NotFoundError reports a registry miss for a session-scoped id.
type NotFoundError struct {
	Kind string // "node", "graph", "workflow", "run", "session"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
