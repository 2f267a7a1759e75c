package nerve

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// maxIDLen is the maximum length of a user-visible identifier.
const maxIDLen = 32

// ValidateID checks a user-visible identifier (session, node, graph,
// workflow, step). Valid ids are 1–32 characters of lowercase
// alphanumerics plus '-' and '_', with no leading or trailing separator.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("id %q exceeds %d characters", id, maxIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
			if i == 0 || i == len(id)-1 {
				return fmt.Errorf("id %q has a leading or trailing separator", id)
			}
		default:
			return fmt.Errorf("id %q contains invalid character %q", id, string(c))
		}
	}
	return nil
}

// NewRunID generates a globally unique, time-sortable UUIDv7 (RFC 9562)
// for workflow runs and execution ids.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewSessionUUID generates a random UUIDv4. Claude CLI session ids use
// v4 to match what the CLI generates on its own.
func NewSessionUUID() string {
	return uuid.NewString()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowMillis returns current time as Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
