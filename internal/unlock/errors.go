package unlock

import (
	"errors"
	"fmt"

	"github.com/fentz26/baziunlock/internal/models"
)

// Codes carried by UnlockError.
const (
	CodeTaskFailed  = "TASK_FAILED"
	CodePollTimeout = "POLL_TIMEOUT"
	CodeCancelled   = "CANCELLED"
)

// Sentinel errors matched by UnlockError through errors.Is.
var (
	ErrTaskFailed  = errors.New("unlock task failed")
	ErrPollTimeout = errors.New("unlock task timed out")
	ErrCancelled   = errors.New("unlock cancelled")

	ErrUnknownTheme    = errors.New("unknown theme")
	ErrNoSubject       = errors.New("subject id required")
	ErrClosed          = errors.New("orchestrator closed")
	ErrInvalidResponse = errors.New("unlock response carried neither content nor task id")
)

const (
	defaultFailedMessage  = "unlock failed"
	defaultTimeoutMessage = "task timed out, check again later for the result"
	defaultCancelMessage  = "unlock cancelled"
)

// UnlockError is a terminal unlock failure after submission succeeded.
// Refunded is nil when the server did not say whether points were returned.
type UnlockError struct {
	Code     string
	Message  string
	Key      models.TaskKey
	Refunded *bool
}

func (e *UnlockError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Code, e.Key, e.Message)
}

// Is matches the sentinel for e's code.
func (e *UnlockError) Is(target error) bool {
	switch target {
	case ErrTaskFailed:
		return e.Code == CodeTaskFailed
	case ErrPollTimeout:
		return e.Code == CodePollTimeout
	case ErrCancelled:
		return e.Code == CodeCancelled
	}
	return false
}

// RefundConfirmed reports whether the server confirmed a refund.
func (e *UnlockError) RefundConfirmed() bool {
	return e.Refunded != nil && *e.Refunded
}

// AsUnlockError extracts an *UnlockError from err.
func AsUnlockError(err error) (*UnlockError, bool) {
	var ue *UnlockError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
