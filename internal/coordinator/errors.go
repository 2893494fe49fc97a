package coordinator

import (
	"errors"
	"fmt"
)

// ErrorCode classifies coordinator errors.
type ErrorCode string

const (
	ErrCodeRegistrationRejected ErrorCode = "REGISTRATION_REJECTED"
	ErrCodeNoCapableNodes       ErrorCode = "NO_CAPABLE_NODES"
	ErrCodeDispatchFailure      ErrorCode = "DISPATCH_FAILURE"
	ErrCodeZombieResult         ErrorCode = "ZOMBIE_RESULT"
	ErrCodeNodeFailure          ErrorCode = "NODE_FAILURE"
	ErrCodeSubtaskExhausted     ErrorCode = "SUBTASK_EXHAUSTED"
	ErrCodeTaskNotFound         ErrorCode = "TASK_NOT_FOUND"
	ErrCodeNodeNotFound         ErrorCode = "NODE_NOT_FOUND"
	ErrCodeUnknownTaskType      ErrorCode = "UNKNOWN_TASK_TYPE"
	ErrCodeTaskCancelled        ErrorCode = "TASK_CANCELLED"
	ErrCodeTaskFinished         ErrorCode = "TASK_FINISHED"
	ErrCodeIllegalTransition    ErrorCode = "ILLEGAL_TRANSITION"
	ErrCodeInvalidPayload       ErrorCode = "INVALID_PAYLOAD"
	// ErrCodeSubstrateLost is the only fatal code.
	ErrCodeSubstrateLost ErrorCode = "SUBSTRATE_LOST"
)

// Error is a coordinator error carrying the entities it concerns.
type Error struct {
	Code      ErrorCode
	Message   string
	TaskID    string
	SubtaskID string
	NodeID    string
	Cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrRegistrationRejected = &Error{Code: ErrCodeRegistrationRejected}
	ErrNoCapableNodes       = &Error{Code: ErrCodeNoCapableNodes}
	ErrDispatchFailure      = &Error{Code: ErrCodeDispatchFailure}
	ErrZombieResult         = &Error{Code: ErrCodeZombieResult}
	ErrNodeFailure          = &Error{Code: ErrCodeNodeFailure}
	ErrSubtaskExhausted     = &Error{Code: ErrCodeSubtaskExhausted}
	ErrTaskNotFound         = &Error{Code: ErrCodeTaskNotFound}
	ErrNodeNotFound         = &Error{Code: ErrCodeNodeNotFound}
	ErrUnknownTaskType      = &Error{Code: ErrCodeUnknownTaskType}
	ErrTaskCancelled        = &Error{Code: ErrCodeTaskCancelled}
	ErrTaskFinished         = &Error{Code: ErrCodeTaskFinished}
	ErrIllegalTransition    = &Error{Code: ErrCodeIllegalTransition}
	ErrInvalidPayload       = &Error{Code: ErrCodeInvalidPayload}
	ErrSubstrateLost        = &Error{Code: ErrCodeSubstrateLost}
)

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) withTask(taskID, subtaskID string) *Error {
	e.TaskID = taskID
	e.SubtaskID = subtaskID
	return e
}

func (e *Error) withNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

func (e *Error) withCause(cause error) *Error {
	e.Cause = cause
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatal reports whether err must stop the coordinator process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSubstrateLost)
}
