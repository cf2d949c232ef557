package docsync

import (
	"errors"
	"fmt"
)

// status codes carried by wire errors and write rejections.
// the numbering follows the usual rpc convention.
type Code int32

const (
	CodeOK                 = Code(0)
	CodeCancelled          = Code(1)
	CodeUnknown            = Code(2)
	CodeInvalidArgument    = Code(3)
	CodeDeadlineExceeded   = Code(4)
	CodeNotFound           = Code(5)
	CodeAlreadyExists      = Code(6)
	CodePermissionDenied   = Code(7)
	CodeResourceExhausted  = Code(8)
	CodeFailedPrecondition = Code(9)
	CodeAborted            = Code(10)
	CodeOutOfRange         = Code(11)
	CodeUnimplemented      = Code(12)
	CodeInternal           = Code(13)
	CodeUnavailable        = Code(14)
	CodeDataLoss           = Code(15)
	CodeUnauthenticated    = Code(16)
)

type StatusError struct {
	Code    Code
	Message string
}

func NewStatusError(code Code, format string, a ...any) *StatusError {
	return &StatusError{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *StatusError) Error() string {
	return fmt.Sprintf("status(%d): %s", self.Code, self.Message)
}

func StatusCode(err error) Code {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return CodeUnknown
}

// whether a stream error represents a condition that retrying the stream
// cannot fix. Unavailable and similar codes recover on reconnect.
func IsPermanentError(err error) bool {
	switch StatusCode(err) {
	case CodeCancelled,
		CodeUnknown,
		CodeDeadlineExceeded,
		CodeResourceExhausted,
		CodeInternal,
		CodeUnavailable,
		CodeUnauthenticated:
		return false
	default:
		return true
	}
}

// write rejections are scoped to one batch. Aborted is retried by the
// stream because the commit may apply on a later attempt.
func IsPermanentWriteError(err error) bool {
	return IsPermanentError(err) && StatusCode(err) != CodeAborted
}

var (
	// the instance no longer holds the exclusive write lease on the
	// shared persistence. Recoverable: reads continue, writes suspend.
	ErrPrimaryLeaseLost = errors.New("primary lease lost")

	// the task queue has shut down and no longer accepts work
	ErrQueueShutdown = errors.New("async queue is shut down")

	// the engine was shut down while the operation was pending
	ErrClientShutdown = errors.New("client is shut down")

	// the credential scope changed while the operation was pending
	ErrUserChanged = errors.New("user changed")
)

// transient persistence failures are retried by re-running the whole
// transaction function
type retryableError struct {
	err error
}

func NewRetryableError(err error) error {
	return &retryableError{err: err}
}

func (self *retryableError) Error() string {
	return fmt.Sprintf("retryable: %s", self.err)
}

func (self *retryableError) Unwrap() error {
	return self.err
}

func IsRetryableError(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
