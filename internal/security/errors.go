package security

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/juju/errors"
)

// Error kinds not covered by juju/errors. NotFound, Conflict (AlreadyExists),
// InvalidConfig (NotValid) and LaunchTimeout (Timeout) use the juju kinds.
const (
	ErrProcess = errors.ConstError("process error")
	ErrIO      = errors.ConstError("io error")
)

// ProcessError wraps an OS-level launch or signal failure.
func ProcessError(err error, format string, args ...any) error {
	return &kindError{kind: ErrProcess, msg: fmt.Sprintf(format, args...), cause: err}
}

// IOError wraps a config or marker read/write failure.
func IOError(err error, format string, args ...any) error {
	return &kindError{kind: ErrIO, msg: fmt.Sprintf(format, args...), cause: err}
}

type kindError struct {
	kind  errors.ConstError
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Kind names the taxonomy bucket an error belongs to.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errors.NotFound):
		return "NotFound"
	case errors.Is(err, errors.AlreadyExists):
		return "Conflict"
	case errors.Is(err, errors.NotValid):
		return "InvalidConfig"
	case errors.Is(err, errors.Timeout):
		return "LaunchTimeout"
	case errors.Is(err, ErrProcess):
		return "ProcessError"
	case errors.Is(err, ErrIO):
		return "IOError"
	}
	return "Internal"
}

// HTTPStatus maps an error to the status code reported by the API.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case "NotFound":
		return http.StatusNotFound
	case "Conflict", "InvalidConfig":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ClassifiedError separates a user-safe message from verbose debug details.
type ClassifiedError struct {
	UserSafe    string
	DebugDetail string
	cause       error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

// Unwrap exposes the wrapped error so the taxonomy survives classification.
func (e *ClassifiedError) Unwrap() error { return e.cause }

// NewClassifiedError creates a new error with separated user-safe and debug details.
func NewClassifiedError(userSafe, debugDetail string) error {
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: debugDetail}
}

// Classify attaches a user-safe message to err while keeping err as the cause.
func Classify(err error, userSafe string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: err.Error(), cause: err}
}

// UserMessage returns a message safe to show in API/CLI contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		msg := ce.UserSafe
		if msg == "" {
			msg = "operation failed"
		}
		if redact {
			return RedactMessage(msg)
		}
		return msg
	}
	if redact {
		return RedactMessage(err.Error())
	}
	return err.Error()
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return ce.DebugDetail
		}
	}
	return err.Error()
}

// RedactMessage strips common sensitive path prefixes from user-visible text.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	if strings.Contains(out, "/.ssh/") {
		out = strings.ReplaceAll(out, "/.ssh/", "/.ssh/[redacted]/")
	}
	if strings.Contains(out, "/keys/") {
		out = strings.ReplaceAll(out, "/keys/", "/keys/[redacted]/")
	}
	return out
}
