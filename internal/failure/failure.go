// Package failure classifies pipeline errors as transient or permanent and
// derives the message shown to users.
//
// Collaborators return *Error values wherever they can tell what went wrong.
// Anything else goes through a substring fallback so that infrastructure
// errors raised deep inside external tools still get retried.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the retry classification of a failure.
type Kind int

const (
	Permanent Kind = iota
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Code identifies a failure within the taxonomy.
type Code string

const (
	// Transient codes
	CodeUnavailable       Code = "unavailable"
	CodeTimeout           Code = "timeout"
	CodeAcceleratorMemory Code = "accelerator_memory"
	CodeResourceBusy      Code = "resource_busy"
	CodeDiskFull          Code = "disk_full"

	// Permanent codes
	CodeNotFound          Code = "not_found"
	CodeInvalidInput      Code = "invalid_input"
	CodeUnsupportedFormat Code = "unsupported_format"
	CodeModelMissing      Code = "model_missing"
	CodeMalformedOutput   Code = "malformed_output"
	CodeInternal          Code = "internal"
)

var transientCodes = map[Code]bool{
	CodeUnavailable:       true,
	CodeTimeout:           true,
	CodeAcceleratorMemory: true,
	CodeResourceBusy:      true,
	CodeDiskFull:          true,
}

var userMessages = map[Code]string{
	CodeUnavailable:       "An external service is temporarily unavailable. The job will be retried.",
	CodeTimeout:           "An external service timed out. The job will be retried.",
	CodeAcceleratorMemory: "GPU memory is full. The job will retry when resources are available.",
	CodeResourceBusy:      "System resources are busy. The job will be retried shortly.",
	CodeDiskFull:          "The server is running out of disk space.",
	CodeNotFound:          "The specified file was not found.",
	CodeInvalidInput:      "The file is not a supported video or is corrupted.",
	CodeUnsupportedFormat: "The requested format is not supported.",
	CodeModelMissing:      "A required model is not available. Please download it first.",
	CodeMalformedOutput:   "A processing tool returned unexpected output.",
	CodeInternal:          "An internal error occurred.",
}

// transientPatterns are matched against lowercased messages of untagged errors.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"out of memory",
	"resource busy",
	"too many open files",
	"no space left",
	"broken pipe",
	"connection aborted",
}

// Error is a classified failure raised by a collaborator.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Kind reports the classification implied by the error code.
func (e *Error) Kind() Kind {
	if transientCodes[e.Code] {
		return Transient
	}
	return Permanent
}

// New returns a classified error for op.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify maps any error to Transient or Permanent.
func Classify(err error) Kind {
	if err == nil {
		return Permanent
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	if matchesTransient(err.Error()) {
		return Transient
	}
	return Permanent
}

func matchesTransient(msg string) bool {
	msg = strings.ToLower(msg)
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err should trigger an automatic retry.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == Transient
}

// CodeOf returns the taxonomy code of err, inferring one for untagged errors.
func CodeOf(err error) Code {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}
	if Classify(err) == Transient {
		return CodeUnavailable
	}
	return CodeInternal
}

// UserMessage returns a stable description of err that never includes raw
// error text, paths or tool output.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		if msg, ok := userMessages[tagged.Code]; ok {
			return msg
		}
	}
	if Classify(err) == Transient {
		return "A temporary error occurred. The job will be retried."
	}
	return "An unexpected error occurred while processing the job."
}
