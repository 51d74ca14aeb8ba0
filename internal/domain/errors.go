package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can tell "the grid is down" from
// "my disk is broken" from "my input is wrong".
type Kind string

const (
	KindNetwork        Kind = "NETWORK_ERROR"
	KindFileAccess     Kind = "FILE_ACCESS_ERROR"
	KindValidation     Kind = "VALIDATION_FAILED"
	KindInvalidPayload Kind = "INVALID_PAYLOAD"
)

var (
	// ErrNetwork matches any failure of a remote broker call.
	ErrNetwork = errors.New("network failure")
	// ErrFileAccess matches staging, read and write failures on local files.
	ErrFileAccess = errors.New("local file access failure")
	// ErrValidation matches manifest parameters that are missing, malformed or out of range.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidPayload matches data archives that cannot be staged.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrProjectExists is returned when uploading a project name the broker already knows.
	ErrProjectExists = errors.New("project already exists")
	// ErrNotReady is returned when downloading a project that is not ready for download.
	ErrNotReady = errors.New("project is not ready for download")
)

var kindSentinels = map[Kind]error{
	KindNetwork:        ErrNetwork,
	KindFileAccess:     ErrFileAccess,
	KindValidation:     ErrValidation,
	KindInvalidPayload: ErrInvalidPayload,
}

// Error carries the failing operation and project alongside the underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Project string
	Err     error
}

func (e *Error) Error() string {
	if e.Project != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Project, kindSentinels[e.Kind], e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kindSentinels[e.Kind], e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

func NewError(kind Kind, op, project string, err error) *Error {
	return &Error{Kind: kind, Op: op, Project: project, Err: err}
}

func NetworkError(op, project string, err error) error {
	return NewError(KindNetwork, op, project, err)
}

func FileAccessError(op, project string, err error) error {
	return NewError(KindFileAccess, op, project, err)
}

func InvalidPayloadError(op, project string, err error) error {
	return NewError(KindInvalidPayload, op, project, err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
