// Package stage classifies pipeline failures by the stage that produced them.
package stage

import (
	"errors"
	"fmt"
)

// Kind names the pipeline stage a failure belongs to.
type Kind int

const (
	Unknown Kind = iota
	Download
	Transcription
	Generation
	Synthesis
	Transcode
	Delivery
)

func (k Kind) String() string {
	switch k {
	case Download:
		return "download"
	case Transcription:
		return "transcription"
	case Generation:
		return "generation"
	case Synthesis:
		return "synthesis"
	case Transcode:
		return "transcode"
	case Delivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Terminal reports whether a failure of this kind aborts the turn. Synthesis
// and transcode failures only degrade the reply.
func (k Kind) Terminal() bool {
	switch k {
	case Download, Transcription, Generation:
		return true
	default:
		return false
	}
}

// Error carries the stage kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " failed"
	}
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. A nil err yields a bare stage error; an error that
// already carries a kind keeps it.
func Wrap(kind Kind, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a stage error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the stage kind from err.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return Unknown, false
}

// IsTerminal reports whether err aborts the current turn. Unclassified errors
// are treated as terminal.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	return kind.Terminal()
}
