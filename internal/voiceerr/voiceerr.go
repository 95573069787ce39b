// Package voiceerr defines the error kinds shared by the voice service layers.
package voiceerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are comparable with errors.Is.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	ErrValidation        = Kind("invalid request")
	ErrNotFound          = Kind("not found")
	ErrModelLoad         = Kind("model load failed")
	ErrReferenceArtifact = Kind("reference artifact unavailable")
	ErrStorage           = Kind("storage error")
	ErrSynthesis         = Kind("synthesis failed")
	ErrUnavailable       = Kind("device unavailable")
)

// Error carries a Kind together with the operation that failed and its cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error. err may be nil.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the outermost Kind found in err's chain, or "" when err
// carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
