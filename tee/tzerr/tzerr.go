// Package tzerr defines the error taxonomy shared by every secure-world component.
//
// Errors only ever carry a Kind and a static operation name: no buffer content, key id or
// other caller-supplied data is ever embedded in an error crossing the world boundary.
package tzerr

import (
	"errors"
	"fmt"
)

// Kind classifies a secure-world failure.
type Kind uint8

const (
	// OK is the zero Kind, only used in boundary responses.
	OK Kind = iota
	InvalidArgument
	BufferTooLarge
	NotFound
	KeyUnavailable
	NotInitialized
	ResourceExhausted
	// InternalFault is fatal: the session must be re-initialized.
	InternalFault
)

var kindNames = map[Kind]string{
	OK:                "ok",
	InvalidArgument:   "invalid argument",
	BufferTooLarge:    "buffer too large",
	NotFound:          "not found",
	KeyUnavailable:    "key unavailable",
	NotInitialized:    "not initialized",
	ResourceExhausted: "resource exhausted",
	InternalFault:     "internal fault",
}

func (k Kind) String() string {
	n, ok := kindNames[k]
	if !ok {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}

	return n
}

// Valid reports whether k is a known Kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Fatal reports whether an error of kind k must abort the secure session.
func (k Kind) Fatal() bool {
	return k == InternalFault
}

// Error is the only error type returned across the boundary.
type Error struct {
	Kind Kind
	Op   string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String()
	}

	return e.Op + ": " + e.Kind.String()
}

// Is matches any *Error with the same Kind, regardless of Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

var (
	ErrInvalidArgument   = &Error{Kind: InvalidArgument}
	ErrBufferTooLarge    = &Error{Kind: BufferTooLarge}
	ErrNotFound          = &Error{Kind: NotFound}
	ErrKeyUnavailable    = &Error{Kind: KeyUnavailable}
	ErrNotInitialized    = &Error{Kind: NotInitialized}
	ErrResourceExhausted = &Error{Kind: ResourceExhausted}
	ErrInternalFault     = &Error{Kind: InternalFault}
)

// New returns an *Error of kind k for operation op.
func New(op string, k Kind) error {
	return &Error{Kind: k, Op: op}
}

// KindOf extracts the Kind of err.
// Nil maps to OK, errors not produced by this package map to InternalFault.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return InternalFault
}

// FromKind rebuilds an error on the normal world side of the boundary.
func FromKind(op string, k Kind) error {
	if k == OK {
		return nil
	}

	if !k.Valid() {
		k = InternalFault
	}

	return New(op, k)
}
