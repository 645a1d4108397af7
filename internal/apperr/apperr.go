// Package apperr defines the error taxonomy shared by the room core.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAdmission
	KindTransientStore
	KindPermanentStore
	KindNotMember
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAdmission:
		return "admission"
	case KindTransientStore:
		return "transient_store"
	case KindPermanentStore:
		return "permanent_store"
	case KindNotMember:
		return "not_member"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind and code so wrapped copies still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

var (
	ErrRoomFull     = &Error{Kind: KindAdmission, Code: "room_full", Message: "room is full"}
	ErrRoomExpired  = &Error{Kind: KindAdmission, Code: "room_expired", Message: "room has expired"}
	ErrRateLimited  = &Error{Kind: KindAdmission, Code: "rate_limited", Message: "too many connections"}
	ErrNotMember    = &Error{Kind: KindNotMember, Code: "not_member", Message: "not a member of this room"}
	ErrRoomNotFound = &Error{Kind: KindPermanentStore, Code: "not_found", Message: "room not found"}
	ErrRoomExists   = &Error{Kind: KindPermanentStore, Code: "exists", Message: "room already exists"}
	ErrConflict     = &Error{Kind: KindTransientStore, Code: "conflict", Message: "write conflict"}

	ErrMessageNotFound = &Error{Kind: KindPermanentStore, Code: "message_not_found", Message: "message not found"}
)

func Validation(format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "validation",
		Message: fmt.Sprintf(format, args...),
	}
}

func Transient(err error) *Error {
	return &Error{
		Kind:    KindTransientStore,
		Code:    "unavailable",
		Message: "store temporarily unavailable",
		Err:     err,
	}
}

func Permanent(err error) *Error {
	return &Error{
		Kind:    KindPermanentStore,
		Code:    "store",
		Message: "store error",
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransientStore
}

// Classify maps a raw store error onto the taxonomy. Errors that already carry
// a kind are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}

	return Permanent(err)
}
