package rox

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// Validation signals a schema violation, e.g. a missing required field on create.
	Validation
	// NotInTransaction signals a mutation attempted outside an open transaction.
	NotInTransaction
	// Concurrency signals an overlapping transaction or a lifecycle/transaction clash.
	Concurrency
	// InvalidHandle signals use of a handle whose record has been deleted.
	InvalidHandle
	// StoreClosed signals any operation against a closed store or its derived objects.
	StoreClosed
	// Authentication signals a credential exchange failure during store open.
	Authentication
	// SyncSession signals a replica session establishment or subscription failure.
	SyncSession
)

// ROX custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData != nil {
		return fmt.Sprintf("error code: %d, user data: %v, details: %v", e.Code, e.UserData, e.Err)
	}
	return fmt.Sprintf("error code: %d, details: %v", e.Code, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode of an error, Unknown if it is not a rox.Error.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
