// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"errors"

	"decred.org/dcrcustody/custody"
)

const (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = custody.ErrorKind("not found")
	// ErrNotLocked is returned when a row is modified without holding its
	// lock in the current transaction.
	ErrNotLocked = custody.ErrorKind("row not locked")
)

// IsErrNotFound is true if err wraps ErrNotFound.
func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
