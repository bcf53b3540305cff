// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"errors"

	"github.com/lib/pq"
)

// pgCodeUniqueViolation is the SQLSTATE of a unique constraint violation.
const pgCodeUniqueViolation = "23505"

// isUniqueViolation is true if err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgCodeUniqueViolation
	}
	return false
}
