// Package postgres implements the newsletter and contact repositories on
// PostgreSQL via lib/pq. Schema lives in migrations/001_newsletter.sql.
package postgres

import (
	"errors"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
