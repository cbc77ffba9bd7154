package postgres

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mkowalik/stockflow/internal/persistence"
)

// classify translates driver errors into the persistence failure kinds.
// SQLSTATE class 23 is integrity, 08 is connection, 57 is operator
// intervention (shutdown, cancel).
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %v: %w", op, err, persistence.ErrConnection)
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code.Class() {
		case "23":
			return fmt.Errorf("%s: %v: %w", op, err, persistence.ErrConstraint)
		case "08", "57":
			return fmt.Errorf("%s: %v: %w", op, err, persistence.ErrConnection)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation reports a 23505 unique constraint error.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
