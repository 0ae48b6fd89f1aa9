package service

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoCallersAvailable means the registry is empty. The lead stays
// persisted and unassigned; retrying without adding callers cannot help.
var ErrNoCallersAvailable = errors.New("no callers available")

// ErrLeadNotFound is returned when assign is called for an unknown lead id.
var ErrLeadNotFound = errors.New("lead not found")

// IsRetryableConflict reports whether the error came from lock contention
// rather than a real persistence failure: lock_timeout expiry,
// serialization failure, or deadlock detection. Callers retry the whole
// assign call; rollback guarantees no partial state survived.
func IsRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "55P03", // lock_not_available
		"40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}
