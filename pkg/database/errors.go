// Copyright 2025 LedgerVault Project
//
// Package database provides error classification for repository operations.
// Not-found conditions surface as the pkg/ledger sentinels so callers do not
// depend on this package.

package database

import (
	"errors"

	"github.com/lib/pq"
)

// PostgreSQL error codes that indicate a transient conflict worth retrying
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
	pqUniqueViolation      = "23505"
)

// isRetryableConflict reports whether err is a transient serialization or
// locking conflict.
func isRetryableConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
		return true
	}
	return false
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == pqUniqueViolation
}
