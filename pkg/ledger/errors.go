// Copyright 2025 LedgerVault Project
//
// Package ledger provides sentinel errors for storage operations.

package ledger

import "errors"

// Sentinel errors for storage operations
var (
	// ErrBlockNotFound is returned when a requested block does not exist
	ErrBlockNotFound = errors.New("block not found")

	// ErrKeyNotFound is returned when no key record exists for a fingerprint
	ErrKeyNotFound = errors.New("key record not found")

	// ErrHierarchicalKeyNotFound is returned when a hierarchical key does not exist
	ErrHierarchicalKeyNotFound = errors.New("hierarchical key not found")

	// ErrIndexEntryNotFound is returned when a block has no index entry
	ErrIndexEntryNotFound = errors.New("index entry not found")

	// ErrSequenceConflict is returned when block-number allocation hit a
	// transient serialization conflict and may be retried
	ErrSequenceConflict = errors.New("block sequence allocation conflict")
)
