// Copyright 2025 LedgerVault Project
//
// Storage contracts the persistence layer implements. This is the only
// database surface the engine depends on; pkg/database provides the
// Postgres implementation.
//
// Streaming methods visit blocks in ascending number order and never
// materialize the chain; a visitor returning false stops the stream early
// without error.

package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BlockVisitor consumes one block per call. Returning false stops the
// stream; returning an error aborts it.
type BlockVisitor func(*Block) (bool, error)

// BlockStore is the block persistence contract.
//
// PersistBlocks writes the batch inside a single transaction with ordered
// inserts. NextBlockNumber atomically allocates the next block number under
// a pessimistic write lock; it is the only authority for block numbers. A
// retryable allocation conflict surfaces as ErrSequenceConflict.
type BlockStore interface {
	PersistBlock(ctx context.Context, b *Block) error
	PersistBlocks(ctx context.Context, blocks []*Block) error

	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	LastBlock(ctx context.Context) (*Block, error)
	// LastBlockRefreshed forces a fresh read past any session cache so the
	// result reflects the latest committed write.
	LastBlockRefreshed(ctx context.Context) (*Block, error)
	CountBlocks(ctx context.Context) (uint64, error)
	HasBlocksSignedBy(ctx context.Context, fingerprint string) (bool, error)

	StreamAllBlocks(ctx context.Context, v BlockVisitor) error
	StreamBlocksByTimeRange(ctx context.Context, lo, hi time.Time, v BlockVisitor) error
	StreamEncryptedBlocks(ctx context.Context, v BlockVisitor) error
	StreamBlocksWithOffChain(ctx context.Context, v BlockVisitor) error
	StreamBlocksAfter(ctx context.Context, number uint64, v BlockVisitor) error
	StreamBlocksBySigner(ctx context.Context, fingerprint string, v BlockVisitor) error
	StreamBlocksByCategory(ctx context.Context, c Category, v BlockVisitor) error

	DeleteBlockByNumber(ctx context.Context, number uint64) error
	DeleteBlocksAfter(ctx context.Context, number uint64) (uint64, error)

	NextBlockNumber(ctx context.Context) (uint64, error)
}

// KeyRecordStore persists authorized-key and hierarchical-key records.
// Key records are append-only aside from revocation; historical records are
// preserved so old blocks stay verifiable.
type KeyRecordStore interface {
	InsertKeyRecord(ctx context.Context, rec *AuthorizedKey) error
	ActiveKeyRecord(ctx context.Context, fingerprint string) (*AuthorizedKey, error)
	// KeyRecordAt returns the record with the largest CreatedAt <= at.
	KeyRecordAt(ctx context.Context, fingerprint string, at time.Time) (*AuthorizedKey, error)
	RevokeActiveKeyRecord(ctx context.Context, fingerprint string, at time.Time) error
	DeleteKeyRecords(ctx context.Context, fingerprint string) error
	ListKeyRecords(ctx context.Context) ([]*AuthorizedKey, error)
	CountKeyRecords(ctx context.Context) (uint64, error)

	InsertHierarchicalKey(ctx context.Context, key *HierarchicalKey) error
	HierarchicalKeyByID(ctx context.Context, id uuid.UUID) (*HierarchicalKey, error)
	RevokeHierarchicalKey(ctx context.Context, id uuid.UUID, at time.Time) error
	ReparentHierarchicalKeys(ctx context.Context, oldParent, newParent uuid.UUID) error
}

// IndexStore persists per-block search metadata. PutIndexEntry is an upsert
// keyed on block number so the invariant of at most one entry per block
// holds at the storage layer too.
type IndexStore interface {
	PutIndexEntry(ctx context.Context, entry *IndexEntry) error
	IndexEntryByBlock(ctx context.Context, number uint64) (*IndexEntry, error)
	// FindBlocksByToken returns block numbers whose entries carry token,
	// ascending. With prefix=true the token is a prefix pattern.
	FindBlocksByToken(ctx context.Context, token string, prefix bool, limit int) ([]uint64, error)
	FindBlocksByCategoryKeyword(ctx context.Context, c Category, token string, limit int) ([]uint64, error)
	DeleteIndexEntry(ctx context.Context, number uint64) error
	DeleteIndexEntriesAfter(ctx context.Context, number uint64) error
}
