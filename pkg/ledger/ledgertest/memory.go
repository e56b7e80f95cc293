// Copyright 2025 LedgerVault Project
//
// In-memory implementations of the ledger store contracts. They back the
// engine-level tests and demo wiring; production deployments use the
// Postgres repositories in pkg/database.

package ledgertest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgervault/ledgervault/pkg/ledger"
)

// MemoryBlockStore implements ledger.BlockStore in memory
type MemoryBlockStore struct {
	mu       sync.Mutex
	blocks   map[uint64]*ledger.Block
	sequence uint64
	seqInit  bool
}

// NewMemoryBlockStore creates an empty in-memory block store
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{blocks: make(map[uint64]*ledger.Block)}
}

func (s *MemoryBlockStore) PersistBlock(ctx context.Context, b *ledger.Block) error {
	return s.PersistBlocks(ctx, []*ledger.Block{b})
}

func (s *MemoryBlockStore) PersistBlocks(_ context.Context, blocks []*ledger.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		if _, exists := s.blocks[b.Number]; exists {
			return ledger.ErrSequenceConflict
		}
	}
	for _, b := range blocks {
		cp := *b
		s.blocks[b.Number] = &cp
	}
	return nil
}

func (s *MemoryBlockStore) BlockByNumber(_ context.Context, number uint64) (*ledger.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[number]
	if !ok {
		return nil, ledger.ErrBlockNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryBlockStore) LastBlock(ctx context.Context) (*ledger.Block, error) {
	return s.LastBlockRefreshed(ctx)
}

func (s *MemoryBlockStore) LastBlockRefreshed(_ context.Context) (*ledger.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *ledger.Block
	for _, b := range s.blocks {
		if last == nil || b.Number > last.Number {
			last = b
		}
	}
	if last == nil {
		return nil, ledger.ErrBlockNotFound
	}
	cp := *last
	return &cp, nil
}

func (s *MemoryBlockStore) CountBlocks(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.blocks)), nil
}

func (s *MemoryBlockStore) HasBlocksSignedBy(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.blocks {
		if b.SignerFingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

// ordered returns copies of all blocks in ascending number order
func (s *MemoryBlockStore) ordered() []*ledger.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ledger.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (s *MemoryBlockStore) streamFiltered(v ledger.BlockVisitor, keep func(*ledger.Block) bool) error {
	for _, b := range s.ordered() {
		if !keep(b) {
			continue
		}
		cont, err := v(b)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *MemoryBlockStore) StreamAllBlocks(_ context.Context, v ledger.BlockVisitor) error {
	return s.streamFiltered(v, func(*ledger.Block) bool { return true })
}

func (s *MemoryBlockStore) StreamBlocksByTimeRange(_ context.Context, lo, hi time.Time, v ledger.BlockVisitor) error {
	return s.streamFiltered(v, func(b *ledger.Block) bool {
		return !b.Timestamp.Before(lo) && !b.Timestamp.After(hi)
	})
}

func (s *MemoryBlockStore) StreamEncryptedBlocks(_ context.Context, v ledger.BlockVisitor) error {
	return s.streamFiltered(v, func(b *ledger.Block) bool { return b.IsEncrypted })
}

func (s *MemoryBlockStore) StreamBlocksWithOffChain(_ context.Context, v ledger.BlockVisitor) error {
	return s.streamFiltered(v, func(b *ledger.Block) bool { return b.OffChain != nil })
}

func (s *MemoryBlockStore) StreamBlocksAfter(_ context.Context, number uint64, v ledger.BlockVisitor) error {
	return s.streamFiltered(v, func(b *ledger.Block) bool { return b.Number > number })
}

func (s *MemoryBlockStore) StreamBlocksBySigner(_ context.Context, fingerprint string, v ledger.BlockVisitor) error {
	return s.streamFiltered(v, func(b *ledger.Block) bool { return b.SignerFingerprint == fingerprint })
}

func (s *MemoryBlockStore) StreamBlocksByCategory(_ context.Context, c ledger.Category, v ledger.BlockVisitor) error {
	return s.streamFiltered(v, func(b *ledger.Block) bool { return b.Category == c })
}

func (s *MemoryBlockStore) DeleteBlockByNumber(_ context.Context, number uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[number]; !ok {
		return ledger.ErrBlockNotFound
	}
	delete(s.blocks, number)
	return nil
}

func (s *MemoryBlockStore) DeleteBlocksAfter(_ context.Context, number uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed uint64
	for n := range s.blocks {
		if n > number {
			delete(s.blocks, n)
			removed++
		}
	}
	if s.seqInit && s.sequence > number+1 {
		s.sequence = number + 1
	}
	return removed, nil
}

func (s *MemoryBlockStore) NextBlockNumber(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seqInit {
		s.sequence = 0
		for n := range s.blocks {
			if n+1 > s.sequence {
				s.sequence = n + 1
			}
		}
		s.seqInit = true
	}
	n := s.sequence
	s.sequence++
	return n, nil
}

// MemoryKeyStore implements ledger.KeyRecordStore in memory
type MemoryKeyStore struct {
	mu       sync.Mutex
	records  []*ledger.AuthorizedKey
	hierKeys map[uuid.UUID]*ledger.HierarchicalKey
}

// NewMemoryKeyStore creates an empty in-memory key store
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{hierKeys: make(map[uuid.UUID]*ledger.HierarchicalKey)}
}

func (s *MemoryKeyStore) InsertKeyRecord(_ context.Context, rec *ledger.AuthorizedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryKeyStore) ActiveKeyRecord(_ context.Context, fingerprint string) (*ledger.AuthorizedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Fingerprint == fingerprint && s.records[i].Active {
			cp := *s.records[i]
			return &cp, nil
		}
	}
	return nil, ledger.ErrKeyNotFound
}

func (s *MemoryKeyStore) KeyRecordAt(_ context.Context, fingerprint string, at time.Time) (*ledger.AuthorizedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *ledger.AuthorizedKey
	for _, rec := range s.records {
		if rec.Fingerprint != fingerprint || rec.CreatedAt.After(at) {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, ledger.ErrKeyNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryKeyStore) RevokeActiveKeyRecord(_ context.Context, fingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Fingerprint == fingerprint && s.records[i].Active {
			t := at
			s.records[i].RevokedAt = &t
			s.records[i].Active = false
			return nil
		}
	}
	return ledger.ErrKeyNotFound
}

func (s *MemoryKeyStore) DeleteKeyRecords(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	found := false
	for _, rec := range s.records {
		if rec.Fingerprint == fingerprint {
			found = true
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	if !found {
		return ledger.ErrKeyNotFound
	}
	return nil
}

func (s *MemoryKeyStore) ListKeyRecords(_ context.Context) ([]*ledger.AuthorizedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ledger.AuthorizedKey, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryKeyStore) CountKeyRecords(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.records)), nil
}

func (s *MemoryKeyStore) InsertHierarchicalKey(_ context.Context, key *ledger.HierarchicalKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.hierKeys[key.ID] = &cp
	return nil
}

func (s *MemoryKeyStore) HierarchicalKeyByID(_ context.Context, id uuid.UUID) (*ledger.HierarchicalKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.hierKeys[id]
	if !ok {
		return nil, ledger.ErrHierarchicalKeyNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *MemoryKeyStore) RevokeHierarchicalKey(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.hierKeys[id]
	if !ok || key.RevokedAt != nil {
		return ledger.ErrHierarchicalKeyNotFound
	}
	t := at
	key.RevokedAt = &t
	return nil
}

func (s *MemoryKeyStore) ReparentHierarchicalKeys(_ context.Context, oldParent, newParent uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.hierKeys {
		if key.ParentID != nil && *key.ParentID == oldParent {
			p := newParent
			key.ParentID = &p
		}
	}
	return nil
}

// MemoryIndexStore implements ledger.IndexStore in memory
type MemoryIndexStore struct {
	mu      sync.Mutex
	entries map[uint64]*ledger.IndexEntry

	// PutDelay widens the race window in coordination tests
	PutDelay time.Duration
	puts     int
}

// NewMemoryIndexStore creates an empty in-memory index store
func NewMemoryIndexStore() *MemoryIndexStore {
	return &MemoryIndexStore{entries: make(map[uint64]*ledger.IndexEntry)}
}

// Puts returns how many PutIndexEntry calls were made
func (s *MemoryIndexStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *MemoryIndexStore) PutIndexEntry(_ context.Context, entry *ledger.IndexEntry) error {
	if s.PutDelay > 0 {
		time.Sleep(s.PutDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries[entry.BlockNumber] = &cp
	s.puts++
	return nil
}

func (s *MemoryIndexStore) IndexEntryByBlock(_ context.Context, number uint64) (*ledger.IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[number]
	if !ok {
		return nil, ledger.ErrIndexEntryNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryIndexStore) FindBlocksByToken(_ context.Context, token string, prefix bool, limit int) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var numbers []uint64
	for number, entry := range s.entries {
		if entryHasToken(entry, token, prefix) {
			numbers = append(numbers, number)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	if len(numbers) > limit {
		numbers = numbers[:limit]
	}
	return numbers, nil
}

func (s *MemoryIndexStore) FindBlocksByCategoryKeyword(_ context.Context, c ledger.Category, token string, limit int) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var numbers []uint64
	for number, entry := range s.entries {
		for _, kw := range entry.KeywordsByCategory[c] {
			if kw == token {
				numbers = append(numbers, number)
				break
			}
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	if len(numbers) > limit {
		numbers = numbers[:limit]
	}
	return numbers, nil
}

func (s *MemoryIndexStore) DeleteIndexEntry(_ context.Context, number uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, number)
	return nil
}

func (s *MemoryIndexStore) DeleteIndexEntriesAfter(_ context.Context, number uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := range s.entries {
		if n > number {
			delete(s.entries, n)
		}
	}
	return nil
}

func entryHasToken(entry *ledger.IndexEntry, token string, prefix bool) bool {
	match := func(t string) bool {
		if prefix {
			return strings.HasPrefix(t, token)
		}
		return t == token
	}
	for _, t := range entry.PublicTokens {
		if match(t) {
			return true
		}
	}
	for _, t := range entry.PrivateTokens {
		if match(t) {
			return true
		}
	}
	return false
}
