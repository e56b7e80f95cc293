// Copyright 2025 LedgerVault Project
//
// Repository tests against a real PostgreSQL database.
// Gated on LEDGERVAULT_TEST_DB; skipped when no test database is configured.

package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ledgervault/ledgervault/pkg/config"
	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	"github.com/ledgervault/ledgervault/pkg/ledger"
)

var testClient *Client

func TestMain(m *testing.M) {
	connStr := os.Getenv("LEDGERVAULT_TEST_DB")
	if connStr == "" {
		// Skip database tests if no test DB configured
		os.Exit(0)
	}

	cfg := config.Default()
	cfg.DatabaseURL = connStr

	var err error
	testClient, err = Open(cfg, nil)
	if err != nil {
		panic("Failed to connect to test database: " + err.Error())
	}
	if err := testClient.Migrate(context.Background()); err != nil {
		panic("Failed to migrate test database: " + err.Error())
	}

	code := m.Run()

	testClient.Close()
	os.Exit(code)
}

func cleanTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"index_tokens", "index_entries", "blocks",
		"off_chain_records", "authorized_keys", "hierarchical_keys", "block_sequence"} {
		if _, err := testClient.DB().ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
}

func testChainBlock(t *testing.T, number uint64, prev *ledger.Block) *ledger.Block {
	t.Helper()
	b := &ledger.Block{
		Number:            number,
		Timestamp:         ledger.TruncateTimestamp(time.Now()),
		Data:              "payload",
		SignerFingerprint: "test-signer",
		Category:          ledger.CategoryOther,
		AutoKeywords:      []string{"payload"},
	}
	if prev != nil {
		b.PreviousHash = prev.Hash
	}
	b.Hash = b.ComputeHash()
	b.Signature = make([]byte, 8)
	return b
}

func TestBlockRepository_PersistAndRead(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	cleanTables(t)

	repo := NewBlockRepository(testClient)
	ctx := context.Background()

	genesis := testChainBlock(t, 0, nil)
	if err := repo.PersistBlock(ctx, genesis); err != nil {
		t.Fatalf("persist genesis: %v", err)
	}
	b1 := testChainBlock(t, 1, genesis)
	b1.CustomMetadata = map[string]string{"ward": "B2"}
	if err := repo.PersistBlock(ctx, b1); err != nil {
		t.Fatalf("persist block 1: %v", err)
	}

	got, err := repo.BlockByNumber(ctx, 1)
	if err != nil {
		t.Fatalf("get block 1: %v", err)
	}
	if got.Data != "payload" || got.CustomMetadata["ward"] != "B2" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	last, err := repo.LastBlockRefreshed(ctx)
	if err != nil {
		t.Fatalf("last block: %v", err)
	}
	if last.Number != 1 {
		t.Fatalf("last = %d", last.Number)
	}

	count, err := repo.CountBlocks(ctx)
	if err != nil || count != 2 {
		t.Fatalf("count = %d, %v", count, err)
	}

	has, err := repo.HasBlocksSignedBy(ctx, "test-signer")
	if err != nil || !has {
		t.Fatalf("HasBlocksSignedBy = %v, %v", has, err)
	}
}

func TestBlockRepository_Sequence(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	cleanTables(t)

	repo := NewBlockRepository(testClient)
	ctx := context.Background()

	for want := uint64(0); want < 5; want++ {
		got, err := repo.NextBlockNumber(ctx)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if got != want {
			t.Fatalf("allocated %d, want %d", got, want)
		}
	}
}

func TestBlockRepository_Stream(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	cleanTables(t)

	repo := NewBlockRepository(testClient)
	ctx := context.Background()

	prev := testChainBlock(t, 0, nil)
	blocks := []*ledger.Block{prev}
	for n := uint64(1); n < 10; n++ {
		b := testChainBlock(t, n, prev)
		blocks = append(blocks, b)
		prev = b
	}
	if err := repo.PersistBlocks(ctx, blocks); err != nil {
		t.Fatalf("persist batch: %v", err)
	}

	var visited []uint64
	err := repo.StreamAllBlocks(ctx, func(b *ledger.Block) (bool, error) {
		visited = append(visited, b.Number)
		return true, nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(visited) != 10 {
		t.Fatalf("visited %d blocks", len(visited))
	}
	for i, n := range visited {
		if n != uint64(i) {
			t.Fatalf("stream order broken at %d: %v", i, visited)
		}
	}

	// Early termination
	visited = visited[:0]
	err = repo.StreamAllBlocks(ctx, func(b *ledger.Block) (bool, error) {
		visited = append(visited, b.Number)
		return len(visited) < 3, nil
	})
	if err != nil || len(visited) != 3 {
		t.Fatalf("early termination visited %d, err %v", len(visited), err)
	}
}

func TestKeyRepository_TemporalRecords(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	cleanTables(t)

	repo := NewKeyRepository(testClient)
	ctx := context.Background()

	_, pub, err := mldsa.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	fp := pub.Fingerprint()

	created := time.Now().UTC().Add(-time.Hour)
	rec := &ledger.AuthorizedKey{
		Fingerprint: fp,
		PublicKey:   pub.Bytes(),
		OwnerName:   "owner",
		Role:        ledger.RoleUser,
		CreatedAt:   created,
		Active:      true,
	}
	if err := repo.InsertKeyRecord(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := repo.KeyRecordAt(ctx, fp, created.Add(time.Minute))
	if err != nil {
		t.Fatalf("record at: %v", err)
	}
	if got.Role != ledger.RoleUser {
		t.Fatalf("role = %s", got.Role)
	}

	if _, err := repo.KeyRecordAt(ctx, fp, created.Add(-time.Minute)); err != ledger.ErrKeyNotFound {
		t.Fatalf("record before creation = %v, want ErrKeyNotFound", err)
	}

	if err := repo.RevokeActiveKeyRecord(ctx, fp, time.Now().UTC()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := repo.ActiveKeyRecord(ctx, fp); err != ledger.ErrKeyNotFound {
		t.Fatalf("active after revoke = %v, want ErrKeyNotFound", err)
	}

	records, err := repo.ListKeyRecords(ctx)
	if err != nil || len(records) != 1 {
		t.Fatalf("history lost: %d records, %v", len(records), err)
	}
}

func TestIndexRepository_TokensAndSearch(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	cleanTables(t)

	blockRepo := NewBlockRepository(testClient)
	indexRepo := NewIndexRepository(testClient)
	ctx := context.Background()

	genesis := testChainBlock(t, 0, nil)
	if err := blockRepo.PersistBlock(ctx, genesis); err != nil {
		t.Fatalf("persist: %v", err)
	}

	entry := &ledger.IndexEntry{
		BlockNumber:       0,
		PublicTokens:      []string{"lisinopril", "prescription"},
		SizeBucket:        ledger.SizeBucketSmall,
		SignerFingerprint: "test-signer",
		KeywordsByCategory: map[ledger.Category][]string{
			ledger.CategoryMedical: {"prescription"},
		},
	}
	if err := indexRepo.PutIndexEntry(ctx, entry); err != nil {
		t.Fatalf("put entry: %v", err)
	}
	// Upsert keeps a single entry
	if err := indexRepo.PutIndexEntry(ctx, entry); err != nil {
		t.Fatalf("second put: %v", err)
	}

	numbers, err := indexRepo.FindBlocksByToken(ctx, "lisinopril", false, 10)
	if err != nil || len(numbers) != 1 || numbers[0] != 0 {
		t.Fatalf("token search = %v, %v", numbers, err)
	}

	numbers, err = indexRepo.FindBlocksByToken(ctx, "lisin", true, 10)
	if err != nil || len(numbers) != 1 {
		t.Fatalf("prefix search = %v, %v", numbers, err)
	}

	numbers, err = indexRepo.FindBlocksByCategoryKeyword(ctx, ledger.CategoryMedical, "prescription", 10)
	if err != nil || len(numbers) != 1 {
		t.Fatalf("category search = %v, %v", numbers, err)
	}
}
