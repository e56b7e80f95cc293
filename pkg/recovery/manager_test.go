// Copyright 2025 LedgerVault Project
//
// Tests for corruption diagnosis and the ordered recovery strategies

package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ledgervault/ledgervault/pkg/chain"
	"github.com/ledgervault/ledgervault/pkg/config"
	"github.com/ledgervault/ledgervault/pkg/crypto"
	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	"github.com/ledgervault/ledgervault/pkg/keystore"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/ledger/ledgertest"
	"github.com/ledgervault/ledgervault/pkg/offchain"
)

type fixture struct {
	engine  *chain.Engine
	manager *Manager
	blocks  *ledgertest.MemoryBlockStore
	keys    *keystore.Service

	adminPriv *mldsa.PrivateKey
	adminPub  *mldsa.PublicKey
	admin     keystore.Credentials

	userPriv *mldsa.PrivateKey
	userPub  *mldsa.PublicKey
}

// newFixture builds an engine with three blocks signed by a user key, then
// force-deletes that key so the blocks are orphaned.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.OffChainRoot = t.TempDir()

	blocks := ledgertest.NewMemoryBlockStore()
	keys, err := keystore.New(ledgertest.NewMemoryKeyStore(), blocks, nil)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	store, err := offchain.NewStore(cfg.OffChainRoot, nil, nil)
	if err != nil {
		t.Fatalf("off-chain store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine, err := chain.New(chain.Params{
		Config:       cfg,
		Blocks:       blocks,
		Index:        ledgertest.NewMemoryIndexStore(),
		Keys:         keys,
		OffChain:     store,
		MasterSecret: []byte("recovery master secret"),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	adminPriv, adminPub, err := mldsa.GenerateKeyPair()
	if err != nil {
		t.Fatalf("admin keypair: %v", err)
	}
	if _, err := keys.Bootstrap(ctx, adminPub.Bytes(), "admin"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	admin := keystore.Credentials{PublicKey: adminPub.Bytes()}

	userPriv, userPub, err := mldsa.GenerateKeyPair()
	if err != nil {
		t.Fatalf("user keypair: %v", err)
	}
	if _, err := keys.Register(ctx, admin, userPub.Bytes(), "user", ledger.RoleUser); err != nil {
		t.Fatalf("register user: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := engine.Append(ctx, []byte(fmt.Sprintf("entry %d", i)), userPriv, userPub, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	fingerprint := userPub.Fingerprint()
	sig, err := adminPriv.Sign(crypto.AdminDeleteMessage(fingerprint, true, "incident"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := keys.Delete(ctx, admin, userPub.Bytes(), true, "incident", sig); err != nil {
		t.Fatalf("forced delete: %v", err)
	}

	return &fixture{
		engine:    engine,
		manager:   New(engine, keys, blocks, nil),
		blocks:    blocks,
		keys:      keys,
		adminPriv: adminPriv,
		adminPub:  adminPub,
		admin:     admin,
		userPriv:  userPriv,
		userPub:   userPub,
	}
}

func TestDiagnose(t *testing.T) {
	f := newFixture(t)

	d, err := f.manager.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.TotalBlocks != 4 {
		t.Fatalf("total = %d, want 4", d.TotalBlocks)
	}
	if d.CorruptedBlocks != 3 {
		t.Fatalf("corrupted = %d, want 3", d.CorruptedBlocks)
	}
	if d.ValidBlocks != 1 {
		t.Fatalf("valid = %d, want 1", d.ValidBlocks)
	}
	if d.OrphanedSigners[f.userPub.Fingerprint()] != 3 {
		t.Fatalf("orphaned signers = %v", d.OrphanedSigners)
	}
	if len(d.Sample) == 0 || len(d.Sample) > maxSampleBlocks {
		t.Fatalf("sample size = %d", len(d.Sample))
	}
	if d.FirstCorrupted == nil || *d.FirstCorrupted != 1 {
		t.Fatalf("first corrupted = %v, want 1", d.FirstCorrupted)
	}
}

func TestRecover_Reauthorize(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.manager.Recover(context.Background(), Options{
		AdminCredentials: f.admin,
		OrphanedKeys:     [][]byte{f.userPub.Bytes()},
		OwnerName:        "restored user",
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome.Strategy != StrategyReauthorize {
		t.Fatalf("strategy = %s", outcome.Strategy)
	}
	if !outcome.Restored {
		t.Fatal("re-authorization did not restore compliance")
	}

	report, err := f.engine.ValidateDetailed(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.FullyCompliant {
		t.Fatal("chain not compliant after re-authorization")
	}
	if report.TotalBlocks != 4 {
		t.Fatal("re-authorization lost blocks")
	}
}

func TestRecover_SmartRollback(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.manager.Recover(context.Background(), Options{
		AdminCredentials: f.admin,
		AdminPrivate:     f.adminPriv,
		AdminPublic:      f.adminPub,
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome.Strategy != StrategySmartRollback {
		t.Fatalf("strategy = %s", outcome.Strategy)
	}
	if !outcome.Restored {
		t.Fatal("rollback did not restore compliance")
	}
	if outcome.RemovedBlocks != 3 {
		t.Fatalf("removed = %d, want 3", outcome.RemovedBlocks)
	}

	last, err := f.blocks.LastBlockRefreshed(context.Background())
	if err != nil {
		t.Fatalf("last block: %v", err)
	}
	if last.Number != ledger.GenesisNumber {
		t.Fatalf("head = %d, want genesis", last.Number)
	}
}

func TestRecover_PartialExport(t *testing.T) {
	f := newFixture(t)
	exportPath := filepath.Join(t.TempDir(), "prefix.json")

	outcome, err := f.manager.Recover(context.Background(), Options{
		AdminCredentials: f.admin,
		ExportPath:       exportPath,
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome.Strategy != StrategyPartialExport {
		t.Fatalf("strategy = %s", outcome.Strategy)
	}
	if outcome.Restored {
		t.Fatal("partial export claimed to restore the live chain")
	}
	if outcome.ExportPath != exportPath {
		t.Fatalf("export path = %s", outcome.ExportPath)
	}

	// The live chain stays corrupted
	report, err := f.engine.ValidateDetailed(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.FullyCompliant {
		t.Fatal("partial export changed the live chain")
	}
}

func TestRecover_AlreadyCompliant(t *testing.T) {
	f := newFixture(t)

	// First restore via re-authorization
	if _, err := f.manager.Recover(context.Background(), Options{
		AdminCredentials: f.admin,
		OrphanedKeys:     [][]byte{f.userPub.Bytes()},
		OwnerName:        "restored",
	}); err != nil {
		t.Fatalf("recover: %v", err)
	}

	outcome, err := f.manager.Recover(context.Background(), Options{AdminCredentials: f.admin})
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if !outcome.Restored {
		t.Fatal("compliant chain reported unrestored")
	}
}
