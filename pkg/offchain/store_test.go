// Copyright 2025 LedgerVault Project
//
// Tests for the encrypted sidecar store

package offchain

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/ledgervault/ledgervault/pkg/crypto"
	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
)

type fixture struct {
	store *Store
	root  string

	priv        *mldsa.PrivateKey
	pub         *mldsa.PublicKey
	fingerprint string
	blockKey    []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	store, err := NewStore(root, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	priv, pub, err := mldsa.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	blockKey, err := crypto.DeriveBlockKey([]byte("master"), 7, "record-ref")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	return &fixture{
		store:       store,
		root:        root,
		priv:        priv,
		pub:         pub,
		fingerprint: pub.Fingerprint(),
		blockKey:    blockKey,
	}
}

func TestWriteReadVerify(t *testing.T) {
	f := newFixture(t)
	payload := bytes.Repeat([]byte("sidecar payload "), 1000)

	record, err := f.store.Write(uuid.New(), 7, payload, f.blockKey, f.priv, f.fingerprint)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if record.PlaintextSize != uint64(len(payload)) {
		t.Fatalf("plaintext size = %d", record.PlaintextSize)
	}
	if len(record.CiphertextHash) != crypto.HashSize {
		t.Fatalf("hash size = %d", len(record.CiphertextHash))
	}

	got, err := f.store.Read(record, 7, f.blockKey, f.fingerprint)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("roundtrip lost the payload")
	}

	if err := f.store.Verify(record, 7, f.pub, f.blockKey, f.fingerprint); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerify_Failures(t *testing.T) {
	f := newFixture(t)
	payload := []byte("small payload")

	record, err := f.store.Write(uuid.New(), 7, payload, f.blockKey, f.priv, f.fingerprint)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	path := filepath.Join(f.root, record.FilePath)

	// Corrupt the ciphertext: the hash check fails first
	content, _ := os.ReadFile(path)
	content[0] ^= 1
	os.WriteFile(path, content, 0600)
	err = f.store.Verify(record, 7, f.pub, f.blockKey, f.fingerprint)
	if !lverrors.HasCode(err, lverrors.ErrorCodeOffChainHashMismatch) {
		t.Fatalf("corrupted file = %v, want OFF_CHAIN_HASH_MISMATCH", err)
	}

	// Restore the file but corrupt the on-chain signature
	content[0] ^= 1
	os.WriteFile(path, content, 0600)
	badSig := *record
	badSig.Signature = append([]byte{}, record.Signature...)
	badSig.Signature[0] ^= 1
	err = f.store.Verify(&badSig, 7, f.pub, f.blockKey, f.fingerprint)
	if !lverrors.HasCode(err, lverrors.ErrorCodeOffChainSignatureInvalid) {
		t.Fatalf("bad signature = %v, want OFF_CHAIN_SIGNATURE_INVALID", err)
	}

	// A wrong block key fails authenticated decryption
	wrongKey, _ := crypto.DeriveBlockKey([]byte("master"), 8, "record-ref")
	err = f.store.Verify(record, 7, f.pub, wrongKey, f.fingerprint)
	if !lverrors.HasCode(err, lverrors.ErrorCodeOffChainTampered) {
		t.Fatalf("wrong key = %v, want OFF_CHAIN_TAMPERED", err)
	}

	// A missing file is unavailable
	os.Remove(path)
	err = f.store.Verify(record, 7, f.pub, f.blockKey, f.fingerprint)
	if !lverrors.HasCode(err, lverrors.ErrorCodeOffChainUnavailable) {
		t.Fatalf("missing file = %v, want OFF_CHAIN_UNAVAILABLE", err)
	}
}

func TestRead_WrongAADFails(t *testing.T) {
	f := newFixture(t)

	record, err := f.store.Write(uuid.New(), 7, []byte("payload"), f.blockKey, f.priv, f.fingerprint)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	// Reading under a different block number breaks the AAD binding
	_, err = f.store.Read(record, 8, f.blockKey, f.fingerprint)
	if !lverrors.HasCode(err, lverrors.ErrorCodeOffChainTampered) {
		t.Fatalf("wrong block number = %v, want OFF_CHAIN_TAMPERED", err)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)

	record, err := f.store.Write(uuid.New(), 7, []byte("payload"), f.blockKey, f.priv, f.fingerprint)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.store.Delete(record); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, record.FilePath)); !os.IsNotExist(err) {
		t.Fatal("file survived delete")
	}
	// Deleting again is not an error
	if err := f.store.Delete(record); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestRootLock(t *testing.T) {
	f := newFixture(t)

	if _, err := NewStore(f.root, nil, nil); err == nil {
		t.Fatal("second store opened a locked root")
	}
}

func TestCopyToAndImportFrom(t *testing.T) {
	f := newFixture(t)
	payload := []byte("export me")

	record, err := f.store.Write(uuid.New(), 7, payload, f.blockKey, f.priv, f.fingerprint)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	exported := filepath.Join(t.TempDir(), "sidecar.bin")
	if err := f.store.CopyTo(record, exported); err != nil {
		t.Fatalf("copy: %v", err)
	}

	otherRoot := t.TempDir()
	other, err := NewStore(otherRoot, nil, nil)
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	defer other.Close()

	if err := other.ImportFrom(exported, record); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := other.Read(record, 7, f.blockKey, f.fingerprint)
	if err != nil {
		t.Fatalf("read imported: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("imported sidecar differs")
	}
}
