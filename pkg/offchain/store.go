// Copyright 2025 LedgerVault Project
//
// Off-chain store - encrypted sidecar files for oversized block payloads.
// Each file is AEAD-encrypted under a block-derived key with the block
// number and signer fingerprint as associated data; the ciphertext hash and
// the signer's signature over it are committed on-chain.

package offchain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/ledgervault/ledgervault/pkg/crypto"
	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/logging"
	"github.com/ledgervault/ledgervault/pkg/metrics"
)

// Store writes and verifies encrypted sidecar files under a root directory.
// The root is held under an advisory file lock so two engines cannot share
// it.
type Store struct {
	root    string
	lock    *flock.Flock
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewStore opens (creating if needed) the off-chain root and acquires its
// lock.
func NewStore(root string, m *metrics.Metrics, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create off-chain root: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}

	lock := flock.New(filepath.Join(root, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock off-chain root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("off-chain root %s is locked by another process", root)
	}

	return &Store{
		root:    root,
		lock:    lock,
		metrics: m,
		logger:  logger.WithComponent("offchain"),
	}, nil
}

// Close releases the root lock.
func (s *Store) Close() error {
	if s.lock != nil {
		return s.lock.Unlock()
	}
	return nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// AAD builds the associated data binding a sidecar to its block and signer.
func AAD(blockNumber uint64, signerFingerprint string) []byte {
	aad := make([]byte, 0, 8+len(signerFingerprint))
	aad = binary.BigEndian.AppendUint64(aad, blockNumber)
	return append(aad, []byte(signerFingerprint)...)
}

// Write encrypts plaintext under blockKey, signs the ciphertext hash with
// the block signer, and persists the sidecar with an fsync. The record id
// is caller-created because the block key derivation binds it.
func (s *Store) Write(id uuid.UUID, blockNumber uint64, plaintext, blockKey []byte, signer *mldsa.PrivateKey, signerFingerprint string) (*ledger.OffChainRecord, error) {
	ciphertext, nonce, err := crypto.AEADEncrypt(blockKey, plaintext, AAD(blockNumber, signerFingerprint))
	if err != nil {
		return nil, fmt.Errorf("encrypt off-chain payload: %w", err)
	}

	ciphertextHash := crypto.HashBytes(ciphertext)
	signature, err := signer.Sign(ciphertextHash)
	if err != nil {
		return nil, fmt.Errorf("sign off-chain payload: %w", err)
	}

	relPath := fmt.Sprintf("%08d_%s.bin", blockNumber, id.String()[:8])
	absPath := filepath.Join(s.root, relPath)

	f, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, lverrors.Wrap(err, lverrors.ErrorCodeOffChainUnavailable,
			"open sidecar file for writing")
	}
	if _, err := f.Write(ciphertext); err != nil {
		f.Close()
		os.Remove(absPath)
		return nil, lverrors.Wrap(err, lverrors.ErrorCodeOffChainUnavailable,
			"write sidecar file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(absPath)
		return nil, lverrors.Wrap(err, lverrors.ErrorCodeOffChainUnavailable,
			"sync sidecar file")
	}
	if err := f.Close(); err != nil {
		return nil, lverrors.Wrap(err, lverrors.ErrorCodeOffChainUnavailable,
			"close sidecar file")
	}

	if s.metrics != nil {
		s.metrics.OffChainWrites.Inc()
	}
	s.logger.Debug("Wrote off-chain sidecar",
		"block_number", blockNumber,
		"path", relPath,
		"plaintext_size", len(plaintext))

	return &ledger.OffChainRecord{
		ID:             id,
		FilePath:       relPath,
		PlaintextSize:  uint64(len(plaintext)),
		CiphertextHash: ciphertextHash,
		Signature:      signature.Bytes(),
		Nonce:          nonce,
		CreatedAt:      ledger.TruncateTimestamp(time.Now()),
	}, nil
}

// Read decrypts a sidecar back to the original plaintext. File-level
// failures surface as OFF_CHAIN_UNAVAILABLE; an authentication failure as
// OFF_CHAIN_TAMPERED.
func (s *Store) Read(record *ledger.OffChainRecord, blockNumber uint64, blockKey []byte, signerFingerprint string) ([]byte, error) {
	ciphertext, err := os.ReadFile(filepath.Join(s.root, record.FilePath))
	if err != nil {
		return nil, lverrors.Wrap(err, lverrors.ErrorCodeOffChainUnavailable,
			"read sidecar file")
	}
	if s.metrics != nil {
		s.metrics.OffChainReads.Inc()
	}

	plaintext, err := crypto.AEADDecrypt(blockKey, ciphertext, record.Nonce, AAD(blockNumber, signerFingerprint))
	if err != nil {
		return nil, lverrors.Wrap(err, lverrors.ErrorCodeOffChainTampered,
			"sidecar failed authenticated decryption")
	}
	return plaintext, nil
}

// Verify checks the sidecar against its on-chain commitments: ciphertext
// hash, signer signature over the hash, then authenticated decryption.
func (s *Store) Verify(record *ledger.OffChainRecord, blockNumber uint64, signerPublicKey *mldsa.PublicKey, blockKey []byte, signerFingerprint string) error {
	ciphertext, err := os.ReadFile(filepath.Join(s.root, record.FilePath))
	if err != nil {
		return lverrors.Wrap(err, lverrors.ErrorCodeOffChainUnavailable,
			"read sidecar file")
	}
	if s.metrics != nil {
		s.metrics.OffChainReads.Inc()
	}

	if !bytes.Equal(crypto.HashBytes(ciphertext), record.CiphertextHash) {
		return lverrors.Newf(lverrors.ErrorCodeOffChainHashMismatch,
			"sidecar for block %d does not reproduce its on-chain hash", blockNumber)
	}

	if signerPublicKey != nil {
		sig, err := mldsa.SignatureFromBytes(record.Signature)
		if err != nil || !signerPublicKey.Verify(record.CiphertextHash, sig) {
			return lverrors.Newf(lverrors.ErrorCodeOffChainSignatureInvalid,
				"sidecar signature for block %d does not verify", blockNumber)
		}
	}

	if blockKey != nil {
		if _, err := crypto.AEADDecrypt(blockKey, ciphertext, record.Nonce, AAD(blockNumber, signerFingerprint)); err != nil {
			return lverrors.Wrapf(err, lverrors.ErrorCodeOffChainTampered,
				"sidecar for block %d failed authenticated decryption", blockNumber)
		}
	}

	return nil
}

// Delete removes a sidecar file.
func (s *Store) Delete(record *ledger.OffChainRecord) error {
	err := os.Remove(filepath.Join(s.root, record.FilePath))
	if err != nil && !os.IsNotExist(err) {
		return lverrors.Wrap(err, lverrors.ErrorCodeOffChainUnavailable,
			"delete sidecar file")
	}
	return nil
}

// CopyTo streams a sidecar into destPath (used by export).
func (s *Store) CopyTo(record *ledger.OffChainRecord, destPath string) error {
	src, err := os.Open(filepath.Join(s.root, record.FilePath))
	if err != nil {
		return lverrors.Wrap(err, lverrors.ErrorCodeOffChainUnavailable,
			"open sidecar for copy")
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open export destination: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy sidecar: %w", err)
	}
	return dst.Sync()
}

// ImportFrom copies an external sidecar file into the store at the
// record's path (used by import re-hydration).
func (s *Store) ImportFrom(srcPath string, record *ledger.OffChainRecord) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return lverrors.Wrap(err, lverrors.ErrorCodeOffChainUnavailable,
			"open sidecar for import")
	}
	defer src.Close()

	absPath := filepath.Join(s.root, record.FilePath)
	dst, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open import destination: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy sidecar: %w", err)
	}
	return dst.Sync()
}
