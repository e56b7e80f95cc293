// Copyright 2025 LedgerVault Project
//
// Core cryptographic primitives: SHA3-256 hashing, authenticated symmetric
// encryption, and deterministic block-key derivation. All functions return
// errors as values; the only side effect is consuming entropy.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
)

const (
	// HashSize is the digest size of the chain hash function (SHA3-256)
	HashSize = 32

	// AEADKeySize is the symmetric key size (AES-256)
	AEADKeySize = 32

	// NonceSize is the AEAD nonce size (96 bits)
	NonceSize = 12

	// TagSize is the AEAD authentication tag size (128 bits)
	TagSize = 16
)

// Hash computes the SHA3-256 digest of data.
func Hash(data []byte) [HashSize]byte {
	return sha3.Sum256(data)
}

// HashBytes computes the SHA3-256 digest of data as a slice.
func HashBytes(data []byte) []byte {
	h := sha3.Sum256(data)
	return h[:]
}

// RandomNonce returns a fresh random AEAD nonce.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce entropy: %w", err)
	}
	return nonce, nil
}

// AEADEncrypt encrypts plaintext under key with AES-256-GCM, binding aad.
// The returned ciphertext carries the 128-bit authentication tag; the nonce
// is freshly random per invocation and returned alongside.
func AEADEncrypt(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = RandomNonce()
	if err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return ciphertext, nonce, nil
}

// AEADDecrypt decrypts ciphertext produced by AEADEncrypt. A tag validation
// failure surfaces as an AUTHENTICATION_FAILED error.
func AEADDecrypt(key, ciphertext, nonce, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, lverrors.Newf(lverrors.ErrorCodeAuthenticationFailed,
			"nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, lverrors.Wrap(err, lverrors.ErrorCodeAuthenticationFailed,
			"authentication tag did not validate")
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != AEADKeySize {
		return nil, fmt.Errorf("AEAD key must be %d bytes, got %d", AEADKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initialize cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// DeriveBlockKey deterministically derives the 256-bit encryption key for a
// block from the engine master secret, the block number, and the off-chain
// reference (empty for on-chain payloads).
func DeriveBlockKey(masterSecret []byte, blockNumber uint64, offChainRef string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret must not be empty")
	}

	info := make([]byte, 0, 16+len(offChainRef))
	info = append(info, []byte("blockkey")...)
	info = binary.BigEndian.AppendUint64(info, blockNumber)
	info = append(info, []byte(offChainRef)...)

	key := make([]byte, AEADKeySize)
	r := hkdf.New(sha3.New256, masterSecret, nil, info)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive block key: %w", err)
	}
	return key, nil
}

// DeriveSearchKey derives the key used for token-level commitments in the
// index of encrypted blocks.
func DeriveSearchKey(masterSecret []byte) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret must not be empty")
	}
	key := make([]byte, AEADKeySize)
	r := hkdf.New(sha3.New256, masterSecret, nil, []byte("idx"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive search key: %w", err)
	}
	return key, nil
}
