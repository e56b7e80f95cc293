// Copyright 2025 LedgerVault Project
//
// ML-DSA-87 signatures (FIPS 204, NIST category 5). Thin typed wrappers
// around the circl implementation so the rest of the engine never handles
// raw key bytes directly.

package mldsa

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"golang.org/x/crypto/sha3"
)

const (
	// SeedSize is the deterministic key generation seed size
	SeedSize = mldsa87.SeedSize

	// PublicKeySize is the packed public key size
	PublicKeySize = mldsa87.PublicKeySize

	// PrivateKeySize is the packed private key size
	PrivateKeySize = mldsa87.PrivateKeySize

	// SignatureSize is the signature size
	SignatureSize = mldsa87.SignatureSize
)

// PrivateKey wraps an ML-DSA-87 private key
type PrivateKey struct {
	k *mldsa87.PrivateKey
}

// PublicKey wraps an ML-DSA-87 public key
type PublicKey struct {
	k *mldsa87.PublicKey
}

// Signature wraps an ML-DSA-87 signature
type Signature struct {
	b []byte
}

// GenerateKeyPair generates a fresh keypair from the system entropy source.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	pub, priv, err := mldsa87.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ML-DSA keypair: %w", err)
	}
	return &PrivateKey{k: priv}, &PublicKey{k: pub}, nil
}

// GenerateKeyPairFromSeed derives a keypair deterministically from a 32-byte
// seed.
func GenerateKeyPairFromSeed(seed []byte) (*PrivateKey, *PublicKey, error) {
	if len(seed) != SeedSize {
		return nil, nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	var s [SeedSize]byte
	copy(s[:], seed)
	pub, priv := mldsa87.NewKeyFromSeed(&s)
	return &PrivateKey{k: priv}, &PublicKey{k: pub}, nil
}

// PrivateKeyFromBytes parses a packed private key.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	k := new(mldsa87.PrivateKey)
	if err := k.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &PrivateKey{k: k}, nil
}

// PublicKeyFromBytes parses a packed public key.
func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	k := new(mldsa87.PublicKey)
	if err := k.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &PublicKey{k: k}, nil
}

// SignatureFromBytes wraps raw signature bytes.
func SignatureFromBytes(data []byte) (*Signature, error) {
	if len(data) != SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	b := make([]byte, len(data))
	copy(b, data)
	return &Signature{b: b}, nil
}

// Sign signs a message with randomized signing per FIPS 204.
func (p *PrivateKey) Sign(message []byte) (*Signature, error) {
	sig := make([]byte, SignatureSize)
	if err := mldsa87.SignTo(p.k, message, nil, true, sig); err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return &Signature{b: sig}, nil
}

// PublicKey returns the public half of the keypair.
func (p *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{k: p.k.Public().(*mldsa87.PublicKey)}
}

// Bytes returns the packed private key.
func (p *PrivateKey) Bytes() []byte {
	b, err := p.k.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

// Verify reports whether sig is a valid signature on message.
func (p *PublicKey) Verify(message []byte, sig *Signature) bool {
	if sig == nil {
		return false
	}
	return mldsa87.Verify(p.k, message, nil, sig.b)
}

// Bytes returns the packed public key.
func (p *PublicKey) Bytes() []byte {
	b, err := p.k.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

// Hex returns the packed public key hex-encoded.
func (p *PublicKey) Hex() string {
	return hex.EncodeToString(p.Bytes())
}

// Fingerprint returns the hex SHA3-256 digest of the packed public key.
// Blocks and key records reference keys by this value.
func (p *PublicKey) Fingerprint() string {
	sum := sha3.Sum256(p.Bytes())
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes the fingerprint of packed public key bytes.
func Fingerprint(publicKey []byte) string {
	sum := sha3.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// Bytes returns the raw signature bytes.
func (s *Signature) Bytes() []byte {
	return s.b
}

// Hex returns the signature hex-encoded.
func (s *Signature) Hex() string {
	return hex.EncodeToString(s.b)
}
