// Copyright 2025 LedgerVault Project
//
// ML-DSA Key Manager - Handles key generation, loading, and storage for
// signer keys. Persisted key material is always password-wrapped.

package mldsa

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledgervault/ledgervault/pkg/crypto"
)

// KeyManager handles ML-DSA key operations for a signer
type KeyManager struct {
	keyPath    string
	privateKey *PrivateKey
	publicKey  *PublicKey
}

// NewKeyManager creates a new key manager
func NewKeyManager(keyPath string) *KeyManager {
	return &KeyManager{
		keyPath: keyPath,
	}
}

// LoadOrGenerateKey loads an existing key or generates a new one.
// If the key file doesn't exist, generates a new key and saves it.
func (km *KeyManager) LoadOrGenerateKey(password string) error {
	if km.keyPath != "" {
		if _, err := os.Stat(km.keyPath); err == nil {
			return km.LoadKey(password)
		}
	}
	return km.GenerateNewKey(password)
}

// LoadKey loads an existing key from the key path
func (km *KeyManager) LoadKey(password string) error {
	if km.keyPath == "" {
		return fmt.Errorf("no key path specified")
	}

	blob, err := os.ReadFile(km.keyPath)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}

	keyBytes, err := crypto.UnwrapPrivateKey(blob, password)
	if err != nil {
		return fmt.Errorf("unwrap private key: %w", err)
	}

	km.privateKey, err = PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	km.publicKey = km.privateKey.PublicKey()
	return nil
}

// GenerateNewKey generates a new key pair
func (km *KeyManager) GenerateNewKey(password string) error {
	var err error
	km.privateKey, km.publicKey, err = GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	if km.keyPath != "" {
		return km.SaveKey(password)
	}
	return nil
}

// GenerateFromSeed generates a deterministic key pair from a seed
func (km *KeyManager) GenerateFromSeed(seed []byte) error {
	var err error
	km.privateKey, km.publicKey, err = GenerateKeyPairFromSeed(seed)
	if err != nil {
		return fmt.Errorf("generate from seed: %w", err)
	}
	return nil
}

// SaveKey writes the password-wrapped private key to the key path
func (km *KeyManager) SaveKey(password string) error {
	if km.keyPath == "" {
		return fmt.Errorf("no key path specified")
	}
	if km.privateKey == nil {
		return fmt.Errorf("no private key to save")
	}

	dir := filepath.Dir(km.keyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	blob, err := crypto.WrapPrivateKey(km.privateKey.Bytes(), password)
	if err != nil {
		return fmt.Errorf("wrap private key: %w", err)
	}
	if err := os.WriteFile(km.keyPath, blob, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// GetPrivateKey returns the private key
func (km *KeyManager) GetPrivateKey() *PrivateKey {
	return km.privateKey
}

// GetPublicKey returns the public key
func (km *KeyManager) GetPublicKey() *PublicKey {
	return km.publicKey
}

// GetPublicKeyBytes returns the packed public key
func (km *KeyManager) GetPublicKeyBytes() []byte {
	if km.publicKey == nil {
		return nil
	}
	return km.publicKey.Bytes()
}

// GetFingerprint returns the public key fingerprint
func (km *KeyManager) GetFingerprint() string {
	if km.publicKey == nil {
		return ""
	}
	return km.publicKey.Fingerprint()
}

// Sign signs a message with the private key
func (km *KeyManager) Sign(message []byte) (*Signature, error) {
	if km.privateKey == nil {
		return nil, fmt.Errorf("no private key loaded")
	}
	return km.privateKey.Sign(message)
}
