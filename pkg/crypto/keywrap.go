// Copyright 2025 LedgerVault Project
//
// Password wrapping for private key material. Keys persisted to disk are
// never written raw: they are encrypted under a key stretched from the
// caller's password with Argon2id.

package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"

	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
)

const (
	wrapSaltSize = 16

	// Argon2id parameters
	wrapTime    = 1
	wrapMemory  = 64 * 1024 // KiB
	wrapThreads = 4
)

// WrapPrivateKey encrypts private key material under a password. The result
// is salt || nonce || ciphertext and is safe to persist.
func WrapPrivateKey(privateKey []byte, password string) ([]byte, error) {
	if len(privateKey) == 0 {
		return nil, fmt.Errorf("private key must not be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password must not be empty")
	}

	salt := make([]byte, wrapSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt entropy: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, wrapTime, wrapMemory, wrapThreads, AEADKeySize)
	ciphertext, nonce, err := AEADEncrypt(key, privateKey, []byte("keywrap"))
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, wrapSaltSize+NonceSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// UnwrapPrivateKey reverses WrapPrivateKey. A wrong password surfaces as an
// AUTHENTICATION_FAILED error.
func UnwrapPrivateKey(blob []byte, password string) ([]byte, error) {
	if len(blob) < wrapSaltSize+NonceSize+TagSize {
		return nil, lverrors.New(lverrors.ErrorCodeAuthenticationFailed,
			"wrapped key blob is truncated")
	}

	salt := blob[:wrapSaltSize]
	nonce := blob[wrapSaltSize : wrapSaltSize+NonceSize]
	ciphertext := blob[wrapSaltSize+NonceSize:]

	key := argon2.IDKey([]byte(password), salt, wrapTime, wrapMemory, wrapThreads, AEADKeySize)
	return AEADDecrypt(key, ciphertext, nonce, []byte("keywrap"))
}
