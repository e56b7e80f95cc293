// Copyright 2025 LedgerVault Project
//
// Tests for hashing, AEAD, key derivation, and key wrapping

package crypto

import (
	"bytes"
	"testing"

	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("payload"))
	b := Hash([]byte("payload"))
	if a != b {
		t.Fatal("hash is not deterministic")
	}
	c := Hash([]byte("payloae"))
	if a == c {
		t.Fatal("distinct inputs produced the same hash")
	}
	if len(HashBytes([]byte("payload"))) != HashSize {
		t.Fatalf("digest is not %d bytes", HashSize)
	}
}

func TestAEAD_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, AEADKeySize)
	plaintext := []byte("the quick brown fox")
	aad := []byte("block-7")

	ciphertext, nonce, err := AEADEncrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("nonce is %d bytes, want %d", len(nonce), NonceSize)
	}
	if len(ciphertext) != len(plaintext)+TagSize {
		t.Fatalf("ciphertext is %d bytes, want %d", len(ciphertext), len(plaintext)+TagSize)
	}

	decrypted, err := AEADDecrypt(key, ciphertext, nonce, aad)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatal("roundtrip lost the plaintext")
	}
}

func TestAEAD_FreshNoncePerInvocation(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, AEADKeySize)
	_, n1, _ := AEADEncrypt(key, []byte("x"), nil)
	_, n2, _ := AEADEncrypt(key, []byte("x"), nil)
	if bytes.Equal(n1, n2) {
		t.Fatal("two invocations produced the same nonce")
	}
}

func TestAEAD_TamperFailsAuthentication(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, AEADKeySize)
	ciphertext, nonce, err := AEADEncrypt(key, []byte("secret"), []byte("aad"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	tampered := append([]byte{}, ciphertext...)
	tampered[0] ^= 1
	if _, err := AEADDecrypt(key, tampered, nonce, []byte("aad")); !lverrors.HasCode(err, lverrors.ErrorCodeAuthenticationFailed) {
		t.Fatalf("tampered ciphertext did not fail authentication: %v", err)
	}

	if _, err := AEADDecrypt(key, ciphertext, nonce, []byte("other")); !lverrors.HasCode(err, lverrors.ErrorCodeAuthenticationFailed) {
		t.Fatalf("wrong aad did not fail authentication: %v", err)
	}
}

func TestDeriveBlockKey_Deterministic(t *testing.T) {
	master := []byte("master-secret-material")

	k1, err := DeriveBlockKey(master, 42, "ref-a")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	k2, _ := DeriveBlockKey(master, 42, "ref-a")
	if !bytes.Equal(k1, k2) {
		t.Fatal("derivation is not deterministic")
	}

	k3, _ := DeriveBlockKey(master, 43, "ref-a")
	if bytes.Equal(k1, k3) {
		t.Fatal("different block numbers derived the same key")
	}
	k4, _ := DeriveBlockKey(master, 42, "ref-b")
	if bytes.Equal(k1, k4) {
		t.Fatal("different refs derived the same key")
	}

	if _, err := DeriveBlockKey(nil, 1, ""); err == nil {
		t.Fatal("empty master secret accepted")
	}
}

func TestDeriveSearchKey_DiffersFromBlockKeys(t *testing.T) {
	master := []byte("master-secret-material")
	searchKey, err := DeriveSearchKey(master)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	blockKey, _ := DeriveBlockKey(master, 0, "")
	if bytes.Equal(searchKey, blockKey) {
		t.Fatal("search key collides with a block key")
	}
}

func TestWrapPrivateKey_RoundTrip(t *testing.T) {
	material := bytes.Repeat([]byte{0x77}, 64)

	blob, err := WrapPrivateKey(material, "correct horse")
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if bytes.Contains(blob, material) {
		t.Fatal("wrapped blob contains raw key material")
	}

	unwrapped, err := UnwrapPrivateKey(blob, "correct horse")
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if !bytes.Equal(unwrapped, material) {
		t.Fatal("roundtrip lost the key material")
	}

	if _, err := UnwrapPrivateKey(blob, "wrong password"); !lverrors.HasCode(err, lverrors.ErrorCodeAuthenticationFailed) {
		t.Fatalf("wrong password did not fail authentication: %v", err)
	}
}

func TestAdminMessages_BindInputs(t *testing.T) {
	base := AdminDeleteMessage("fp-1", true, "GDPR")

	if bytes.Equal(base, AdminDeleteMessage("fp-2", true, "GDPR")) {
		t.Fatal("message does not bind the target")
	}
	if bytes.Equal(base, AdminDeleteMessage("fp-1", false, "GDPR")) {
		t.Fatal("message does not bind the force flag")
	}
	if bytes.Equal(base, AdminDeleteMessage("fp-1", true, "other reason")) {
		t.Fatal("message does not bind the reason")
	}
	if bytes.Equal(base, AdminRollbackMessage(1)) {
		t.Fatal("delete and rollback messages collide")
	}
	if bytes.Equal(AdminRollbackMessage(1), AdminRollbackMessage(2)) {
		t.Fatal("rollback message does not bind the target number")
	}
}
