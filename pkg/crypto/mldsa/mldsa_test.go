// Copyright 2025 LedgerVault Project
//
// Tests for ML-DSA signatures and the key manager

package mldsa

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestSignVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	msg := []byte("block hash goes here")
	sig, err := priv.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig.Bytes()) != SignatureSize {
		t.Fatalf("signature is %d bytes, want %d", len(sig.Bytes()), SignatureSize)
	}

	if !pub.Verify(msg, sig) {
		t.Fatal("valid signature did not verify")
	}
	if pub.Verify([]byte("different message"), sig) {
		t.Fatal("signature verified against a different message")
	}

	_, otherPub, _ := GenerateKeyPair()
	if otherPub.Verify(msg, sig) {
		t.Fatal("signature verified against a different key")
	}
}

func TestSeedDeterminism(t *testing.T) {
	seed := bytes.Repeat([]byte{0x11}, SeedSize)

	priv1, pub1, err := GenerateKeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("generate from seed: %v", err)
	}
	_, pub2, _ := GenerateKeyPairFromSeed(seed)

	if !bytes.Equal(pub1.Bytes(), pub2.Bytes()) {
		t.Fatal("same seed produced different public keys")
	}

	sig, err := priv1.Sign([]byte("msg"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !pub2.Verify([]byte("msg"), sig) {
		t.Fatal("cross-derived key did not verify")
	}

	if _, _, err := GenerateKeyPairFromSeed([]byte("short")); err == nil {
		t.Fatal("short seed accepted")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	privParsed, err := PrivateKeyFromBytes(priv.Bytes())
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	pubParsed, err := PublicKeyFromBytes(pub.Bytes())
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}

	sig, err := privParsed.Sign([]byte("msg"))
	if err != nil {
		t.Fatalf("sign with parsed key: %v", err)
	}
	if !pubParsed.Verify([]byte("msg"), sig) {
		t.Fatal("parsed keypair did not roundtrip")
	}
}

func TestFingerprint(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	fp := pub.Fingerprint()
	if len(fp) != 64 {
		t.Fatalf("fingerprint is %d hex chars, want 64", len(fp))
	}
	if fp != Fingerprint(pub.Bytes()) {
		t.Fatal("method and function fingerprints disagree")
	}

	_, other, _ := GenerateKeyPair()
	if fp == other.Fingerprint() {
		t.Fatal("distinct keys share a fingerprint")
	}
}

func TestKeyManager_SaveLoad(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "signer.key")

	km := NewKeyManager(keyPath)
	if err := km.LoadOrGenerateKey("passw0rd-passw0rd"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	fp := km.GetFingerprint()
	if fp == "" {
		t.Fatal("no fingerprint after generation")
	}

	km2 := NewKeyManager(keyPath)
	if err := km2.LoadOrGenerateKey("passw0rd-passw0rd"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if km2.GetFingerprint() != fp {
		t.Fatal("loaded key differs from the saved one")
	}

	km3 := NewKeyManager(keyPath)
	if err := km3.LoadKey("wrong password"); err == nil {
		t.Fatal("wrong password loaded the key")
	}
}
