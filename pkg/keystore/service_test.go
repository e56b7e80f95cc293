// Copyright 2025 LedgerVault Project
//
// Tests for the authorization model: bootstrap, role dominance, temporal
// records, forced deletion, and the hierarchical key graph

package keystore

import (
	"context"
	"testing"
	"time"

	"github.com/ledgervault/ledgervault/pkg/crypto"
	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/ledger/ledgertest"
)

type fixture struct {
	svc    *Service
	blocks *ledgertest.MemoryBlockStore

	adminPriv *mldsa.PrivateKey
	adminPub  *mldsa.PublicKey
	admin     Credentials
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	blocks := ledgertest.NewMemoryBlockStore()
	svc, err := New(ledgertest.NewMemoryKeyStore(), blocks, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	priv, pub, err := mldsa.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}
	if _, err := svc.Bootstrap(context.Background(), pub.Bytes(), "root admin"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	return &fixture{
		svc:       svc,
		blocks:    blocks,
		adminPriv: priv,
		adminPub:  pub,
		admin:     Credentials{PublicKey: pub.Bytes()},
	}
}

func newKey(t *testing.T) (*mldsa.PrivateKey, *mldsa.PublicKey) {
	t.Helper()
	priv, pub, err := mldsa.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv, pub
}

func TestBootstrap_OnlyOnEmptyStore(t *testing.T) {
	f := newFixture(t)

	_, pub := newKey(t)
	_, err := f.svc.Bootstrap(context.Background(), pub.Bytes(), "second admin")
	if !lverrors.HasCode(err, lverrors.ErrorCodeUnauthorized) {
		t.Fatalf("second bootstrap = %v, want UNAUTHORIZED", err)
	}
}

func TestRegister_RoleDominance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, userPub := newKey(t)
	if _, err := f.svc.Register(ctx, f.admin, userPub.Bytes(), "user u", ledger.RoleUser); err != nil {
		t.Fatalf("admin registering user: %v", err)
	}

	// The USER may not grant roles
	user := Credentials{PublicKey: userPub.Bytes()}
	_, otherPub := newKey(t)
	_, err := f.svc.Register(ctx, user, otherPub.Bytes(), "other", ledger.RoleReadOnly)
	if !lverrors.HasCode(err, lverrors.ErrorCodeInsufficientRole) {
		t.Fatalf("user granting role = %v, want INSUFFICIENT_ROLE", err)
	}

	// An unknown caller is unauthorized
	_, strangerPub := newKey(t)
	stranger := Credentials{PublicKey: strangerPub.Bytes()}
	_, err = f.svc.Register(ctx, stranger, otherPub.Bytes(), "other", ledger.RoleUser)
	if !lverrors.HasCode(err, lverrors.ErrorCodeUnauthorized) {
		t.Fatalf("stranger registering = %v, want UNAUTHORIZED", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, pub := newKey(t)
	if _, err := f.svc.Register(ctx, f.admin, pub.Bytes(), "u", ledger.RoleUser); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := f.svc.Register(ctx, f.admin, pub.Bytes(), "u again", ledger.RoleUser)
	if !lverrors.HasCode(err, lverrors.ErrorCodeDuplicate) {
		t.Fatalf("second register = %v, want DUPLICATE", err)
	}
}

func TestRevoke_PreservesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, pub := newKey(t)
	if _, err := f.svc.Register(ctx, f.admin, pub.Bytes(), "u", ledger.RoleUser); err != nil {
		t.Fatalf("register: %v", err)
	}
	registeredAt := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)

	if err := f.svc.Revoke(ctx, f.admin, pub.Bytes(), "offboarding"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	fp := mldsa.Fingerprint(pub.Bytes())

	// Authorized inside the historical window, not after revocation
	ok, err := f.svc.WasAuthorizedAt(ctx, fp, registeredAt)
	if err != nil || !ok {
		t.Fatalf("WasAuthorizedAt(inside window) = %v, %v", ok, err)
	}
	ok, err = f.svc.WasAuthorizedAt(ctx, fp, time.Now().UTC().Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("WasAuthorizedAt(after revocation) = %v, %v", ok, err)
	}

	// Revoking again finds nothing active
	err = f.svc.Revoke(ctx, f.admin, pub.Bytes(), "again")
	if !lverrors.HasCode(err, lverrors.ErrorCodeNotFound) {
		t.Fatalf("second revoke = %v, want NOT_FOUND", err)
	}
}

func TestDelete_RefusesWithSignedBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, pub := newKey(t)
	if _, err := f.svc.Register(ctx, f.admin, pub.Bytes(), "u", ledger.RoleUser); err != nil {
		t.Fatalf("register: %v", err)
	}
	fp := mldsa.Fingerprint(pub.Bytes())
	if err := f.blocks.PersistBlock(ctx, &ledger.Block{Number: 1, SignerFingerprint: fp}); err != nil {
		t.Fatalf("persist block: %v", err)
	}

	err := f.svc.Delete(ctx, f.admin, pub.Bytes(), false, "cleanup", nil)
	if !lverrors.HasCode(err, lverrors.ErrorCodeHasSignedBlocks) {
		t.Fatalf("delete = %v, want HAS_SIGNED_BLOCKS", err)
	}
}

func TestDelete_ForceRequiresValidAdminSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, pub := newKey(t)
	if _, err := f.svc.Register(ctx, f.admin, pub.Bytes(), "u", ledger.RoleUser); err != nil {
		t.Fatalf("register: %v", err)
	}
	fp := mldsa.Fingerprint(pub.Bytes())
	if err := f.blocks.PersistBlock(ctx, &ledger.Block{Number: 1, SignerFingerprint: fp}); err != nil {
		t.Fatalf("persist block: %v", err)
	}

	// Signature over the wrong reason must be rejected and delete nothing
	wrongSig, err := f.adminPriv.Sign(crypto.AdminDeleteMessage(fp, true, "wrong reason"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	err = f.svc.Delete(ctx, f.admin, pub.Bytes(), true, "GDPR", wrongSig)
	if !lverrors.HasCode(err, lverrors.ErrorCodeInvalidAdminSignature) {
		t.Fatalf("mis-signed delete = %v, want INVALID_ADMIN_SIGNATURE", err)
	}
	if _, err := f.svc.AuthorizedNow(ctx, fp); err != nil {
		t.Fatal("mis-signed delete removed records")
	}

	// A correctly bound signature deletes everything
	sig, err := f.adminPriv.Sign(crypto.AdminDeleteMessage(fp, true, "GDPR"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.svc.Delete(ctx, f.admin, pub.Bytes(), true, "GDPR", sig); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	ok, err := f.svc.WasAuthorizedAt(ctx, fp, time.Now().UTC())
	if err != nil || ok {
		t.Fatal("deleted key still authorized")
	}
}

func TestHierarchicalKeys_ParentRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	year := time.Now().UTC().Add(300 * 24 * time.Hour)

	// Depth 2 without a parent fails
	_, err := f.svc.CreateHierarchicalKey(ctx, f.admin, ledger.DepthIntermediate, nil, "fp-i", "signing", year)
	if !lverrors.HasCode(err, lverrors.ErrorCodeMissingParent) {
		t.Fatalf("no parent = %v, want MISSING_PARENT", err)
	}

	root, err := f.svc.CreateHierarchicalKey(ctx, f.admin, ledger.DepthRoot, nil, "fp-r", "root",
		time.Now().UTC().Add(4*365*24*time.Hour))
	if err != nil {
		t.Fatalf("create root: %v", err)
	}

	inter, err := f.svc.CreateHierarchicalKey(ctx, f.admin, ledger.DepthIntermediate, &root.ID, "fp-i", "signing", year)
	if err != nil {
		t.Fatalf("create intermediate: %v", err)
	}

	// Depth 3 under a depth-1 parent fails
	_, err = f.svc.CreateHierarchicalKey(ctx, f.admin, ledger.DepthOperational, &root.ID, "fp-o", "ops",
		time.Now().UTC().Add(30*24*time.Hour))
	if !lverrors.HasCode(err, lverrors.ErrorCodeMissingParent) {
		t.Fatalf("wrong parent depth = %v, want MISSING_PARENT", err)
	}

	// Revoked parents cannot parent new keys
	if err := f.svc.RevokeHierarchicalKey(ctx, f.admin, inter.ID); err != nil {
		t.Fatalf("revoke intermediate: %v", err)
	}
	_, err = f.svc.CreateHierarchicalKey(ctx, f.admin, ledger.DepthOperational, &inter.ID, "fp-o", "ops",
		time.Now().UTC().Add(30*24*time.Hour))
	if !lverrors.HasCode(err, lverrors.ErrorCodeMissingParent) {
		t.Fatalf("revoked parent = %v, want MISSING_PARENT", err)
	}
}

func TestHierarchicalKeys_DepthRequiresRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, userPub := newKey(t)
	if _, err := f.svc.Register(ctx, f.admin, userPub.Bytes(), "u", ledger.RoleUser); err != nil {
		t.Fatalf("register user: %v", err)
	}
	user := Credentials{PublicKey: userPub.Bytes()}

	_, err := f.svc.CreateHierarchicalKey(ctx, user, ledger.DepthRoot, nil, "fp-r", "root",
		time.Now().UTC().Add(time.Hour))
	if !lverrors.HasCode(err, lverrors.ErrorCodeUnauthorized) {
		t.Fatalf("user creating root key = %v, want UNAUTHORIZED", err)
	}
}

func TestHierarchicalKeys_ValidityCaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateHierarchicalKey(ctx, f.admin, ledger.DepthRoot, nil, "fp-r", "root",
		time.Now().UTC().Add(6*365*24*time.Hour))
	if !lverrors.HasCode(err, lverrors.ErrorCodeInvalidArgument) {
		t.Fatalf("6y root validity = %v, want INVALID_ARGUMENT", err)
	}
}

func TestHierarchicalKeys_Rotate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.svc.CreateHierarchicalKey(ctx, f.admin, ledger.DepthRoot, nil, "fp-r", "root",
		time.Now().UTC().Add(365*24*time.Hour))
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	inter, err := f.svc.CreateHierarchicalKey(ctx, f.admin, ledger.DepthIntermediate, &root.ID, "fp-i", "signing",
		time.Now().UTC().Add(100*24*time.Hour))
	if err != nil {
		t.Fatalf("create intermediate: %v", err)
	}

	successor, err := f.svc.RotateHierarchicalKey(ctx, f.admin, root.ID, "fp-r2",
		time.Now().UTC().Add(365*24*time.Hour))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if successor.Depth != ledger.DepthRoot {
		t.Fatalf("successor depth = %d", successor.Depth)
	}

	// Children moved to the successor; the predecessor is revoked
	svcStore := f.svc.keys
	moved, err := svcStore.HierarchicalKeyByID(ctx, inter.ID)
	if err != nil {
		t.Fatalf("lookup child: %v", err)
	}
	if moved.ParentID == nil || *moved.ParentID != successor.ID {
		t.Fatal("child was not re-parented onto the successor")
	}
	old, err := svcStore.HierarchicalKeyByID(ctx, root.ID)
	if err != nil {
		t.Fatalf("lookup predecessor: %v", err)
	}
	if !old.Revoked() {
		t.Fatal("predecessor was not revoked")
	}
}
