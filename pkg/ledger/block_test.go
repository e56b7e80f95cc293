// Copyright 2025 LedgerVault Project
//
// Tests for canonical block serialization and role rules

package ledger

import (
	"bytes"
	"testing"
	"time"
)

func sampleBlock() *Block {
	return &Block{
		Number:            7,
		Timestamp:         TruncateTimestamp(time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)),
		Data:              "Prescription: Lisinopril 10mg",
		PreviousHash:      bytes.Repeat([]byte{0xAB}, 32),
		SignerFingerprint: "f00d",
		Category:          CategoryMedical,
		AutoKeywords:      []string{"10", "Lisinopril"},
		CustomMetadata:    map[string]string{"ward": "B2", "attending": "osei"},
	}
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	b := sampleBlock()
	first := b.CanonicalBytes()
	second := b.CanonicalBytes()
	if !bytes.Equal(first, second) {
		t.Fatal("canonical bytes are not deterministic")
	}
}

func TestCanonicalBytes_MetadataOrderIndependent(t *testing.T) {
	a := sampleBlock()
	b := sampleBlock()
	b.CustomMetadata = map[string]string{"attending": "osei", "ward": "B2"}
	if !bytes.Equal(a.CanonicalBytes(), b.CanonicalBytes()) {
		t.Fatal("metadata insertion order changed the canonical image")
	}
}

func TestComputeHash_SensitiveToEveryField(t *testing.T) {
	base := sampleBlock()
	baseHash := base.ComputeHash()

	mutations := map[string]func(*Block){
		"number":    func(b *Block) { b.Number++ },
		"timestamp": func(b *Block) { b.Timestamp = b.Timestamp.Add(time.Millisecond) },
		"data":      func(b *Block) { b.Data += "x" },
		"prev_hash": func(b *Block) { b.PreviousHash[0] ^= 1 },
		"signer":    func(b *Block) { b.SignerFingerprint = "beef" },
		"encrypted": func(b *Block) { b.IsEncrypted = !b.IsEncrypted },
		"category":  func(b *Block) { b.Category = CategoryLegal },
		"keywords":  func(b *Block) { b.AutoKeywords = append(b.AutoKeywords, "extra") },
		"metadata":  func(b *Block) { b.CustomMetadata["ward"] = "C1" },
	}

	for name, mutate := range mutations {
		b := sampleBlock()
		mutate(b)
		if bytes.Equal(b.ComputeHash(), baseHash) {
			t.Errorf("mutating %s did not change the hash", name)
		}
	}
}

func TestHashValid(t *testing.T) {
	b := sampleBlock()
	b.Hash = b.ComputeHash()
	if !b.HashValid() {
		t.Fatal("freshly computed hash reported invalid")
	}
	b.Data = "tampered"
	if b.HashValid() {
		t.Fatal("tampered block reported valid hash")
	}
}

func TestLinksTo(t *testing.T) {
	prev := sampleBlock()
	prev.Number = 3
	prev.Hash = prev.ComputeHash()

	next := sampleBlock()
	next.Number = 4
	next.PreviousHash = prev.Hash

	if !next.LinksTo(prev) {
		t.Fatal("consecutive blocks do not link")
	}

	next.Number = 5
	if next.LinksTo(prev) {
		t.Fatal("non-consecutive numbers linked")
	}

	genesis := &Block{Number: GenesisNumber}
	if !genesis.LinksTo(nil) {
		t.Fatal("genesis does not link to nil predecessor")
	}
	nonGenesis := &Block{Number: 1}
	if nonGenesis.LinksTo(nil) {
		t.Fatal("non-genesis block linked to nil predecessor")
	}
}

func TestTruncateTimestamp(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 123_456_789, time.UTC)
	got := TruncateTimestamp(ts)
	if got.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("timestamp not truncated to millisecond precision: %v", got)
	}
	if got.Location() != time.UTC {
		t.Fatal("timestamp not in UTC")
	}
}

func TestRoleDominance(t *testing.T) {
	cases := []struct {
		caller Role
		target Role
		want   bool
	}{
		{RoleSuperAdmin, RoleSuperAdmin, true},
		{RoleSuperAdmin, RoleReadOnly, true},
		{RoleBootstrapAdmin, RoleAdmin, true},
		{RoleAdmin, RoleUser, true},
		{RoleAdmin, RoleAdmin, false},
		{RoleAdmin, RoleSuperAdmin, false},
		{RoleUser, RoleReadOnly, false},
		{RoleReadOnly, RoleReadOnly, false},
	}
	for _, tc := range cases {
		if got := tc.caller.Dominates(tc.target); got != tc.want {
			t.Errorf("%s dominates %s = %v, want %v", tc.caller, tc.target, got, tc.want)
		}
	}
}

func TestMayManageDepth(t *testing.T) {
	if !RoleSuperAdmin.MayManageDepth(DepthRoot) {
		t.Error("SUPER_ADMIN cannot manage root keys")
	}
	if RoleAdmin.MayManageDepth(DepthRoot) {
		t.Error("ADMIN can manage root keys")
	}
	if !RoleAdmin.MayManageDepth(DepthIntermediate) {
		t.Error("ADMIN cannot manage intermediate keys")
	}
	if RoleUser.MayManageDepth(DepthIntermediate) {
		t.Error("USER can manage intermediate keys")
	}
	if !RoleUser.MayManageDepth(DepthOperational) {
		t.Error("USER cannot manage operational keys")
	}
	if RoleReadOnly.MayManageDepth(DepthOperational) {
		t.Error("READ_ONLY can manage operational keys")
	}
}

func TestMaxValidityForDepth(t *testing.T) {
	if MaxValidityForDepth(DepthRoot) != MaxRootValidity {
		t.Error("wrong root validity")
	}
	if MaxValidityForDepth(DepthIntermediate) != MaxIntermediateValidity {
		t.Error("wrong intermediate validity")
	}
	if MaxValidityForDepth(5) != MaxOperationalValidity {
		t.Error("wrong operational validity for depth 5")
	}
}

func TestBucketForSize(t *testing.T) {
	if BucketForSize(100) != SizeBucketSmall {
		t.Error("100 bytes should be SMALL")
	}
	if BucketForSize(10_000) != SizeBucketMedium {
		t.Error("10000 bytes should be MEDIUM")
	}
	if BucketForSize(1<<20) != SizeBucketLarge {
		t.Error("1 MiB should be LARGE")
	}
}

func TestAuthorizedAt(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	revoked := created.AddDate(0, 6, 0)
	rec := &AuthorizedKey{CreatedAt: created, RevokedAt: &revoked}

	if rec.AuthorizedAt(created.Add(-time.Second)) {
		t.Error("authorized before creation")
	}
	if !rec.AuthorizedAt(created.AddDate(0, 3, 0)) {
		t.Error("not authorized inside the window")
	}
	if rec.AuthorizedAt(revoked.Add(time.Second)) {
		t.Error("authorized after revocation")
	}
}
