// Copyright 2025 LedgerVault Project
//
// Core domain types for the ledger: blocks, authorized keys, hierarchical
// keys, off-chain records, and index entries.

package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies a block's payload
type Category string

const (
	CategoryMedical   Category = "MEDICAL"
	CategoryFinance   Category = "FINANCE"
	CategoryTechnical Category = "TECHNICAL"
	CategoryLegal     Category = "LEGAL"
	CategoryOther     Category = "OTHER"
)

// Categories lists all payload categories
var Categories = []Category{
	CategoryMedical,
	CategoryFinance,
	CategoryTechnical,
	CategoryLegal,
	CategoryOther,
}

// Role is the permission level of an authorized key
type Role string

const (
	RoleSuperAdmin     Role = "SUPER_ADMIN"
	RoleAdmin          Role = "ADMIN"
	RoleUser           Role = "USER"
	RoleReadOnly       Role = "READ_ONLY"
	RoleBootstrapAdmin Role = "BOOTSTRAP_ADMIN"
)

// grantable maps a caller role to the roles it may grant or revoke
var grantable = map[Role]map[Role]bool{
	RoleSuperAdmin: {
		RoleSuperAdmin: true,
		RoleAdmin:      true,
		RoleUser:       true,
		RoleReadOnly:   true,
	},
	RoleBootstrapAdmin: {
		RoleSuperAdmin: true,
		RoleAdmin:      true,
		RoleUser:       true,
		RoleReadOnly:   true,
	},
	RoleAdmin: {
		RoleUser:     true,
		RoleReadOnly: true,
	},
	RoleUser:     {},
	RoleReadOnly: {},
}

// Dominates reports whether the caller role may grant or revoke target.
func (r Role) Dominates(target Role) bool {
	return grantable[r][target]
}

// IsAdmin reports whether the role carries SUPER_ADMIN authority.
func (r Role) IsAdmin() bool {
	return r == RoleSuperAdmin || r == RoleBootstrapAdmin
}

// Hierarchical key depths
const (
	DepthRoot         = 1
	DepthIntermediate = 2
	DepthOperational  = 3
)

// Maximum validity windows per depth
const (
	MaxRootValidity         = 5 * 365 * 24 * time.Hour
	MaxIntermediateValidity = 365 * 24 * time.Hour
	MaxOperationalValidity  = 90 * 24 * time.Hour
)

// MaxValidityForDepth returns the maximum validity window for a key depth.
func MaxValidityForDepth(depth int) time.Duration {
	switch {
	case depth <= DepthRoot:
		return MaxRootValidity
	case depth == DepthIntermediate:
		return MaxIntermediateValidity
	default:
		return MaxOperationalValidity
	}
}

// RequiredRoleForDepth returns the weakest role allowed to create or rotate
// a key at the given depth.
func RequiredRoleForDepth(depth int) Role {
	switch {
	case depth <= DepthRoot:
		return RoleSuperAdmin
	case depth == DepthIntermediate:
		return RoleAdmin
	default:
		return RoleUser
	}
}

// MayManageDepth reports whether a role may create or rotate keys at depth.
func (r Role) MayManageDepth(depth int) bool {
	switch {
	case depth <= DepthRoot:
		return r.IsAdmin()
	case depth == DepthIntermediate:
		return r.IsAdmin() || r == RoleAdmin
	default:
		return r.IsAdmin() || r == RoleAdmin || r == RoleUser
	}
}

// SizeBucket classifies a block's payload size for indexing
type SizeBucket string

const (
	SizeBucketSmall  SizeBucket = "SMALL"  // < 1 KiB
	SizeBucketMedium SizeBucket = "MEDIUM" // < 64 KiB
	SizeBucketLarge  SizeBucket = "LARGE"  // everything else
)

// BucketForSize classifies a payload size.
func BucketForSize(size uint64) SizeBucket {
	switch {
	case size < 1024:
		return SizeBucketSmall
	case size < 64*1024:
		return SizeBucketMedium
	default:
		return SizeBucketLarge
	}
}

// Block is one entry of the append-only chain. Blocks are immutable after
// persist; only index entries and per-block statuses may be added alongside.
type Block struct {
	Number            uint64            `json:"number"`
	Timestamp         time.Time         `json:"timestamp"` // UTC, millisecond precision
	Data              string            `json:"data"`
	PreviousHash      []byte            `json:"previous_hash"`
	Hash              []byte            `json:"hash"`
	Signature         []byte            `json:"signature"`
	SignerFingerprint string            `json:"signer_public_key"`
	OffChain          *OffChainRecord   `json:"off_chain_ref,omitempty"`
	IsEncrypted       bool              `json:"is_encrypted"`
	AutoKeywords      []string          `json:"auto_keywords"`
	Category          Category          `json:"category"`
	CustomMetadata    map[string]string `json:"custom_metadata,omitempty"`
}

// OffChainRecord describes an encrypted sidecar file referenced by a block.
// The record is referenced, not owned, by the block; on rollback the file is
// deleted after the block row.
type OffChainRecord struct {
	ID             uuid.UUID `json:"id"`
	FilePath       string    `json:"file_path"` // relative to the off-chain root
	PlaintextSize  uint64    `json:"plaintext_size"`
	CiphertextHash []byte    `json:"ciphertext_hash"`
	Signature      []byte    `json:"signature"` // by the block's signer over CiphertextHash
	CreatedAt      time.Time `json:"created_at"`
	Nonce          []byte    `json:"encryption_nonce"`
}

// AuthorizedKey is one temporal authorization record for a public key.
// Authorization at time t is determined by the most recent record with
// CreatedAt <= t that was not revoked before t. Historical records are
// preserved to validate old blocks.
type AuthorizedKey struct {
	Fingerprint string     `json:"fingerprint"`
	PublicKey   []byte     `json:"public_key"`
	OwnerName   string     `json:"owner_name"`
	Role        Role       `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	Active      bool       `json:"active"`
}

// AuthorizedAt reports whether this record authorized its key at time t.
func (k *AuthorizedKey) AuthorizedAt(t time.Time) bool {
	if k.CreatedAt.After(t) {
		return false
	}
	return k.RevokedAt == nil || k.RevokedAt.After(t)
}

// HierarchicalKey is one node of the three-tier key graph.
type HierarchicalKey struct {
	ID            uuid.UUID  `json:"id"`
	Depth         int        `json:"depth"` // 1 = ROOT, 2 = INTERMEDIATE, 3+ = OPERATIONAL
	ParentID      *uuid.UUID `json:"parent_id,omitempty"`
	Fingerprint   string     `json:"fingerprint"`
	ValidityUntil time.Time  `json:"validity_until"`
	Purpose       string     `json:"purpose"`
	CreatedAt     time.Time  `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (h *HierarchicalKey) Revoked() bool {
	return h.RevokedAt != nil
}

// IndexEntry is the per-block search metadata. At most one entry exists per
// block; writes are serialized by the indexing coordinator.
type IndexEntry struct {
	BlockNumber        uint64                `json:"block_number"`
	PublicTokens       []string              `json:"public_tokens"`
	PrivateTokens      []string              `json:"private_tokens"`
	KeywordsByCategory map[Category][]string `json:"keywords_by_category"`
	SizeBucket         SizeBucket            `json:"size_bucket"`
	SignerFingerprint  string                `json:"signer_fingerprint"`
}

// BlockStatus is the per-block outcome of validation
type BlockStatus string

const (
	StatusValid                   BlockStatus = "VALID"
	StatusInvalidHash             BlockStatus = "INVALID_HASH"
	StatusInvalidLink             BlockStatus = "INVALID_LINK"
	StatusInvalidSignature        BlockStatus = "INVALID_SIGNATURE"
	StatusUnauthorizedAtTimestamp BlockStatus = "UNAUTHORIZED_AT_TIMESTAMP"
	StatusOffChainUnavailable     BlockStatus = "OFF_CHAIN_UNAVAILABLE"
	StatusOffChainTampered        BlockStatus = "OFF_CHAIN_TAMPERED"
)
