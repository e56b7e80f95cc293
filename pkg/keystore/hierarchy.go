// Copyright 2025 LedgerVault Project
//
// Hierarchical key operations. The graph is three-tiered: ROOT (depth 1),
// INTERMEDIATE (depth 2), OPERATIONAL (depth 3+). Every non-root key needs
// an existing, non-revoked parent one level up; parents are never created
// implicitly.

package keystore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/logging"
)

// CreateHierarchicalKey creates a key at the given depth. The caller's role
// must cover the depth per the role matrix; validity is bounded by depth
// (ROOT <= 5y, INTERMEDIATE <= 1y, OPERATIONAL <= 90d).
func (s *Service) CreateHierarchicalKey(ctx context.Context, caller Credentials, depth int, parentID *uuid.UUID, fingerprint, purpose string, validityUntil time.Time) (*ledger.HierarchicalKey, error) {
	callerRec, err := s.requireAuthorized(ctx, caller)
	if err != nil {
		return nil, err
	}
	if depth < ledger.DepthRoot {
		return nil, lverrors.InvalidArgument("depth", "depth must be at least 1")
	}
	if !callerRec.Role.MayManageDepth(depth) {
		return nil, lverrors.Newf(lverrors.ErrorCodeUnauthorized,
			"role %s may not manage keys at depth %d", callerRec.Role, depth)
	}

	now := time.Now().UTC()
	if validityUntil.Before(now) {
		return nil, lverrors.InvalidArgument("validity_until", "validity must be in the future")
	}
	if validityUntil.Sub(now) > ledger.MaxValidityForDepth(depth) {
		return nil, lverrors.InvalidArgument("validity_until",
			"validity exceeds the maximum window for this depth")
	}

	if depth == ledger.DepthRoot {
		if parentID != nil {
			return nil, lverrors.InvalidArgument("parent_id", "root keys have no parent")
		}
	} else {
		if parentID == nil {
			return nil, lverrors.Newf(lverrors.ErrorCodeMissingParent,
				"a key at depth %d requires a parent at depth %d", depth, depth-1)
		}
		parent, err := s.keys.HierarchicalKeyByID(ctx, *parentID)
		if errors.Is(err, ledger.ErrHierarchicalKeyNotFound) {
			return nil, lverrors.Newf(lverrors.ErrorCodeMissingParent,
				"parent key %s does not exist", parentID)
		}
		if err != nil {
			return nil, lverrors.Storage(err, "create-hierarchical-key")
		}
		if parent.Depth != depth-1 {
			return nil, lverrors.Newf(lverrors.ErrorCodeMissingParent,
				"parent %s is at depth %d, need depth %d", parentID, parent.Depth, depth-1)
		}
		if parent.Revoked() {
			return nil, lverrors.Newf(lverrors.ErrorCodeMissingParent,
				"parent key %s is revoked", parentID)
		}
	}

	key := &ledger.HierarchicalKey{
		ID:            uuid.New(),
		Depth:         depth,
		ParentID:      parentID,
		Fingerprint:   fingerprint,
		ValidityUntil: validityUntil.UTC(),
		Purpose:       purpose,
		CreatedAt:     now,
	}
	if err := s.keys.InsertHierarchicalKey(ctx, key); err != nil {
		return nil, lverrors.Storage(err, "create-hierarchical-key")
	}
	s.cache.Purge()

	s.logger.Info("Created hierarchical key",
		"id", key.ID.String(),
		"depth", depth,
		"purpose", purpose)
	return key, nil
}

// RotateHierarchicalKey creates a successor at the same depth and parent,
// re-parents the predecessor's children onto it, and revokes the
// predecessor.
func (s *Service) RotateHierarchicalKey(ctx context.Context, caller Credentials, id uuid.UUID, newFingerprint string, validityUntil time.Time) (*ledger.HierarchicalKey, error) {
	callerRec, err := s.requireAuthorized(ctx, caller)
	if err != nil {
		return nil, err
	}

	old, err := s.keys.HierarchicalKeyByID(ctx, id)
	if errors.Is(err, ledger.ErrHierarchicalKeyNotFound) {
		return nil, lverrors.Newf(lverrors.ErrorCodeNotFound, "hierarchical key %s not found", id)
	}
	if err != nil {
		return nil, lverrors.Storage(err, "rotate-hierarchical-key")
	}
	if !callerRec.Role.MayManageDepth(old.Depth) {
		return nil, lverrors.Newf(lverrors.ErrorCodeUnauthorized,
			"role %s may not manage keys at depth %d", callerRec.Role, old.Depth)
	}
	if old.Revoked() {
		return nil, lverrors.Newf(lverrors.ErrorCodeNotFound,
			"hierarchical key %s is already revoked", id)
	}

	now := time.Now().UTC()
	if validityUntil.Sub(now) > ledger.MaxValidityForDepth(old.Depth) {
		return nil, lverrors.InvalidArgument("validity_until",
			"validity exceeds the maximum window for this depth")
	}

	successor := &ledger.HierarchicalKey{
		ID:            uuid.New(),
		Depth:         old.Depth,
		ParentID:      old.ParentID,
		Fingerprint:   newFingerprint,
		ValidityUntil: validityUntil.UTC(),
		Purpose:       old.Purpose,
		CreatedAt:     now,
	}
	if err := s.keys.InsertHierarchicalKey(ctx, successor); err != nil {
		return nil, lverrors.Storage(err, "rotate-hierarchical-key")
	}
	if err := s.keys.ReparentHierarchicalKeys(ctx, old.ID, successor.ID); err != nil {
		return nil, lverrors.Storage(err, "rotate-hierarchical-key")
	}
	if err := s.keys.RevokeHierarchicalKey(ctx, old.ID, now); err != nil {
		return nil, lverrors.Storage(err, "rotate-hierarchical-key")
	}
	s.cache.Purge()

	s.logger.Info("Rotated hierarchical key",
		"old_id", old.ID.String(),
		"new_id", successor.ID.String(),
		"depth", old.Depth)
	return successor, nil
}

// RevokeHierarchicalKey marks a key revoked. Children of a revoked key can
// no longer parent new keys.
func (s *Service) RevokeHierarchicalKey(ctx context.Context, caller Credentials, id uuid.UUID) error {
	callerRec, err := s.requireAuthorized(ctx, caller)
	if err != nil {
		return err
	}

	key, err := s.keys.HierarchicalKeyByID(ctx, id)
	if errors.Is(err, ledger.ErrHierarchicalKeyNotFound) {
		return lverrors.Newf(lverrors.ErrorCodeNotFound, "hierarchical key %s not found", id)
	}
	if err != nil {
		return lverrors.Storage(err, "revoke-hierarchical-key")
	}
	if !callerRec.Role.MayManageDepth(key.Depth) {
		return lverrors.Newf(lverrors.ErrorCodeUnauthorized,
			"role %s may not manage keys at depth %d", callerRec.Role, key.Depth)
	}

	if err := s.keys.RevokeHierarchicalKey(ctx, id, time.Now().UTC()); err != nil {
		if errors.Is(err, ledger.ErrHierarchicalKeyNotFound) {
			return lverrors.Newf(lverrors.ErrorCodeNotFound, "hierarchical key %s not found", id)
		}
		return lverrors.Storage(err, "revoke-hierarchical-key")
	}
	s.cache.Purge()
	return nil
}
