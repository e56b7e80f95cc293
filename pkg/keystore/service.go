// Copyright 2025 LedgerVault Project
//
// KeyStore service - role-based authorization over temporal key records.
// Authorization at a point in time is decided by the most recent record
// created at or before that time; revocation closes records without
// removing them so historical blocks stay verifiable. The in-memory cache
// is read-through and invalidated on every write.

package keystore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ledgervault/ledgervault/pkg/crypto"
	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/logging"
)

const cacheSize = 1024

// Credentials identify a caller by its public key. The caller must hold an
// active authorization record for any sensitive operation.
type Credentials struct {
	PublicKey []byte
}

// Fingerprint returns the caller's key fingerprint
func (c Credentials) Fingerprint() string {
	return mldsa.Fingerprint(c.PublicKey)
}

// Service enforces the authorization model over a KeyRecordStore
type Service struct {
	keys   ledger.KeyRecordStore
	blocks ledger.BlockStore
	cache  *lru.Cache[string, *ledger.AuthorizedKey]
	logger *logging.Logger
}

// New creates a keystore service
func New(keys ledger.KeyRecordStore, blocks ledger.BlockStore, logger *logging.Logger) (*Service, error) {
	cache, err := lru.New[string, *ledger.AuthorizedKey](cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		keys:   keys,
		blocks: blocks,
		cache:  cache,
		logger: logger.WithComponent("keystore"),
	}, nil
}

// Bootstrap creates the initial BOOTSTRAP_ADMIN record. It is permitted
// only while the key store holds no records at all.
func (s *Service) Bootstrap(ctx context.Context, publicKey []byte, ownerName string) (*ledger.AuthorizedKey, error) {
	count, err := s.keys.CountKeyRecords(ctx)
	if err != nil {
		return nil, lverrors.Storage(err, "bootstrap")
	}
	if count > 0 {
		return nil, lverrors.New(lverrors.ErrorCodeUnauthorized,
			"bootstrap is only permitted on an empty key store")
	}

	rec := &ledger.AuthorizedKey{
		Fingerprint: mldsa.Fingerprint(publicKey),
		PublicKey:   publicKey,
		OwnerName:   ownerName,
		Role:        ledger.RoleBootstrapAdmin,
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	}
	if err := s.keys.InsertKeyRecord(ctx, rec); err != nil {
		return nil, lverrors.Storage(err, "bootstrap")
	}
	s.cache.Purge()

	s.logger.KeyEvent(slog.LevelInfo, "bootstrap", rec.Fingerprint,
		"owner", ownerName)
	return rec, nil
}

// Register adds an active authorization record for a new key. The caller
// must be pre-authorized and its role must dominate the target role.
func (s *Service) Register(ctx context.Context, caller Credentials, targetPublicKey []byte, ownerName string, role ledger.Role) (*ledger.AuthorizedKey, error) {
	callerRec, err := s.requireAuthorized(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !callerRec.Role.Dominates(role) {
		return nil, lverrors.InsufficientRole(string(callerRec.Role), string(role))
	}

	fingerprint := mldsa.Fingerprint(targetPublicKey)
	if existing, err := s.keys.ActiveKeyRecord(ctx, fingerprint); err == nil && existing != nil {
		return nil, lverrors.Newf(lverrors.ErrorCodeDuplicate,
			"an active record for %s already exists", fingerprint)
	} else if err != nil && !errors.Is(err, ledger.ErrKeyNotFound) {
		return nil, lverrors.Storage(err, "register")
	}

	rec := &ledger.AuthorizedKey{
		Fingerprint: fingerprint,
		PublicKey:   targetPublicKey,
		OwnerName:   ownerName,
		Role:        role,
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	}
	if err := s.keys.InsertKeyRecord(ctx, rec); err != nil {
		return nil, lverrors.Storage(err, "register")
	}
	s.cache.Purge()

	s.logger.KeyEvent(slog.LevelInfo, "register", fingerprint,
		"role", string(role),
		"owner", ownerName)
	return rec, nil
}

// Revoke closes the active record for a key. Historical records stay.
func (s *Service) Revoke(ctx context.Context, caller Credentials, targetPublicKey []byte, reason string) error {
	callerRec, err := s.requireAuthorized(ctx, caller)
	if err != nil {
		return err
	}

	fingerprint := mldsa.Fingerprint(targetPublicKey)
	target, err := s.keys.ActiveKeyRecord(ctx, fingerprint)
	if errors.Is(err, ledger.ErrKeyNotFound) {
		return lverrors.Newf(lverrors.ErrorCodeNotFound, "no active record for %s", fingerprint)
	}
	if err != nil {
		return lverrors.Storage(err, "revoke")
	}
	if !callerRec.Role.Dominates(target.Role) {
		return lverrors.InsufficientRole(string(callerRec.Role), string(target.Role))
	}

	if err := s.keys.RevokeActiveKeyRecord(ctx, fingerprint, time.Now().UTC()); err != nil {
		if errors.Is(err, ledger.ErrKeyNotFound) {
			return lverrors.Newf(lverrors.ErrorCodeNotFound, "no active record for %s", fingerprint)
		}
		return lverrors.Storage(err, "revoke")
	}
	s.cache.Purge()

	s.logger.KeyEvent(slog.LevelWarn, "revoke", fingerprint,
		"reason", reason)
	return nil
}

// Delete irreversibly removes every record for a key. Without force it
// refuses when any block references the key. With force it requires an
// admin signature over (target, force, reason) by a SUPER_ADMIN caller;
// blocks signed by the key become orphaned.
func (s *Service) Delete(ctx context.Context, caller Credentials, targetPublicKey []byte, force bool, reason string, adminSig *mldsa.Signature) error {
	callerRec, err := s.requireAuthorized(ctx, caller)
	if err != nil {
		return err
	}

	fingerprint := mldsa.Fingerprint(targetPublicKey)

	signed, err := s.blocks.HasBlocksSignedBy(ctx, fingerprint)
	if err != nil {
		return lverrors.Storage(err, "delete")
	}
	if signed && !force {
		return lverrors.Newf(lverrors.ErrorCodeHasSignedBlocks,
			"key %s has signed blocks; deletion requires force", fingerprint)
	}

	if force {
		if !callerRec.Role.IsAdmin() {
			return lverrors.InsufficientRole(string(callerRec.Role), string(ledger.RoleSuperAdmin))
		}
		callerPub, err := mldsa.PublicKeyFromBytes(callerRec.PublicKey)
		if err != nil {
			return lverrors.Wrap(err, lverrors.ErrorCodeInvalidAdminSignature,
				"caller public key is unparseable")
		}
		msg := crypto.AdminDeleteMessage(fingerprint, force, reason)
		if adminSig == nil || !callerPub.Verify(msg, adminSig) {
			return lverrors.New(lverrors.ErrorCodeInvalidAdminSignature,
				"admin signature does not verify for this deletion")
		}
	}

	if err := s.keys.DeleteKeyRecords(ctx, fingerprint); err != nil {
		if errors.Is(err, ledger.ErrKeyNotFound) {
			return lverrors.Newf(lverrors.ErrorCodeNotFound, "no records for %s", fingerprint)
		}
		return lverrors.Storage(err, "delete")
	}
	s.cache.Purge()

	s.logger.KeyEvent(slog.LevelWarn, "delete", fingerprint,
		"force", force,
		"reason", reason)
	return nil
}

// WasAuthorizedAt reports whether the key was authorized at time t per the
// temporal record rules. Keys without any record (deleted or never
// registered) were never authorized.
func (s *Service) WasAuthorizedAt(ctx context.Context, fingerprint string, t time.Time) (bool, error) {
	rec, err := s.keys.KeyRecordAt(ctx, fingerprint, t)
	if errors.Is(err, ledger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, lverrors.Storage(err, "was-authorized-at")
	}
	return rec.AuthorizedAt(t), nil
}

// AuthorizedNow returns the active record for a fingerprint through the
// read-through cache.
func (s *Service) AuthorizedNow(ctx context.Context, fingerprint string) (*ledger.AuthorizedKey, error) {
	if rec, ok := s.cache.Get(fingerprint); ok {
		return rec, nil
	}
	rec, err := s.keys.ActiveKeyRecord(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	s.cache.Add(fingerprint, rec)
	return rec, nil
}

// PublicKeyFor returns the packed public key for a fingerprint from its
// active record or, failing that, from the record in force at `at` (the
// latest one created at or before it). Validation uses this to verify
// historical blocks whose signers have since been revoked.
func (s *Service) PublicKeyFor(ctx context.Context, fingerprint string, at time.Time) ([]byte, error) {
	if rec, err := s.AuthorizedNow(ctx, fingerprint); err == nil {
		return rec.PublicKey, nil
	}
	rec, err := s.keys.KeyRecordAt(ctx, fingerprint, at)
	if err != nil {
		return nil, err
	}
	return rec.PublicKey, nil
}

// ListKeys returns every record, historical and revoked included.
func (s *Service) ListKeys(ctx context.Context) ([]*ledger.AuthorizedKey, error) {
	return s.keys.ListKeyRecords(ctx)
}

// Reauthorize restores a deleted key by inserting a record whose validity
// starts at effectiveFrom, so blocks the key signed after that instant
// become compliant again. Requires a SUPER_ADMIN caller.
func (s *Service) Reauthorize(ctx context.Context, caller Credentials, publicKey []byte, ownerName string, role ledger.Role, effectiveFrom time.Time) (*ledger.AuthorizedKey, error) {
	callerRec, err := s.requireAuthorized(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !callerRec.Role.IsAdmin() {
		return nil, lverrors.InsufficientRole(string(callerRec.Role), string(ledger.RoleSuperAdmin))
	}
	if !callerRec.Role.Dominates(role) {
		return nil, lverrors.InsufficientRole(string(callerRec.Role), string(role))
	}

	rec := &ledger.AuthorizedKey{
		Fingerprint: mldsa.Fingerprint(publicKey),
		PublicKey:   publicKey,
		OwnerName:   ownerName,
		Role:        role,
		CreatedAt:   effectiveFrom.UTC(),
		Active:      true,
	}
	if err := s.keys.InsertKeyRecord(ctx, rec); err != nil {
		return nil, lverrors.Storage(err, "reauthorize")
	}
	s.cache.Purge()

	s.logger.KeyEvent(slog.LevelWarn, "reauthorize", rec.Fingerprint,
		"effective_from", effectiveFrom)
	return rec, nil
}

// ImportRecord inserts a key record verbatim, preserving its timestamps.
// Used by chain import to rebuild authorization history.
func (s *Service) ImportRecord(ctx context.Context, rec *ledger.AuthorizedKey) error {
	if err := s.keys.InsertKeyRecord(ctx, rec); err != nil {
		return lverrors.Storage(err, "import-record")
	}
	s.cache.Purge()
	return nil
}

// requireAuthorized resolves the caller's active record or fails with
// Unauthorized.
func (s *Service) requireAuthorized(ctx context.Context, caller Credentials) (*ledger.AuthorizedKey, error) {
	fingerprint := caller.Fingerprint()
	rec, err := s.AuthorizedNow(ctx, fingerprint)
	if errors.Is(err, ledger.ErrKeyNotFound) {
		return nil, lverrors.Unauthorized(fingerprint)
	}
	if err != nil {
		return nil, lverrors.Storage(err, "authorize")
	}
	now := time.Now().UTC()
	if !rec.AuthorizedAt(now) {
		return nil, lverrors.Unauthorized(fingerprint)
	}
	return rec, nil
}
