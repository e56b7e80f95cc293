// Copyright 2025 LedgerVault Project
//
// Key Repository - persistence for authorized-key records and the
// hierarchical key graph. Records are temporal: revocation closes a record
// but never removes it, so blocks signed before revocation stay verifiable.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgervault/ledgervault/pkg/ledger"
)

// KeyRepository handles authorized-key operations
type KeyRepository struct {
	client *Client
}

// NewKeyRepository creates a new key repository
func NewKeyRepository(client *Client) *KeyRepository {
	return &KeyRepository{client: client}
}

const selectKeyRecord = `
	SELECT fingerprint, public_key, owner_name, role, created_at, revoked_at, active
	FROM authorized_keys`

// ============================================================================
// AUTHORIZED KEY RECORDS
// ============================================================================

// InsertKeyRecord adds a new authorization record. A second active record
// for the same fingerprint violates the partial unique index and surfaces
// as a duplicate.
func (r *KeyRepository) InsertKeyRecord(ctx context.Context, rec *ledger.AuthorizedKey) error {
	_, err := r.client.db.ExecContext(ctx, `
		INSERT INTO authorized_keys (
			fingerprint, public_key, owner_name, role, created_at, revoked_at, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Fingerprint, rec.PublicKey, rec.OwnerName, string(rec.Role),
		rec.CreatedAt, rec.RevokedAt, rec.Active,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active record for %s already exists: %w", rec.Fingerprint, err)
		}
		return fmt.Errorf("failed to insert key record: %w", err)
	}
	return nil
}

// ActiveKeyRecord returns the active record for a fingerprint
func (r *KeyRepository) ActiveKeyRecord(ctx context.Context, fingerprint string) (*ledger.AuthorizedKey, error) {
	row := r.client.db.QueryRowContext(ctx,
		selectKeyRecord+` WHERE fingerprint = $1 AND active LIMIT 1`, fingerprint)
	rec, err := scanKeyRecord(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active key record: %w", err)
	}
	return rec, nil
}

// KeyRecordAt returns the record with the largest created_at <= at for the
// fingerprint. Callers decide authorization from the record's revocation
// state.
func (r *KeyRepository) KeyRecordAt(ctx context.Context, fingerprint string, at time.Time) (*ledger.AuthorizedKey, error) {
	row := r.client.db.QueryRowContext(ctx, selectKeyRecord+`
		WHERE fingerprint = $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT 1`, fingerprint, at)
	rec, err := scanKeyRecord(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key record at %s: %w", at, err)
	}
	return rec, nil
}

// RevokeActiveKeyRecord closes the active record for a fingerprint
func (r *KeyRepository) RevokeActiveKeyRecord(ctx context.Context, fingerprint string, at time.Time) error {
	result, err := r.client.db.ExecContext(ctx, `
		UPDATE authorized_keys
		SET revoked_at = $2, active = FALSE
		WHERE fingerprint = $1 AND active`,
		fingerprint, at)
	if err != nil {
		return fmt.Errorf("failed to revoke key record: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ledger.ErrKeyNotFound
	}
	return nil
}

// DeleteKeyRecords irreversibly removes every record for a fingerprint
func (r *KeyRepository) DeleteKeyRecords(ctx context.Context, fingerprint string) error {
	result, err := r.client.db.ExecContext(ctx,
		`DELETE FROM authorized_keys WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to delete key records: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ledger.ErrKeyNotFound
	}
	return nil
}

// ListKeyRecords returns every record, historical and revoked included,
// ordered by creation time
func (r *KeyRepository) ListKeyRecords(ctx context.Context) ([]*ledger.AuthorizedKey, error) {
	rows, err := r.client.db.QueryContext(ctx, selectKeyRecord+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query key records: %w", err)
	}
	defer rows.Close()

	var records []*ledger.AuthorizedKey
	for rows.Next() {
		rec, err := scanKeyRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountKeyRecords returns the total number of records
func (r *KeyRepository) CountKeyRecords(ctx context.Context) (uint64, error) {
	var count int64
	err := r.client.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM authorized_keys`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count key records: %w", err)
	}
	return uint64(count), nil
}

// ============================================================================
// HIERARCHICAL KEYS
// ============================================================================

const selectHierarchicalKey = `
	SELECT id, depth, parent_id, fingerprint, validity_until, purpose, created_at, revoked_at
	FROM hierarchical_keys`

// InsertHierarchicalKey adds a node to the key graph
func (r *KeyRepository) InsertHierarchicalKey(ctx context.Context, key *ledger.HierarchicalKey) error {
	var parentID interface{}
	if key.ParentID != nil {
		parentID = *key.ParentID
	}
	_, err := r.client.db.ExecContext(ctx, `
		INSERT INTO hierarchical_keys (
			id, depth, parent_id, fingerprint, validity_until, purpose, created_at, revoked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Depth, parentID, key.Fingerprint,
		key.ValidityUntil, key.Purpose, key.CreatedAt, key.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert hierarchical key: %w", err)
	}
	return nil
}

// HierarchicalKeyByID retrieves a node by id
func (r *KeyRepository) HierarchicalKeyByID(ctx context.Context, id uuid.UUID) (*ledger.HierarchicalKey, error) {
	row := r.client.db.QueryRowContext(ctx, selectHierarchicalKey+` WHERE id = $1`, id)
	key, err := scanHierarchicalKey(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrHierarchicalKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hierarchical key: %w", err)
	}
	return key, nil
}

// RevokeHierarchicalKey marks a node revoked
func (r *KeyRepository) RevokeHierarchicalKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.client.db.ExecContext(ctx, `
		UPDATE hierarchical_keys SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("failed to revoke hierarchical key: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ledger.ErrHierarchicalKeyNotFound
	}
	return nil
}

// ReparentHierarchicalKeys moves the children of oldParent to newParent
func (r *KeyRepository) ReparentHierarchicalKeys(ctx context.Context, oldParent, newParent uuid.UUID) error {
	_, err := r.client.db.ExecContext(ctx, `
		UPDATE hierarchical_keys SET parent_id = $2 WHERE parent_id = $1`,
		oldParent, newParent)
	if err != nil {
		return fmt.Errorf("failed to reparent hierarchical keys: %w", err)
	}
	return nil
}

// ============================================================================
// ROW SCANNING
// ============================================================================

func scanKeyRecord(row rowScanner) (*ledger.AuthorizedKey, error) {
	var (
		rec       ledger.AuthorizedKey
		role      string
		revokedAt sql.NullTime
	)
	err := row.Scan(&rec.Fingerprint, &rec.PublicKey, &rec.OwnerName, &role,
		&rec.CreatedAt, &revokedAt, &rec.Active)
	if err != nil {
		return nil, err
	}
	rec.Role = ledger.Role(role)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		rec.RevokedAt = &t
	}
	return &rec, nil
}

func scanHierarchicalKey(row rowScanner) (*ledger.HierarchicalKey, error) {
	var (
		key       ledger.HierarchicalKey
		parentID  sql.NullString
		revokedAt sql.NullTime
	)
	err := row.Scan(&key.ID, &key.Depth, &parentID, &key.Fingerprint,
		&key.ValidityUntil, &key.Purpose, &key.CreatedAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		id, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse parent id: %w", err)
		}
		key.ParentID = &id
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		key.RevokedAt = &t
	}
	key.CreatedAt = key.CreatedAt.UTC()
	key.ValidityUntil = key.ValidityUntil.UTC()
	return &key, nil
}
