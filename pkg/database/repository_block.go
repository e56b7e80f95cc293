// Copyright 2025 LedgerVault Project
//
// Block Repository - persistence for chain blocks and the block-number
// sequence. Implements ledger.BlockStore: transactional single and batch
// persist with ordered inserts, keyset-paginated streaming scans, and the
// pessimistically locked sequence row.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgervault/ledgervault/pkg/ledger"
)

// BlockRepository handles block persistence
type BlockRepository struct {
	client *Client
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(client *Client) *BlockRepository {
	return &BlockRepository{client: client}
}

const sequenceName = "block_number"

const selectBlocks = `
	SELECT b.number, b.block_timestamp, b.data, b.previous_hash, b.hash,
		b.signature, b.signer_fingerprint, b.is_encrypted, b.auto_keywords,
		b.category, b.custom_metadata,
		o.id, o.file_path, o.plaintext_size, o.ciphertext_hash,
		o.signature, o.encryption_nonce, o.created_at
	FROM blocks b
	LEFT JOIN off_chain_records o ON b.off_chain_id = o.id`

// ============================================================================
// PERSIST OPERATIONS
// ============================================================================

// PersistBlock writes a single block (and its off-chain record, if any)
// inside a transaction.
func (r *BlockRepository) PersistBlock(ctx context.Context, b *ledger.Block) error {
	return r.PersistBlocks(ctx, []*ledger.Block{b})
}

// PersistBlocks writes a batch of blocks inside a single transaction with
// ordered inserts. The batch must already be in ascending number order.
func (r *BlockRepository) PersistBlocks(ctx context.Context, blocks []*ledger.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	return r.client.writeTx(ctx, func(tx *sql.Tx) error {
		return persistBlocksTx(ctx, tx, blocks)
	})
}

func persistBlocksTx(ctx context.Context, tx *sql.Tx, blocks []*ledger.Block) error {
	recordStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO off_chain_records (
			id, file_path, plaintext_size, ciphertext_hash,
			signature, encryption_nonce, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer recordStmt.Close()

	blockStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blocks (
			number, block_timestamp, data, previous_hash, hash, signature,
			signer_fingerprint, off_chain_id, is_encrypted, auto_keywords,
			category, custom_metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("failed to prepare block insert: %w", err)
	}
	defer blockStmt.Close()

	for _, b := range blocks {
		keywordsJSON, err := json.Marshal(b.AutoKeywords)
		if err != nil {
			return fmt.Errorf("failed to serialize auto keywords: %w", err)
		}

		var metadataJSON interface{}
		if len(b.CustomMetadata) > 0 {
			mj, err := json.Marshal(b.CustomMetadata)
			if err != nil {
				return fmt.Errorf("failed to serialize custom metadata: %w", err)
			}
			metadataJSON = mj
		}

		var offChainID interface{}
		if b.OffChain != nil {
			if _, err := recordStmt.ExecContext(ctx,
				b.OffChain.ID, b.OffChain.FilePath, int64(b.OffChain.PlaintextSize),
				b.OffChain.CiphertextHash, b.OffChain.Signature,
				b.OffChain.Nonce, b.OffChain.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert off-chain record: %w", err)
			}
			offChainID = b.OffChain.ID
		}

		if _, err := blockStmt.ExecContext(ctx,
			int64(b.Number), b.Timestamp, b.Data, b.PreviousHash, b.Hash,
			b.Signature, b.SignerFingerprint, offChainID, b.IsEncrypted,
			keywordsJSON, string(b.Category), metadataJSON,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: block %d already persisted", ledger.ErrSequenceConflict, b.Number)
			}
			return fmt.Errorf("failed to insert block %d: %w", b.Number, err)
		}
	}

	return nil
}

// ============================================================================
// READ OPERATIONS
// ============================================================================

// BlockByNumber retrieves a block by its number
func (r *BlockRepository) BlockByNumber(ctx context.Context, number uint64) (*ledger.Block, error) {
	row := r.client.db.QueryRowContext(ctx, selectBlocks+` WHERE b.number = $1`, int64(number))
	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	return b, nil
}

// LastBlock retrieves the highest-numbered block
func (r *BlockRepository) LastBlock(ctx context.Context) (*ledger.Block, error) {
	row := r.client.db.QueryRowContext(ctx, selectBlocks+` ORDER BY b.number DESC LIMIT 1`)
	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last block: %w", err)
	}
	return b, nil
}

// LastBlockRefreshed retrieves the highest-numbered block on a dedicated
// connection so the read cannot be served from any pooled session state.
func (r *BlockRepository) LastBlockRefreshed(ctx context.Context) (*ledger.Block, error) {
	conn, err := r.client.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain connection: %w", err)
	}
	defer conn.Close()

	row := conn.QueryRowContext(ctx, selectBlocks+` ORDER BY b.number DESC LIMIT 1`)
	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last block: %w", err)
	}
	return b, nil
}

// CountBlocks returns the number of persisted blocks
func (r *BlockRepository) CountBlocks(ctx context.Context) (uint64, error) {
	var count int64
	err := r.client.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return uint64(count), nil
}

// HasBlocksSignedBy reports whether any block references the fingerprint
func (r *BlockRepository) HasBlocksSignedBy(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := r.client.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocks WHERE signer_fingerprint = $1)`,
		fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check signed blocks: %w", err)
	}
	return exists, nil
}

// ============================================================================
// STREAMING SCANS
// ============================================================================

// StreamAllBlocks visits every block in ascending number order
func (r *BlockRepository) StreamAllBlocks(ctx context.Context, v ledger.BlockVisitor) error {
	return r.stream(ctx, v, "TRUE", nil)
}

// StreamBlocksByTimeRange visits blocks whose timestamps fall in [lo, hi]
func (r *BlockRepository) StreamBlocksByTimeRange(ctx context.Context, lo, hi time.Time, v ledger.BlockVisitor) error {
	return r.stream(ctx, v, "b.block_timestamp >= $1 AND b.block_timestamp <= $2",
		[]interface{}{lo, hi})
}

// StreamEncryptedBlocks visits blocks whose payload is encrypted
func (r *BlockRepository) StreamEncryptedBlocks(ctx context.Context, v ledger.BlockVisitor) error {
	return r.stream(ctx, v, "b.is_encrypted", nil)
}

// StreamBlocksWithOffChain visits blocks carrying an off-chain reference
func (r *BlockRepository) StreamBlocksWithOffChain(ctx context.Context, v ledger.BlockVisitor) error {
	return r.stream(ctx, v, "b.off_chain_id IS NOT NULL", nil)
}

// StreamBlocksAfter visits blocks with number > the given number
func (r *BlockRepository) StreamBlocksAfter(ctx context.Context, number uint64, v ledger.BlockVisitor) error {
	return r.stream(ctx, v, "b.number > $1", []interface{}{int64(number)})
}

// StreamBlocksBySigner visits blocks signed by the given fingerprint
func (r *BlockRepository) StreamBlocksBySigner(ctx context.Context, fingerprint string, v ledger.BlockVisitor) error {
	return r.stream(ctx, v, "b.signer_fingerprint = $1", []interface{}{fingerprint})
}

// StreamBlocksByCategory visits blocks of the given category
func (r *BlockRepository) StreamBlocksByCategory(ctx context.Context, c ledger.Category, v ledger.BlockVisitor) error {
	return r.stream(ctx, v, "b.category = $1", []interface{}{string(c)})
}

// stream pages through blocks matching filter with keyset pagination so
// memory stays proportional to the page size, not the chain length.
func (r *BlockRepository) stream(ctx context.Context, v ledger.BlockVisitor, filter string, args []interface{}) error {
	pageSize := r.client.config.StreamPageSize
	last := int64(-1)

	for {
		query := fmt.Sprintf(`%s WHERE (%s) AND b.number > $%d ORDER BY b.number ASC LIMIT $%d`,
			selectBlocks, filter, len(args)+1, len(args)+2)
		pageArgs := append(append([]interface{}{}, args...), last, pageSize)

		rows, err := r.client.db.QueryContext(ctx, query, pageArgs...)
		if err != nil {
			return fmt.Errorf("failed to query blocks: %w", err)
		}

		count := 0
		for rows.Next() {
			b, err := scanBlock(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan block: %w", err)
			}
			count++
			last = int64(b.Number)

			cont, err := v(b)
			if err != nil {
				rows.Close()
				return err
			}
			if !cont {
				rows.Close()
				return nil
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating blocks: %w", err)
		}
		rows.Close()

		if count < pageSize {
			return nil
		}
	}
}

// ============================================================================
// DELETE OPERATIONS
// ============================================================================

// DeleteBlockByNumber removes one block row and its off-chain record row.
// Sidecar files are the off-chain store's responsibility and are deleted by
// the engine after the row.
func (r *BlockRepository) DeleteBlockByNumber(ctx context.Context, number uint64) error {
	return r.client.writeTx(ctx, func(tx *sql.Tx) error {
		var offChainID sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT off_chain_id FROM blocks WHERE number = $1`, int64(number)).Scan(&offChainID)
		if err == sql.ErrNoRows {
			return ledger.ErrBlockNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up block %d: %w", number, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE number = $1`, int64(number)); err != nil {
			return fmt.Errorf("failed to delete block %d: %w", number, err)
		}
		if offChainID.Valid {
			if _, err := tx.ExecContext(ctx, `DELETE FROM off_chain_records WHERE id = $1`, offChainID.String); err != nil {
				return fmt.Errorf("failed to delete off-chain record: %w", err)
			}
		}
		return nil
	})
}

// DeleteBlocksAfter removes every block with number > the given number and
// returns how many were removed.
func (r *BlockRepository) DeleteBlocksAfter(ctx context.Context, number uint64) (uint64, error) {
	var removed int64
	err := r.client.writeTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE number > $1`, int64(number))
		if err != nil {
			return fmt.Errorf("failed to delete blocks: %w", err)
		}
		removed, _ = result.RowsAffected()

		// Orphaned off-chain rows are no longer referenced by any block
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM off_chain_records o
			WHERE NOT EXISTS (SELECT 1 FROM blocks b WHERE b.off_chain_id = o.id)`); err != nil {
			return fmt.Errorf("failed to delete orphaned off-chain records: %w", err)
		}

		// Keep the sequence aligned with the new chain head
		if _, err := tx.ExecContext(ctx, `
			UPDATE block_sequence SET next_value = $2 WHERE name = $1 AND next_value > $2`,
			sequenceName, int64(number)+1); err != nil {
			return fmt.Errorf("failed to reset sequence: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(removed), nil
}

// ============================================================================
// SEQUENCE ALLOCATION
// ============================================================================

// NextBlockNumber atomically allocates the next block number under a
// pessimistic write lock on the single sequence row. The row is initialized
// from max(block.number)+1 if absent. Transient conflicts surface as
// ledger.ErrSequenceConflict for the caller's bounded retry.
func (r *BlockRepository) NextBlockNumber(ctx context.Context) (uint64, error) {
	var next int64
	err := r.client.writeTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT next_value FROM block_sequence WHERE name = $1 FOR UPDATE`,
			sequenceName).Scan(&next)
		if err == sql.ErrNoRows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO block_sequence (name, next_value)
				SELECT $1, COALESCE(MAX(number) + 1, 0) FROM blocks
				ON CONFLICT (name) DO NOTHING`, sequenceName); err != nil {
				return fmt.Errorf("failed to initialize sequence: %w", err)
			}
			err = tx.QueryRowContext(ctx,
				`SELECT next_value FROM block_sequence WHERE name = $1 FOR UPDATE`,
				sequenceName).Scan(&next)
		}
		if err != nil {
			return fmt.Errorf("failed to read sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE block_sequence SET next_value = next_value + 1 WHERE name = $1`,
			sequenceName); err != nil {
			return fmt.Errorf("failed to advance sequence: %w", err)
		}
		return nil
	})
	if err != nil {
		if isRetryableConflict(err) {
			return 0, fmt.Errorf("%w: %v", ledger.ErrSequenceConflict, err)
		}
		return 0, err
	}
	return uint64(next), nil
}

// ============================================================================
// ROW SCANNING
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(row rowScanner) (*ledger.Block, error) {
	var (
		b            ledger.Block
		number       int64
		category     string
		keywordsJSON []byte
		metadataJSON []byte

		ocID      sql.NullString
		ocPath    sql.NullString
		ocSize    sql.NullInt64
		ocHash    []byte
		ocSig     []byte
		ocNonce   []byte
		ocCreated sql.NullTime
	)

	err := row.Scan(
		&number, &b.Timestamp, &b.Data, &b.PreviousHash, &b.Hash,
		&b.Signature, &b.SignerFingerprint, &b.IsEncrypted, &keywordsJSON,
		&category, &metadataJSON,
		&ocID, &ocPath, &ocSize, &ocHash, &ocSig, &ocNonce, &ocCreated,
	)
	if err != nil {
		return nil, err
	}

	b.Number = uint64(number)
	b.Timestamp = b.Timestamp.UTC()
	b.Category = ledger.Category(category)

	if len(keywordsJSON) > 0 {
		if err := json.Unmarshal(keywordsJSON, &b.AutoKeywords); err != nil {
			return nil, fmt.Errorf("failed to parse auto keywords: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &b.CustomMetadata); err != nil {
			return nil, fmt.Errorf("failed to parse custom metadata: %w", err)
		}
	}

	if ocID.Valid {
		id, err := uuid.Parse(ocID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse off-chain record id: %w", err)
		}
		b.OffChain = &ledger.OffChainRecord{
			ID:             id,
			FilePath:       ocPath.String,
			PlaintextSize:  uint64(ocSize.Int64),
			CiphertextHash: ocHash,
			Signature:      ocSig,
			Nonce:          ocNonce,
			CreatedAt:      ocCreated.Time.UTC(),
		}
	}

	return &b, nil
}
