// Copyright 2025 LedgerVault Project
//
// Index Repository - persistence for per-block search metadata. The entry
// row is an upsert keyed on block number; token rows are replaced wholesale
// so an entry never mixes generations.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ledgervault/ledgervault/pkg/ledger"
)

// IndexRepository handles index entry operations
type IndexRepository struct {
	client *Client
}

// NewIndexRepository creates a new index repository
func NewIndexRepository(client *Client) *IndexRepository {
	return &IndexRepository{client: client}
}

// PutIndexEntry upserts the entry for a block and replaces its token rows
func (r *IndexRepository) PutIndexEntry(ctx context.Context, entry *ledger.IndexEntry) error {
	keywordsJSON, err := json.Marshal(entry.KeywordsByCategory)
	if err != nil {
		return fmt.Errorf("failed to serialize category keywords: %w", err)
	}

	return r.client.writeTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO index_entries (block_number, size_bucket, signer_fingerprint, keywords_by_category)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (block_number) DO UPDATE
			SET size_bucket = EXCLUDED.size_bucket,
				signer_fingerprint = EXCLUDED.signer_fingerprint,
				keywords_by_category = EXCLUDED.keywords_by_category`,
			int64(entry.BlockNumber), string(entry.SizeBucket),
			entry.SignerFingerprint, keywordsJSON,
		); err != nil {
			return fmt.Errorf("failed to upsert index entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM index_tokens WHERE block_number = $1`, int64(entry.BlockNumber)); err != nil {
			return fmt.Errorf("failed to clear index tokens: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO index_tokens (block_number, token, visibility)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare token insert: %w", err)
		}
		defer stmt.Close()

		for _, tok := range entry.PublicTokens {
			if _, err := stmt.ExecContext(ctx, int64(entry.BlockNumber), tok, "public"); err != nil {
				return fmt.Errorf("failed to insert public token: %w", err)
			}
		}
		for _, tok := range entry.PrivateTokens {
			if _, err := stmt.ExecContext(ctx, int64(entry.BlockNumber), tok, "private"); err != nil {
				return fmt.Errorf("failed to insert private token: %w", err)
			}
		}
		return nil
	})
}

// IndexEntryByBlock retrieves the entry for a block
func (r *IndexRepository) IndexEntryByBlock(ctx context.Context, number uint64) (*ledger.IndexEntry, error) {
	entry := &ledger.IndexEntry{BlockNumber: number}

	var (
		sizeBucket   string
		keywordsJSON []byte
	)
	err := r.client.db.QueryRowContext(ctx, `
		SELECT size_bucket, signer_fingerprint, keywords_by_category
		FROM index_entries WHERE block_number = $1`, int64(number)).
		Scan(&sizeBucket, &entry.SignerFingerprint, &keywordsJSON)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrIndexEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index entry: %w", err)
	}
	entry.SizeBucket = ledger.SizeBucket(sizeBucket)
	if len(keywordsJSON) > 0 {
		if err := json.Unmarshal(keywordsJSON, &entry.KeywordsByCategory); err != nil {
			return nil, fmt.Errorf("failed to parse category keywords: %w", err)
		}
	}

	rows, err := r.client.db.QueryContext(ctx, `
		SELECT token, visibility FROM index_tokens WHERE block_number = $1`, int64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to query index tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var token, visibility string
		if err := rows.Scan(&token, &visibility); err != nil {
			return nil, fmt.Errorf("failed to scan index token: %w", err)
		}
		if visibility == "private" {
			entry.PrivateTokens = append(entry.PrivateTokens, token)
		} else {
			entry.PublicTokens = append(entry.PublicTokens, token)
		}
	}
	return entry, rows.Err()
}

// FindBlocksByToken returns block numbers whose entries carry the token,
// ascending and bounded by limit. With prefix=true the token matches as a
// prefix (wildcard search).
func (r *IndexRepository) FindBlocksByToken(ctx context.Context, token string, prefix bool, limit int) ([]uint64, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if prefix {
		rows, err = r.client.db.QueryContext(ctx, `
			SELECT DISTINCT block_number FROM index_tokens
			WHERE token LIKE $1 || '%'
			ORDER BY block_number ASC
			LIMIT $2`, token, limit)
	} else {
		rows, err = r.client.db.QueryContext(ctx, `
			SELECT DISTINCT block_number FROM index_tokens
			WHERE token = $1
			ORDER BY block_number ASC
			LIMIT $2`, token, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query index tokens: %w", err)
	}
	defer rows.Close()

	return scanBlockNumbers(rows)
}

// FindBlocksByCategoryKeyword returns block numbers of the category whose
// entries carry the token, ascending and bounded by limit.
func (r *IndexRepository) FindBlocksByCategoryKeyword(ctx context.Context, c ledger.Category, token string, limit int) ([]uint64, error) {
	rows, err := r.client.db.QueryContext(ctx, `
		SELECT DISTINCT t.block_number
		FROM index_tokens t
		JOIN blocks b ON b.number = t.block_number
		WHERE b.category = $1 AND t.token = $2
		ORDER BY t.block_number ASC
		LIMIT $3`, string(c), token, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query category keywords: %w", err)
	}
	defer rows.Close()

	return scanBlockNumbers(rows)
}

// DeleteIndexEntry removes the entry for one block
func (r *IndexRepository) DeleteIndexEntry(ctx context.Context, number uint64) error {
	_, err := r.client.db.ExecContext(ctx,
		`DELETE FROM index_entries WHERE block_number = $1`, int64(number))
	if err != nil {
		return fmt.Errorf("failed to delete index entry: %w", err)
	}
	return nil
}

// DeleteIndexEntriesAfter removes entries for blocks above number
func (r *IndexRepository) DeleteIndexEntriesAfter(ctx context.Context, number uint64) error {
	_, err := r.client.db.ExecContext(ctx,
		`DELETE FROM index_entries WHERE block_number > $1`, int64(number))
	if err != nil {
		return fmt.Errorf("failed to delete index entries: %w", err)
	}
	return nil
}

func scanBlockNumbers(rows *sql.Rows) ([]uint64, error) {
	var numbers []uint64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan block number: %w", err)
		}
		numbers = append(numbers, uint64(n))
	}
	return numbers, rows.Err()
}
