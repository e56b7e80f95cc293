// Copyright 2025 LedgerVault Project
//
// Chain analytics. One streaming pass; memory stays constant regardless of
// chain length.

package chain

import (
	"context"

	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/ledger"
)

// Stats summarizes the chain
type Stats struct {
	TotalBlocks     uint64                     `json:"total_blocks"`
	EncryptedBlocks uint64                     `json:"encrypted_blocks"`
	OffChainBlocks  uint64                     `json:"off_chain_blocks"`
	ByCategory      map[ledger.Category]uint64 `json:"by_category"`
	BySigner        map[string]uint64          `json:"by_signer"`
	OffChainBytes   uint64                     `json:"off_chain_bytes"`
}

// Stats computes chain statistics in one streaming pass.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByCategory: make(map[ledger.Category]uint64),
		BySigner:   make(map[string]uint64),
	}

	err := e.blocks.StreamAllBlocks(ctx, func(b *ledger.Block) (bool, error) {
		stats.TotalBlocks++
		stats.ByCategory[b.Category]++
		stats.BySigner[b.SignerFingerprint]++
		if b.IsEncrypted {
			stats.EncryptedBlocks++
		}
		if b.OffChain != nil {
			stats.OffChainBlocks++
			stats.OffChainBytes += b.OffChain.PlaintextSize
		}
		return true, nil
	})
	if err != nil {
		return nil, lverrors.Storage(err, "stats")
	}
	return stats, nil
}
