// Copyright 2025 LedgerVault Project
//
// Indexer - builds the per-block search metadata. Public tokens come from
// the on-chain data of plaintext blocks and from auto keywords; encrypted
// blocks contribute only their ciphertext token commitments as private
// tokens.

package index

import (
	"context"
	"regexp"
	"strings"

	"github.com/ledgervault/ledgervault/pkg/ledger"
)

// maxDataTokens caps how many tokens one block's data contributes
const maxDataTokens = 128

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9._@-]+`)

// Indexer extracts index entries from blocks
type Indexer struct {
	store ledger.IndexStore
}

// NewIndexer creates an indexer writing through the given store
func NewIndexer(store ledger.IndexStore) *Indexer {
	return &Indexer{store: store}
}

// BuildEntry extracts the index entry for a block without persisting it.
func (ix *Indexer) BuildEntry(b *ledger.Block) *ledger.IndexEntry {
	entry := &ledger.IndexEntry{
		BlockNumber:       b.Number,
		SignerFingerprint: b.SignerFingerprint,
		SizeBucket:        ledger.BucketForSize(payloadSize(b)),
	}

	if b.IsEncrypted {
		// Auto keywords of encrypted blocks are already ciphertext
		// commitments; nothing from the data field is exposed.
		entry.PrivateTokens = normalizeTokens(b.AutoKeywords)
	} else {
		tokens := Tokenize(b.Data)
		tokens = append(tokens, b.AutoKeywords...)
		entry.PublicTokens = normalizeTokens(tokens)
	}

	if len(b.AutoKeywords) > 0 {
		entry.KeywordsByCategory = map[ledger.Category][]string{
			b.Category: normalizeTokens(b.AutoKeywords),
		}
	}

	return entry
}

// IndexBlock builds and persists the entry for a block.
func (ix *Indexer) IndexBlock(ctx context.Context, b *ledger.Block) error {
	return ix.store.PutIndexEntry(ctx, ix.BuildEntry(b))
}

// Tokenize splits free text into index tokens.
func Tokenize(text string) []string {
	tokens := tokenPattern.FindAllString(text, -1)
	if len(tokens) > maxDataTokens {
		tokens = tokens[:maxDataTokens]
	}
	return tokens
}

// normalizeTokens lowercases and deduplicates tokens, preserving order.
func normalizeTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func payloadSize(b *ledger.Block) uint64 {
	if b.OffChain != nil {
		return b.OffChain.PlaintextSize
	}
	return uint64(len(b.Data))
}
