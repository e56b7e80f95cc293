// Copyright 2025 LedgerVault Project
//
// Chain export and import. The document is written incrementally - header,
// then the key history, then one block at a time - so peak memory is
// independent of chain length. Sidecar files live in a companion directory
// named by their on-chain ciphertext hash.

package chain

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/logging"
	"github.com/ledgervault/ledgervault/pkg/validation"
)

// Wire-level algorithm commitments recorded in every export
const (
	ExportVersion      = "1"
	HashAlgorithm      = "SHA3-256"
	SignatureAlgorithm = "ML-DSA-87"
	AEADAlgorithm      = "AES-256-GCM"
)

// exportWarnBlocks is the chain length above which export logs a warning
const exportWarnBlocks = 100_000

// exportBlock is the wire form of a block; OffChainFile names the sidecar
// file (its ciphertext hash, hex) in the companion directory.
type exportBlock struct {
	*ledger.Block
	OffChainFile string `json:"off_chain_file,omitempty"`
}

type exportHeader struct {
	Version            string `json:"version"`
	ExportedAt         string `json:"exported_at"`
	BlockCount         uint64 `json:"block_count"`
	GenesisHash        string `json:"genesis_hash"`
	HashAlgorithm      string `json:"hash_algorithm"`
	SignatureAlgorithm string `json:"signature_algorithm"`
	AEAD               string `json:"aead"`
}

// sidecarDir returns the companion directory for an export document
func sidecarDir(path string) string {
	return path + ".offchain"
}

// Export streams the chain and key history into a document at path.
func (e *Engine) Export(ctx context.Context, path string) error {
	return e.exportUpTo(ctx, path, nil)
}

// ExportPrefix exports only the blocks up to and including upTo. Recovery
// uses it to archive the valid prefix of a corrupted chain.
func (e *Engine) ExportPrefix(ctx context.Context, path string, upTo uint64) error {
	return e.exportUpTo(ctx, path, &upTo)
}

func (e *Engine) exportUpTo(ctx context.Context, path string, upTo *uint64) error {
	count, err := e.blocks.CountBlocks(ctx)
	if err != nil {
		return lverrors.Storage(err, "export")
	}
	if upTo != nil && count > *upTo+1 {
		count = *upTo + 1
	}
	if count > exportWarnBlocks {
		e.logger.Warn("Exporting a very large chain",
			"block_count", count)
	}

	genesisHash := ""
	if genesis, err := e.blocks.BlockByNumber(ctx, ledger.GenesisNumber); err == nil {
		genesisHash = hex.EncodeToString(genesis.Hash)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return lverrors.Storage(err, "export")
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	header := exportHeader{
		Version:            ExportVersion,
		ExportedAt:         time.Now().UTC().Format(time.RFC3339),
		BlockCount:         count,
		GenesisHash:        genesisHash,
		HashAlgorithm:      HashAlgorithm,
		SignatureAlgorithm: SignatureAlgorithm,
		AEAD:               AEADAlgorithm,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal export header: %w", err)
	}
	// Open the document with the header fields, leaving the object open for
	// the two arrays.
	if _, err := w.Write(headerJSON[:len(headerJSON)-1]); err != nil {
		return lverrors.Storage(err, "export")
	}

	if _, err := w.WriteString(`,"authorized_keys":[`); err != nil {
		return lverrors.Storage(err, "export")
	}
	records, err := e.keys.ListKeys(ctx)
	if err != nil {
		return err
	}
	for i, rec := range records {
		if i > 0 {
			w.WriteByte(',')
		}
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal key record: %w", err)
		}
		if _, err := w.Write(recJSON); err != nil {
			return lverrors.Storage(err, "export")
		}
	}

	if _, err := w.WriteString(`],"blocks":[`); err != nil {
		return lverrors.Storage(err, "export")
	}

	sidecars := sidecarDir(path)
	first := true
	err = e.blocks.StreamAllBlocks(ctx, func(b *ledger.Block) (bool, error) {
		if upTo != nil && b.Number > *upTo {
			return false, nil
		}
		eb := exportBlock{Block: b}
		if b.OffChain != nil && e.offChain != nil {
			name := hex.EncodeToString(b.OffChain.CiphertextHash)
			if err := os.MkdirAll(sidecars, 0700); err != nil {
				return false, fmt.Errorf("create sidecar directory: %w", err)
			}
			if err := e.offChain.CopyTo(b.OffChain, filepath.Join(sidecars, name)); err != nil {
				return false, err
			}
			eb.OffChainFile = name
		}

		if !first {
			w.WriteByte(',')
		}
		first = false
		blockJSON, err := json.Marshal(eb)
		if err != nil {
			return false, fmt.Errorf("marshal block %d: %w", b.Number, err)
		}
		if _, err := w.Write(blockJSON); err != nil {
			return false, lverrors.Storage(err, "export")
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	if _, err := w.WriteString(`]}`); err != nil {
		return lverrors.Storage(err, "export")
	}
	if err := w.Flush(); err != nil {
		return lverrors.Storage(err, "export")
	}
	if err := f.Sync(); err != nil {
		return lverrors.Storage(err, "export")
	}

	e.logger.Info("Exported chain",
		"path", path,
		"block_count", count)
	return nil
}

// Import loads a document produced by Export into this engine. The whole
// document is validated in a first streaming pass - linkage, hashes, and
// signatures against the imported key history at each block's timestamp -
// before any block persists, so a document that fails validation leaves no
// block behind. The second pass persists blocks in batch_size transactions;
// a storage failure during that pass leaves the batches already committed
// in place.
func (e *Engine) Import(ctx context.Context, path string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if last, err := e.blocks.LastBlockRefreshed(ctx); err == nil && last != nil {
		return lverrors.New(lverrors.ErrorCodeInvalidArgument,
			"import requires an empty chain")
	} else if err != nil && !errors.Is(err, ledger.ErrBlockNotFound) {
		return lverrors.Storage(err, "import")
	}

	// Pass 1: import the key history and validate every block.
	if err := e.importPass(ctx, path, true); err != nil {
		return err
	}
	// Pass 2: persist blocks and re-hydrate sidecars.
	if err := e.importPass(ctx, path, false); err != nil {
		return err
	}

	e.logger.Info("Imported chain", "path", path)
	return nil
}

func (e *Engine) importPass(ctx context.Context, path string, validate bool) error {
	f, err := os.Open(path)
	if err != nil {
		return lverrors.Storage(err, "import")
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))

	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return lverrors.New(lverrors.ErrorCodeInvalidArgument,
			"import document is not a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return lverrors.Wrap(err, lverrors.ErrorCodeInvalidArgument,
				"import document is truncated")
		}
		key, _ := keyTok.(string)

		switch key {
		case "hash_algorithm":
			if err := expectString(dec, HashAlgorithm, key); err != nil {
				return err
			}
		case "signature_algorithm":
			if err := expectString(dec, SignatureAlgorithm, key); err != nil {
				return err
			}
		case "aead":
			if err := expectString(dec, AEADAlgorithm, key); err != nil {
				return err
			}
		case "authorized_keys":
			if err := e.importKeys(ctx, dec, validate); err != nil {
				return err
			}
		case "blocks":
			if err := e.importBlocks(ctx, dec, path, validate); err != nil {
				return err
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return lverrors.Wrap(err, lverrors.ErrorCodeInvalidArgument,
					"import document is malformed")
			}
		}
	}
	return nil
}

func expectString(dec *json.Decoder, want, field string) error {
	var got string
	if err := dec.Decode(&got); err != nil {
		return lverrors.Wrapf(err, lverrors.ErrorCodeInvalidArgument,
			"read %s", field)
	}
	if got != want {
		return lverrors.Newf(lverrors.ErrorCodeInvalidArgument,
			"%s mismatch: document uses %s, this engine uses %s", field, got, want)
	}
	return nil
}

func (e *Engine) importKeys(ctx context.Context, dec *json.Decoder, validate bool) error {
	if tok, err := dec.Token(); err != nil || tok != json.Delim('[') {
		return lverrors.New(lverrors.ErrorCodeInvalidArgument,
			"authorized_keys is not an array")
	}
	for dec.More() {
		var rec ledger.AuthorizedKey
		if err := dec.Decode(&rec); err != nil {
			return lverrors.Wrap(err, lverrors.ErrorCodeInvalidArgument,
				"decode key record")
		}
		if validate {
			// Records (historical ones included) are imported during the
			// validation pass so signature checks see the full history.
			if err := e.keys.ImportRecord(ctx, &rec); err != nil {
				return err
			}
		}
	}
	_, err := dec.Token() // closing ]
	return err
}

func (e *Engine) importBlocks(ctx context.Context, dec *json.Decoder, path string, validate bool) error {
	if tok, err := dec.Token(); err != nil || tok != json.Delim('[') {
		return lverrors.New(lverrors.ErrorCodeInvalidArgument,
			"blocks is not an array")
	}

	sidecars := sidecarDir(path)
	var prev *ledger.Block
	batch := make([]*ledger.Block, 0, e.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.blocks.PersistBlocks(ctx, batch); err != nil {
			return lverrors.Storage(err, "import")
		}
		for _, b := range batch {
			if err := e.coordinator.Submit(b); err != nil {
				e.logger.WithError(err).Warn("Could not submit imported block for indexing",
					"block_number", b.Number)
			}
		}
		batch = batch[:0]
		return nil
	}

	for dec.More() {
		var eb exportBlock
		eb.Block = &ledger.Block{}
		if err := dec.Decode(&eb); err != nil {
			return lverrors.Wrap(err, lverrors.ErrorCodeInvalidArgument,
				"decode block")
		}
		b := eb.Block

		if validate {
			if err := e.validateImportedBlock(ctx, b, prev); err != nil {
				return err
			}
		} else {
			if b.OffChain != nil && eb.OffChainFile != "" && e.offChain != nil {
				src := filepath.Join(sidecars, eb.OffChainFile)
				if err := e.offChain.ImportFrom(src, b.OffChain); err != nil {
					return err
				}
			}
			batch = append(batch, b)
			if len(batch) >= e.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		prev = b
	}
	if _, err := dec.Token(); err != nil { // closing ]
		return err
	}

	return flush()
}

// validateImportedBlock fails fast on the first invalid block.
func (e *Engine) validateImportedBlock(ctx context.Context, b, prev *ledger.Block) error {
	if !b.HashValid() {
		return lverrors.Newf(lverrors.ErrorCodeInvalidArgument,
			"imported block %d fails its hash check", b.Number)
	}
	if !b.LinksTo(prev) {
		return lverrors.Newf(lverrors.ErrorCodeInvalidArgument,
			"imported block %d does not link to its predecessor", b.Number)
	}
	if b.Number == ledger.GenesisNumber && b.SignerFingerprint == validation.GenesisFingerprint {
		return nil
	}

	publicKey, err := e.keys.PublicKeyFor(ctx, b.SignerFingerprint, b.Timestamp)
	if err != nil {
		return lverrors.Newf(lverrors.ErrorCodeInvalidArgument,
			"imported block %d has no signer key in the document history", b.Number)
	}
	pub, err := mldsa.PublicKeyFromBytes(publicKey)
	if err != nil {
		return lverrors.Wrapf(err, lverrors.ErrorCodeInvalidArgument,
			"imported block %d signer key is unparseable", b.Number)
	}
	sig, err := mldsa.SignatureFromBytes(b.Signature)
	if err != nil || !pub.Verify(b.Hash, sig) {
		return lverrors.Newf(lverrors.ErrorCodeInvalidArgument,
			"imported block %d signature does not verify", b.Number)
	}

	// Authorization is checked at the block's timestamp, not import time.
	authorized, err := e.keys.WasAuthorizedAt(ctx, b.SignerFingerprint, b.Timestamp)
	if err != nil {
		return err
	}
	if !authorized {
		return lverrors.Newf(lverrors.ErrorCodeInvalidArgument,
			"imported block %d signer was not authorized at its timestamp", b.Number)
	}
	return nil
}
