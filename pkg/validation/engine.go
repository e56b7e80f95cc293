// Copyright 2025 LedgerVault Project
//
// Validation Engine - two-pass chain validation. Pass 1 streams every
// block checking hash, linkage, signature, and signer authorization at the
// block's timestamp. Pass 2 streams only blocks with off-chain data and
// verifies their sidecars. Validation never fails on a bad block: it
// records per-block statuses and returns a structured report.

package validation

import (
	"context"
	"errors"

	"github.com/ledgervault/ledgervault/pkg/crypto"
	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/keystore"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/logging"
	"github.com/ledgervault/ledgervault/pkg/metrics"
	"github.com/ledgervault/ledgervault/pkg/offchain"
)

// maxIssueSample bounds how many per-block issues the report materializes;
// counts are always complete.
const maxIssueSample = 100

// GenesisFingerprint marks the unsigned genesis block
const GenesisFingerprint = "genesis"

// BlockIssue describes one failed block
type BlockIssue struct {
	Number uint64             `json:"number"`
	Status ledger.BlockStatus `json:"status"`
	Detail string             `json:"detail,omitempty"`
}

// Report is the merged outcome of both validation passes
type Report struct {
	TotalBlocks        uint64                        `json:"total_blocks"`
	StructurallyIntact bool                          `json:"structurally_intact"`
	FullyCompliant     bool                          `json:"fully_compliant"`
	StatusCounts       map[ledger.BlockStatus]uint64 `json:"status_counts"`
	Issues             []BlockIssue                  `json:"issues,omitempty"`
}

func (r *Report) record(number uint64, status ledger.BlockStatus, detail string) {
	r.StatusCounts[status]++
	if status == ledger.StatusValid {
		return
	}
	switch status {
	case ledger.StatusInvalidHash, ledger.StatusInvalidLink, ledger.StatusInvalidSignature:
		r.StructurallyIntact = false
		r.FullyCompliant = false
	case ledger.StatusUnauthorizedAtTimestamp, ledger.StatusOffChainTampered:
		r.FullyCompliant = false
	case ledger.StatusOffChainUnavailable:
		// Availability is not a compliance failure; the status is recorded
		// so operators can re-hydrate the sidecar.
	}
	if len(r.Issues) < maxIssueSample {
		r.Issues = append(r.Issues, BlockIssue{Number: number, Status: status, Detail: detail})
	}
}

// Engine validates chains
type Engine struct {
	blocks       ledger.BlockStore
	keys         *keystore.Service
	offChain     *offchain.Store
	masterSecret []byte
	metrics      *metrics.Metrics
	logger       *logging.Logger
}

// New creates a validation engine
func New(blocks ledger.BlockStore, keys *keystore.Service, offChain *offchain.Store, masterSecret []byte, m *metrics.Metrics, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		blocks:       blocks,
		keys:         keys,
		offChain:     offChain,
		masterSecret: masterSecret,
		metrics:      m,
		logger:       logger.WithComponent("validation"),
	}
}

// ValidateDetailed runs both passes over the whole chain.
func (e *Engine) ValidateDetailed(ctx context.Context) (*Report, error) {
	report := &Report{
		StructurallyIntact: true,
		FullyCompliant:     true,
		StatusCounts:       make(map[ledger.BlockStatus]uint64),
	}

	if err := e.passStructural(ctx, report); err != nil {
		return nil, err
	}
	if err := e.passOffChain(ctx, report); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.ValidationRuns.Inc()
		for status, count := range report.StatusCounts {
			if status != ledger.StatusValid {
				e.metrics.ValidationFailures.WithLabelValues(string(status)).Add(float64(count))
			}
		}
	}
	e.logger.Info("Validation complete",
		"total_blocks", report.TotalBlocks,
		"structurally_intact", report.StructurallyIntact,
		"fully_compliant", report.FullyCompliant)

	return report, nil
}

// passStructural streams all blocks verifying hash, linkage, signature, and
// authorization at the block timestamp.
func (e *Engine) passStructural(ctx context.Context, report *Report) error {
	var prev *ledger.Block

	err := e.blocks.StreamAllBlocks(ctx, func(b *ledger.Block) (bool, error) {
		report.TotalBlocks++
		status, detail := e.checkBlock(ctx, b, prev)
		report.record(b.Number, status, detail)
		prev = b
		return true, nil
	})
	if err != nil {
		return lverrors.Storage(err, "validate-structural")
	}
	return nil
}

// checkBlock evaluates one block against its predecessor. The first failed
// check decides the status.
func (e *Engine) checkBlock(ctx context.Context, b, prev *ledger.Block) (ledger.BlockStatus, string) {
	if !b.HashValid() {
		return ledger.StatusInvalidHash, "stored hash does not match the canonical image"
	}
	if !b.LinksTo(prev) {
		return ledger.StatusInvalidLink, "previous-hash linkage is broken"
	}

	// The genesis block carries no signature; only its hash commits it.
	if b.Number == ledger.GenesisNumber && b.SignerFingerprint == GenesisFingerprint {
		return ledger.StatusValid, ""
	}

	publicKey, err := e.keys.PublicKeyFor(ctx, b.SignerFingerprint, b.Timestamp)
	if err != nil {
		if errors.Is(err, ledger.ErrKeyNotFound) {
			// Orphaned block: no key record survives, so the signature is
			// unverifiable but the on-chain structure still stands.
			return ledger.StatusUnauthorizedAtTimestamp, "signer key records were deleted"
		}
		return ledger.StatusUnauthorizedAtTimestamp, "signer key lookup failed: " + err.Error()
	}

	pub, err := mldsa.PublicKeyFromBytes(publicKey)
	if err != nil {
		return ledger.StatusInvalidSignature, "signer public key is unparseable"
	}
	sig, err := mldsa.SignatureFromBytes(b.Signature)
	if err != nil || !pub.Verify(b.Hash, sig) {
		return ledger.StatusInvalidSignature, "signature does not verify against the signer key"
	}

	authorized, err := e.keys.WasAuthorizedAt(ctx, b.SignerFingerprint, b.Timestamp)
	if err != nil || !authorized {
		return ledger.StatusUnauthorizedAtTimestamp, "signer was not authorized at the block timestamp"
	}

	return ledger.StatusValid, ""
}

// passOffChain streams only blocks carrying off-chain data and verifies
// each sidecar against its on-chain commitments.
func (e *Engine) passOffChain(ctx context.Context, report *Report) error {
	if e.offChain == nil {
		return nil
	}

	err := e.blocks.StreamBlocksWithOffChain(ctx, func(b *ledger.Block) (bool, error) {
		status, detail := e.checkOffChain(ctx, b)
		if status != ledger.StatusValid {
			report.record(b.Number, status, detail)
		}
		return true, nil
	})
	if err != nil {
		return lverrors.Storage(err, "validate-off-chain")
	}
	return nil
}

func (e *Engine) checkOffChain(ctx context.Context, b *ledger.Block) (ledger.BlockStatus, string) {
	var pub *mldsa.PublicKey
	if publicKey, err := e.keys.PublicKeyFor(ctx, b.SignerFingerprint, b.Timestamp); err == nil {
		pub, _ = mldsa.PublicKeyFromBytes(publicKey)
	}

	var blockKey []byte
	if len(e.masterSecret) > 0 {
		blockKey, _ = crypto.DeriveBlockKey(e.masterSecret, b.Number, b.OffChain.ID.String())
	}

	err := e.offChain.Verify(b.OffChain, b.Number, pub, blockKey, b.SignerFingerprint)
	if err == nil {
		return ledger.StatusValid, ""
	}

	switch {
	case lverrors.HasCode(err, lverrors.ErrorCodeOffChainUnavailable):
		return ledger.StatusOffChainUnavailable, err.Error()
	case lverrors.HasCode(err, lverrors.ErrorCodeOffChainHashMismatch),
		lverrors.HasCode(err, lverrors.ErrorCodeOffChainSignatureInvalid),
		lverrors.HasCode(err, lverrors.ErrorCodeOffChainTampered):
		return ledger.StatusOffChainTampered, err.Error()
	default:
		return ledger.StatusOffChainUnavailable, err.Error()
	}
}
