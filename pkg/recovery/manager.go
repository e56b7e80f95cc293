// Copyright 2025 LedgerVault Project
//
// Recovery Manager - diagnosis and repair of compliance corruption, most
// commonly blocks orphaned by a forced key deletion. Strategies run in
// order of preference and stop at the first one that restores compliance:
// re-authorization (no data loss), smart rollback (admin-signed, keeps the
// longest valid prefix), then partial export of the valid prefix.

package recovery

import (
	"context"
	"time"

	"github.com/ledgervault/ledgervault/pkg/chain"
	"github.com/ledgervault/ledgervault/pkg/crypto"
	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/keystore"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/logging"
	"github.com/ledgervault/ledgervault/pkg/validation"
)

// maxSampleBlocks bounds the corrupted-block sample in a diagnosis
const maxSampleBlocks = 100

// Diagnosis summarizes compliance corruption. The sample is bounded; the
// block counters are complete. OrphanedSigners and FirstCorrupted are
// derived from the validation report's issue sample, which is bounded too.
type Diagnosis struct {
	TotalBlocks     uint64                   `json:"total_blocks"`
	ValidBlocks     uint64                   `json:"valid_blocks"`
	CorruptedBlocks uint64                   `json:"corrupted_blocks"`
	OrphanedSigners map[string]uint64        `json:"orphaned_signers"`
	Sample          []validation.BlockIssue  `json:"sample,omitempty"`
	FirstCorrupted  *uint64                  `json:"first_corrupted,omitempty"`
}

// Strategy names the recovery step that ran
type Strategy string

const (
	StrategyReauthorize   Strategy = "reauthorize"
	StrategySmartRollback Strategy = "smart_rollback"
	StrategyPartialExport Strategy = "partial_export"
)

// Outcome reports what a recovery attempt did
type Outcome struct {
	Strategy      Strategy `json:"strategy"`
	Restored      bool     `json:"restored"`
	RemovedBlocks uint64   `json:"removed_blocks,omitempty"`
	ExportPath    string   `json:"export_path,omitempty"`
	Detail        string   `json:"detail,omitempty"`
}

// Options supply the material each strategy may use
type Options struct {
	// AdminCredentials authorize re-authorization and must belong to a
	// SUPER_ADMIN
	AdminCredentials keystore.Credentials
	// AdminPrivate and AdminPublic sign the rollback authorization
	AdminPrivate *mldsa.PrivateKey
	AdminPublic  *mldsa.PublicKey
	// OrphanedKeys is recovered key material for re-authorization, if any
	OrphanedKeys [][]byte
	// OwnerName labels re-authorized records
	OwnerName string
	// ExportPath receives the valid prefix if partial export runs
	ExportPath string
}

// Manager runs diagnosis and recovery
type Manager struct {
	engine *chain.Engine
	keys   *keystore.Service
	blocks ledger.BlockStore
	logger *logging.Logger
}

// New creates a recovery manager
func New(engine *chain.Engine, keys *keystore.Service, blocks ledger.BlockStore, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		engine: engine,
		keys:   keys,
		blocks: blocks,
		logger: logger.WithComponent("recovery"),
	}
}

// Diagnose validates the chain and summarizes the corruption. It never
// materializes more than the bounded sample.
func (m *Manager) Diagnose(ctx context.Context) (*Diagnosis, error) {
	report, err := m.engine.ValidateDetailed(ctx)
	if err != nil {
		return nil, err
	}

	d := &Diagnosis{
		TotalBlocks:     report.TotalBlocks,
		ValidBlocks:     report.StatusCounts[ledger.StatusValid],
		OrphanedSigners: make(map[string]uint64),
	}
	for status, count := range report.StatusCounts {
		if status != ledger.StatusValid {
			d.CorruptedBlocks += count
		}
	}

	for _, issue := range report.Issues {
		if len(d.Sample) < maxSampleBlocks {
			d.Sample = append(d.Sample, issue)
		}
		if d.FirstCorrupted == nil || issue.Number < *d.FirstCorrupted {
			n := issue.Number
			d.FirstCorrupted = &n
		}
		if issue.Status == ledger.StatusUnauthorizedAtTimestamp {
			if b, err := m.blocks.BlockByNumber(ctx, issue.Number); err == nil {
				d.OrphanedSigners[b.SignerFingerprint]++
			}
		}
	}

	m.logger.Info("Diagnosis complete",
		"total_blocks", d.TotalBlocks,
		"corrupted_blocks", d.CorruptedBlocks,
		"orphaned_signers", len(d.OrphanedSigners))
	return d, nil
}

// Recover attempts the strategies in order, stopping at the first that
// restores compliance. The live chain is left marked corrupted if only the
// partial export succeeds.
func (m *Manager) Recover(ctx context.Context, opts Options) (*Outcome, error) {
	diagnosis, err := m.Diagnose(ctx)
	if err != nil {
		return nil, err
	}
	if diagnosis.CorruptedBlocks == 0 {
		return &Outcome{Restored: true, Detail: "chain is already compliant"}, nil
	}

	if len(opts.OrphanedKeys) > 0 {
		outcome, err := m.reauthorize(ctx, diagnosis, opts)
		if err != nil {
			return nil, err
		}
		if outcome.Restored {
			return outcome, nil
		}
	}

	if opts.AdminPrivate != nil && opts.AdminPublic != nil {
		outcome, err := m.smartRollback(ctx, opts)
		if err != nil {
			return nil, err
		}
		if outcome.Restored {
			return outcome, nil
		}
	}

	if opts.ExportPath != "" {
		return m.partialExport(ctx, opts)
	}

	return &Outcome{Restored: false, Detail: "no applicable recovery strategy"}, nil
}

// reauthorize restores deleted keys with records effective from the
// earliest block each key signed, then re-validates.
func (m *Manager) reauthorize(ctx context.Context, diagnosis *Diagnosis, opts Options) (*Outcome, error) {
	for _, publicKey := range opts.OrphanedKeys {
		fingerprint := mldsa.Fingerprint(publicKey)
		if diagnosis.OrphanedSigners[fingerprint] == 0 {
			continue
		}

		effectiveFrom, err := m.earliestBlockBySigner(ctx, fingerprint)
		if err != nil {
			return nil, err
		}
		if _, err := m.keys.Reauthorize(ctx, opts.AdminCredentials, publicKey,
			opts.OwnerName, ledger.RoleUser, effectiveFrom); err != nil {
			return nil, err
		}
	}

	report, err := m.engine.ValidateDetailed(ctx)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Strategy: StrategyReauthorize,
		Restored: report.FullyCompliant,
		Detail:   "re-authorized orphaned signer keys",
	}, nil
}

// smartRollback rolls back to the block just before the first corrupted
// one, preserving the longest valid prefix.
func (m *Manager) smartRollback(ctx context.Context, opts Options) (*Outcome, error) {
	first, err := m.firstCorruptedBlock(ctx)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return &Outcome{Strategy: StrategySmartRollback, Restored: true,
			Detail: "chain became compliant before rollback"}, nil
	}
	if *first == ledger.GenesisNumber {
		return &Outcome{Strategy: StrategySmartRollback, Restored: false,
			Detail: "corruption includes genesis; rollback cannot help"}, nil
	}

	target := int64(*first) - 1
	sig, err := opts.AdminPrivate.Sign(crypto.AdminRollbackMessage(uint64(target)))
	if err != nil {
		return nil, lverrors.Storage(err, "smart-rollback")
	}

	removed, err := m.engine.RollbackTo(ctx, target, opts.AdminPublic, sig)
	if err != nil {
		return nil, err
	}

	report, err := m.engine.ValidateDetailed(ctx)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Strategy:      StrategySmartRollback,
		Restored:      report.FullyCompliant,
		RemovedBlocks: removed,
		Detail:        "rolled back to the longest valid prefix",
	}, nil
}

// partialExport archives the valid prefix; the live chain stays corrupted.
func (m *Manager) partialExport(ctx context.Context, opts Options) (*Outcome, error) {
	first, err := m.firstCorruptedBlock(ctx)
	if err != nil {
		return nil, err
	}
	if first == nil || *first == ledger.GenesisNumber {
		return &Outcome{Strategy: StrategyPartialExport, Restored: false,
			Detail: "no valid prefix to export"}, nil
	}

	if err := m.engine.ExportPrefix(ctx, opts.ExportPath, *first-1); err != nil {
		return nil, err
	}
	m.logger.Warn("Archived valid prefix; live chain remains corrupted",
		"export_path", opts.ExportPath,
		"prefix_end", *first - 1)

	return &Outcome{
		Strategy:   StrategyPartialExport,
		Restored:   false,
		ExportPath: opts.ExportPath,
		Detail:     "exported the valid prefix for archival",
	}, nil
}

// firstCorruptedBlock re-validates and returns the lowest non-valid block.
func (m *Manager) firstCorruptedBlock(ctx context.Context) (*uint64, error) {
	report, err := m.engine.ValidateDetailed(ctx)
	if err != nil {
		return nil, err
	}
	var first *uint64
	for _, issue := range report.Issues {
		if first == nil || issue.Number < *first {
			n := issue.Number
			first = &n
		}
	}
	return first, nil
}

// earliestBlockBySigner finds the earliest timestamp among blocks the
// fingerprint signed, streaming without accumulation.
func (m *Manager) earliestBlockBySigner(ctx context.Context, fingerprint string) (time.Time, error) {
	var earliest time.Time
	found := false
	err := m.blocks.StreamBlocksBySigner(ctx, fingerprint, func(b *ledger.Block) (bool, error) {
		if !found || b.Timestamp.Before(earliest) {
			earliest = b.Timestamp
			found = true
		}
		return true, nil
	})
	if err != nil {
		return time.Time{}, lverrors.Storage(err, "earliest-block-by-signer")
	}
	if !found {
		return time.Now().UTC(), nil
	}
	return earliest, nil
}
