// Copyright 2025 LedgerVault Project
//
// Chain Engine - the public append, rollback, read-back, and validation
// surface of the ledger. Writes run under a global serialization: the tail
// is re-read fresh and the next number is allocated under the sequence
// row's pessimistic lock, so linkage reflects persistence order.

package chain

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ledgervault/ledgervault/pkg/config"
	"github.com/ledgervault/ledgervault/pkg/crypto"
	"github.com/ledgervault/ledgervault/pkg/crypto/mldsa"
	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/index"
	"github.com/ledgervault/ledgervault/pkg/keystore"
	"github.com/ledgervault/ledgervault/pkg/keywords"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/logging"
	"github.com/ledgervault/ledgervault/pkg/metrics"
	"github.com/ledgervault/ledgervault/pkg/offchain"
	"github.com/ledgervault/ledgervault/pkg/search"
	"github.com/ledgervault/ledgervault/pkg/validation"
)

const genesisPayload = "ledger genesis"

// Params wire an engine together
type Params struct {
	Config       *config.Config
	Blocks       ledger.BlockStore
	Index        ledger.IndexStore
	Keys         *keystore.Service
	OffChain     *offchain.Store
	MasterSecret []byte
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
}

// Engine orchestrates the ledger core
type Engine struct {
	cfg          *config.Config
	blocks       ledger.BlockStore
	indexStore   ledger.IndexStore
	keys         *keystore.Service
	offChain     *offchain.Store
	coordinator  *index.Coordinator
	validator    *validation.Engine
	searcher     *search.Engine
	masterSecret []byte
	metrics      *metrics.Metrics
	logger       *logging.Logger

	// writeMu serializes the whole append path: tail refresh, number
	// allocation, build, and persist.
	writeMu sync.Mutex
}

// AppendOptions tune one append
type AppendOptions struct {
	// Encrypt stores the payload (and index tokens) as ciphertext
	Encrypt bool
	// CustomMetadata is committed into the block verbatim
	CustomMetadata map[string]string
}

// New creates a chain engine and starts its indexing coordinator.
func New(p Params) (*Engine, error) {
	if p.Blocks == nil || p.Index == nil || p.Keys == nil {
		return nil, fmt.Errorf("blocks, index, and keys are required")
	}
	cfg := p.Config
	if cfg == nil {
		cfg = config.Current()
	}
	logger := p.Logger
	if logger == nil {
		logger = logging.Default()
	}

	e := &Engine{
		cfg:          cfg,
		blocks:       p.Blocks,
		indexStore:   p.Index,
		keys:         p.Keys,
		offChain:     p.OffChain,
		masterSecret: p.MasterSecret,
		metrics:      p.Metrics,
		logger:       logger.WithComponent("chain"),
	}
	e.coordinator = index.NewCoordinator(index.NewIndexer(p.Index), p.Index, p.Metrics, logger)
	e.validator = validation.New(p.Blocks, p.Keys, p.OffChain, p.MasterSecret, p.Metrics, logger)
	e.searcher = search.New(p.Index, p.Blocks, p.OffChain, p.MasterSecret, cfg, p.Metrics, logger)
	return e, nil
}

// Close shuts down background work.
func (e *Engine) Close() error {
	return e.coordinator.Shutdown(e.cfg.IndexingShutdownTimeout)
}

// Keys exposes the authorization service.
func (e *Engine) Keys() *keystore.Service {
	return e.keys
}

// Searcher exposes the search engine.
func (e *Engine) Searcher() *search.Engine {
	return e.searcher
}

// Initialize creates the genesis block on an empty chain. Idempotent.
func (e *Engine) Initialize(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.initializeLocked(ctx)
}

func (e *Engine) initializeLocked(ctx context.Context) error {
	if _, err := e.blocks.LastBlockRefreshed(ctx); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrBlockNotFound) {
		return lverrors.Storage(err, "initialize")
	}

	number, err := e.allocateNumber(ctx)
	if err != nil {
		return err
	}
	if number != ledger.GenesisNumber {
		return lverrors.Newf(lverrors.ErrorCodeStorageError,
			"empty chain allocated block number %d", number)
	}

	genesis := &ledger.Block{
		Number:            ledger.GenesisNumber,
		Timestamp:         ledger.TruncateTimestamp(time.Now()),
		Data:              genesisPayload,
		SignerFingerprint: validation.GenesisFingerprint,
		Category:          ledger.CategoryOther,
	}
	genesis.Hash = genesis.ComputeHash()

	if err := e.blocks.PersistBlock(ctx, genesis); err != nil {
		return lverrors.Storage(err, "initialize")
	}
	if e.metrics != nil {
		e.metrics.ChainHeight.Set(0)
	}
	e.logger.Info("Initialized chain",
		"genesis_hash", hex.EncodeToString(genesis.Hash))
	return nil
}

// Append builds, signs, persists, and asynchronously indexes one block.
func (e *Engine) Append(ctx context.Context, payload []byte, signer *mldsa.PrivateKey, signerPublic *mldsa.PublicKey, opts *AppendOptions) (*ledger.Block, error) {
	start := time.Now()

	b, err := e.append(ctx, payload, signer, signerPublic, opts)

	if e.metrics != nil {
		if err != nil {
			e.metrics.AppendFailures.Inc()
		} else {
			e.metrics.BlocksAppended.Inc()
			e.metrics.ChainHeight.Set(float64(b.Number))
			e.metrics.AppendDuration.Observe(time.Since(start).Seconds())
		}
	}
	if err == nil {
		e.logger.Chain("append", b.Number, time.Since(start), nil)
	} else {
		e.logger.Chain("append", 0, time.Since(start), err)
	}
	return b, err
}

func (e *Engine) append(ctx context.Context, payload []byte, signer *mldsa.PrivateKey, signerPublic *mldsa.PublicKey, opts *AppendOptions) (*ledger.Block, error) {
	if err := e.checkAppendInputs(ctx, payload, signer, signerPublic); err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.initializeLocked(ctx); err != nil {
		return nil, err
	}

	prev, err := e.blocks.LastBlockRefreshed(ctx)
	if err != nil {
		return nil, lverrors.Storage(err, "append")
	}

	number, err := e.allocateNumber(ctx)
	if err != nil {
		return nil, err
	}

	b, err := e.buildBlock(ctx, number, prev, payload, signer, signerPublic, opts)
	if err != nil {
		return nil, err
	}

	if err := e.blocks.PersistBlock(ctx, b); err != nil {
		return nil, lverrors.Storage(err, "append")
	}

	if err := e.coordinator.Submit(b); err != nil {
		e.logger.WithError(err).Warn("Could not submit block for indexing",
			"block_number", b.Number)
	}
	return b, nil
}

// AppendBatch appends a batch with one persistence transaction. Every
// element is validated independently; the whole batch fails on the first
// bad element before anything persists.
func (e *Engine) AppendBatch(ctx context.Context, payloads [][]byte, signer *mldsa.PrivateKey, signerPublic *mldsa.PublicKey, opts *AppendOptions) ([]*ledger.Block, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	for _, p := range payloads {
		if err := e.checkAppendInputs(ctx, p, signer, signerPublic); err != nil {
			return nil, err
		}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.initializeLocked(ctx); err != nil {
		return nil, err
	}

	prev, err := e.blocks.LastBlockRefreshed(ctx)
	if err != nil {
		return nil, lverrors.Storage(err, "append-batch")
	}

	batch := make([]*ledger.Block, 0, len(payloads))
	for _, payload := range payloads {
		number, err := e.allocateNumber(ctx)
		if err != nil {
			return nil, err
		}
		b, err := e.buildBlock(ctx, number, prev, payload, signer, signerPublic, opts)
		if err != nil {
			return nil, err
		}
		batch = append(batch, b)
		prev = b
	}

	if err := e.blocks.PersistBlocks(ctx, batch); err != nil {
		return nil, lverrors.Storage(err, "append-batch")
	}

	for _, b := range batch {
		if err := e.coordinator.Submit(b); err != nil {
			e.logger.WithError(err).Warn("Could not submit block for indexing",
				"block_number", b.Number)
		}
	}
	if e.metrics != nil {
		e.metrics.BlocksAppended.Add(float64(len(batch)))
		e.metrics.ChainHeight.Set(float64(batch[len(batch)-1].Number))
	}
	return batch, nil
}

func (e *Engine) checkAppendInputs(ctx context.Context, payload []byte, signer *mldsa.PrivateKey, signerPublic *mldsa.PublicKey) error {
	if payload == nil {
		return lverrors.InvalidArgument("payload", "payload must not be nil")
	}
	if signer == nil || signerPublic == nil {
		return lverrors.InvalidArgument("signer", "signer keys are required")
	}
	if uint64(len(payload)) > e.cfg.OffChainMaxBytes {
		return lverrors.Newf(lverrors.ErrorCodePayloadTooLarge,
			"payload of %d bytes exceeds the off-chain maximum", len(payload))
	}

	fingerprint := signerPublic.Fingerprint()
	rec, err := e.keys.AuthorizedNow(ctx, fingerprint)
	if errors.Is(err, ledger.ErrKeyNotFound) {
		return lverrors.Unauthorized(fingerprint)
	}
	if err != nil {
		return lverrors.Storage(err, "append")
	}
	if !rec.AuthorizedAt(time.Now().UTC()) {
		return lverrors.Unauthorized(fingerprint)
	}
	if rec.Role == ledger.RoleReadOnly {
		return lverrors.InsufficientRole(string(rec.Role), string(ledger.RoleUser))
	}
	return nil
}

// allocateNumber allocates the next block number, retrying transient
// sequence conflicts a bounded number of times.
func (e *Engine) allocateNumber(ctx context.Context) (uint64, error) {
	var number uint64

	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(10*time.Millisecond),
		uint64(e.cfg.SequenceRetryAttempts-1))

	err := backoff.Retry(func() error {
		n, err := e.blocks.NextBlockNumber(ctx)
		if err != nil {
			if errors.Is(err, ledger.ErrSequenceConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		number = n
		return nil
	}, policy)
	if err != nil {
		if errors.Is(err, ledger.ErrSequenceConflict) {
			return 0, lverrors.Wrap(err, lverrors.ErrorCodeConcurrencyRetryExhausted,
				"sequence allocation kept conflicting")
		}
		return 0, lverrors.Storage(err, "allocate-number")
	}
	return number, nil
}

// buildBlock assembles and signs one block for the allocated number.
func (e *Engine) buildBlock(ctx context.Context, number uint64, prev *ledger.Block, payload []byte, signer *mldsa.PrivateKey, signerPublic *mldsa.PublicKey, opts *AppendOptions) (*ledger.Block, error) {
	if opts == nil {
		opts = &AppendOptions{}
	}
	fingerprint := signerPublic.Fingerprint()

	text := string(payload)
	autoKeywords, category, _ := keywords.ExtractAll(text)

	b := &ledger.Block{
		Number:            number,
		Timestamp:         ledger.TruncateTimestamp(time.Now()),
		PreviousHash:      prev.Hash,
		SignerFingerprint: fingerprint,
		IsEncrypted:       opts.Encrypt,
		Category:          category,
		CustomMetadata:    opts.CustomMetadata,
	}

	useOffChain := uint64(len(payload)) > e.cfg.OffChainThresholdBytes ||
		uint64(len(payload)) > e.cfg.MaxOnChainBytes ||
		utf8.RuneCountInString(text) > e.cfg.MaxOnChainChars

	if useOffChain {
		if e.offChain == nil {
			return nil, lverrors.Newf(lverrors.ErrorCodePayloadTooLarge,
				"payload of %d bytes needs off-chain storage, which is not configured", len(payload))
		}
		recordID := uuid.New()
		blockKey, err := crypto.DeriveBlockKey(e.masterSecret, number, recordID.String())
		if err != nil {
			return nil, lverrors.Storage(err, "derive-block-key")
		}
		record, err := e.offChain.Write(recordID, number, payload, blockKey, signer, fingerprint)
		if err != nil {
			return nil, err
		}
		b.OffChain = record
		b.Data = offChainDescriptor(record, category, autoKeywords)
	} else if opts.Encrypt {
		blockKey, err := crypto.DeriveBlockKey(e.masterSecret, number, "")
		if err != nil {
			return nil, lverrors.Storage(err, "derive-block-key")
		}
		ciphertext, nonce, err := crypto.AEADEncrypt(blockKey, payload, offchain.AAD(number, fingerprint))
		if err != nil {
			return nil, lverrors.Storage(err, "encrypt-payload")
		}
		sealed := make([]byte, 0, len(nonce)+len(ciphertext))
		sealed = append(sealed, nonce...)
		sealed = append(sealed, ciphertext...)
		b.Data = base64.StdEncoding.EncodeToString(sealed)
	} else {
		b.Data = text
	}

	if opts.Encrypt {
		commitments, err := e.commitKeywords(autoKeywords)
		if err != nil {
			return nil, err
		}
		b.AutoKeywords = commitments
	} else {
		b.AutoKeywords = autoKeywords
	}

	b.Hash = b.ComputeHash()
	sig, err := signer.Sign(b.Hash)
	if err != nil {
		return nil, lverrors.Storage(err, "sign-block")
	}
	b.Signature = sig.Bytes()
	return b, nil
}

// commitKeywords replaces plaintext keywords with their deterministic
// ciphertext commitments for encrypted blocks.
func (e *Engine) commitKeywords(plain []string) ([]string, error) {
	if len(e.masterSecret) == 0 {
		return nil, lverrors.New(lverrors.ErrorCodeInvalidArgument,
			"encrypted appends require a master secret")
	}
	searchKey, err := crypto.DeriveSearchKey(e.masterSecret)
	if err != nil {
		return nil, lverrors.Storage(err, "derive-search-key")
	}
	out := make([]string, 0, len(plain))
	for _, kw := range plain {
		out = append(out, search.TokenCommitment(searchKey, kw))
	}
	return out, nil
}

// offChainDescriptor builds the small on-chain data field of an off-chain
// block. It is never empty.
func offChainDescriptor(record *ledger.OffChainRecord, category ledger.Category, autoKeywords []string) string {
	desc := map[string]interface{}{
		"off_chain":       true,
		"ciphertext_hash": hex.EncodeToString(record.CiphertextHash),
		"category":        category,
		"auto_keywords":   autoKeywords,
		"plaintext_size":  record.PlaintextSize,
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Sprintf(`{"off_chain":true,"ciphertext_hash":%q}`,
			hex.EncodeToString(record.CiphertextHash))
	}
	return string(data)
}

// ReadPayload returns the original plaintext of a block, transparently
// decrypting on-chain ciphertext or the off-chain sidecar.
func (e *Engine) ReadPayload(ctx context.Context, number uint64) ([]byte, error) {
	b, err := e.blocks.BlockByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, ledger.ErrBlockNotFound) {
			return nil, lverrors.Newf(lverrors.ErrorCodeNotFound, "block %d not found", number)
		}
		return nil, lverrors.Storage(err, "read-payload")
	}

	if b.OffChain != nil {
		if e.offChain == nil {
			return nil, lverrors.New(lverrors.ErrorCodeOffChainUnavailable,
				"off-chain storage is not configured")
		}
		blockKey, err := crypto.DeriveBlockKey(e.masterSecret, b.Number, b.OffChain.ID.String())
		if err != nil {
			return nil, lverrors.Storage(err, "derive-block-key")
		}
		return e.offChain.Read(b.OffChain, b.Number, blockKey, b.SignerFingerprint)
	}

	if b.IsEncrypted {
		raw, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil || len(raw) < crypto.NonceSize {
			return nil, lverrors.New(lverrors.ErrorCodeAuthenticationFailed,
				"encrypted payload is malformed")
		}
		blockKey, err := crypto.DeriveBlockKey(e.masterSecret, b.Number, "")
		if err != nil {
			return nil, lverrors.Storage(err, "derive-block-key")
		}
		return crypto.AEADDecrypt(blockKey, raw[crypto.NonceSize:], raw[:crypto.NonceSize],
			offchain.AAD(b.Number, b.SignerFingerprint))
	}

	return []byte(b.Data), nil
}

// ValidateDetailed runs the two-pass validation over the whole chain.
func (e *Engine) ValidateDetailed(ctx context.Context) (*validation.Report, error) {
	return e.validator.ValidateDetailed(ctx)
}

// Search runs a query through the search engine.
func (e *Engine) Search(ctx context.Context, term string, level search.Level, opts search.Options) ([]search.Result, error) {
	return e.searcher.Search(ctx, term, level, opts)
}

// WaitForIndexing blocks until all submitted indexing tasks finish.
func (e *Engine) WaitForIndexing(timeout time.Duration) error {
	return e.coordinator.WaitForCompletion(timeout)
}

// RollbackTo removes every block above target. It requires a SUPER_ADMIN
// signature over the rollback message; sidecar files are deleted after
// their block rows, last to first.
func (e *Engine) RollbackTo(ctx context.Context, target int64, adminPublic *mldsa.PublicKey, adminSig *mldsa.Signature) (uint64, error) {
	if target < ledger.GenesisNumber {
		return 0, lverrors.New(lverrors.ErrorCodeRollbackPastGenesis,
			"cannot rollback below the genesis block")
	}
	if adminPublic == nil || adminSig == nil {
		return 0, lverrors.New(lverrors.ErrorCodeInvalidAdminSignature,
			"rollback requires an admin signature")
	}

	rec, err := e.keys.AuthorizedNow(ctx, adminPublic.Fingerprint())
	if errors.Is(err, ledger.ErrKeyNotFound) {
		return 0, lverrors.Unauthorized(adminPublic.Fingerprint())
	}
	if err != nil {
		return 0, lverrors.Storage(err, "rollback")
	}
	if !rec.Role.IsAdmin() {
		return 0, lverrors.InsufficientRole(string(rec.Role), string(ledger.RoleSuperAdmin))
	}
	if !adminPublic.Verify(crypto.AdminRollbackMessage(uint64(target)), adminSig) {
		return 0, lverrors.New(lverrors.ErrorCodeInvalidAdminSignature,
			"admin signature does not verify for this rollback")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	last, err := e.blocks.LastBlockRefreshed(ctx)
	if err != nil {
		return 0, lverrors.Storage(err, "rollback")
	}
	if uint64(target) > last.Number {
		return 0, lverrors.InvalidArgument("target_number",
			"rollback target is above the chain head")
	}

	var removed uint64
	for number := last.Number; number > uint64(target); number-- {
		b, err := e.blocks.BlockByNumber(ctx, number)
		if errors.Is(err, ledger.ErrBlockNotFound) {
			continue
		}
		if err != nil {
			return removed, lverrors.Storage(err, "rollback")
		}

		if err := e.blocks.DeleteBlockByNumber(ctx, number); err != nil {
			return removed, lverrors.Storage(err, "rollback")
		}
		if err := e.indexStore.DeleteIndexEntry(ctx, number); err != nil {
			return removed, lverrors.Storage(err, "rollback")
		}
		// The sidecar file goes last so a crash leaves a dangling file,
		// never a dangling reference.
		if b.OffChain != nil && e.offChain != nil {
			if err := e.offChain.Delete(b.OffChain); err != nil {
				return removed, err
			}
		}
		removed++
		if e.metrics != nil {
			e.metrics.BlocksRolledBack.Inc()
		}
	}

	head, err := e.blocks.LastBlockRefreshed(ctx)
	if err != nil {
		return removed, lverrors.Storage(err, "rollback")
	}
	if head.Number != uint64(target) {
		return removed, lverrors.Newf(lverrors.ErrorCodeStorageError,
			"chain head is %d after rollback to %d", head.Number, target)
	}
	if e.metrics != nil {
		e.metrics.ChainHeight.Set(float64(head.Number))
	}

	e.logger.Warn("Rolled back chain",
		"target", target,
		"removed", removed)
	return removed, nil
}
