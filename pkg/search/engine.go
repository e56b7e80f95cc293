// Copyright 2025 LedgerVault Project
//
// Search Engine - three search levels of increasing cost. Every level is
// bounded by a required max_results cap; result collection stops the
// moment the cap is reached, which on the exhaustive level also stops
// further decryption.

package search

import (
	"bytes"
	"context"
	"encoding/base64"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ledgervault/ledgervault/pkg/config"
	"github.com/ledgervault/ledgervault/pkg/crypto"
	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/logging"
	"github.com/ledgervault/ledgervault/pkg/metrics"
	"github.com/ledgervault/ledgervault/pkg/offchain"
)

// Level selects the search strategy
type Level string

const (
	// LevelFastOnly queries the index only
	LevelFastOnly Level = "FAST_ONLY"
	// LevelIncludeData adds a streaming scan of on-chain data
	LevelIncludeData Level = "INCLUDE_DATA"
	// LevelExhaustiveOffChain adds decryption of encrypted blocks and
	// scanning of off-chain sidecars
	LevelExhaustiveOffChain Level = "EXHAUSTIVE_OFFCHAIN"
)

// MatchSource records which strategy produced a result
type MatchSource string

const (
	MatchIndex     MatchSource = "index"
	MatchData      MatchSource = "data"
	MatchDecrypted MatchSource = "decrypted"
	MatchOffChain  MatchSource = "off_chain"
)

// Result is one search hit
type Result struct {
	BlockNumber uint64          `json:"block_number"`
	Category    ledger.Category `json:"category"`
	Source      MatchSource     `json:"source"`
}

// CancelFlag is the soft cancellation handle for exhaustive searches. It is
// checked between blocks and between file scans.
type CancelFlag struct {
	flag atomic.Bool
}

// Cancel requests the search stop at its next checkpoint
func (c *CancelFlag) Cancel() {
	c.flag.Store(true)
}

// Cancelled reports whether cancellation was requested. A nil flag never
// cancels.
func (c *CancelFlag) Cancelled() bool {
	return c != nil && c.flag.Load()
}

// Options bound a search query. MaxResults is required.
type Options struct {
	MaxResults int
	Cancel     *CancelFlag
	// Category restricts the query to blocks of one category. Category
	// filters cannot be combined with a wildcard term.
	Category ledger.Category
}

// Engine executes searches over the index, the chain, and off-chain files
type Engine struct {
	index        ledger.IndexStore
	blocks       ledger.BlockStore
	offChain     *offchain.Store
	masterSecret []byte
	cfg          *config.Config
	metrics      *metrics.Metrics
	logger       *logging.Logger

	decrypts atomic.Int64
}

// New creates a search engine. masterSecret enables decryption of encrypted
// blocks on the exhaustive level; without it those blocks are skipped.
func New(index ledger.IndexStore, blocks ledger.BlockStore, offChain *offchain.Store, masterSecret []byte, cfg *config.Config, m *metrics.Metrics, logger *logging.Logger) *Engine {
	if cfg == nil {
		cfg = config.Current()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		index:        index,
		blocks:       blocks,
		offChain:     offChain,
		masterSecret: masterSecret,
		cfg:          cfg,
		metrics:      m,
		logger:       logger.WithComponent("search"),
	}
}

// Decrypts returns how many encrypted payloads this engine has decrypted.
func (e *Engine) Decrypts() int64 {
	return e.decrypts.Load()
}

var (
	isoDateTerm   = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)
	numericTerm   = regexp.MustCompile(`^\d+(\.\d+)?$`)
	upperCodeTerm = regexp.MustCompile(`^[A-Z][A-Z0-9-]+$`)
)

// ValidateTerm enforces the minimum query length with the recognized short
// forms excepted: ISO dates, standalone numeric literals, and uppercase
// tokens of at least two characters.
func ValidateTerm(term string) error {
	if term == "" {
		return lverrors.InvalidArgument("query_term", "query term must not be empty")
	}
	bare := strings.TrimSuffix(term, "*")
	if len(bare) >= 4 {
		return nil
	}
	if isoDateTerm.MatchString(bare) || numericTerm.MatchString(bare) || upperCodeTerm.MatchString(bare) {
		return nil
	}
	return lverrors.InvalidArgument("query_term",
		"query term must be at least 4 characters unless it is a date, number, or uppercase code")
}

// Search runs a query at the given level. Results are ordered by block
// number ascending and capped at opts.MaxResults.
func (e *Engine) Search(ctx context.Context, term string, level Level, opts Options) ([]Result, error) {
	start := time.Now()

	if err := ValidateTerm(term); err != nil {
		return nil, err
	}
	if opts.MaxResults <= 0 {
		return nil, lverrors.InvalidArgument("max_results", "max_results must be positive")
	}
	if opts.MaxResults > e.cfg.MaxSearchResults {
		return nil, lverrors.InvalidArgument("max_results",
			"max_results exceeds the configured cap")
	}

	wildcard := strings.HasSuffix(term, "*")
	bare := strings.TrimSuffix(term, "*")
	if wildcard && opts.Category != "" {
		return nil, lverrors.InvalidArgument("category",
			"a category filter cannot be combined with a wildcard term")
	}

	c := newCollector(opts.MaxResults)

	if err := e.searchIndex(ctx, bare, wildcard, opts.Category, c); err != nil {
		return nil, err
	}

	if level == LevelIncludeData || level == LevelExhaustiveOffChain {
		if !c.full() {
			if err := e.scanOnChainData(ctx, bare, opts, c); err != nil {
				return nil, err
			}
		}
	}

	if level == LevelExhaustiveOffChain {
		if !c.full() {
			if err := e.scanEncryptedBlocks(ctx, bare, opts, c); err != nil {
				return nil, err
			}
		}
		if !c.full() {
			if err := e.scanOffChainFiles(ctx, bare, opts, c); err != nil {
				return nil, err
			}
		}
	}

	results := c.sorted()

	if e.metrics != nil {
		e.metrics.SearchQueries.WithLabelValues(string(level)).Inc()
		e.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	}
	e.logger.SearchQuery(string(level), len(term), len(results), time.Since(start))

	return results, nil
}

// searchIndex is the FAST_ONLY strategy: index lookups by token, scoped to
// one category when a filter is set, including the ciphertext commitment
// of the term when a master secret is configured.
func (e *Engine) searchIndex(ctx context.Context, term string, wildcard bool, category ledger.Category, c *collector) error {
	lookup := func(token string, prefix bool) ([]uint64, error) {
		if category != "" {
			return e.index.FindBlocksByCategoryKeyword(ctx, category, token, c.capacity())
		}
		return e.index.FindBlocksByToken(ctx, token, prefix, c.capacity())
	}

	numbers, err := lookup(strings.ToLower(term), wildcard)
	if err != nil {
		return lverrors.Storage(err, "index-search")
	}
	for _, n := range numbers {
		if !c.addNumber(ctx, e.blocks, n, MatchIndex) {
			return nil
		}
	}

	if len(e.masterSecret) > 0 && !wildcard {
		commitment, err := e.tokenCommitment(term)
		if err != nil {
			return err
		}
		numbers, err := lookup(commitment, false)
		if err != nil {
			return lverrors.Storage(err, "index-search")
		}
		for _, n := range numbers {
			if !c.addNumber(ctx, e.blocks, n, MatchIndex) {
				return nil
			}
		}
	}
	return nil
}

// scanOnChainData streams plaintext blocks and matches the data field.
func (e *Engine) scanOnChainData(ctx context.Context, term string, opts Options, c *collector) error {
	lower := strings.ToLower(term)
	err := e.blocks.StreamAllBlocks(ctx, func(b *ledger.Block) (bool, error) {
		if opts.Cancel.Cancelled() {
			return false, nil
		}
		if b.IsEncrypted {
			return true, nil
		}
		if opts.Category != "" && b.Category != opts.Category {
			return true, nil
		}
		if strings.Contains(strings.ToLower(b.Data), lower) {
			if !c.add(Result{BlockNumber: b.Number, Category: b.Category, Source: MatchData}) {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return lverrors.Storage(err, "data-scan")
	}
	return nil
}

// scanEncryptedBlocks decrypts on-chain ciphertext payloads and matches
// their plaintext. Decryption stops as soon as the result cap is reached.
func (e *Engine) scanEncryptedBlocks(ctx context.Context, term string, opts Options, c *collector) error {
	if len(e.masterSecret) == 0 {
		return nil
	}
	lower := strings.ToLower(term)

	err := e.blocks.StreamEncryptedBlocks(ctx, func(b *ledger.Block) (bool, error) {
		if opts.Cancel.Cancelled() || c.full() {
			return false, nil
		}
		if b.OffChain != nil {
			// Off-chain encrypted payloads are handled by the file scan
			return true, nil
		}
		if opts.Category != "" && b.Category != opts.Category {
			return true, nil
		}

		plaintext, err := e.decryptOnChain(b)
		if err != nil {
			// Undecryptable blocks do not match the caller's key material
			return true, nil
		}
		if strings.Contains(strings.ToLower(string(plaintext)), lower) {
			if !c.add(Result{BlockNumber: b.Number, Category: b.Category, Source: MatchDecrypted}) {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return lverrors.Storage(err, "encrypted-scan")
	}
	return nil
}

// scanOffChainFiles decrypts and scans off-chain sidecars, honoring the
// JSON traversal bounds.
func (e *Engine) scanOffChainFiles(ctx context.Context, term string, opts Options, c *collector) error {
	if e.offChain == nil || len(e.masterSecret) == 0 {
		return nil
	}
	lower := strings.ToLower(term)

	err := e.blocks.StreamBlocksWithOffChain(ctx, func(b *ledger.Block) (bool, error) {
		if opts.Cancel.Cancelled() || c.full() {
			return false, nil
		}
		if opts.Category != "" && b.Category != opts.Category {
			return true, nil
		}

		blockKey, err := crypto.DeriveBlockKey(e.masterSecret, b.Number, b.OffChain.ID.String())
		if err != nil {
			return true, nil
		}
		plaintext, err := e.offChain.Read(b.OffChain, b.Number, blockKey, b.SignerFingerprint)
		if err != nil {
			// Unavailable or tampered sidecars are validation's concern
			return true, nil
		}
		e.decrypts.Add(1)
		if e.metrics != nil {
			e.metrics.BlocksDecrypted.Inc()
		}

		if e.contentMatches(plaintext, lower) {
			if !c.add(Result{BlockNumber: b.Number, Category: b.Category, Source: MatchOffChain}) {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return lverrors.Storage(err, "off-chain-scan")
	}
	return nil
}

// contentMatches searches file content: bounded JSON traversal for JSON
// documents, plain byte search otherwise.
func (e *Engine) contentMatches(content []byte, lowerTerm string) bool {
	trimmed := bytes.TrimLeft(content, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if matched, ok := e.jsonMatches(trimmed, lowerTerm); ok {
			return matched
		}
	}
	return bytes.Contains(bytes.ToLower(content), []byte(lowerTerm))
}

func (e *Engine) decryptOnChain(b *ledger.Block) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, lverrors.Wrap(err, lverrors.ErrorCodeAuthenticationFailed,
			"encrypted payload is not valid base64")
	}
	if len(raw) < crypto.NonceSize {
		return nil, lverrors.New(lverrors.ErrorCodeAuthenticationFailed,
			"encrypted payload is truncated")
	}
	nonce, ciphertext := raw[:crypto.NonceSize], raw[crypto.NonceSize:]

	blockKey, err := crypto.DeriveBlockKey(e.masterSecret, b.Number, "")
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.AEADDecrypt(blockKey, ciphertext, nonce, offchain.AAD(b.Number, b.SignerFingerprint))
	if err != nil {
		return nil, err
	}
	e.decrypts.Add(1)
	if e.metrics != nil {
		e.metrics.BlocksDecrypted.Inc()
	}
	return plaintext, nil
}

// tokenCommitment computes the deterministic commitment for a term so
// encrypted blocks are equality-searchable without exposing plaintext.
func (e *Engine) tokenCommitment(term string) (string, error) {
	searchKey, err := crypto.DeriveSearchKey(e.masterSecret)
	if err != nil {
		return "", lverrors.Wrap(err, lverrors.ErrorCodeAuthenticationFailed,
			"derive search key")
	}
	return TokenCommitment(searchKey, term), nil
}

// TokenCommitment builds the index commitment for a token under searchKey.
func TokenCommitment(searchKey []byte, token string) string {
	msg := make([]byte, 0, len(searchKey)+len(token))
	msg = append(msg, searchKey...)
	msg = append(msg, []byte(strings.ToLower(token))...)
	sum := crypto.Hash(msg)
	return bytesToHex(sum[:])
}

const hexDigits = "0123456789abcdef"

func bytesToHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

// ============================================================================
// RESULT COLLECTION
// ============================================================================

// collector accumulates at most max unique results; add reports whether the
// caller should keep producing.
type collector struct {
	max     int
	seen    map[uint64]bool
	results []Result
}

func newCollector(max int) *collector {
	return &collector{
		max:  max,
		seen: make(map[uint64]bool),
	}
}

func (c *collector) full() bool {
	return len(c.results) >= c.max
}

func (c *collector) capacity() int {
	return c.max
}

func (c *collector) add(r Result) bool {
	if c.seen[r.BlockNumber] {
		return !c.full()
	}
	if c.full() {
		return false
	}
	c.seen[r.BlockNumber] = true
	c.results = append(c.results, r)
	return !c.full()
}

// addNumber resolves the block's category before recording the hit.
func (c *collector) addNumber(ctx context.Context, blocks ledger.BlockStore, number uint64, source MatchSource) bool {
	if c.seen[number] {
		return !c.full()
	}
	category := ledger.CategoryOther
	if b, err := blocks.BlockByNumber(ctx, number); err == nil {
		category = b.Category
	}
	return c.add(Result{BlockNumber: number, Category: category, Source: source})
}

func (c *collector) sorted() []Result {
	sort.SliceStable(c.results, func(i, j int) bool {
		return c.results[i].BlockNumber < c.results[j].BlockNumber
	})
	return c.results
}
