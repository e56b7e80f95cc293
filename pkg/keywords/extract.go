// Copyright 2025 LedgerVault Project
//
// Automatic keyword extraction for block payloads. The universal patterns
// (ISO dates, decimal numerals, email-shaped tokens, uppercase codes) apply
// to every payload; category lexicons elect the block category and populate
// the per-category keyword map.

package keywords

import (
	"regexp"
	"strings"

	"github.com/ledgervault/ledgervault/pkg/ledger"
)

// MaxKeywords caps the number of auto keywords extracted per block
const MaxKeywords = 32

var (
	isoDatePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:T\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:\d{2})?)?\b`)
	numberPattern    = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	emailPattern     = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	upperCodePattern = regexp.MustCompile(`\b[A-Z][A-Z0-9-]{2,}\b`)
	wordPattern      = regexp.MustCompile(`[A-Za-z][A-Za-z-]+`)
)

// categoryLexicons drive category election. Matching is case-insensitive on
// whole words.
var categoryLexicons = map[ledger.Category][]string{
	ledger.CategoryMedical: {
		"patient", "diagnosis", "prescription", "admitted", "discharged",
		"hypertension", "diabetes", "treatment", "dose", "symptom",
		"surgery", "clinical", "physician", "hospital", "allergy",
	},
	ledger.CategoryFinance: {
		"payment", "invoice", "account", "transfer", "balance",
		"deposit", "withdrawal", "loan", "interest", "transaction",
		"credit", "debit", "currency", "audit", "budget",
	},
	ledger.CategoryTechnical: {
		"server", "deployment", "database", "api", "error",
		"build", "release", "configuration", "incident", "backup",
		"latency", "cluster", "firmware", "patch", "outage",
	},
	ledger.CategoryLegal: {
		"contract", "clause", "agreement", "court", "liability",
		"compliance", "regulation", "statute", "litigation", "consent",
		"jurisdiction", "arbitration", "warranty", "indemnity", "notary",
	},
}

// Extract returns the universal keywords of a payload, deduplicated in
// order of appearance and capped at MaxKeywords.
func Extract(text string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(tok string) {
		if tok == "" || seen[tok] || len(out) >= MaxKeywords {
			return
		}
		seen[tok] = true
		out = append(out, tok)
	}

	for _, m := range isoDatePattern.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range emailPattern.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range upperCodePattern.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range numberPattern.FindAllString(text, -1) {
		add(m)
	}

	return out
}

// Categorize elects the payload category by lexicon dominance and returns
// the per-category lexicon hits. Payloads matching no lexicon are OTHER.
func Categorize(text string) (ledger.Category, map[ledger.Category][]string) {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	byCategory := make(map[ledger.Category][]string)
	best := ledger.CategoryOther
	bestCount := 0

	for _, cat := range ledger.Categories {
		lexicon, ok := categoryLexicons[cat]
		if !ok {
			continue
		}
		var hits []string
		for _, term := range lexicon {
			if wordSet[term] {
				hits = append(hits, term)
			}
		}
		if len(hits) == 0 {
			continue
		}
		byCategory[cat] = hits
		if len(hits) > bestCount {
			bestCount = len(hits)
			best = cat
		}
	}

	return best, byCategory
}

// ExtractAll runs extraction and categorization in one pass over a payload.
// The keyword list is the universal set plus the elected category's lexicon
// hits.
func ExtractAll(text string) ([]string, ledger.Category, map[ledger.Category][]string) {
	kws := Extract(text)
	cat, byCategory := Categorize(text)

	seen := make(map[string]bool, len(kws))
	for _, k := range kws {
		seen[k] = true
	}
	for _, hit := range byCategory[cat] {
		if len(kws) >= MaxKeywords {
			break
		}
		if !seen[hit] {
			seen[hit] = true
			kws = append(kws, hit)
		}
	}

	return kws, cat, byCategory
}
