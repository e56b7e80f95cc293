// Copyright 2025 LedgerVault Project
//
// Bounded JSON traversal for off-chain file search. Depth and node-visit
// limits guard against pathological documents.

package search

import (
	"encoding/json"
	"strconv"
	"strings"
)

// jsonNodesPerIteration is the node budget each configured iteration buys
const jsonNodesPerIteration = 1000

// jsonMatches parses content as JSON and walks it looking for the term.
// The second return is false when the content is not valid JSON, in which
// case the caller falls back to a byte scan.
func (e *Engine) jsonMatches(content []byte, lowerTerm string) (matched, ok bool) {
	var doc interface{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return false, false
	}

	w := &jsonWalker{
		term:     lowerTerm,
		maxDepth: e.cfg.MaxJSONRecursion,
		budget:   e.cfg.MaxJSONIterations * jsonNodesPerIteration,
	}
	return w.walk(doc, 0), true
}

type jsonWalker struct {
	term     string
	maxDepth int
	budget   int
}

func (w *jsonWalker) walk(node interface{}, depth int) bool {
	if depth > w.maxDepth || w.budget <= 0 {
		return false
	}
	w.budget--

	switch v := node.(type) {
	case string:
		return strings.Contains(strings.ToLower(v), w.term)
	case float64:
		return strings.Contains(strconv.FormatFloat(v, 'f', -1, 64), w.term)
	case bool:
		return strings.Contains(strconv.FormatBool(v), w.term)
	case map[string]interface{}:
		for key, val := range v {
			if strings.Contains(strings.ToLower(key), w.term) {
				return true
			}
			if w.walk(val, depth+1) {
				return true
			}
		}
	case []interface{}:
		for _, item := range v {
			if w.walk(item, depth+1) {
				return true
			}
		}
	}
	return false
}
