// Package schema holds the column-mapping model for case-data sync: the
// normalizer that turns raw case property names into SQL-safe column
// identifiers, the persisted per-case-type schema state, and the reconciler
// that merges freshly observed properties into that state without ever
// discarding history.
package schema

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Normalize converts an arbitrary case property name into a safe, lowercase
// SQL identifier. It is pure and total: every input yields some valid
// identifier matching ^[a-z_][a-z0-9_]*$.
//
// Steps: trim surrounding space, NFKC-normalize (composed and decomposed
// spellings of the same text must map to the same column), lower, replace
// every rune outside [a-z0-9_] with underscore, collapse underscore runs,
// trim edge underscores, prefix an underscore when the name would start
// with a digit. Length limits are handled separately by Fit; collisions
// between distinct properties are the reconciler's problem, not ours.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "_"
	}

	s = strings.ToLower(norm.NFKC.String(s))

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		// Everything else, underscore included, becomes a single underscore.
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// Fit enforces a backend identifier length limit (bytes) while preserving
// UTF-8 validity, and trims any trailing underscore the cut leaves behind.
// max values below 1 are treated as 1.
func Fit(name string, max int) string {
	if max < 1 {
		max = 1
	}
	if len(name) <= max {
		return name
	}
	b := []byte(name)
	cut := max
	for cut > 0 && !utf8.Valid(b[:cut]) {
		cut--
	}
	if cut <= 0 {
		cut = max
	}
	out := string(b[:cut])
	if trimmed := strings.TrimRight(out, "_"); trimmed != "" {
		out = trimmed
	}
	return out
}
