// Package normalize canonicalizes chemical names for matching.
//
// The same Normalize function is applied when synonyms are stored and when
// queries arrive; exact and fuzzy matching both compare normalized text, so
// any change to these rules must bump Version and re-normalize the store.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Version identifies the rule set. Persisted in store metadata.
const Version = 2

// greek maps lower-case Greek letters to their ASCII names.
var greek = map[rune]string{
	'α': "alpha", 'β': "beta", 'γ': "gamma", 'δ': "delta", 'ε': "epsilon",
	'ζ': "zeta", 'η': "eta", 'θ': "theta", 'ι': "iota", 'κ': "kappa",
	'λ': "lambda", 'μ': "mu", 'ν': "nu", 'ξ': "xi", 'ο': "omicron",
	'π': "pi", 'ρ': "rho", 'σ': "sigma", 'ς': "sigma", 'τ': "tau",
	'υ': "upsilon", 'φ': "phi", 'χ': "chi", 'ψ': "psi", 'ω': "omega",
}

// abbreviations expand whole tokens. Single-letter positional prefixes only
// expand when another token follows ("o xylene" but not a trailing "o").
var abbreviations = map[string]string{
	"tert": "tertiary",
	"sec":  "secondary",
}

var positional = map[string]string{
	"o": "ortho",
	"m": "meta",
	"p": "para",
	"n": "normal",
}

// Normalize returns the canonical form of text. It is pure, total and
// idempotent; an input with no matchable content returns "".
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	s := norm.NFKC.String(text)
	// A Caser carries state, so one is built per call.
	s = cases.Fold().String(s)
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if name, ok := greek[r]; ok {
			b.WriteString(name)
			continue
		}
		switch {
		case isSeparator(r):
			b.WriteByte(' ')
		case unicode.IsSpace(r), unicode.IsControl(r):
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}

	// Greek names can leave a combining mark after an ASCII letter; compose
	// again so a second pass has nothing left to do.
	s = norm.NFKC.String(b.String())
	s = strings.TrimRightFunc(s, isTrailing)
	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if full, ok := abbreviations[tok]; ok {
			tokens[i] = full
			continue
		}
		if full, ok := positional[tok]; ok && i < len(tokens)-1 {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " ")
}

// isSeparator reports runes that split tokens: brackets, commas, dashes,
// quotes, semicolons and colons.
func isSeparator(r rune) bool {
	switch r {
	case '(', ')', '[', ']', '{', '}', ',', ';', ':', '"', '\'', '`',
		'-', '‐', '‑', '‒', '–', '—', '―', '−',
		'‘', '’', '‚', '‛', '“', '”', '„', '´', '′', '″', '_':
		return true
	}
	return false
}

func isTrailing(r rune) bool {
	switch r {
	case '.', '!', '?', '*', '#':
		return true
	}
	return unicode.IsSpace(r)
}

// Tokens returns the normalized whitespace tokens of text.
func Tokens(text string) []string {
	return strings.Fields(Normalize(text))
}
