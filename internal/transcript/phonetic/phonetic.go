// Package phonetic matches misheard Latin-script words against glossary terms
// using Double Metaphone codes and Jaro-Winkler similarity.
//
// A candidate term is accepted in one of two ways:
//
//  1. Phonetic: some Double Metaphone code of the input overlaps with a code
//     of the term and the best Jaro-Winkler score reaches the phonetic
//     threshold (default 0.70).
//  2. Fuzzy: no term matched phonetically but the Jaro-Winkler score alone
//     reaches the fuzzy threshold (default 0.85).
//
// Terms written in a script Double Metaphone cannot encode (Han, Kana,
// Hangul) never match here; they are handled by exact alias replacement in
// the transcript package.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no term matched
// phonetically. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// preparedTerm caches the lower-cased tokens and phonetic codes of one term.
type preparedTerm struct {
	term   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// TermSet is a list of terms with their phonetic codes computed once. Build
// it with [PrepareTerms] and reuse it for every window of a transcript.
type TermSet struct {
	terms    []preparedTerm
	maxWords int
}

// PrepareTerms precomputes codes for every Latin-script term. Terms
// containing other scripts are skipped.
func PrepareTerms(terms []string) *TermSet {
	es := &TermSet{}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" || !IsLatin(lower) {
			continue
		}
		tokens := strings.Fields(lower)
		es.terms = append(es.terms, preparedTerm{
			term:   t,
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		es.maxWords = max(es.maxWords, len(tokens))
	}
	return es
}

// Len returns the number of usable terms.
func (es *TermSet) Len() int { return len(es.terms) }

// MaxWords returns the word count of the longest term, or 0 for an empty set.
func (es *TermSet) MaxWords() int { return es.maxWords }

// Match finds the term most similar to word. word may be a space-separated
// n-gram. When matched is false, corrected equals word and confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, PrepareTerms(terms))
}

// MatchPrepared is [Matcher.Match] against a precomputed [TermSet].
func (m *Matcher) MatchPrepared(word string, es *TermSet) (corrected string, confidence float64, matched bool) {
	if es == nil || len(es.terms) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}
	wordLower := strings.ToLower(strings.TrimSpace(word))
	if !IsLatin(wordLower) {
		return word, 0, false
	}
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, pt := range es.terms {
		jw := bestJWScore(wordTokens, pt.tokens, wordLower, pt.lower)
		if codesOverlap(inputCodes, pt.codes) {
			if jw >= m.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				best, bestScore, bestPhonetic = pt.term, jw, true
			}
			continue
		}
		if !bestPhonetic && jw >= m.fuzzyThreshold && jw > bestScore {
			best, bestScore = pt.term, jw
		}
	}
	if best == "" {
		return word, 0, false
	}
	return best, bestScore, true
}

// IsLatin reports whether every letter in s belongs to the Latin script.
// Digits, spaces and punctuation are ignored; a string without letters is
// not Latin.
func IsLatin(s string) bool {
	letters := 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.Is(unicode.Latin, r) {
			return false
		}
		letters++
	}
	return letters > 0
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity of the full strings,
// the strings with spaces removed, and any pair of tokens.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false)
		score = max(score, s)
	}

	for _, it := range inputTokens {
		for _, et := range termTokens {
			score = max(score, matchr.JaroWinkler(it, et, false))
		}
	}
	return score
}
