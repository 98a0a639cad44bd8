package llmcorrect

import (
	"strings"
	"unicode"
)

// indexPair maps a token index in the original sequence to the matching
// index in the corrected sequence.
type indexPair struct {
	origIdx int
	corrIdx int
}

// changeSpan is a contiguous region that differs between two token
// sequences, with its token offsets.
type changeSpan struct {
	origStart, origEnd int
	corrStart, corrEnd int
	origTokens         []string
	corrTokens         []string
}

// isIdeographic reports runes that form a word on their own. Chinese and
// Japanese are written without spaces, so each character is a token.
func isIdeographic(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana)
}

// tokenize splits s into tokens whose concatenation is s again: runs of
// whitespace, runs of letters and digits, single ideographs and single
// punctuation runes.
func tokenize(s string) []string {
	var (
		tokens []string
		start  = -1
		kind   int
	)
	const (
		kindSpace = iota + 1
		kindWord
	)
	flush := func(end int) {
		if start >= 0 {
			tokens = append(tokens, s[start:end])
			start = -1
		}
	}
	for i, r := range s {
		switch {
		case unicode.IsSpace(r):
			if start < 0 || kind != kindSpace {
				flush(i)
				start, kind = i, kindSpace
			}
		case isIdeographic(r):
			flush(i)
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			if start < 0 || kind != kindWord {
				flush(i)
				start, kind = i, kindWord
			}
		default:
			flush(i)
			tokens = append(tokens, string(r))
		}
	}
	flush(len(s))
	return tokens
}

// tokenLCS returns the anchor pairs of the longest common subsequence of a
// and b. O(m×n); a transcript is one utterance.
func tokenLCS(a, b []string) []indexPair {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return nil
	}

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				dp[i][j] = dp[i-1][j-1] + 1
			case dp[i-1][j] >= dp[i][j-1]:
				dp[i][j] = dp[i-1][j]
			default:
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	lcsLen := dp[m][n]
	if lcsLen == 0 {
		return nil
	}

	anchors := make([]indexPair, lcsLen)
	i, j, k := m, n, lcsLen-1
	for i > 0 && j > 0 {
		switch {
		case a[i-1] == b[j-1]:
			anchors[k] = indexPair{origIdx: i - 1, corrIdx: j - 1}
			i--
			j--
			k--
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	return anchors
}

// extractChangeSpans collects the gaps between anchors, in order.
func extractChangeSpans(orig, corr []string, anchors []indexPair) []changeSpan {
	var spans []changeSpan
	add := func(oi, oe, ci, ce int) {
		spans = append(spans, changeSpan{
			origStart: oi, origEnd: oe,
			corrStart: ci, corrEnd: ce,
			origTokens: orig[oi:oe],
			corrTokens: corr[ci:ce],
		})
	}
	oi, ci := 0, 0
	for _, a := range anchors {
		if oi < a.origIdx || ci < a.corrIdx {
			add(oi, a.origIdx, ci, a.corrIdx)
		}
		oi = a.origIdx + 1
		ci = a.corrIdx + 1
	}
	if oi < len(orig) || ci < len(corr) {
		add(oi, len(orig), ci, len(corr))
	}
	return spans
}

// normalizeForLookup lowercases s and trims surrounding space and
// punctuation so "Wispers." matches a correction declared as "Wispers".
func normalizeForLookup(s string) string {
	return strings.ToLower(strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}))
}

// justify returns the index of the declared correction that explains the
// change from orig to corr, or -1. An exact match wins; otherwise both sides
// must lie within the same correction, which covers terms whose characters
// partly survive transcription (通一千文 to 通义千问 differs in two places).
func justify(orig, corr string, declared [][2]string) int {
	if orig == "" && corr == "" {
		return -1
	}
	for i, d := range declared {
		if d[0] == orig && d[1] == corr {
			return i
		}
	}
	for i, d := range declared {
		if strings.Contains(d[0], orig) && strings.Contains(d[1], corr) {
			return i
		}
	}
	return -1
}

// verifyCorrectedText keeps only the changes between original and corrected
// that a declared correction explains; every other change is reverted. It
// returns the verified text and the corrections that were applied.
func verifyCorrectedText(original, corrected string, corrections []Correction) (string, []Correction) {
	if original == corrected {
		return original, nil
	}

	origTokens := tokenize(original)
	corrTokens := tokenize(corrected)
	spans := extractChangeSpans(origTokens, corrTokens, tokenLCS(origTokens, corrTokens))

	declared := make([][2]string, len(corrections))
	for i, c := range corrections {
		declared[i] = [2]string{normalizeForLookup(c.Original), normalizeForLookup(c.Corrected)}
	}

	var (
		sb   strings.Builder
		used = make([]bool, len(corrections))
		oi   int
	)
	for _, span := range spans {
		sb.WriteString(strings.Join(origTokens[oi:span.origStart], ""))
		oi = span.origEnd

		from := strings.Join(span.origTokens, "")
		to := strings.Join(span.corrTokens, "")
		if i := justify(normalizeForLookup(from), normalizeForLookup(to), declared); i >= 0 {
			sb.WriteString(to)
			used[i] = true
			continue
		}
		sb.WriteString(from)
	}
	sb.WriteString(strings.Join(origTokens[oi:], ""))

	var verified []Correction
	for i, c := range corrections {
		if used[i] {
			verified = append(verified, c)
		}
	}
	return sb.String(), verified
}
