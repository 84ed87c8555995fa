// Package match validates noisy OCR text against a whitelist of route
// identifiers, tolerating the character-level noise that plate OCR produces.
package match

import (
	"strings"
)

// NoMatch is returned by Validate when no whitelist entry is acceptable.
const NoMatch = "none"

// Normalize strips everything that is not a letter or digit and uppercases
// the remainder.
func Normalize(raw string) string {
	b := strings.Builder{}
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r - 'a' + 'A')
		} else if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EditDistance is the Levenshtein distance between a and b: the minimum
// number of single-character inserts, deletes, and substitutions that turn
// one into the other.
func EditDistance(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Validate matches OCR output against the whitelist and returns the matched
// identifier, or NoMatch. rawText is the full recognized string; words are
// the individually recognized words, if the OCR service provides them.
// Whitelist entries are expected to already be normalized identifiers.
//
// The tiers run cheapest first. Exact matches on the whole text or any
// single word win outright. Substring containment then tolerates OCR
// tacking noise onto either end, gated on relative length so a two-char
// code can't match inside an unrelated long string. Finally an edit
// distance of at most 1 (with length difference at most 1) absorbs a
// single misread character. Anything looser than that starts producing
// false positives against a realistic whitelist.
func Validate(rawText string, words []string, whitelist []string) string {
	text := Normalize(rawText)
	if len(text) < 2 {
		return NoMatch
	}

	for _, w := range whitelist {
		if text == w {
			return w
		}
	}

	for _, word := range words {
		norm := Normalize(word)
		for _, w := range whitelist {
			if norm == w {
				return w
			}
		}
	}

	// Whitelist entry embedded in the text, eg "BUS382W" contains "382W"
	for _, w := range whitelist {
		if len(w)*2 >= len(text) && strings.Contains(text, w) {
			return w
		}
	}

	// Text embedded in a whitelist entry, eg "82W" inside "382W"
	for _, w := range whitelist {
		if len(text)*10 >= len(w)*6 && strings.Contains(w, text) {
			return w
		}
	}

	best := NoMatch
	bestDist := 2
	for _, w := range whitelist {
		diff := len(text) - len(w)
		if diff < -1 || diff > 1 {
			continue
		}
		if d := EditDistance(text, w); d < bestDist {
			bestDist = d
			best = w
		}
	}
	return best
}
