package engine

import (
	"strings"
	"unicode"
)

// MatchOption returns the index of the first option whose text contains
// token as a whole word, else the first that contains it at all, else -1.
// Matching is case-insensitive. The whole-word pass keeps "bali" from
// selecting "Balikpapan".
func MatchOption(options []string, token string) int {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "" {
		return -1
	}
	for i, o := range options {
		if containsWord(strings.ToLower(o), token) {
			return i
		}
	}
	for i, o := range options {
		if strings.Contains(strings.ToLower(o), token) {
			return i
		}
	}
	return -1
}

func containsWord(s, word string) bool {
	for from := 0; ; {
		i := strings.Index(s[from:], word)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(word)
		if boundary(s, start-1) && boundary(s, end) {
			return true
		}
		from = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
