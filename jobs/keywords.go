package jobs

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// stopWords are generic English function words excluded from keyword
// extraction.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "her": true, "his": true,
	"how": true, "i": true, "if": true, "in": true, "is": true, "it": true,
	"its": true, "me": true, "my": true, "no": true, "not": true, "of": true,
	"on": true, "or": true, "our": true, "she": true, "so": true,
	"that": true, "the": true, "their": true, "them": true, "they": true,
	"this": true, "to": true, "was": true, "we": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "will": true, "with": true, "you": true, "your": true,
}

// splitter matches whitespace and the punctuation class used to tokenize
// prompts.
var splitter = regexp.MustCompile(`[\s.,!?;:'"()\[\]{}<>/\\|@#$%^&*+=~` + "`" + `]+`)

// neverMatch is a regex that matches nothing, used for prompts that yield
// no keywords.
var neverMatch = regexp.MustCompile(`[^\s\S]`)

// foldDiacritics strips combining marks so "café" and "cafe" compare
// equal.
func foldDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

// ExtractKeywords derives the keyword set from a raw prompt: case-folded,
// diacritic-folded, split on whitespace and punctuation, stop words and
// single characters dropped, deduplicated in first-seen order.
func ExtractKeywords(prompt string) []string {
	folded := strings.ToLower(foldDiacritics(prompt))
	tokens := splitter.Split(folded, -1)

	seen := make(map[string]bool)
	var keywords []string
	for _, tok := range tokens {
		if len([]rune(tok)) < 2 {
			continue
		}
		if stopWords[tok] {
			continue
		}
		if seen[tok] {
			continue
		}
		seen[tok] = true
		keywords = append(keywords, tok)
	}
	return keywords
}

// BuildMatchRegex compiles the disjunction of escaped keywords with word
// boundaries, case-insensitive. An empty keyword set compiles to a regex
// that never matches.
func BuildMatchRegex(keywords []string) *regexp.Regexp {
	if len(keywords) == 0 {
		return neverMatch
	}
	escaped := make([]string, len(keywords))
	for i, k := range keywords {
		escaped[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(escaped, "|") + `)\b`)
}
