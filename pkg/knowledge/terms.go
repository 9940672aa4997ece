package knowledge

import (
	"regexp"
	"sort"
	"strings"
)

var wordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_-]{2,}`)

// stopWords are excluded from term extraction. The list covers common
// English filler plus markdown-ish noise that shows up in generated
// documents.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "has": true,
	"have": true, "this": true, "that": true, "with": true, "from": true,
	"they": true, "will": true, "would": true, "there": true, "their": true,
	"what": true, "which": true, "when": true, "where": true, "should": true,
	"could": true, "into": true, "each": true, "other": true, "than": true,
	"then": true, "them": true, "these": true, "those": true, "such": true,
	"was": true, "were": true, "been": true, "being": true, "its": true,
	"also": true, "more": true, "most": true, "must": true, "may": true,
	"any": true, "some": true, "how": true, "who": true, "our": true,
	"via": true, "per": true, "use": true, "used": true, "using": true,
	"one": true, "two": true, "new": true, "does": true, "https": true,
	"http": true, "www": true, "com": true,
}

// extractTerms tokenizes text, drops stop words, and returns the most
// frequent terms (ties broken alphabetically) up to max.
func extractTerms(text string, max int) []string {
	counts := make(map[string]int)
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if stopWords[w] {
			continue
		}
		counts[w]++
	}

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > max {
		terms = terms[:max]
	}
	return terms
}

// overlap counts how many query terms appear in the entry's term set.
func overlap(queryTerms []string, entryTerms map[string]bool) int {
	n := 0
	for _, t := range queryTerms {
		if entryTerms[t] {
			n++
		}
	}
	return n
}
