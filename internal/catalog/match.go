package catalog

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Match scoring constants. The scorer must stay bit-for-bit reproducible so
// that independently implemented assistants resolve the same spoken query to
// the same product.
const (
	scoreExact    = 100
	scorePrefix   = 90
	scoreContains = 80
	scoreAllWords = 70

	// matchThreshold is the minimum score required for a result.
	matchThreshold = 70

	// suggestionFloor is the minimum Jaro-Winkler similarity for a near-miss
	// suggestion in failure results.
	suggestionFloor = 0.55
)

// Match resolves a free-text product query against products. Scoring per
// product: exact lowercase name match 100, name starts with query 90, name
// contains query 80, every whitespace-delimited query word a substring of
// some name word 70, otherwise 0. Scores strictly between 0 and 100 receive
// a length-ratio bonus of len(query)/len(name)*10. The first product with
// the maximal score wins (later equal scores do not replace it); the match
// is returned only when its score reaches the threshold.
func Match(products []Product, query string) (Product, bool) {
	if query == "" {
		return Product{}, false
	}

	lowerQuery := strings.ToLower(query)
	queryWords := strings.Fields(lowerQuery)

	var best Product
	var high float64

	for _, p := range products {
		lowerName := strings.ToLower(p.Name)

		var score float64
		switch {
		case lowerName == lowerQuery:
			score = scoreExact
		case strings.HasPrefix(lowerName, lowerQuery):
			score = scorePrefix
		case strings.Contains(lowerName, lowerQuery):
			score = scoreContains
		default:
			if allWordsFound(queryWords, strings.Split(lowerName, " ")) {
				score = scoreAllWords
			}
		}

		if score > 0 && score < scoreExact {
			score += float64(len(lowerQuery)) / float64(len(lowerName)) * 10
		}

		if score > high {
			high = score
			best = p
		}
	}

	if high >= matchThreshold {
		return best, true
	}
	return Product{}, false
}

// allWordsFound reports whether every query word appears as a substring of
// at least one name word.
func allWordsFound(queryWords, nameWords []string) bool {
	if len(queryWords) == 0 {
		return false
	}
	for _, qw := range queryWords {
		found := false
		for _, nw := range nameWords {
			if strings.Contains(nw, qw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Suggest returns the catalog name closest to query by Jaro-Winkler
// similarity, for use in "no match" failure results. Returns ok=false when
// nothing clears the suggestion floor.
func Suggest(products []Product, query string) (string, bool) {
	lowerQuery := strings.ToLower(query)
	var bestName string
	var high float64
	for _, p := range products {
		if s := matchr.JaroWinkler(lowerQuery, strings.ToLower(p.Name), false); s > high {
			high = s
			bestName = p.Name
		}
	}
	if high >= suggestionFloor {
		return bestName, true
	}
	return "", false
}
