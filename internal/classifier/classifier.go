// Package classifier maps raw command text to a category and its fixed credit price.
package classifier

import (
	"regexp"
	"strings"
)

// Category is the pricing class of a command.
type Category string

const (
	Simple  Category = "simple"
	Content Category = "content"
	Complex Category = "complex"
	Bulk    Category = "bulk"
)

var prices = map[Category]int{
	Simple:  1,
	Content: 5,
	Complex: 10,
	Bulk:    20,
}

// Markers are matched case-insensitively on word boundaries. The order of the
// rules below is the precedence order: bulk beats simple beats content.
var rules = []struct {
	category Category
	pattern  *regexp.Regexp
}{
	{Bulk, wordsPattern(
		"all clients", "all accounts", "every client", "each client",
		"bulk", "batch", "multiple", "across",
	)},
	// "all" before a plural noun, optionally through "of", a determiner and
	// one modifier: "all campaigns", "all of our clients", "all the old posts".
	{Bulk, regexp.MustCompile(`(?i)\ball\s+(?:of\s+)?(?:(?:my|our|your|their|the|these|those)\s+)?(?:[a-z]+\s+)?[a-z]+s\b`)},
	{Simple, wordsPattern("add", "update", "delete", "remove", "list", "check", "show")},
	{Content, wordsPattern("write", "create", "generate", "draft", "compose")},
}

func wordsPattern(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Classify returns the category and price for text. It is deterministic and
// has no side effects; anything matching no marker is Complex.
func Classify(text string) (Category, int) {
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			return r.category, prices[r.category]
		}
	}
	return Complex, prices[Complex]
}

// Price returns the fixed credit price of c, or 0 for an unknown category.
func Price(c Category) int {
	return prices[c]
}

// Categories lists every category in ascending price order.
func Categories() []Category {
	return []Category{Simple, Content, Complex, Bulk}
}
