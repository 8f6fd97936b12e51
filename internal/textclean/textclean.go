// Package textclean normalizes free-form post text into a compact, searchable form.
package textclean

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// FullPunctuation is the widest punctuation set a Normalizer may keep.
const FullPunctuation = ",.:;-?/"

var (
	markupPattern = regexp.MustCompile(`<[^>]*>`)

	// Literal "\n" comes from double-encoded scraper payloads.
	lineBreaks = strings.NewReplacer(
		"-----", " ",
		`\n`, " ",
		"\n", " ",
		"\r", " ",
		"\t", " ",
	)

	defaultNormalizer = New("")
)

// Normalizer cleans text. The zero value keeps letters, digits, and whitespace only.
type Normalizer struct {
	keep map[rune]struct{}
}

// New builds a Normalizer that additionally keeps the runes of punctuation that
// also appear in FullPunctuation. Other runes in punctuation are ignored.
func New(punctuation string) *Normalizer {
	keep := make(map[rune]struct{})
	for _, r := range punctuation {
		if strings.ContainsRune(FullPunctuation, r) {
			keep[r] = struct{}{}
		}
	}
	return &Normalizer{keep: keep}
}

// Normalize cleans text with the default Normalizer.
func Normalize(text string) string {
	return defaultNormalizer.Normalize(text)
}

// Normalize strips markup and line-break artifacts, replaces every rune outside
// the kept classes with a space, and collapses whitespace. It is total and
// idempotent.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return ""
	}
	out := markupPattern.ReplaceAllString(text, "")
	out = lineBreaks.Replace(out)
	// Compose after markup removal so split base letters and marks are joined.
	out = norm.NFC.String(out)
	out = strings.Map(n.mapRune, out)
	return strings.Join(strings.Fields(out), " ")
}

func (n *Normalizer) mapRune(r rune) rune {
	switch {
	case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
		return r
	}
	if _, ok := n.keep[r]; ok {
		return r
	}
	return ' '
}
