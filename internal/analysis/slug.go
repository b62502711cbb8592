package analysis

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 150

// slugify lowercases title, folds accents to ASCII and joins word runs
// with hyphens, cutting at maxLen on a word boundary where possible.
func slugify(title string, maxLen int) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(folded) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}

	slug := b.String()
	if len(slug) > maxLen {
		slug = slug[:maxLen]
		if i := strings.LastIndexByte(slug, '-'); i > maxLen/2 {
			slug = slug[:i]
		}
		slug = strings.Trim(slug, "-")
	}
	return slug
}

// postSlug derives a unique slug from the post title and the finding id.
func postSlug(title, findingID string) string {
	suffix := findingID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	slug := slugify(title, maxSlugLen)
	if slug == "" {
		return "finding-" + suffix
	}
	return slug + "-" + suffix
}
