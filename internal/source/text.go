package source

import (
	"crypto/md5" //nolint:gosec // used for short stable id suffixes, not security
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	maxExternalIDLen = 80
	externalIDPrefix = 70
)

// ExternalID joins the non-empty parts with "_". Ids longer than 80 chars
// are cut to 70 and suffixed with the first 8 hex chars of the md5 of the
// full id so they stay unique and stable across runs.
func ExternalID(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	id := strings.Join(kept, "_")
	if len(id) <= maxExternalIDLen {
		return id
	}
	sum := md5.Sum([]byte(id)) //nolint:gosec
	return id[:externalIDPrefix] + "_" + hex.EncodeToString(sum[:])[:8]
}

// LastPathSegment returns the final non-empty path segment of rawURL, or
// the slash-joined path when there is none.
func LastPathSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	segments := strings.Split(path, "/")
	if last := segments[len(segments)-1]; last != "" {
		return last
	}
	return strings.ReplaceAll(path, "/", "-")
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	controlChars  = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
	ordinalSuffix = regexp.MustCompile(`(\d+)(st|nd|rd|th)\b`)
)

// CleanText collapses whitespace runs and strips control characters.
func CleanText(s string) string {
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = controlChars.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

var ukDateLayouts = []string{
	"2 January 2006",
	"2 Jan 2006",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006-01-02",
	"02.01.2006",
}

// ParseUKDate parses the day-first date formats used by UK and
// Commonwealth publishers ("15th January 2026", "15/01/2026", ...). It
// returns nil when no layout matches.
func ParseUKDate(s string) *time.Time {
	s = CleanText(ordinalSuffix.ReplaceAllString(s, "$1"))
	if s == "" {
		return nil
	}
	for _, layout := range ukDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// StripLabel removes a leading "Label:" prefix (case-insensitive) from s.
func StripLabel(s string, labels ...string) string {
	s = CleanText(s)
	lower := strings.ToLower(s)
	for _, l := range labels {
		prefix := strings.ToLower(l) + ":"
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	return s
}

// resolveURL resolves ref against base. Unparseable input is returned as is.
func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
