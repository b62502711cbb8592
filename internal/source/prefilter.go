package source

import "strings"

// DefaultHealthcareKeywords seed the relevance prefilter. Sources may add
// their own terms.
var DefaultHealthcareKeywords = []string{
	"hospital", "nhs", "nurse", "nursing", "doctor", "gp", "general practitioner",
	"ambulance", "paramedic", "clinical", "clinician", "patient", "medication",
	"prescri", "mental health", "psychiatric", "care home", "maternity", "midwife",
	"surgery", "surgical", "emergency department", "a&e", "triage", "diagnosis",
	"health board", "health service", "nhs trust", "pharmac", "sepsis", "discharge",
}

// Prefilter marks likely healthcare items. It is advisory: a miss never
// prevents storage, it only lowers processing priority.
type Prefilter struct {
	keywords []string
}

// NewPrefilter combines the default keywords with extra, lower-cased and
// deduplicated.
func NewPrefilter(extra []string) *Prefilter {
	seen := make(map[string]bool)
	var kws []string
	for _, list := range [][]string{DefaultHealthcareKeywords, extra} {
		for _, k := range list {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			kws = append(kws, k)
		}
	}
	return &Prefilter{keywords: kws}
}

// Match returns the keywords found in any of texts. Short keywords (three
// letters or fewer) must match a whole word.
func (p *Prefilter) Match(texts ...string) []string {
	joined := strings.ToLower(strings.Join(texts, " "))
	if joined == "" {
		return nil
	}
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(joined, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '&')
	}) {
		words[w] = true
	}

	var hits []string
	for _, k := range p.keywords {
		if len(k) <= 3 && !strings.Contains(k, " ") {
			if words[k] {
				hits = append(hits, k)
			}
			continue
		}
		if strings.Contains(joined, k) {
			hits = append(hits, k)
		}
	}
	return hits
}

// MatchCategories reports whether any category overlaps one of wanted,
// comparing case-insensitively by substring in either direction. An empty
// wanted list matches everything.
func MatchCategories(categories, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		w = strings.ToLower(w)
		for _, c := range categories {
			c = strings.ToLower(c)
			if c == "" {
				continue
			}
			if strings.Contains(c, w) || strings.Contains(w, c) {
				return true
			}
		}
	}
	return false
}
