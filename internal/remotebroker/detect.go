package remotebroker

import (
	"strings"
	"unicode"

	"qbmcp/internal/broker"
)

// matchRule reports whether text refers to name.
type matchRule func(text, name string) bool

// detectRules are tried in order; the first rule with any hit wins.
var detectRules = []matchRule{
	containsWord,
	func(text, name string) bool {
		return containsWord(strings.ToLower(text), strings.ToLower(name))
	},
	possessive,
}

// companySuffixes are dropped from names for the possessive rule, so that
// "Acme's invoices" finds "Acme Inc".
var companySuffixes = map[string]bool{
	"inc": true, "inc.": true, "llc": true, "ltd": true, "ltd.": true,
	"corp": true, "corp.": true, "corporation": true, "co": true, "co.": true,
	"company": true, "limited": true, "plc": true,
}

// DetectCompanyFromContext picks the company that free text refers to:
// case-sensitive name match first, then case-insensitive, then the
// possessive form ("<Name>'s"). It returns nil when nothing matches.
//
// This is a convenience heuristic. It must not be the only basis for
// choosing a tenant when several match; see MatchCompanies.
func DetectCompanyFromContext(text string, companies []broker.Company) *broker.Company {
	matches := MatchCompanies(text, companies)
	if len(matches) == 0 {
		return nil
	}
	c := matches[0]
	return &c
}

// MatchCompanies returns every company hit by the first matching rule.
func MatchCompanies(text string, companies []broker.Company) []broker.Company {
	text = normalizeApostrophes(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	for _, rule := range detectRules {
		var hits []broker.Company
		for _, c := range companies {
			name := strings.TrimSpace(c.Name)
			if name == "" {
				continue
			}
			if rule(text, normalizeApostrophes(name)) {
				hits = append(hits, c)
			}
		}
		if len(hits) > 0 {
			return hits
		}
	}
	return nil
}

// containsWord reports whether name occurs in text on word boundaries.
func containsWord(text, name string) bool {
	for offset := 0; offset < len(text); {
		i := strings.Index(text[offset:], name)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(name)
		if boundary(text, start-1) && boundary(text, end) {
			return true
		}
		offset = start + 1
	}
	return false
}

func possessive(text, name string) bool {
	lower := strings.ToLower(text)
	base := strings.ToLower(stripSuffix(name))
	if base == "" {
		return false
	}
	return containsWord(lower, base+"'s") || containsWord(lower, base+"s'")
}

func stripSuffix(name string) string {
	fields := strings.Fields(name)
	for len(fields) > 1 && companySuffixes[strings.ToLower(strings.TrimRight(fields[len(fields)-1], ","))] {
		fields = fields[:len(fields)-1]
	}
	return strings.TrimRight(strings.Join(fields, " "), ",")
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func normalizeApostrophes(s string) string {
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}
