package matching

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Phase is one normalization step. Phases compose left to right.
type Phase func(string) string

// Normalizer runs a registered chain of phases over counterparty names.
// New equivalences are added as data (stopwords, suffix tables), not code.
type Normalizer struct {
	phases []Phase
}

// NewNormalizer builds a normalizer from an explicit phase chain.
func NewNormalizer(phases ...Phase) *Normalizer {
	return &Normalizer{phases: phases}
}

// Normalize applies every phase in order.
func (n *Normalizer) Normalize(s string) string {
	for _, p := range n.phases {
		s = p(s)
	}
	return s
}

// DefaultStopwords are channel artifacts that carry no identity signal.
var DefaultStopwords = []string{"MPESA", "FROM", "TO", "REF", "PAYBILL", "TILL"}

var digitRun = regexp.MustCompile(`\b\d{4,}\b`)

// CaseFold uppercases and trims.
func CaseFold(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// StripDigitRuns removes digit runs of length >= 4 (phone numbers,
// transaction ids) that channels splice into counterparty names.
func StripDigitRuns(s string) string { return digitRun.ReplaceAllString(s, "") }

// StripStopwords removes exact tokens from the given stopword set.
func StripStopwords(stopwords []string) Phase {
	set := make(map[string]struct{}, len(stopwords))
	for _, w := range stopwords {
		set[strings.ToUpper(w)] = struct{}{}
	}
	return func(s string) string {
		fields := strings.Fields(s)
		kept := fields[:0]
		for _, f := range fields {
			if _, drop := set[f]; !drop {
				kept = append(kept, f)
			}
		}
		return strings.Join(kept, " ")
	}
}

// CollapseWhitespace squeezes interior whitespace to single spaces.
func CollapseWhitespace(s string) string { return strings.Join(strings.Fields(s), " ") }

// NewNameNormalizer is the standard chain for counterparty names:
// case-fold, strip digit runs, strip stopwords, collapse whitespace.
func NewNameNormalizer(stopwords []string) *Normalizer {
	if stopwords == nil {
		stopwords = DefaultStopwords
	}
	return NewNormalizer(CaseFold, StripDigitRuns, StripStopwords(stopwords), CollapseWhitespace)
}

// suffixEquivalences maps a canonical business suffix to its common
// abbreviations. Applied symmetrically at registration, never at query time.
var suffixEquivalences = map[string][]string{
	"LIMITED":       {"LTD", "LTD.", "LIMIT"},
	"COMPANY":       {"CO", "CO.", "COMP"},
	"CORPORATION":   {"CORP", "CORP."},
	"ENTERPRISES":   {"ENT", "ENTER"},
	"SERVICES":      {"SERV", "SVC"},
	"TRADING":       {"TRAD", "TRD"},
	"SUPPLIES":      {"SUPP", "SUPPLY"},
	"INTERNATIONAL": {"INTL", "INT'L", "INT"},
}

// GenerateAliases produces registration-time variants of a canonical name:
// business-suffix substitutions in both directions plus first/last token
// recombinations. The canonical form itself is not included.
func GenerateAliases(canonical string) []string {
	name := CollapseWhitespace(CaseFold(canonical))
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return nil
	}

	seen := map[string]struct{}{name: {}}
	var out []string
	add := func(v string) {
		v = CollapseWhitespace(v)
		if v == "" {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	// Suffix substitutions, both canonical->abbrev and abbrev->canonical.
	for i, part := range parts {
		if abbrevs, ok := suffixEquivalences[part]; ok {
			for _, ab := range abbrevs {
				add(replaceToken(parts, i, ab))
			}
		}
		for canon, abbrevs := range suffixEquivalences {
			for _, ab := range abbrevs {
				if part == ab {
					add(replaceToken(parts, i, canon))
				}
			}
		}
	}

	// Name recombinations for multi-token names.
	if len(parts) >= 2 {
		first, last := parts[0], parts[len(parts)-1]
		add(fmt.Sprintf("%s %c", first, firstRune(last)))
		add(fmt.Sprintf("%c %s", firstRune(first), last))
		add(first)
		add(last)
	}

	return out
}

func replaceToken(parts []string, i int, with string) string {
	cp := make([]string, len(parts))
	copy(cp, parts)
	cp[i] = with
	return strings.Join(cp, " ")
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return ' '
}

// CountryPhoneRule describes the national dialing convention used to map
// local numbers to E.164. Documented in config; Kenya is the default.
type CountryPhoneRule struct {
	// Prefix is the international prefix including '+', e.g. "+254".
	Prefix string
	// NationalLength is the digit count of a leading-0 national number.
	NationalLength int
	// InternationalDigits is the digit count after '+' in E.164 form.
	InternationalDigits int
}

// KenyaPhoneRule is the default dialing convention.
var KenyaPhoneRule = CountryPhoneRule{Prefix: "+254", NationalLength: 10, InternationalDigits: 12}

// NormalizePhone maps a raw phone string to E.164 under the country rule.
// Numbers that fit neither the national nor the international length are
// rejected.
func NormalizePhone(raw string, rule CountryPhoneRule) (string, error) {
	var b strings.Builder
	for i, r := range raw {
		if unicode.IsDigit(r) || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	phone := b.String()
	cc := strings.TrimPrefix(rule.Prefix, "+")

	switch {
	case strings.HasPrefix(phone, "0") && len(phone) == rule.NationalLength:
		return rule.Prefix + phone[1:], nil
	case strings.HasPrefix(phone, cc) && len(phone) == rule.InternationalDigits:
		return "+" + phone, nil
	case strings.HasPrefix(phone, rule.Prefix) && len(phone) == rule.InternationalDigits+1:
		return phone, nil
	}
	return "", fmt.Errorf("phone %q does not match %s dialing convention", raw, rule.Prefix)
}
