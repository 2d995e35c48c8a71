// Package phi strips PHI/PII from data before it crosses any egress
// boundary (LLM planning calls, evidence generation, telemetry, log
// shipping). Compliant with HIPAA §164.312(e)(1) — transmission security.
//
// IP addresses are intentionally excluded: they are infrastructure
// identifiers per HIPAA Safe Harbor 45 CFR 164.514(b)(2), needed for
// remediation planning to understand network topology.
package phi

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Scrubber replaces PHI matches with tagged placeholders.
type Scrubber struct {
	patterns []pattern
}

type pattern struct {
	category string
	re       *regexp.Regexp
	tag      string // e.g. "SSN-REDACTED"
}

// tokenRe matches placeholders emitted by a previous scrub pass.
// Masking them before pattern application makes scrubbing idempotent:
// scrub(scrub(x)) == scrub(x).
var tokenRe = regexp.MustCompile(`\[[A-Z][A-Z-]*-REDACTED-[0-9a-f]{8}\]`)

// New creates a scrubber with all 12 active pattern categories.
func New() *Scrubber {
	return &Scrubber{patterns: compilePatterns()}
}

func compilePatterns() []pattern {
	defs := []struct {
		category string
		pattern  string
		tag      string
	}{
		// SSN: 123-45-6789 or 123 45 6789
		{"ssn", `\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`, "SSN-REDACTED"},

		// MRN: MRN followed by digits (various separators)
		{"mrn", `(?i)\bMRN[:\s#]*\d{4,12}\b`, "MRN-REDACTED"},

		// Patient ID: patient_id or patient id followed by alphanumeric
		{"patient_id", `(?i)\bpatient[_\s]?id[:\s#]*[A-Za-z0-9\-]{3,20}\b`, "PATIENT-ID-REDACTED"},

		// Phone: (555) 123-4567, 555-123-4567, 555.123.4567
		{"phone", `(?:\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b)`, "PHONE-REDACTED"},

		// Email
		{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL-REDACTED"},

		// Credit card: 4111-1111-1111-1111 with dashes, spaces, or neither
		{"credit_card", `\b(?:\d{4}[-\s]?){3}\d{4}\b`, "CC-REDACTED"},

		// DOB: DOB/Date of Birth followed by date patterns
		{"dob", `(?i)\b(?:DOB|date\s*of\s*birth)[:\s]*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`, "DOB-REDACTED"},

		// Street address: number + street name + suffix
		{"address", `\b\d{1,6}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:Street|St|Avenue|Ave|Boulevard|Blvd|Drive|Dr|Road|Rd|Lane|Ln|Court|Ct|Way|Place|Pl|Circle|Cir)\b`, "ADDRESS-REDACTED"},

		// ZIP+4: 18501-1234 (plain 5-digit could be ports or counts)
		{"zip", `\b\d{5}-\d{4}\b`, "ZIP-REDACTED"},

		// Account number: Account/Acct # followed by digits
		{"account_number", `(?i)\b(?:account|acct)[:\s#]*\d{4,20}\b`, "ACCOUNT-REDACTED"},

		// Insurance ID
		{"insurance_id", `(?i)\b(?:insurance|policy)\s*(?:id|#|number)[:\s]*[A-Za-z0-9\-]{4,20}\b`, "INSURANCE-REDACTED"},

		// Medicare: Medicare ID format (1EG4-TE5-MK72 or similar)
		{"medicare", `(?i)\bmedicare[:\s#]*[A-Za-z0-9]{4}[-\s]?[A-Za-z0-9]{3}[-\s]?[A-Za-z0-9]{4}\b`, "MEDICARE-REDACTED"},
	}

	patterns := make([]pattern, 0, len(defs))
	for _, d := range defs {
		patterns = append(patterns, pattern{
			category: d.category,
			re:       regexp.MustCompile(d.pattern),
			tag:      d.tag,
		})
	}
	return patterns
}

// hashSuffix returns the first 8 hex chars of SHA-256(value) — the first
// 32 bits. Identical inputs produce identical tokens, which enables
// correlation across scrubbed artifacts without disclosure.
func hashSuffix(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h[:4])
}

// ScrubString replaces all PHI matches with tagged placeholders of the
// form [SSN-REDACTED-a1b2c3d4]. Placeholders from earlier passes are
// left untouched.
func (s *Scrubber) ScrubString(input string) string {
	result, _ := s.scrubStringCount(input)
	return result
}

// scrubStringCount scrubs and reports how many replacements each
// category made. Existing tokens are skipped so the operation is
// idempotent.
func (s *Scrubber) scrubStringCount(input string) (string, map[string]int) {
	counts := make(map[string]int)

	// Split around existing redaction tokens; only scrub the gaps.
	spans := tokenRe.FindAllStringIndex(input, -1)
	var b strings.Builder
	prev := 0
	for _, span := range spans {
		b.WriteString(s.scrubSegment(input[prev:span[0]], counts))
		b.WriteString(input[span[0]:span[1]])
		prev = span[1]
	}
	b.WriteString(s.scrubSegment(input[prev:], counts))
	return b.String(), counts
}

func (s *Scrubber) scrubSegment(segment string, counts map[string]int) string {
	result := segment
	for _, p := range s.patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			counts[p.category]++
			return fmt.Sprintf("[%s-%s]", p.tag, hashSuffix(match))
		})
	}
	return result
}

// Stats summarizes one scrub invocation for the evidence record.
type Stats struct {
	Replacements map[string]int `json:"replacements,omitempty"`
	Total        int            `json:"total"`
}

// Categories returns the categories that fired, sorted.
func (st Stats) Categories() []string {
	cats := make([]string, 0, len(st.Replacements))
	for c := range st.Replacements {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

func (st *Stats) add(counts map[string]int) {
	for c, n := range counts {
		if st.Replacements == nil {
			st.Replacements = make(map[string]int)
		}
		st.Replacements[c] += n
		st.Total += n
	}
}

// ScrubValue recursively scrubs any nested structure of strings,
// numbers, maps, and lists. Non-string leaves pass through unchanged.
// Returns a new value — the input is not modified.
func (s *Scrubber) ScrubValue(v interface{}) (interface{}, Stats) {
	var st Stats
	return s.scrubValue(v, &st), st
}

// ScrubMap recursively scrubs all string values in a map.
func (s *Scrubber) ScrubMap(data map[string]interface{}) (map[string]interface{}, Stats) {
	var st Stats
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = s.scrubValue(v, &st)
	}
	return out, st
}

func (s *Scrubber) scrubValue(v interface{}, st *Stats) interface{} {
	switch val := v.(type) {
	case string:
		scrubbed, counts := s.scrubStringCount(val)
		st.add(counts)
		return scrubbed
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = s.scrubValue(item, st)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.scrubValue(item, st)
		}
		return out
	default:
		return v
	}
}

// ContainsPHI returns true if the input contains any PHI pattern.
func (s *Scrubber) ContainsPHI(input string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}

// Report returns the categories present in the input, in pattern order.
func (s *Scrubber) Report(input string) []string {
	var found []string
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			found = append(found, p.category)
		}
	}
	return found
}

// ipPattern is used to confirm IPs survive scrubbing.
var ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// VerifyIPsPreserved checks that the set and order of IPv4 addresses in
// the input equals that in the scrubbed output. Bundles failing this
// check are considered invalid.
func (s *Scrubber) VerifyIPsPreserved(input string) bool {
	scrubbed := s.ScrubString(input)
	orig := ipPattern.FindAllString(input, -1)
	after := ipPattern.FindAllString(scrubbed, -1)

	if len(orig) != len(after) {
		return false
	}
	for i, ip := range orig {
		if ip != after[i] {
			return false
		}
	}
	return true
}

// String returns a summary of the scrubber configuration.
func (s *Scrubber) String() string {
	cats := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		cats[i] = p.category
	}
	return fmt.Sprintf("Scrubber(%d patterns: %s)", len(s.patterns), strings.Join(cats, ", "))
}
