// Package pii flags columns that look like they carry direct identifiers.
// Findings are advisory; the build orchestrator decides whether to block.
package pii

import (
	"regexp"
	"strings"
)

// Finding reasons.
const (
	ReasonColumnNameHint = "column_name_hint"
	ReasonEmailPattern   = "email_pattern"
	ReasonPhonePattern   = "phone_pattern"
)

// SampleSize bounds how many non-empty values of a column are pattern-tested.
const SampleSize = 200

var columnHints = []string{"name", "email", "phone", "mobile", "address", "ssn", "aadhaar"}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\b(?:\+?\d[\d\-\s]{9,}\d)\b`)
)

// Finding is one suspected identifier.
type Finding struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Frame is the read-only view the detector needs over a table.
type Frame interface {
	Columns() []string
	// TextValues returns a column's values, or false when it is not text-typed.
	TextValues(col string) ([]string, bool)
}

// Detect runs the column-name and value-pattern heuristics over every column.
func Detect(f Frame) []Finding {
	var findings []Finding
	for _, col := range f.Columns() {
		lowered := strings.ToLower(col)
		for _, hint := range columnHints {
			if strings.Contains(lowered, hint) {
				findings = append(findings, Finding{Field: col, Reason: ReasonColumnNameHint})
				break
			}
		}

		values, ok := f.TextValues(col)
		if !ok {
			continue
		}
		sample := sampleNonEmpty(values, SampleSize)
		if len(sample) == 0 {
			continue
		}
		if anyMatch(emailPattern, sample) {
			findings = append(findings, Finding{Field: col, Reason: ReasonEmailPattern})
		}
		if anyMatch(phonePattern, sample) {
			findings = append(findings, Finding{Field: col, Reason: ReasonPhonePattern})
		}
	}
	return findings
}

func sampleNonEmpty(values []string, n int) []string {
	out := make([]string, 0, min(n, len(values)))
	for _, v := range values {
		if v == "" {
			continue
		}
		out = append(out, v)
		if len(out) == n {
			break
		}
	}
	return out
}

func anyMatch(re *regexp.Regexp, values []string) bool {
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}
