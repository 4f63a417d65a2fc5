// Package canonical defines the fixed cross-source record layout every
// transform produces.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// SchemaVersion identifies the canonical layout in manifests and codebooks.
const SchemaVersion = "canonical_v1"

// Column names, in storage order.
const (
	ColRecordID              = "record_id"
	ColPatientID             = "patient_id"
	ColSex                   = "sex"
	ColAgeYears              = "age_years"
	ColConditionCode         = "condition_code"
	ColConditionCodeSystem   = "condition_code_system"
	ColObservationCode       = "observation_code"
	ColObservationCodeSystem = "observation_code_system"
	ColObservationValueNum   = "observation_value_num"
	ColObservationUnit       = "observation_unit"
	ColEventDate             = "event_date"
	ColSourceDataset         = "source_dataset"
	ColSourceURL             = "source_url"
	ColDeidentified          = "deidentified"
)

// Columns is the canonical column order.
var Columns = []string{
	ColRecordID,
	ColPatientID,
	ColSex,
	ColAgeYears,
	ColConditionCode,
	ColConditionCodeSystem,
	ColObservationCode,
	ColObservationCodeSystem,
	ColObservationValueNum,
	ColObservationUnit,
	ColEventDate,
	ColSourceDataset,
	ColSourceURL,
	ColDeidentified,
}

// Record is one canonical row.
type Record struct {
	RecordID              string
	PatientID             string
	Sex                   string
	AgeYears              *int64
	ConditionCode         string
	ConditionCodeSystem   string
	ObservationCode       string
	ObservationCodeSystem string
	ObservationValueNum   float64
	ObservationUnit       string
	EventDate             time.Time
	SourceDataset         string
	SourceURL             string
	Deidentified          bool
}

// ExtraColumn is a raw column carried alongside the canonical records. Extras
// are scanned by the PII gate but never validated or persisted to gold.
type ExtraColumn struct {
	Name   string
	Values []string
}

// Table is a canonical table plus optional passthrough columns.
type Table struct {
	Records []Record
	Extras  []ExtraColumn
}

// Len returns the number of records.
func (t *Table) Len() int {
	return len(t.Records)
}

// Columns returns the canonical columns followed by extra column names.
func (t *Table) Columns() []string {
	cols := make([]string, 0, len(Columns)+len(t.Extras))
	cols = append(cols, Columns...)
	for _, e := range t.Extras {
		cols = append(cols, e.Name)
	}
	return cols
}

// TextValues returns the string values of a text-typed column. The boolean
// is false for numeric, date, and boolean columns.
func (t *Table) TextValues(col string) ([]string, bool) {
	for _, e := range t.Extras {
		if e.Name == col {
			return e.Values, true
		}
	}

	var get func(r *Record) string
	switch col {
	case ColRecordID:
		get = func(r *Record) string { return r.RecordID }
	case ColPatientID:
		get = func(r *Record) string { return r.PatientID }
	case ColSex:
		get = func(r *Record) string { return r.Sex }
	case ColConditionCode:
		get = func(r *Record) string { return r.ConditionCode }
	case ColConditionCodeSystem:
		get = func(r *Record) string { return r.ConditionCodeSystem }
	case ColObservationCode:
		get = func(r *Record) string { return r.ObservationCode }
	case ColObservationCodeSystem:
		get = func(r *Record) string { return r.ObservationCodeSystem }
	case ColObservationUnit:
		get = func(r *Record) string { return r.ObservationUnit }
	case ColSourceDataset:
		get = func(r *Record) string { return r.SourceDataset }
	case ColSourceURL:
		get = func(r *Record) string { return r.SourceURL }
	default:
		return nil, false
	}

	out := make([]string, len(t.Records))
	for i := range t.Records {
		out[i] = get(&t.Records[i])
	}
	return out, true
}

// StableID hashes a natural key into a 16-hex-char identifier. Parts are
// NFC-normalized and joined with "|" so visually identical keys collide.
func StableID(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, p := range parts {
		normalized[i] = norm.NFC.String(p)
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// YearStart returns January 1st of year in UTC.
func YearStart(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}
