package storage

import (
	"time"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
)

// CanonicalRow is the on-disk layout of a canonical record.
type CanonicalRow struct {
	RecordID              string  `parquet:"name=record_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	PatientID             string  `parquet:"name=patient_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Sex                   string  `parquet:"name=sex, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	AgeYears              *int64  `parquet:"name=age_years, type=INT64, repetitiontype=OPTIONAL"`
	ConditionCode         string  `parquet:"name=condition_code, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ConditionCodeSystem   string  `parquet:"name=condition_code_system, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ObservationCode       string  `parquet:"name=observation_code, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ObservationCodeSystem string  `parquet:"name=observation_code_system, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ObservationValueNum   float64 `parquet:"name=observation_value_num, type=DOUBLE"`
	ObservationUnit       string  `parquet:"name=observation_unit, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	EventDate             int32   `parquet:"name=event_date, type=INT32, convertedtype=DATE"`
	SourceDataset         string  `parquet:"name=source_dataset, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	SourceURL             string  `parquet:"name=source_url, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Deidentified          bool    `parquet:"name=deidentified, type=BOOLEAN"`
}

const secondsPerDay = 24 * 60 * 60

// DateToDays converts t to days since the Unix epoch (Parquet DATE).
func DateToDays(t time.Time) int32 {
	y, m, d := t.UTC().Date()
	return int32(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / secondsPerDay)
}

// DaysToDate converts a Parquet DATE back to a UTC midnight time.
func DaysToDate(days int32) time.Time {
	return time.Unix(int64(days)*secondsPerDay, 0).UTC()
}

// WriteCanonical persists the canonical records of t. Extras are not written.
func WriteCanonical(path string, t *canonical.Table) error {
	rows := make([]CanonicalRow, len(t.Records))
	for i, r := range t.Records {
		rows[i] = CanonicalRow{
			RecordID:              r.RecordID,
			PatientID:             r.PatientID,
			Sex:                   r.Sex,
			AgeYears:              r.AgeYears,
			ConditionCode:         r.ConditionCode,
			ConditionCodeSystem:   r.ConditionCodeSystem,
			ObservationCode:       r.ObservationCode,
			ObservationCodeSystem: r.ObservationCodeSystem,
			ObservationValueNum:   r.ObservationValueNum,
			ObservationUnit:       r.ObservationUnit,
			EventDate:             DateToDays(r.EventDate),
			SourceDataset:         r.SourceDataset,
			SourceURL:             r.SourceURL,
			Deidentified:          r.Deidentified,
		}
	}
	return WriteRows(path, rows)
}

// ReadCanonical loads a canonical table written by WriteCanonical.
func ReadCanonical(path string) (*canonical.Table, error) {
	rows, err := ReadRows[CanonicalRow](path)
	if err != nil {
		return nil, err
	}
	t := &canonical.Table{Records: make([]canonical.Record, len(rows))}
	for i, r := range rows {
		t.Records[i] = canonical.Record{
			RecordID:              r.RecordID,
			PatientID:             r.PatientID,
			Sex:                   r.Sex,
			AgeYears:              r.AgeYears,
			ConditionCode:         r.ConditionCode,
			ConditionCodeSystem:   r.ConditionCodeSystem,
			ObservationCode:       r.ObservationCode,
			ObservationCodeSystem: r.ObservationCodeSystem,
			ObservationValueNum:   r.ObservationValueNum,
			ObservationUnit:       r.ObservationUnit,
			EventDate:             DaysToDate(r.EventDate),
			SourceDataset:         r.SourceDataset,
			SourceURL:             r.SourceURL,
			Deidentified:          r.Deidentified,
		}
	}
	return t, nil
}
