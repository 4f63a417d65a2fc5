// Package export derives OMOP and FHIR representations from a canonical table.
// Exporters are pure with respect to the table: they only write into dir.
package export

import (
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
	"github.com/sells-group/health-dataset-builder/internal/storage"
)

// OMOP table names, also the keys of the map returned by OMOP.
const (
	OMOPPerson              = "person"
	OMOPObservation         = "observation"
	OMOPConditionOccurrence = "condition_occurrence"
)

// PersonRow is a row of the OMOP person subset.
type PersonRow struct {
	PersonID        int64 `parquet:"name=person_id, type=INT64"`
	GenderConceptID int64 `parquet:"name=gender_concept_id, type=INT64"`
}

// ObservationRow is a row of the OMOP observation subset.
type ObservationRow struct {
	PersonID               int64   `parquet:"name=person_id, type=INT64"`
	ObservationSourceValue string  `parquet:"name=observation_source_value, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ValueAsNumber          float64 `parquet:"name=value_as_number, type=DOUBLE"`
	EventDate              int32   `parquet:"name=event_date, type=INT32, convertedtype=DATE"`
}

// ConditionOccurrenceRow is a row of the OMOP condition_occurrence subset.
type ConditionOccurrenceRow struct {
	PersonID             int64  `parquet:"name=person_id, type=INT64"`
	ConditionSourceValue string `parquet:"name=condition_source_value, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	EventDate            int32  `parquet:"name=event_date, type=INT32, convertedtype=DATE"`
}

// PersonID maps a pseudonymous patient id onto an OMOP person_id using its
// first 12 hex characters.
func PersonID(patientID string) (int64, error) {
	prefix := patientID
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	id, err := strconv.ParseInt(prefix, 16, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "export: patient_id %q is not hex", patientID)
	}
	return id, nil
}

// OMOP writes person, observation and condition_occurrence parquet files
// into dir and returns their paths keyed by table name.
func OMOP(t *canonical.Table, dir string) (map[string]string, error) {
	type personKey struct{ patient, sex string }
	seen := make(map[personKey]bool)

	var (
		persons      []PersonRow
		observations = make([]ObservationRow, 0, t.Len())
		conditions   []ConditionOccurrenceRow
	)
	for i := range t.Records {
		r := &t.Records[i]
		pid, err := PersonID(r.PatientID)
		if err != nil {
			return nil, err
		}
		day := storage.DateToDays(r.EventDate)

		if k := (personKey{r.PatientID, r.Sex}); !seen[k] {
			seen[k] = true
			persons = append(persons, PersonRow{PersonID: pid})
		}
		observations = append(observations, ObservationRow{
			PersonID:               pid,
			ObservationSourceValue: r.ObservationCode,
			ValueAsNumber:          r.ObservationValueNum,
			EventDate:              day,
		})
		if r.ConditionCode != "" {
			conditions = append(conditions, ConditionOccurrenceRow{
				PersonID:             pid,
				ConditionSourceValue: r.ConditionCode,
				EventDate:            day,
			})
		}
	}

	out := map[string]string{
		OMOPPerson:              filepath.Join(dir, OMOPPerson+".parquet"),
		OMOPObservation:         filepath.Join(dir, OMOPObservation+".parquet"),
		OMOPConditionOccurrence: filepath.Join(dir, OMOPConditionOccurrence+".parquet"),
	}
	if err := storage.WriteRows(out[OMOPPerson], persons); err != nil {
		return nil, err
	}
	if err := storage.WriteRows(out[OMOPObservation], observations); err != nil {
		return nil, err
	}
	if err := storage.WriteRows(out[OMOPConditionOccurrence], conditions); err != nil {
		return nil, err
	}
	return out, nil
}
