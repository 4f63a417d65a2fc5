package export

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-dataset-builder/internal/canonical"
)

// FHIRBundleFile is the bundle file name written by FHIR.
const FHIRBundleFile = "fhir_bundle.json"

// FHIRMaxRows bounds how many canonical rows are rendered into a bundle.
const FHIRMaxRows = 200

// Bundle is a FHIR R4 collection bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	ID           string        `json:"id"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry wraps one resource. Resource is a *Patient or *Observation.
type BundleEntry struct {
	Resource any `json:"resource"`
}

// Patient is the minimal FHIR Patient emitted per pseudonymous patient.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Identifier   []Identifier `json:"identifier"`
}

// Identifier is a FHIR Identifier.
type Identifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

// Observation is the minimal FHIR Observation emitted per canonical row.
type Observation struct {
	ResourceType      string          `json:"resourceType"`
	Status            string          `json:"status"`
	Subject           Reference       `json:"subject"`
	Code              CodeableConcept `json:"code"`
	EffectiveDateTime string          `json:"effectiveDateTime"`
	ValueQuantity     Quantity        `json:"valueQuantity"`
}

// Reference is a FHIR Reference.
type Reference struct {
	Reference string `json:"reference"`
}

// CodeableConcept carries only free text.
type CodeableConcept struct {
	Text string `json:"text"`
}

// Quantity is a FHIR Quantity.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// NewBundle renders the first FHIRMaxRows records of t. Each patient appears
// once, before its first observation.
func NewBundle(t *canonical.Table, datasetID string) *Bundle {
	b := &Bundle{ResourceType: "Bundle", Type: "collection", ID: datasetID, Entry: []BundleEntry{}}
	seen := make(map[string]bool)

	n := min(t.Len(), FHIRMaxRows)
	for i := 0; i < n; i++ {
		r := &t.Records[i]
		if !seen[r.PatientID] {
			seen[r.PatientID] = true
			b.Entry = append(b.Entry, BundleEntry{Resource: &Patient{
				ResourceType: "Patient",
				ID:           r.PatientID,
				Identifier:   []Identifier{{System: "urn:dataset", Value: r.PatientID}},
			}})
		}
		b.Entry = append(b.Entry, BundleEntry{Resource: &Observation{
			ResourceType:      "Observation",
			Status:            "final",
			Subject:           Reference{Reference: "Patient/" + r.PatientID},
			Code:              CodeableConcept{Text: r.ObservationCode},
			EffectiveDateTime: r.EventDate.UTC().Format("2006-01-02T15:04:05"),
			ValueQuantity:     Quantity{Value: r.ObservationValueNum, Unit: r.ObservationUnit},
		}})
	}
	return b
}

// FHIR writes the bundle for t into dir and returns its path.
func FHIR(t *canonical.Table, dir, datasetID string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "export: mkdir %s", dir)
	}
	raw, err := json.MarshalIndent(NewBundle(t, datasetID), "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "export: marshal fhir bundle")
	}
	path := filepath.Join(dir, FHIRBundleFile)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", eris.Wrapf(err, "export: write %s", path)
	}
	return path, nil
}
