// Package registry loads the declarative dataset registry and exposes typed
// dataset definitions to the build orchestrator.
package registry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://health-dataset-builder/registry.schema.json"

// ErrUnknownDataset is returned when a dataset id is not in the registry.
var ErrUnknownDataset = eris.New("registry: unknown dataset")

// Registry is the parsed registry file. It is read-only once loaded.
type Registry struct {
	HTMLAllowlist []string        `yaml:"html_allowlist" json:"html_allowlist"`
	Datasets      []DatasetConfig `yaml:"datasets" json:"datasets"`

	index map[string]int
}

// DatasetConfig describes one dataset: where it comes from and how it is governed.
type DatasetConfig struct {
	ID               string           `yaml:"id" json:"id"`
	Title            string           `yaml:"title" json:"title"`
	Description      string           `yaml:"description" json:"description"`
	RefreshCron      string           `yaml:"refresh_cron" json:"refresh_cron"`
	License          License          `yaml:"license" json:"license"`
	PIIPolicy        PIIPolicy        `yaml:"pii_policy" json:"pii_policy"`
	ValidationsSuite string           `yaml:"validations_suite" json:"validations_suite"`
	OutputSchemas    OutputSchemas    `yaml:"output_schemas" json:"output_schemas"`
	Continuous       ContinuousPolicy `yaml:"continuous" json:"continuous"`
	Sources          []Source         `yaml:"sources" json:"sources"`
}

// UnmarshalYAML fills policy defaults for datasets that omit the policy blocks.
func (d *DatasetConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DatasetConfig
	out := plain{
		PIIPolicy:  PIIPolicy{BlockIfSuspected: true},
		Continuous: ContinuousPolicy{MinIntervalMinutes: 60},
	}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*d = DatasetConfig(out)
	return nil
}

// License is the license record propagated into every manifest.
type License struct {
	Name        string `yaml:"name" json:"name"`
	URL         string `yaml:"url" json:"url"`
	Attribution string `yaml:"attribution" json:"attribution"`
}

// PIIPolicy controls whether suspected identifiers block a build.
type PIIPolicy struct {
	BlockIfSuspected     bool `yaml:"block_if_suspected" json:"block_if_suspected"`
	DeclaredDeidentified bool `yaml:"declared_deidentified" json:"declared_deidentified"`
}

// UnmarshalYAML applies the default of blocking on suspected PII.
func (p *PIIPolicy) UnmarshalYAML(value *yaml.Node) error {
	type plain PIIPolicy
	out := plain{BlockIfSuspected: true}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*p = PIIPolicy(out)
	return nil
}

// OutputSchemas names the schema versions of each output family.
type OutputSchemas struct {
	Canonical string `yaml:"canonical" json:"canonical"`
	OMOP      string `yaml:"omop" json:"omop,omitempty"`
	FHIR      string `yaml:"fhir" json:"fhir,omitempty"`
}

// ContinuousPolicy controls unattended rebuilds.
type ContinuousPolicy struct {
	Enabled            bool `yaml:"enabled" json:"enabled"`
	MinIntervalMinutes int  `yaml:"min_interval_minutes" json:"min_interval_minutes"`
}

// UnmarshalYAML applies the default minimum interval of one hour.
func (c *ContinuousPolicy) UnmarshalYAML(value *yaml.Node) error {
	type plain ContinuousPolicy
	out := plain{MinIntervalMinutes: 60}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*c = ContinuousPolicy(out)
	return nil
}

// Source is one connector invocation. Only the first source of a dataset is
// consumed by a build.
type Source struct {
	Connector string         `yaml:"connector" json:"connector"`
	Params    map[string]any `yaml:"params" json:"params"`
}

// String returns params[key] rendered as a string, or def when absent.
func (s Source) String(key, def string) string {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Int returns params[key] as an int, or def when absent or unparseable.
func (s Source) Int(key string, def int) int {
	switch v := s.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Strings returns params[key] as a list. A scalar string is split on commas.
func (s Source) Strings(key string) []string {
	switch v := s.Params[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return v
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// Load reads, schema-validates, and decodes the registry file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}
	return Parse(data)
}

// Parse validates and decodes registry YAML.
func Parse(data []byte) (*Registry, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "registry: parse yaml")
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, eris.Wrap(err, "registry: decode")
	}

	reg.index = make(map[string]int, len(reg.Datasets))
	for i, ds := range reg.Datasets {
		if _, dup := reg.index[ds.ID]; dup {
			return nil, eris.Errorf("registry: duplicate dataset id %q", ds.ID)
		}
		reg.index[ds.ID] = i
	}
	return &reg, nil
}

func validateDocument(doc any) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return eris.Wrap(err, "registry: load schema")
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return eris.Wrap(err, "registry: compile schema")
	}

	// Round-trip through JSON so the validator sees JSON-native types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return eris.Wrap(err, "registry: encode document")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return eris.Wrap(err, "registry: decode document")
	}
	if err := schema.Validate(v); err != nil {
		return eris.Wrap(err, "registry: invalid registry")
	}
	return nil
}

// Get returns the dataset with the given id.
func (r *Registry) Get(id string) (DatasetConfig, error) {
	i, ok := r.index[id]
	if !ok {
		return DatasetConfig{}, eris.Wrapf(ErrUnknownDataset, "dataset %q", id)
	}
	return r.Datasets[i], nil
}

// All returns every dataset in file order.
func (r *Registry) All() []DatasetConfig {
	out := make([]DatasetConfig, len(r.Datasets))
	copy(out, r.Datasets)
	return out
}

// Select returns the named dataset, or all datasets when id is empty.
func (r *Registry) Select(id string) ([]DatasetConfig, error) {
	if id == "" {
		return r.All(), nil
	}
	ds, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return []DatasetConfig{ds}, nil
}
