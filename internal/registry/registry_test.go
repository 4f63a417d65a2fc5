package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalRegistry = `
html_allowlist: [ourworldindata.org]
datasets:
  - id: ds1
    title: "DS1"
    description: "x"
    refresh_cron: "0 * * * *"
    license:
      name: "CC BY 4.0"
      url: "https://creativecommons.org/licenses/by/4.0/"
      attribution: "X"
    pii_policy:
      declared_deidentified: true
    validations_suite: canonical_v1
    output_schemas:
      canonical: canonical_v1
    sources:
      - connector: http_csv
        params:
          url: "https://example.org/x.csv"
          timeout_seconds: 12
          passthrough_columns: [email_address, region]
`

func TestParse_Minimal(t *testing.T) {
	reg, err := Parse([]byte(minimalRegistry))
	require.NoError(t, err)
	require.Len(t, reg.Datasets, 1)

	ds, err := reg.Get("ds1")
	require.NoError(t, err)
	assert.Equal(t, "DS1", ds.Title)
	assert.Equal(t, "canonical_v1", ds.OutputSchemas.Canonical)
	assert.True(t, ds.PIIPolicy.BlockIfSuspected, "block_if_suspected defaults to true")
	assert.True(t, ds.PIIPolicy.DeclaredDeidentified)
	assert.False(t, ds.Continuous.Enabled)
	assert.Equal(t, 60, ds.Continuous.MinIntervalMinutes)
	assert.Equal(t, []string{"ourworldindata.org"}, reg.HTMLAllowlist)
}

func TestParse_ExplicitPolicies(t *testing.T) {
	doc := `
datasets:
  - id: ds1
    title: t
    description: d
    refresh_cron: c
    license: {name: n, url: u, attribution: a}
    pii_policy: {block_if_suspected: false}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    continuous: {enabled: true, min_interval_minutes: 15}
    sources: [{connector: local_file, params: {path: /tmp/x.csv}}]
`
	reg, err := Parse([]byte(doc))
	require.NoError(t, err)
	ds := reg.Datasets[0]
	assert.False(t, ds.PIIPolicy.BlockIfSuspected)
	assert.True(t, ds.Continuous.Enabled)
	assert.Equal(t, 15, ds.Continuous.MinIntervalMinutes)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing datasets", `html_allowlist: []`},
		{"no sources", `
datasets:
  - id: ds1
    title: t
    description: d
    refresh_cron: c
    license: {name: n, url: u, attribution: a}
    pii_policy: {}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    sources: []
`},
		{"missing license", `
datasets:
  - id: ds1
    title: t
    description: d
    refresh_cron: c
    pii_policy: {}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    sources: [{connector: http_csv}]
`},
		{"bad interval type", `
datasets:
  - id: ds1
    title: t
    description: d
    refresh_cron: c
    license: {name: n, url: u, attribution: a}
    pii_policy: {}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    continuous: {min_interval_minutes: soon}
    sources: [{connector: http_csv}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "registry: invalid registry")
		})
	}
}

func TestParse_DuplicateID(t *testing.T) {
	doc := `
datasets:
  - {id: a, title: t, description: d, refresh_cron: c, license: {name: n, url: u, attribution: x}, pii_policy: {}, validations_suite: v, output_schemas: {canonical: c}, sources: [{connector: local_file}]}
  - {id: a, title: t, description: d, refresh_cron: c, license: {name: n, url: u, attribution: x}, pii_policy: {}, validations_suite: v, output_schemas: {canonical: c}, sources: [{connector: local_file}]}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate dataset id "a"`)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("datasets: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry: parse yaml")
}

func TestGet_Unknown(t *testing.T) {
	reg, err := Parse([]byte(minimalRegistry))
	require.NoError(t, err)

	_, err = reg.Get("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDataset))
}

func TestSelect(t *testing.T) {
	reg, err := Parse([]byte(minimalRegistry))
	require.NoError(t, err)

	all, err := reg.Select("")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	one, err := reg.Select("ds1")
	require.NoError(t, err)
	assert.Equal(t, "ds1", one[0].ID)

	_, err = reg.Select("missing")
	assert.ErrorIs(t, err, ErrUnknownDataset)
}

func TestSourceAccessors(t *testing.T) {
	reg, err := Parse([]byte(minimalRegistry))
	require.NoError(t, err)
	src := reg.Datasets[0].Sources[0]

	assert.Equal(t, "https://example.org/x.csv", src.String("url", ""))
	assert.Equal(t, "file", src.String("access_type", "file"))
	assert.Equal(t, "12", src.String("timeout_seconds", ""))
	assert.Equal(t, 12, src.Int("timeout_seconds", 30))
	assert.Equal(t, 30, src.Int("missing", 30))
	assert.Equal(t, []string{"email_address", "region"}, src.Strings("passthrough_columns"))

	csv := Source{Params: map[string]any{"cols": "a, b,,c", "n": "7"}}
	assert.Equal(t, []string{"a", "b", "c"}, csv.Strings("cols"))
	assert.Equal(t, 7, csv.Int("n", 0))
	assert.Nil(t, csv.Strings("absent"))
}

func TestLoad_NumericFields(t *testing.T) {
	entry := func(interval string) string {
		return `
datasets:
  - id: ds1
    title: t
    description: d
    refresh_cron: c
    license: {name: n, url: u, attribution: a}
    pii_policy: {}
    validations_suite: canonical_v1
    output_schemas: {canonical: canonical_v1}
    continuous: {enabled: true, min_interval_minutes: ` + interval + `}
    sources: [{connector: http_csv, params: {url: "https://example.org/x.csv", timeout_seconds: 45}}]
`
	}

	tests := []struct {
		name     string
		interval string
		wantErr  bool
		want     int
	}{
		{"integer", "90", false, 90},
		{"zero", "0", false, 0},
		{"negative", "-5", true, 0},
		{"fractional", "1.5", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "registry.yaml")
			require.NoError(t, os.WriteFile(path, []byte(entry(tt.interval)), 0o644))

			reg, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "registry: invalid registry")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, reg.Datasets[0].Continuous.MinIntervalMinutes)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalRegistry), 0o644))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reg.All(), 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ShippedRegistry(t *testing.T) {
	reg, err := Load(filepath.Join("..", "..", "datasets", "registry.yaml"))
	require.NoError(t, err)

	ds, err := reg.Get("demo_dataset")
	require.NoError(t, err)
	assert.Contains(t, ds.Title, "Life Expectancy")
	assert.Equal(t, "canonical_v1", ds.OutputSchemas.Canonical)
	assert.Contains(t, reg.HTMLAllowlist, "ourworldindata.org")
}
