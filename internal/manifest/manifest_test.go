package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 999, time.FixedZone("IST", 5*3600+1800))
	ts := Timestamp(at)
	assert.Equal(t, "20260101T213405Z", ts)

	parsed, err := ParseTimestamp(ts)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(at.Truncate(time.Second)))

	_, err = ParseTimestamp("2026-01-01")
	assert.Error(t, err)
	assert.Len(t, Now(), len(TimestampLayout))
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds", "20260101T000000Z", FileName)
	m := &Manifest{
		DatasetID:   "ds",
		Timestamp:   "20260101T000000Z",
		RowCount:    2,
		Hashes:      []FileDigest{{Path: "a", SHA256: "b"}},
		PIIFindings: []PIIFinding{{Field: "email_address", Reason: "column_name_hint"}},
		Exporters:   Exporters{OMOP: map[string]string{"person": "p"}, FHIR: "f"},
		Models:      map[string]string{"model": "m"},
	}
	require.NoError(t, Write(path, m))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, key := range []string{"dataset_id", "timestamp", "schema_version", "row_count", "hashes",
		"provenance", "license", "validation", "pii_findings", "gold_outputs", "codebook", "exporters", "models"} {
		assert.Contains(t, string(raw), `"`+key+`"`)
	}
	assert.NotContains(t, string(raw), `"warehouse"`)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be cleaned up")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestWrite_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Write(path, &Manifest{DatasetID: "first"}))

	err := Write(path, &Manifest{DatasetID: "second"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExists))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "first", got.DatasetID)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), FileName))
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestLatest(t *testing.T) {
	root := t.TempDir()
	stamps := []string{"20250101T000000Z", "20260301T120000Z", "20251231T235959Z"}
	for _, ts := range stamps {
		require.NoError(t, Write(filepath.Join(root, "ds", ts, FileName), &Manifest{DatasetID: "ds", Timestamp: ts}))
	}
	// A newer run that failed before writing its manifest.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ds", "20990101T000000Z"), 0o755))
	// Stray files at the dataset level are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "ds", "notes.txt"), []byte("x"), 0o644))

	path, err := Latest(root, "ds")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ds", "20260301T120000Z", FileName), path)

	m, _, err := LoadLatest(root, "ds")
	require.NoError(t, err)
	assert.Equal(t, "20260301T120000Z", m.Timestamp)

	at, err := LatestTime(root, "ds")
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), *at)
}

func TestLatest_NoManifest(t *testing.T) {
	root := t.TempDir()
	_, err := Latest(root, "missing")
	assert.ErrorIs(t, err, ErrNoManifest)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "failed", "20260101T000000Z"), 0o755))
	_, err = Latest(root, "failed")
	assert.ErrorIs(t, err, ErrNoManifest)

	at, err := LatestTime(root, "failed")
	require.NoError(t, err)
	assert.Nil(t, at)
}

func TestDigest(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("health", 50_000) // spans several chunks
	files := map[string]string{"a.txt": "alpha", "b.bin": big, "c.txt": ""}
	var paths []string
	for _, name := range []string{"a.txt", "b.bin", "c.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(files[name]), 0o644))
		paths = append(paths, p)
	}

	digests, err := Digest(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, digests, 3)
	for i, name := range []string{"a.txt", "b.bin", "c.txt"} {
		sum := sha256.Sum256([]byte(files[name]))
		assert.Equal(t, paths[i], digests[i].Path)
		assert.Equal(t, hex.EncodeToString(sum[:]), digests[i].SHA256)
	}

	_, err = Digest(context.Background(), []string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("two"), 0o644))

	digests, err := Digest(context.Background(), []string{a, b})
	require.NoError(t, err)
	m := &Manifest{Hashes: digests}

	mismatches, err := Verify(context.Background(), m)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	require.NoError(t, os.WriteFile(a, []byte("changed"), 0o644))
	require.NoError(t, os.Remove(b))
	mismatches, err = Verify(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, mismatches, 2)
	assert.Equal(t, a, mismatches[0].Path)
	assert.NotEmpty(t, mismatches[0].Actual)
	assert.Equal(t, b, mismatches[1].Path)
	assert.Empty(t, mismatches[1].Actual)
}

func TestLayout(t *testing.T) {
	dir := t.TempDir()
	l := NewLayout(filepath.Join(dir, "data"), filepath.Join(dir, "manifests"), "ds", "20260101T000000Z")
	assert.Equal(t, filepath.Join(dir, "data", "bronze", "ds", "20260101T000000Z"), l.Bronze)
	assert.Equal(t, filepath.Join(dir, "data", "gold", "ds", "20260101T000000Z"), l.Gold)
	assert.Equal(t, filepath.Join(dir, "manifests", "ds", "20260101T000000Z", FileName), l.ManifestPath())

	require.NoError(t, l.Create())
	for _, d := range []string{l.Bronze, l.Silver, l.Gold, l.Manifest} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestExportDir(t *testing.T) {
	got := ExportDir("data", "ds", "20260101T000000Z", "20260102T000000Z")
	assert.Equal(t, filepath.Join("data", "exports", "ds", "20260101T000000Z", "20260102T000000Z"), got)
}

func TestLicenseText(t *testing.T) {
	got := LicenseText(License{Name: "CC BY 4.0", URL: "https://cc", Attribution: "OWID"})
	assert.Equal(t, "License: CC BY 4.0\nURL: https://cc\nAttribution: OWID\nThis license metadata is propagated from the dataset registry.\n", got)
}
