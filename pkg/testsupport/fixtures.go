package testsupport

import (
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-query-cache/query"
)

//go:embed testdata/*.json
var seedFS embed.FS

// Seed returns the bundled dataset keyed by resource name: tickets that
// reference devices through their machine field, and devices.
func Seed() map[string][]query.Record {
	entries, err := seedFS.ReadDir("testdata")
	if err != nil {
		panic(err)
	}

	out := make(map[string][]query.Record, len(entries))
	for _, entry := range entries {
		raw, err := seedFS.ReadFile("testdata/" + entry.Name())
		if err != nil {
			panic(err)
		}
		var records []query.Record
		if err := json.Unmarshal(raw, &records); err != nil {
			panic(err)
		}
		out[strings.TrimSuffix(entry.Name(), ".json")] = records
	}
	return out
}

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t testing.TB, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err, "failed to load fixture from %s", path)
	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
func LoadFixtureJSON(t testing.TB, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	require.NoError(t, json.Unmarshal(data, dest), "failed to unmarshal JSON fixture from %s", path)
}

// WriteGolden writes test output to a golden file.
// This should typically only be called when updating golden files.
func WriteGolden(t testing.TB, path string, data []byte) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// AssertJSONGolden compares the JSON encoding of actual with a golden file,
// ignoring formatting and key order. A missing golden file is created.
func AssertJSONGolden(t testing.TB, path string, actual any) {
	t.Helper()

	encoded, err := json.MarshalIndent(actual, "", "  ")
	require.NoError(t, err)

	expected, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		t.Logf("Golden file %s does not exist, creating it", path)
		WriteGolden(t, path, encoded)
		return
	}
	require.NoError(t, err, "failed to read golden file %s", path)
	assert.JSONEq(t, string(expected), string(encoded), "output mismatch for %s", path)
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}

// GoldenPath constructs a path to a golden file relative to the testdata directory.
func GoldenPath(filename string) string {
	return filepath.Join("testdata", "golden", filename)
}
