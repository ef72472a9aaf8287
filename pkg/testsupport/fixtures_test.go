package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeed(t *testing.T) {
	seed := Seed()

	require.Contains(t, seed, "tickets")
	require.Contains(t, seed, "devices")
	assert.Len(t, seed["tickets"], 3)
	assert.Equal(t, "Press A", seed["devices"][0]["name"])
}

func TestLoadFixtureJSON(t *testing.T) {
	var records []map[string]any
	LoadFixtureJSON(t, FixturePath("devices.json"), &records)

	require.Len(t, records, 2)
	assert.Equal(t, float64(10), records[0]["id"])
}

func TestAssertJSONGolden_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden", "out.json")
	value := map[string]any{"b": 2, "a": []int{1}}

	AssertJSONGolden(t, path, value)
	_, err := os.Stat(path)
	require.NoError(t, err)

	// formatting and key order do not matter on the second pass
	require.NoError(t, os.WriteFile(path, []byte(`{"a":[1],"b":2}`), 0644))
	AssertJSONGolden(t, path, value)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("testdata", "tickets.json"), FixturePath("tickets.json"))
	assert.Equal(t, filepath.Join("testdata", "golden", "page.json"), GoldenPath("page.json"))
}
