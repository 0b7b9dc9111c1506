package compliance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRequirementsFile(t *testing.T) {
	path := writeFile(t, "catalog.yaml", `
requirements:
  - id: state-lab
    name: State lab custody rule
    category: State
    controls:
      chain_of_custody: true
      max_processing_hours: 48
    required_documentation: [performer, station]
    specimen_types: [urine]
    penalties:
      critical: Report to the state lab director.
`)
	reqs, err := LoadRequirementsFile(path)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, "state-lab", r.ID)
	assert.True(t, r.Controls.ChainOfCustody)
	assert.Equal(t, 48.0, r.Controls.MaxProcessingHours)
	assert.Equal(t, []string{"performer", "station"}, r.RequiredDocumentation)
	assert.True(t, r.AppliesTo("urine"))
	assert.False(t, r.AppliesTo("blood"))
	assert.Equal(t, "Report to the state lab director.", r.Penalties.Critical)
}

func TestLoadRequirementsFile_DefaultsWhenAbsent(t *testing.T) {
	path := writeFile(t, "catalog.yaml", "locations: []\n")
	reqs, err := LoadRequirementsFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRequirements(), reqs)
}

func TestLoadRequirementsFile_Invalid(t *testing.T) {
	path := writeFile(t, "catalog.yaml", `
requirements:
  - id: bad
    required_documentation: [signature]
`)
	_, err := LoadRequirementsFile(path)
	assert.Error(t, err)

	_, err = LoadRequirementsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
