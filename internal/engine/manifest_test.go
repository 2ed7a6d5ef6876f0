package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing tenant", "units: []", "tenant is required"},
		{"unit without name", "tenant: a\nunits:\n  - source: x", "name is required"},
		{"source and file", "tenant: a\nunits:\n  - name: A\n    source: x\n    file: a.star", "mutually exclusive"},
		{"missing file", "tenant: a\nunits:\n  - name: A\n    file: nope.star", "nope.star"},
		{"trigger without type", "tenant: a\ntriggers:\n  - unit: A", "unit and type are required"},
		{"task without schedule", "tenant: a\ntasks:\n  - unit: A\n    method: run", "schedule are required"},
		{"unknown key", "tenant: a\nbogus: 1", "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml), t.TempDir())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadManifest_ReadsUnitFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "units", "job.star"), "def run(): pass")
	writeFile(t, filepath.Join(dir, "tenantrt.apply.yaml"), `
tenant: acme
units:
  - name: com.acme.Job
    file: units/job.star
triggers:
  - unit: com.acme.Job
    type: t
    active: false
tasks:
  - unit: com.acme.Job
    method: run
    schedule: "@daily"
`)

	m, err := LoadManifest(filepath.Join(dir, "tenantrt.apply.yaml"))
	require.NoError(t, err)
	require.Len(t, m.Units, 1)
	assert.Equal(t, "def run(): pass", m.Units[0].Source)
	require.Len(t, m.Triggers, 1)
	require.NotNil(t, m.Triggers[0].Active)
	assert.False(t, *m.Triggers[0].Active)
	assert.Equal(t, "@daily", m.Tasks[0].Schedule)
}
