package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_CoversEveryKind(t *testing.T) {
	c := DefaultCatalog()
	for _, k := range Kinds() {
		assert.NotEmpty(t, c.System(k), "system prompt for %s", k)
		assert.Contains(t, c.Instruction(k, "S42"), "S42", "instruction for %s", k)
	}
}

func TestLoadCatalog_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  Family:
    instruction: "Write to the guardian of {student_id} in plain language."
`), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "Write to the guardian of S1 in plain language.", c.Instruction(KindFamily, "S1"))
	assert.Equal(t, DefaultCatalog().System(KindFamily), c.System(KindFamily), "unset fields keep defaults")
	assert.Equal(t, DefaultCatalog().Instruction(KindRisk, "S1"), c.Instruction(KindRisk, "S1"))
}

func TestLoadCatalog_Errors(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages:\n  triage:\n    system: x\n"), 0o644))
	_, err = LoadCatalog(path)
	assert.ErrorContains(t, err, "triage")

	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Risk ")
	require.NoError(t, err)
	assert.Equal(t, KindRisk, k)

	_, err = ParseKind("triage")
	assert.Error(t, err)
}
