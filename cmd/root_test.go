package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"analyze", "batch", "summary", "stage", "students", "interventions", "migrate", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "retention-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestBatchCommand_Flags(t *testing.T) {
	for _, name := range []string{"file", "limit", "min-risk", "json"} {
		assert.NotNil(t, batchCmd.Flags().Lookup(name), "batch should have --%s", name)
	}
	limit := batchCmd.Flags().Lookup("limit")
	assert.Equal(t, "100", limit.DefValue)
}

func TestServeCommand_PortFlag(t *testing.T) {
	f := serveCmd.Flags().Lookup("port")
	require.NotNil(t, f)
	assert.Equal(t, "8080", f.DefValue)
}

func TestInterventionsCreate_RequiredFlags(t *testing.T) {
	for _, name := range []string{"type", "description"} {
		f := interventionsCreateCmd.Flags().Lookup(name)
		require.NotNil(t, f)
		assert.Equal(t, []string{"true"}, f.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	}
}

// execute runs rootCmd against a fresh SQLite database and returns stdout.
func execute(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("RETENTION_STORE_DRIVER", "sqlite")
	t.Setenv("RETENTION_STORE_DATABASE_URL", dbPath)
	t.Setenv("RETENTION_STAGES_BACKEND", "rules")
	t.Setenv("RETENTION_LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAnalyze_EndToEnd(t *testing.T) {
	chdirTemp(t)
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	out, err := execute(t, dbPath, "analyze", "student_high_risk", "--json")
	require.NoError(t, err)

	var outcome struct {
		SubjectID string `json:"student_id"`
		Status    string `json:"status"`
		Branch    string `json:"branch"`
		RiskLevel string `json:"risk_level"`
		Summary   string `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, "student_high_risk", outcome.SubjectID)
	assert.Equal(t, "complete", outcome.Status)
	assert.Equal(t, "supported", outcome.Branch)
	assert.Equal(t, "High", outcome.RiskLevel)
	assert.Contains(t, outcome.Summary, "## Student Analysis Summary")

	// A later process has no cache and reads the store.
	out, err = execute(t, dbPath, "summary", "student_high_risk", "--json")
	require.NoError(t, err)
	var report struct {
		Source    string `json:"source"`
		RiskLevel string `json:"risk_level"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "store", report.Source)
	assert.Equal(t, "High", report.RiskLevel)

	out, err = execute(t, dbPath, "interventions", "list", "student_high_risk")
	require.NoError(t, err)
	assert.Contains(t, out, "Academic")
	assert.Contains(t, out, "Pending")
}

func TestSummary_UnknownStudent(t *testing.T) {
	chdirTemp(t)
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	out, err := execute(t, dbPath, "summary", "nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "No history found for student nobody")
}

func TestStage_BadKind(t *testing.T) {
	chdirTemp(t)
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	_, err := execute(t, dbPath, "stage", "triage", "S1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "triage")
}
