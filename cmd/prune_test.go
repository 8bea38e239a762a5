package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/seed-platform/seedctl/internal/config"
	"github.com/seed-platform/seedctl/internal/model"
)

func testPruneConfig() *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite"},
		Prune: config.PruneConfig{
			Depth:       5,
			Kinds:       []string{"property", "taxlot"},
			Concurrency: 1,
		},
	}
}

func newPruneFlagCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "prune"}
	addPruneFlags(c)
	require.NoError(t, c.ParseFlags(args))
	return c
}

func TestPruneSettings_Defaults(t *testing.T) {
	cfg = testPruneConfig()
	cfg.Prune.DryRun = true
	cfg.Prune.OrganizationID = 9

	s, err := pruneSettingsFromFlags(newPruneFlagCmd(t))
	require.NoError(t, err)
	assert.Equal(t, model.AllKinds, s.kinds)
	assert.Equal(t, 5, s.opts.Depth)
	assert.True(t, s.opts.DryRun)
	assert.Equal(t, int64(9), s.opts.Scope.OrganizationID)
	assert.Equal(t, 1, s.concurrency)
	assert.Empty(t, s.reportPath)
}

func TestPruneSettings_FlagsOverrideConfig(t *testing.T) {
	cfg = testPruneConfig()
	cfg.Prune.DryRun = true

	s, err := pruneSettingsFromFlags(newPruneFlagCmd(t,
		"--kind", "tax_lot", "--depth", "2", "--org", "3", "--dry-run=false", "--concurrency", "2", "--report", "out.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, []model.EntityKind{model.KindTaxLot}, s.kinds)
	assert.Equal(t, 2, s.opts.Depth)
	assert.Equal(t, int64(3), s.opts.Scope.OrganizationID)
	assert.False(t, s.opts.DryRun)
	assert.Equal(t, 2, s.concurrency)
	assert.Equal(t, "out.xlsx", s.reportPath)
}

func TestPruneSettings_KindAll(t *testing.T) {
	cfg = testPruneConfig()
	cfg.Prune.Kinds = []string{"property"}

	s, err := pruneSettingsFromFlags(newPruneFlagCmd(t, "--kind", "all"))
	require.NoError(t, err)
	assert.Equal(t, model.AllKinds, s.kinds)
}

func TestPruneSettings_Rejects(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--depth", "0"}, "--depth must be at least 1"},
		{[]string{"--depth", "-3"}, "--depth must be at least 1"},
		{[]string{"--org", "-1"}, "--org must not be negative"},
		{[]string{"--concurrency", "0"}, "--concurrency must be at least 1"},
		{[]string{"--kind", "building"}, "unknown entity kind"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			cfg = testPruneConfig()
			_, err := pruneSettingsFromFlags(newPruneFlagCmd(t, tt.args...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFormatPruneRuns(t *testing.T) {
	started := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	completed := started.Add(1250 * time.Millisecond)
	runs := []model.PruneRun{
		{
			ID:            "9f1c2d3e-0000-0000-0000-000000000000",
			Kind:          model.KindProperty,
			Depth:         5,
			Status:        model.PruneStatusComplete,
			TotalStates:   11,
			KeptStates:    9,
			DeletedStates: 2,
			StartedAt:     started,
			CompletedAt:   &completed,
		},
		{
			ID:             "a0b1c2d3-0000-0000-0000-000000000000",
			Kind:           model.KindTaxLot,
			OrganizationID: 4,
			Depth:          5,
			DryRun:         true,
			Status:         model.PruneStatusRunning,
			StartedAt:      started,
		},
	}

	var buf bytes.Buffer
	formatPruneRuns(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "9f1c2d3e")
	assert.NotContains(t, out, "9f1c2d3e-0000")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "1.25s")
	assert.Contains(t, out, "running (dry run)")
	assert.Contains(t, out, "2026-03-02 09:15")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abcdefgh", truncateID("abcdefghijkl"))
	assert.Equal(t, "abc", truncateID("abc"))
}

// TestCommands_EndToEnd drives the CLI against a SQLite database: load a
// fixture, preview the prune, prune, then inspect history and lineage.
func TestCommands_EndToEnd(t *testing.T) {
	fixturePath, err := filepath.Abs(filepath.Join("..", "internal", "fixture", "testdata", "two_cycles.yaml"))
	require.NoError(t, err)

	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("SEED_STORE_DRIVER", "sqlite")
	t.Setenv("SEED_STORE_DATABASE_URL", filepath.Join(dir, "seed.db"))
	t.Setenv("SEED_LOG_LEVEL", "error")

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute(), "seedctl %s", strings.Join(args, " "))
		return out.String()
	}
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	run("migrate")

	out := run("fixture", "load", fixturePath)
	assert.Contains(t, out, "loaded 2 cycles, 3 entities, 14 states")

	reportPath := filepath.Join(dir, "preview.xlsx")
	out = run("prune", "--kind", "all", "--depth", "5", "--dry-run", "--report", reportPath)
	assert.Contains(t, out, "2 (dry run)")
	assert.Contains(t, out, "1 (dry run)")

	f, err := xlsx.OpenFile(reportPath)
	require.NoError(t, err)
	require.Contains(t, f.Sheet, "entities")
	assert.Len(t, f.Sheet["entities"].Rows, 4) // header + 3 entities

	out = run("prune", "--kind", "all", "--depth", "5", "--dry-run=false", "--report", "")
	assert.Contains(t, out, "property")
	assert.NotContains(t, out, "dry run")

	out = run("prune", "history", "--limit", "10")
	assert.Equal(t, 2, strings.Count(out, "complete (dry run)"))
	assert.Equal(t, 4, strings.Count(out, "complete"))

	// main-st is the first property entity; its current state is ms8 (state 8).
	out = run("lineage", "1", "--kind", "property", "--depth", "5")
	assert.Contains(t, out, "Manual Edit")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 7) // header, rule, 5 states
	assert.True(t, strings.HasPrefix(lines[2], "8 "), "newest state first: %q", lines[2])
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "*"))
}
