package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type fixture struct {
	config string
	db     string
	notes  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		config: filepath.Join(dir, "config.toml"),
		db:     filepath.Join(dir, "index", "notes.db"),
		notes:  filepath.Join(dir, "notes"),
	}
	require.NoError(t, os.WriteFile(f.config, []byte("[embedding]\nprovider = \"local\"\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(f.notes, "work"), 0o755))

	notes := map[string]string{
		"work/ml.md":     "---\ntitle: Machine Learning Notes\ntags: [work, ml]\n---\nGradient descent and neural networks.",
		"cooking.md":     "---\ntitle: Weeknight Cooking\ntags: [home]\n---\nPasta with garlic and olive oil.",
		"work/review.md": "# Quarterly Review\nPlanning the machine rollout.",
	}
	for rel, body := range notes {
		require.NoError(t, os.WriteFile(filepath.Join(f.notes, filepath.FromSlash(rel)), []byte(body), 0o644))
	}
	return f
}

func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	full := append([]string{"notesearch", "--log-level", "error", "--env-file", "",
		"--config", f.config, "--db", f.db, "--notes", f.notes}, args...)
	err := app.Run(full)
	return out.String(), err
}

func TestGlobalFlags(t *testing.T) {
	app := newApp()

	t.Run("log-level defaults to info", func(t *testing.T) {
		var level *cli.StringFlag
		for _, flag := range app.Flags {
			if f, ok := flag.(*cli.StringFlag); ok && f.Name == "log-level" {
				level = f
			}
		}
		require.NotNil(t, level)
		assert.Equal(t, "info", level.Value)
	})

	t.Run("invalid log level is rejected", func(t *testing.T) {
		err := newApp().Run([]string{"notesearch", "--log-level", "loud", "version"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("every command has an action or subcommands", func(t *testing.T) {
		for _, cmd := range app.Commands {
			assert.True(t, cmd.Action != nil || len(cmd.Subcommands) > 0, cmd.Name)
		}
	})
}

func TestIndexAndSearch(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "indexed 3, removed 0, queued 3, embedded 3")

	out, err = f.run(t, "search", "--mode", "keyword", "gradient", "descent")
	require.NoError(t, err)
	assert.Contains(t, out, "Machine Learning Notes [work/ml]")
	assert.NotContains(t, out, "Weeknight Cooking")

	out, err = f.run(t, "search", "--json", "--tag", "home", "pasta")
	require.NoError(t, err)
	var resp struct {
		Results []struct {
			DocumentID string
		}
		EventID string
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "cooking", resp.Results[0].DocumentID)
	assert.NotEmpty(t, resp.EventID)

	out, err = f.run(t, "search", "--mode", "keyword", "--tag", "home", "gradient")
	require.NoError(t, err)
	assert.Contains(t, out, "no results")

	_, err = f.run(t, "search", "--mode", "fuzzy", "x")
	assert.Error(t, err)
}

func TestReindexRemovesDeletedNotes(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "index", "--embed=false")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.notes, "cooking.md")))
	out, err := f.run(t, "index", "--embed=false")
	require.NoError(t, err)
	assert.Contains(t, out, "indexed 2, removed 1")

	out, err = f.run(t, "status")
	require.NoError(t, err)
	var status struct {
		Documents int `json:"documents"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 2, status.Documents)
}

func TestSuggestAndAnalytics(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "index")
	require.NoError(t, err)

	out, err := f.run(t, "suggest", "mach")
	require.NoError(t, err)
	assert.Contains(t, out, "Machine Learning Notes")

	out, err = f.run(t, "suggest", "#wo")
	require.NoError(t, err)
	assert.Equal(t, "#work\n", out)

	_, err = f.run(t, "search", "neural")
	require.NoError(t, err)

	out, err = f.run(t, "analytics", "--recent", "5")
	require.NoError(t, err)
	var report struct {
		Summary struct {
			Total int `json:"total"`
		} `json:"summary"`
		Recent []struct {
			QueryText string
		} `json:"recent"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Summary.Total)
	require.Len(t, report.Recent, 1)
	assert.Equal(t, "neural", report.Recent[0].QueryText)
}

func TestJobsCommands(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "index")
	require.NoError(t, err)

	out, err := f.run(t, "jobs", "list", "--status", "complete")
	require.NoError(t, err)
	assert.Contains(t, out, "DOCUMENT")
	assert.Contains(t, out, "work/ml")

	_, err = f.run(t, "jobs", "list", "--status", "stuck")
	assert.Error(t, err)

	_, err = f.run(t, "jobs", "retry", "work/ml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no failed embedding job")
}

func TestConfigInit(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"notesearch", "--log-level", "error", "--config", path, "config", "init"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[search]")

	err = newApp().Run([]string{"notesearch", "--log-level", "error", "--config", path, "config", "init"})
	assert.Error(t, err)

	shown, err := f.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, shown, "local")
}

func TestVersionCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "notesearch dev")
	assert.Contains(t, out, "SQLite Driver:")
}
