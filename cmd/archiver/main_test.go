package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/archive"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

type cliTestEnv struct {
	configPath string
	inputRoot  string
	manifest   string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	env := &cliTestEnv{
		configPath: filepath.Join(base, "config.yaml"),
		inputRoot:  filepath.Join(base, "recordings"),
		manifest:   filepath.Join(base, "logs", "manifest.jsonl"),
	}
	require.NoError(t, os.MkdirAll(env.inputRoot, 0o755))

	config := fmt.Sprintf(`logging:
  level: error
  format: json
archive:
  inputRoot: %q
  manifest: %q
  tempDir: %q
`, env.inputRoot, env.manifest, filepath.Join(base, "tmp"))
	require.NoError(t, os.WriteFile(env.configPath, []byte(config), 0o644))
	return env
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func seedManifest(t *testing.T, path string, entries ...models.ManifestEntry) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	var b strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		b.Write(line)
		b.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func TestRunCommandEmptyArchive(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Processed")
	assert.Contains(t, out, "Skipped")
}

func TestRunCommandMissingInputRoot(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := runCLI(t, env, "run", "--input", filepath.Join(env.inputRoot, "missing"))
	assert.Error(t, err)
}

func TestReportCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	now := time.Now().UTC()
	seedManifest(t, env.manifest,
		models.ManifestEntry{File: "/rec/a.mp4", Status: models.ManifestStatusSuccess, Timestamp: now.Add(-time.Hour)},
		models.ManifestEntry{File: "/rec/b.mp4", Status: models.ManifestStatusError, Error: "ffprobe exited 1", ErrorType: "probe", Timestamp: now},
	)

	out, err := runCLI(t, env, "report")
	require.NoError(t, err)
	assert.Contains(t, out, env.manifest)
	assert.Contains(t, out, "b.mp4")
	assert.Contains(t, out, "ffprobe exited 1")
	assert.NotContains(t, out, "a.mp4")
	assert.Contains(t, out, "Health: warning")
	assert.Contains(t, out, "High failure rate")

	out, err = runCLI(t, env, "report", "--json")
	require.NoError(t, err)

	var summary archive.ManifestSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Files)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "probe", summary.Failures[0].ErrorType)
}

func TestRenderTable(t *testing.T) {
	out := renderTable(
		[]string{"File", "Count"},
		[][]string{{"a.mp4", "3"}, {"b.mp4"}},
		[]columnAlignment{alignLeft, alignRight},
	)
	assert.Contains(t, out, "File")
	assert.Contains(t, out, "a.mp4")
	assert.Contains(t, out, "b.mp4")
	assert.Equal(t, "", renderTable(nil, nil, nil))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n b\t c", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.NotEqual(t, "-", formatTime(time.Now()))
}
