package report

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethpandaops/wavekeeper/pkg/results"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func writeResults(t *testing.T, path string, list []results.Result) {
	t.Helper()

	data, err := json.Marshal(resultsFile{Results: list})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestGenerator_Generate(t *testing.T) {
	dir := t.TempDir()

	writeResults(t, filepath.Join(dir, "FF115.json"), []results.Result{
		{Test: "/dom/a.html", Status: results.StatusOK},
		{Test: "/dom/b.html", Status: results.StatusError, Message: "boom | bad\nline"},
		{Test: "/dom/c.html", Status: results.StatusOK, Subtests: []results.Subtest{
			{Name: "x", Status: results.SubtestPass},
			{Name: "y", Status: results.SubtestFail},
		}},
	})
	writeResults(t, filepath.Join(dir, "CH120.json"), []results.Result{
		{Test: "/dom/a.html", Status: results.StatusOK},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	g := New(testLogger(), nil)
	require.NoError(t, g.Generate(context.Background(), dir, dir, "dom"))

	data, err := os.ReadFile(filepath.Join(dir, ReportFile))
	require.NoError(t, err)

	md := string(data)
	assert.True(t, strings.HasPrefix(md, "# dom\n"))
	assert.Contains(t, md, "| CH120 | 1 | 1 | 0 | 0/0 |")
	assert.Contains(t, md, "| FF115 | 3 | 1 | 2 | 1/2 |")
	assert.Contains(t, md, "## Failed Tests (FF115)")
	assert.Contains(t, md, "| `/dom/b.html` | ERROR | boom \\| bad line |")
	assert.Contains(t, md, "| `/dom/c.html` | OK (1/2) |")
	assert.NotContains(t, md, "## Failed Tests (CH120)")
}

func TestGenerator_GenerateMissingDir(t *testing.T) {
	g := New(testLogger(), nil)

	err := g.Generate(context.Background(), filepath.Join(t.TempDir(), "missing"), t.TempDir(), "dom")
	require.Error(t, err)
}

func TestGenerator_GenerateMulti(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first", "dom", "FF115.json")
	second := filepath.Join(dir, "second", "dom", "CH120.json")

	writeResults(t, first, []results.Result{
		{Test: "/dom/a.html", Status: results.StatusOK},
		{Test: "/dom/b.html", Status: results.StatusTimeout},
	})
	writeResults(t, second, []results.Result{
		{Test: "/dom/a.html", Status: results.StatusError},
	})

	out := t.TempDir()
	g := New(testLogger(), nil)

	err := g.GenerateMulti(context.Background(), out, "dom", []results.ReportInput{
		{Token: "aaaaaaaa-1111", Path: first},
		{Token: "bbbbbbbb-2222", Path: second},
		{Token: "cccc", Path: filepath.Join(dir, "absent.json")},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, results.ComparisonReportFile))
	require.NoError(t, err)

	md := string(data)
	assert.Contains(t, md, "| Test | aaaaaaaa | bbbbbbbb | cccc |")
	assert.Contains(t, md, "| `/dom/a.html` | OK | ERROR | - |")
	assert.Contains(t, md, "| `/dom/b.html` | TIMEOUT | - | - |")
}

func TestGenerator_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeResults(t, filepath.Join(dir, "FF115.json"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := New(testLogger(), nil)
	require.ErrorIs(t, g.Generate(ctx, dir, dir, "dom"), context.Canceled)
}

func TestNoop(t *testing.T) {
	n := NewNoop(testLogger())
	dir := t.TempDir()

	require.NoError(t, n.Generate(context.Background(), dir, dir, "dom"))
	require.NoError(t, n.GenerateMulti(context.Background(), dir, "dom", nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
