package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSVOutputListOfMaps(t *testing.T) {
	dir := t.TempDir()
	cfg := &CSVOutputConfig{Directory: dir, Mode: "new_file", Filename: "leads.csv"}

	err := writeCSVOutput(cfg, "score", []any{
		map[string]any{"name": "ACME", "score": 8},
		map[string]any{"name": "Globex", "region": "EU"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "leads.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	// Header is the sorted union of keys.
	assert.Equal(t, "name,region,score", lines[0])
	assert.Equal(t, "ACME,,8", lines[1])
	assert.Equal(t, "Globex,EU,", lines[2])
}

func TestWriteCSVOutputAppendSkipsHeader(t *testing.T) {
	dir := t.TempDir()
	cfg := &CSVOutputConfig{Directory: dir, Mode: "append", Filename: "log.csv"}

	require.NoError(t, writeCSVOutput(cfg, "s", map[string]any{"value": "one"}))
	require.NoError(t, writeCSVOutput(cfg, "s", map[string]any{"value": "two"}))

	data, err := os.ReadFile(filepath.Join(dir, "log.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{"value", "one", "two"}, lines)
}

func TestWriteCSVOutputScalarOutputIsNoop(t *testing.T) {
	dir := t.TempDir()
	cfg := &CSVOutputConfig{Directory: dir, Mode: "new_file"}
	require.NoError(t, writeCSVOutput(cfg, "s", "just text"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
