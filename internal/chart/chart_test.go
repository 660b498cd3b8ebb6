package chart_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelgrab/reelgrab/internal/chart"
)

const sampleChart = `# Weekly Chart

1. [ABP-123] Some Title
2. [SSIS-001] Another Title
3. [ABP-123] Duplicate entry
4. plain mention of MIDE-9876 inline

not-a-code: ab-12, ABC-1, X-123
`

func TestExtractSerials(t *testing.T) {
	t.Run("OrderedAndDeduplicated", func(t *testing.T) {
		serials := chart.ExtractSerials(sampleChart)
		assert.Equal(t, []string{"ABP-123", "SSIS-001", "MIDE-9876"}, serials)
	})

	t.Run("RejectsShortForms", func(t *testing.T) {
		assert.Nil(t, chart.ExtractSerials("ab-12 ABC-1 X-123 A-1"))
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Nil(t, chart.ExtractSerials(""))
	})
}

func TestParse(t *testing.T) {
	entries, err := chart.Parse(strings.NewReader(sampleChart))
	require.NoError(t, err)

	require.Len(t, entries, 3)
	assert.Equal(t, chart.Entry{SerialCode: "ABP-123", Position: 1}, entries[0])
	assert.Equal(t, chart.Entry{SerialCode: "SSIS-001", Position: 2}, entries[1])
	assert.Equal(t, chart.Entry{SerialCode: "MIDE-9876", Position: 3}, entries[2])
}

func TestParseDir(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-week.md"),
		[]byte("ABP-123 SSIS-001"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-week.md"),
		[]byte("SSIS-001 MIDE-9876"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("IGNORED-123"), 0o644))

	entries, err := chart.ParseDir(dir)
	require.NoError(t, err)

	var serials []string
	for _, e := range entries {
		serials = append(serials, e.SerialCode)
	}
	assert.Equal(t, []string{"ABP-123", "SSIS-001", "MIDE-9876"}, serials)

	assert.Equal(t, "01-week.md", entries[0].Source)
	assert.Equal(t, "01-week.md", entries[1].Source, "first file wins for duplicates")
	assert.Equal(t, "02-week.md", entries[2].Source)
}

func TestParseDirMissing(t *testing.T) {
	_, err := chart.ParseDir(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
