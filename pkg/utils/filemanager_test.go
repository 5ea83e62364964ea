package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 15, 14, 30, 22, 0, time.UTC)

func newTestManager(t *testing.T) *FileManager {
	t.Helper()
	fm := NewFileManager(afero.NewMemMapFs(), "/in", "/out", "/reports", "/archive/in", "/archive/out")
	fm.Now = func() time.Time { return fixedNow }
	require.NoError(t, fm.EnsureDirectories())
	return fm
}

func TestGenerateOutputFileName(t *testing.T) {
	tests := []struct {
		name   string
		format string
		params map[string]string
		ext    string
		want   string
	}{
		{"default", "", map[string]string{"code": "1922"}, "922", "DJ1922_20240115_143022.922"},
		{"date and period", "DJ{code}_{period}_{date}", map[string]string{"code": "1948", "period": "202401"}, "948", "DJ1948_202401_20240115.948"},
		{"extension kept", "errores_{code}.xlsx", map[string]string{"code": "1922"}, "xlsx", "errores_1922.xlsx"},
		{"no extension", "{code}-{time}", map[string]string{"code": "1922"}, "", "1922-143022"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GenerateOutputFileName(tt.format, tt.params, tt.ext, fixedNow))
		})
	}

	withUUID := GenerateOutputFileName("{uuid}", nil, "922", fixedNow)
	assert.Len(t, strings.TrimSuffix(withUUID, ".922"), 36)
}

func TestDiscoverInputFiles(t *testing.T) {
	fm := newTestManager(t)
	for _, name := range []string{"/in/b.xlsx", "/in/a.csv", "/in/~$b.xlsx", "/in/notes.txt"} {
		require.NoError(t, afero.WriteFile(fm.Fs, name, []byte("x"), 0o644))
	}
	require.NoError(t, fm.Fs.MkdirAll("/in/dir.xlsx", 0o755))

	files, err := fm.DiscoverInputFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"/in/a.csv", "/in/b.xlsx"}, files)

	files, err = fm.DiscoverInputFiles("*.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"/in/notes.txt"}, files)
}

func TestArchiveFiles(t *testing.T) {
	fm := newTestManager(t)
	fm.UseTimestampSubdirs = true
	require.NoError(t, afero.WriteFile(fm.Fs, "/in/ventas.xlsx", []byte("data"), 0o644))
	require.NoError(t, afero.WriteFile(fm.Fs, "/out/DJ1922.922", []byte("line\n"), 0o644))

	archived, err := fm.ArchiveInputFile("/in/ventas.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "/archive/in/2024/01/15/ventas.xlsx", archived)
	assert.False(t, FileExists(fm.Fs, "/in/ventas.xlsx"))

	archived, err = fm.ArchiveOutputFile("/out/DJ1922.922")
	require.NoError(t, err)
	assert.Equal(t, "/archive/out/2024/01/15/DJ1922.922", archived)
	assert.True(t, FileExists(fm.Fs, "/out/DJ1922.922"))

	data, err := afero.ReadFile(fm.Fs, archived)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}

func TestArchiveDisabled(t *testing.T) {
	fm := newTestManager(t)
	fm.ArchiveOnSuccess = false
	require.NoError(t, afero.WriteFile(fm.Fs, "/in/ventas.xlsx", []byte("data"), 0o644))

	got, err := fm.ArchiveInputFile("/in/ventas.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "/in/ventas.xlsx", got)
	assert.True(t, FileExists(fm.Fs, "/in/ventas.xlsx"))
}

func TestWriteFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, WriteFileAtomic(fs, "/a/b/file.txt", []byte("one")))
	require.NoError(t, WriteFileAtomic(fs, "/a/b/file.txt", []byte("two")))

	data, err := afero.ReadFile(fs, "/a/b/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := afero.ReadDir(fs, "/a/b")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteSummaryLog(t *testing.T) {
	fm := newTestManager(t)

	path, err := fm.WriteSummaryLog(ProcessingSummary{
		Declaration:     "1922",
		StartTime:       fixedNow.Add(-time.Minute),
		EndTime:         fixedNow,
		TotalFiles:      2,
		SuccessfulFiles: 1,
		FailedFiles:     1,
		TotalRows:       10,
		ProcessedFiles:  []ProcessedFileInfo{{InputFile: "a.xlsx", OutputFile: "DJ1922.922", Rows: 10}},
		FailedFilesList: []FailedFileInfo{{InputFile: "b.xlsx", ErrorMessage: "3 errores", ReportFile: "errores.xlsx"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "/reports/resumen_DJ1922_20240115_143022.txt", path)

	data, err := afero.ReadFile(fm.Fs, path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "Archivos:  2 (exitosos 1, fallidos 1)")
	assert.Contains(t, text, "Salida:    DJ1922.922")
	assert.Contains(t, text, "Reporte:   errores.xlsx")
}
