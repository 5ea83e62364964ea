package processor

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBatch(t *testing.T) {
	p, fs := newTestProcessor(t, testConfig())
	require.NoError(t, afero.WriteFile(fs, "in/a_valida.csv", []byte("C1;C2;C5\n20240301;33;CLIENTE A\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "in/b_invalida.csv", []byte("C1;C2;C5\n20240301;-5;CLIENTE B\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "in/notas.md", []byte("ignored"), 0o644))

	out, err := p.RunBatch(context.Background(), BatchRequest{Code: "1922"})
	require.NoError(t, err)

	assert.Equal(t, 2, out.Summary.TotalFiles)
	assert.Equal(t, 1, out.Summary.SuccessfulFiles)
	assert.Equal(t, 1, out.Summary.FailedFiles)
	assert.Equal(t, 2, out.Summary.TotalRows)
	assert.Equal(t, 2, out.Summary.TotalErrors)

	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Success)
	assert.Equal(t, "out/DJ1922_20240315_093000_a_valida.922", out.Results[0].OutputFile)
	assert.ErrorIs(t, out.Results[1].Error, ErrInvalidData)

	require.Len(t, out.Summary.FailedFilesList, 1)
	assert.Equal(t, "reports/errores_DJ1922_20240315_093000_b_invalida.xlsx", out.Summary.FailedFilesList[0].ReportFile)

	data, err := afero.ReadFile(fs, out.SummaryFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "DJ 1922")
}

func TestRunBatchStopsOnError(t *testing.T) {
	cfg := testConfig()
	stop := false
	cfg.ContinueOnError = &stop
	cfg.MaxConcurrency = 1
	p, fs := newTestProcessor(t, cfg)
	require.NoError(t, afero.WriteFile(fs, "in/a.csv", []byte("C1;C2;C5\n20240301;-5;X\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "in/b.csv", []byte("C1;C2;C5\n20240301;33;Y\n"), 0o644))

	out, err := p.RunBatch(context.Background(), BatchRequest{Code: "1922"})
	require.NoError(t, err)

	assert.Equal(t, 0, out.Summary.SuccessfulFiles)
	assert.Equal(t, 2, out.Summary.FailedFiles)
	assert.Empty(t, out.Results[1].RunID)
}

func TestRunBatchWithoutFiles(t *testing.T) {
	p, _ := newTestProcessor(t, testConfig())

	out, err := p.RunBatch(context.Background(), BatchRequest{Code: "1922"})
	require.NoError(t, err)
	assert.Zero(t, out.Summary.TotalFiles)
	assert.Empty(t, out.SummaryFile)
}
