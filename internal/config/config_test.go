package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
input_dir: /data/in
log_level: debug
metadata:
  path: /data/meta.yaml
storage:
  driver: sqlite
  dsn: /data/dj.db
company:
  rut: 76.123.456-0
  name: Comercial Ejemplo SpA
input:
  csv:
    delimiter: "|"
    encoding: ISO-8859-1
validation:
  workers: 2
declarations:
  "1922":
    file_matching_patterns: ["ventas_*.xlsx"]
    transformation_rules:
      - field: C3
        actions:
          - type: clean_rut
`

func TestLoadMainConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/dj/config.yaml", []byte(sampleConfig), 0o644))

	cfg, err := LoadMainConfig(fs, "/etc/dj/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "/data/in", cfg.InputDir)
	assert.Equal(t, "./output", cfg.OutputDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "yaml", cfg.Metadata.Driver)
	assert.Equal(t, "DJ_{code}", cfg.Storage.Table)
	assert.Equal(t, "DJ{code}_{timestamp}", cfg.OutputNameFormat)
	assert.True(t, *cfg.ContinueOnError)
	assert.Equal(t, 2, cfg.Validation.Workers)
	assert.Equal(t, 2, cfg.Input.XLSX.HeaderRow)
	assert.Equal(t, 3, cfg.Input.XLSX.DataStartRow)

	csv := cfg.CSVSettingsFor("1922")
	assert.Equal(t, "|", csv.Delimiter)
	assert.Equal(t, 1, csv.HeaderRows)
	assert.Equal(t, 2, csv.DataStartRow)

	decl := cfg.Declaration("1922")
	assert.Equal(t, "1922", decl.Code)
	assert.Equal(t, []string{"ventas_*.xlsx"}, decl.FileMatchingPatterns)
	require.Len(t, decl.TransformationRules, 1)
	assert.Equal(t, "clean_rut", decl.TransformationRules[0].Actions[0].Type)

	other := cfg.Declaration("1948")
	assert.Equal(t, []string{"*.xlsx", "*.csv"}, other.FileMatchingPatterns)
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	tests := map[string]string{
		"metadata driver": "metadata:\n  driver: access\n",
		"sqlite metadata": "metadata:\n  driver: sqlite\n",
		"storage driver":  "storage:\n  driver: mssql\n",
		"storage dsn":     "storage:\n  driver: postgres\n",
		"log level":       "log_level: loud\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "config.yaml", []byte(doc), 0o644))
			_, err := LoadMainConfig(fs, "config.yaml")
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}

func TestLoadMainConfigMissingFile(t *testing.T) {
	_, err := LoadMainConfig(afero.NewMemMapFs(), "nope.yaml")
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	v := viper.New()
	v.Set("log_level", "warn")
	v.Set("metadata.path", "/other.yaml")
	v.Set("validation.workers", 7)

	cfg.ApplyOverrides(v)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/other.yaml", cfg.Metadata.Path)
	assert.Equal(t, 7, cfg.Validation.Workers)
	assert.Equal(t, "./input", cfg.InputDir)
}

func TestLoadDeclarationConfigs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/decl/1948.yaml", []byte("consolidation: union\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/decl/ventas.yml", []byte("code: \"1922\"\noutput_name_format: \"v_{code}\"\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/decl/1879.yaml", []byte("code: \"1879\"\ncsv:\n  delimiter: \",\"\n"), 0o644))

	cfg := Default()
	cfg.DeclarationsDir = "/decl"
	cfg.Declarations = map[string]*DeclarationConfig{"1922": {Code: "1922"}}

	loaded, err := cfg.LoadDeclarationConfigs(fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"1879", "1948"}, loaded)

	assert.Equal(t, "UNION", cfg.Declaration("1948").Consolidation)
	assert.Equal(t, "DJ{code}_{timestamp}", cfg.NameFormatFor("1922"), "inline declaration wins")
	assert.Equal(t, ",", cfg.CSVSettingsFor("1879").Delimiter)
	assert.Equal(t, "UTF-8", cfg.CSVSettingsFor("1879").Encoding)

	cfg.DeclarationsDir = "/missing"
	loaded, err = cfg.LoadDeclarationConfigs(fs)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
