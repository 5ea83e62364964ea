// =============================================================================
// DJ Filer - Configuration Module
// =============================================================================
//
// This module is responsible for loading and managing all configuration files.
// It handles both the main application configuration and per-declaration
// configurations.
//
// CONFIGURATION FILES:
//   1. Main Config (config.yaml): Global application settings
//   2. Declaration Configs (declarations/*.yaml): Per-declaration rules
//      (input file patterns, transformations, consolidation override).
//      Declarations can also be configured inline under `declarations:`.
//
// PRECEDENCE (highest first):
//   1. Command-line flags
//   2. Environment variables (DJ_ prefix, e.g. DJ_LOG_LEVEL)
//   3. The configuration file
//   4. Defaults
//
//   Flags and environment variables are layered with viper in cmd/root.go
//   and applied through ApplyOverrides.
//
// =============================================================================

package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// MAIN CONFIGURATION STRUCTURE
// =============================================================================

// MainConfig holds the global application configuration.
// This is loaded from the main config.yaml file.
type MainConfig struct {
	// =========================================================================
	// DIRECTORY SETTINGS
	// =========================================================================

	// InputDir is where input workbooks and CSV files are placed.
	// Default: "./input"
	InputDir string `yaml:"input_dir"`

	// OutputDir is where filings are written.
	// Default: "./output"
	OutputDir string `yaml:"output_dir"`

	// ReportsDir is where error reports and summaries are written.
	// Default: "./reports"
	ReportsDir string `yaml:"reports_dir"`

	// InputArchiveDir is where processed inputs are moved.
	// Files are only moved here after successful processing.
	// Default: "./input_archive"
	InputArchiveDir string `yaml:"input_archive_dir"`

	// OutputArchiveDir is where filings are archived.
	// Default: "./output_archive"
	OutputArchiveDir string `yaml:"output_archive_dir"`

	// TemplatesDir is where generated Excel templates are written.
	// Default: "./templates"
	TemplatesDir string `yaml:"templates_dir"`

	// DeclarationsDir holds one YAML file per declaration configuration.
	// Default: "./declarations"
	DeclarationsDir string `yaml:"declarations_dir"`

	// ArchiveOnSuccess moves inputs and copies filings to the archive
	// directories after a successful run.
	// Default: false
	ArchiveOnSuccess bool `yaml:"archive_on_success"`

	// ArchiveDateSubdirs stores archives under YYYY/MM/DD subdirectories.
	ArchiveDateSubdirs bool `yaml:"archive_date_subdirs"`

	// =========================================================================
	// LOGGING SETTINGS
	// =========================================================================

	// LogLevel controls the verbosity of logging.
	// Valid values: "debug", "info", "warn", "error"
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// =========================================================================
	// OUTPUT SETTINGS
	// =========================================================================

	// OutputNameFormat defines the filing file name.
	// Placeholders:
	//   {code}      - Declaration code
	//   {timestamp} - Current timestamp (YYYYMMDD_HHMMSS)
	//   {date}      - Current date (YYYYMMDD)
	//   {uuid}      - A random UUID
	//
	// The extension is always the last three characters of the code.
	// Default: "DJ{code}_{timestamp}"
	OutputNameFormat string `yaml:"output_name_format"`

	// =========================================================================
	// PROCESSING SETTINGS
	// =========================================================================

	// MaxConcurrency is the maximum number of input files processed
	// concurrently in batch mode.
	// Default: 4
	MaxConcurrency int `yaml:"max_concurrency"`

	// ContinueOnError keeps processing other files in batch mode when one
	// fails.
	// Default: true
	ContinueOnError *bool `yaml:"continue_on_error"`

	Metadata   MetadataSettings   `yaml:"metadata"`
	Storage    StorageSettings    `yaml:"storage"`
	Company    CompanySettings    `yaml:"company"`
	Input      InputSettings      `yaml:"input"`
	Validation ValidationSettings `yaml:"validation"`
	Encoding   EncodingSettings   `yaml:"encoding"`

	// Declarations holds inline per-declaration settings keyed by code.
	// Files in DeclarationsDir are merged in by LoadDeclarationConfigs.
	Declarations map[string]*DeclarationConfig `yaml:"declarations"`
}

// MetadataSettings selects the declaration metadata store.
type MetadataSettings struct {
	// Driver is "yaml" or "sqlite".
	// Default: "yaml"
	Driver string `yaml:"driver"`

	// Path is the YAML metadata file.
	// Default: "./metadata/declaraciones.yaml"
	Path string `yaml:"path"`

	// DSN is the SQLite database for the "sqlite" driver.
	DSN string `yaml:"dsn"`
}

// StorageSettings selects where validated rows are persisted.
type StorageSettings struct {
	// Driver is "none", "sqlite" or "postgres".
	// Default: "none"
	Driver string `yaml:"driver"`

	// DSN is the database connection string.
	DSN string `yaml:"dsn"`

	// Table is the destination table. "{code}" is replaced by the
	// declaration code.
	// Default: "DJ_{code}"
	Table string `yaml:"table"`
}

// CompanySettings identifies the filing company.
type CompanySettings struct {
	RUT  string `yaml:"rut"`
	Name string `yaml:"name"`
	User string `yaml:"user"`
}

// InputSettings groups the input readers' settings.
type InputSettings struct {
	XLSX XLSXSettings `yaml:"xlsx"`
	CSV  CSVSettings  `yaml:"csv"`
}

// XLSXSettings contains settings for reading input workbooks.
type XLSXSettings struct {
	// HeaderRow is the 1-based row holding field codes.
	// Default: 2
	HeaderRow int `yaml:"header_row"`

	// DataStartRow is the 1-based row where data begins.
	// Default: 3
	DataStartRow int `yaml:"data_start_row"`

	// Sheet names the sheet of simple declarations. Empty uses the first.
	Sheet string `yaml:"sheet"`
}

// CSVSettings contains settings for parsing CSV files.
type CSVSettings struct {
	// Delimiter is the character used to separate fields in the CSV.
	// Common values: ";" (semicolon), "," (comma), "|" (pipe), "\t" (tab)
	// Default: ";"
	Delimiter string `yaml:"delimiter"`

	// HeaderRows is the number of header rows in the CSV file. The last
	// non-empty value of each column is the field code.
	// Default: 1
	HeaderRows int `yaml:"header_rows"`

	// DataStartRow is the row number where the actual data begins.
	// Row numbering starts at 1.
	// Default: HeaderRows + 1
	DataStartRow int `yaml:"data_start_row"`

	// Encoding is the character encoding of the CSV file.
	// Values: "UTF-8", "ISO-8859-1", "Windows-1252"
	// Default: "UTF-8"
	Encoding string `yaml:"encoding"`
}

// ValidationSettings tunes the table validator.
type ValidationSettings struct {
	// Workers is the number of goroutines validating rows.
	// Default: number of CPUs
	Workers int `yaml:"workers"`

	// MaxErrorsShown limits the errors printed on the console.
	// Default: 20
	MaxErrorsShown int `yaml:"max_errors_shown"`
}

// EncodingSettings tunes the positional encoder.
type EncodingSettings struct {
	// StrictLength refuses to write a filing when a field has no positive
	// length, since its lines would not be fixed-width.
	// Default: false
	StrictLength bool `yaml:"strict_length"`
}

// =============================================================================
// DECLARATION CONFIGURATION STRUCTURE
// =============================================================================

// DeclarationConfig holds the configuration for a specific declaration.
type DeclarationConfig struct {
	// Code is the declaration code, e.g. "1922".
	Code string `yaml:"code"`

	// FileMatchingPatterns are glob patterns selecting this declaration's
	// files in the input directory when processing in batch.
	// Examples:
	//   - "ventas_*.xlsx"
	//   - "dj1948_*.xlsx"
	// Default: "*.xlsx", "*.csv"
	FileMatchingPatterns []string `yaml:"file_matching_patterns"`

	// Consolidation overrides the strategy stored in the metadata
	// ("CONCATENATION" or "UNION").
	Consolidation string `yaml:"consolidation"`

	// OutputNameFormat overrides the global filing name format.
	OutputNameFormat string `yaml:"output_name_format"`

	// CSV overrides the global CSV settings for this declaration.
	CSV *CSVSettings `yaml:"csv"`

	// TransformationRules defines field-level transformation rules.
	// These are applied to the data before validation.
	TransformationRules []TransformationRule `yaml:"transformation_rules"`
}

// =============================================================================
// TRANSFORMATION RULE STRUCTURE
// =============================================================================

// TransformationRule defines a transformation to apply to a specific field.
type TransformationRule struct {
	// Field is the code of the field to transform, e.g. "C3".
	Field string `yaml:"field"`

	// Actions is a list of transformations to apply to this field.
	// Actions are applied in order.
	Actions []TransformationAction `yaml:"actions"`
}

// TransformationAction defines a single transformation action.
type TransformationAction struct {
	// Type is the type of transformation to apply.
	// Supported types:
	//   - "trim"                : Remove leading and trailing whitespace
	//   - "uppercase"           : Convert to uppercase
	//   - "lowercase"           : Convert to lowercase
	//   - "prepend_string"      : Add a string to the beginning of the value
	//   - "append_string"       : Add a string to the end of the value
	//   - "pad_zeros_to_length" : Pad with leading zeros to a specific length
	//   - "remove_leading_zeros": Strip leading zeros
	//   - "replace"             : Replace a substring with another
	//   - "regex_replace"       : Replace using a regular expression
	//   - "normalize_whitespace": Collapse runs of whitespace
	//   - "extract_digits"      : Keep only digits
	//   - "lookup"              : Replace value using a lookup table
	//   - "lookup_with_default" : Lookup, using Value for unknown entries
	//   - "if_empty_use_default": Use Value when the cell is empty
	//   - "if_empty_use_field"  : Use the field named by Value when empty
	//   - "clean_rut"           : Normalize a RUT to NNNNNNNN-D
	//   - "format_rut"          : Format a RUT as NN.NNN.NNN-D
	Type string `yaml:"type"`

	// Value is the parameter for the transformation.
	// The meaning depends on the transformation type:
	//   - "prepend_string"      : The string to prepend
	//   - "append_string"       : The string to append
	//   - "pad_zeros_to_length" : The target length (as a string, e.g., "12")
	//   - "replace"             : The replacement string
	//   - "regex_replace"       : The replacement (may use $1 etc.)
	Value string `yaml:"value"`

	// Find is used for "replace" and "regex_replace" transformations.
	// It specifies the substring or pattern to find.
	Find string `yaml:"find,omitempty"`

	// LookupTable is used for "lookup" transformations.
	// Values without an entry are kept.
	// Example:
	//   lookup_table:
	//     "FACTURA": "33"
	//     "BOLETA": "39"
	LookupTable map[string]string `yaml:"lookup_table,omitempty"`
}

// =============================================================================
// CONFIGURATION LOADING FUNCTIONS
// =============================================================================

// Default returns the configuration used when no file is present.
func Default() *MainConfig {
	config := &MainConfig{}
	applyMainConfigDefaults(config)
	return config
}

// LoadMainConfig loads the main configuration from a YAML file.
//
// PARAMETERS:
//   - fs: The filesystem to read from.
//   - configPath: The path to the main configuration file.
//
// RETURNS:
//   - A pointer to the MainConfig struct, defaults applied.
//   - An error if the file cannot be read, parsed or validated.
func LoadMainConfig(fs afero.Fs, configPath string) (*MainConfig, error) {
	data, err := afero.ReadFile(fs, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config MainConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyMainConfigDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyMainConfigDefaults sets default values for any unset configuration options.
func applyMainConfigDefaults(config *MainConfig) {
	if config.InputDir == "" {
		config.InputDir = "./input"
	}
	if config.OutputDir == "" {
		config.OutputDir = "./output"
	}
	if config.ReportsDir == "" {
		config.ReportsDir = "./reports"
	}
	if config.InputArchiveDir == "" {
		config.InputArchiveDir = "./input_archive"
	}
	if config.OutputArchiveDir == "" {
		config.OutputArchiveDir = "./output_archive"
	}
	if config.TemplatesDir == "" {
		config.TemplatesDir = "./templates"
	}
	if config.DeclarationsDir == "" {
		config.DeclarationsDir = "./declarations"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.OutputNameFormat == "" {
		config.OutputNameFormat = "DJ{code}_{timestamp}"
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.ContinueOnError == nil {
		t := true
		config.ContinueOnError = &t
	}

	if config.Metadata.Driver == "" {
		config.Metadata.Driver = "yaml"
	}
	if config.Metadata.Path == "" {
		config.Metadata.Path = "./metadata/declaraciones.yaml"
	}
	if config.Storage.Driver == "" {
		config.Storage.Driver = "none"
	}
	if config.Storage.Table == "" {
		config.Storage.Table = "DJ_{code}"
	}

	if config.Input.XLSX.HeaderRow <= 0 {
		config.Input.XLSX.HeaderRow = 2
	}
	if config.Input.XLSX.DataStartRow <= config.Input.XLSX.HeaderRow {
		config.Input.XLSX.DataStartRow = config.Input.XLSX.HeaderRow + 1
	}
	applyCSVDefaults(&config.Input.CSV)

	if config.Validation.Workers <= 0 {
		config.Validation.Workers = runtime.NumCPU()
	}
	if config.Validation.MaxErrorsShown <= 0 {
		config.Validation.MaxErrorsShown = 20
	}

	for code, decl := range config.Declarations {
		if decl == nil {
			decl = &DeclarationConfig{}
			config.Declarations[code] = decl
		}
		if decl.Code == "" {
			decl.Code = code
		}
		applyDeclarationConfigDefaults(decl)
	}
}

func applyCSVDefaults(settings *CSVSettings) {
	if settings.Delimiter == "" {
		settings.Delimiter = ";"
	}
	if settings.HeaderRows <= 0 {
		settings.HeaderRows = 1
	}
	if settings.DataStartRow <= settings.HeaderRows {
		settings.DataStartRow = settings.HeaderRows + 1
	}
	if settings.Encoding == "" {
		settings.Encoding = "UTF-8"
	}
}

// Validate checks the enumerated settings.
func (c *MainConfig) Validate() error {
	var problems []string

	switch strings.ToLower(c.Metadata.Driver) {
	case "yaml", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("metadata.driver %q (expected yaml or sqlite)", c.Metadata.Driver))
	}
	if strings.EqualFold(c.Metadata.Driver, "sqlite") && c.Metadata.DSN == "" {
		problems = append(problems, "metadata.dsn is required for the sqlite driver")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "none":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			problems = append(problems, fmt.Sprintf("storage.dsn is required for the %s driver", c.Storage.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q (expected none, sqlite or postgres)", c.Storage.Driver))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q", c.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

// overrideKeys are the scalar settings viper may override.
var overrideKeys = []string{
	"log_level",
	"input_dir",
	"output_dir",
	"reports_dir",
	"output_name_format",
	"metadata.driver",
	"metadata.path",
	"metadata.dsn",
	"storage.driver",
	"storage.dsn",
	"storage.table",
	"company.rut",
	"company.name",
	"company.user",
	"validation.workers",
}

// OverrideKeys returns the keys ApplyOverrides reads, for binding
// environment variables.
func OverrideKeys() []string {
	return append([]string(nil), overrideKeys...)
}

// ApplyOverrides copies every key set in v (by flag or environment) onto
// the configuration.
func (c *MainConfig) ApplyOverrides(v *viper.Viper) {
	set := func(key string, dst *string) {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetString(key)
		}
	}

	set("log_level", &c.LogLevel)
	set("input_dir", &c.InputDir)
	set("output_dir", &c.OutputDir)
	set("reports_dir", &c.ReportsDir)
	set("output_name_format", &c.OutputNameFormat)
	set("metadata.driver", &c.Metadata.Driver)
	set("metadata.path", &c.Metadata.Path)
	set("metadata.dsn", &c.Metadata.DSN)
	set("storage.driver", &c.Storage.Driver)
	set("storage.dsn", &c.Storage.DSN)
	set("storage.table", &c.Storage.Table)
	set("company.rut", &c.Company.RUT)
	set("company.name", &c.Company.Name)
	set("company.user", &c.Company.User)

	if v.IsSet("validation.workers") && v.GetInt("validation.workers") > 0 {
		c.Validation.Workers = v.GetInt("validation.workers")
	}
}

// =============================================================================
// DECLARATION CONFIGURATIONS
// =============================================================================

// Declaration returns the settings for code. Unconfigured declarations get
// defaults.
func (c *MainConfig) Declaration(code string) *DeclarationConfig {
	if decl, ok := c.Declarations[code]; ok && decl != nil {
		return decl
	}
	decl := &DeclarationConfig{Code: code}
	applyDeclarationConfigDefaults(decl)
	return decl
}

// CSVSettingsFor returns the CSV settings for code.
func (c *MainConfig) CSVSettingsFor(code string) CSVSettings {
	if decl := c.Declaration(code); decl.CSV != nil {
		return *decl.CSV
	}
	return c.Input.CSV
}

// NameFormatFor returns the filing name format for code.
func (c *MainConfig) NameFormatFor(code string) string {
	if decl := c.Declaration(code); decl.OutputNameFormat != "" {
		return decl.OutputNameFormat
	}
	return c.OutputNameFormat
}

// LoadDeclarationConfigs loads every declaration file of DeclarationsDir
// and merges them into c.Declarations. Inline declarations win over files
// for the same code.
//
// RETURNS:
//   - The codes loaded from files, sorted.
//   - An error if any file cannot be parsed. A missing directory is not
//     an error.
func (c *MainConfig) LoadDeclarationConfigs(fs afero.Fs) ([]string, error) {
	if ok, _ := afero.DirExists(fs, c.DeclarationsDir); !ok {
		return nil, nil
	}

	files, err := afero.Glob(fs, filepath.Join(c.DeclarationsDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list declaration configs: %w", err)
	}
	ymlFiles, err := afero.Glob(fs, filepath.Join(c.DeclarationsDir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list declaration configs: %w", err)
	}
	files = append(files, ymlFiles...)
	sort.Strings(files)

	if c.Declarations == nil {
		c.Declarations = make(map[string]*DeclarationConfig)
	}

	var loaded []string
	for _, file := range files {
		decl, err := loadDeclarationConfig(fs, file)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}

		// Use the code as the key; files without one are keyed by name.
		key := decl.Code
		if key == "" {
			key = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			decl.Code = key
		}

		if _, inline := c.Declarations[key]; inline {
			continue
		}
		c.Declarations[key] = decl
		loaded = append(loaded, key)
	}

	sort.Strings(loaded)
	return loaded, nil
}

func loadDeclarationConfig(fs afero.Fs, filePath string) (*DeclarationConfig, error) {
	data, err := afero.ReadFile(fs, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var decl DeclarationConfig
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("failed to parse file: %w", err)
	}

	applyDeclarationConfigDefaults(&decl)
	return &decl, nil
}

func applyDeclarationConfigDefaults(decl *DeclarationConfig) {
	if len(decl.FileMatchingPatterns) == 0 {
		decl.FileMatchingPatterns = []string{"*.xlsx", "*.csv"}
	}
	if decl.CSV != nil {
		applyCSVDefaults(decl.CSV)
	}
	decl.Consolidation = strings.ToUpper(strings.TrimSpace(decl.Consolidation))
}
